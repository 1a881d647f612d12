package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NeverVane/promptledger/internal/conflict"
	"github.com/NeverVane/promptledger/internal/remote"
	"github.com/NeverVane/promptledger/internal/storage"
)

// AddRecord logs a new record. Unlinked devices and local-only drafts append
// locally. A linked, unlocked device shows a provisional record at once and
// confirms it with the relay, reverting on failure.
func (e *Engine) AddRecord(ctx context.Context, d Draft) (storage.Record, error) {
	rec := storage.Record{
		Model:          strings.TrimSpace(d.Model),
		Note:           d.Note,
		Timestamp:      time.Now().UTC(),
		ConversationID: d.ConversationID,
		Title:          d.Title,
		IsLocalOnly:    d.LocalOnly,
	}
	if d.OutputTokens != nil {
		rec.OutputTokens = storage.IntPtr(*d.OutputTokens)
	}
	if !d.Timestamp.IsZero() {
		rec.Timestamp = d.Timestamp.UTC()
	}
	if err := rec.Validate(); err != nil {
		return storage.Record{}, fmt.Errorf("invalid record: %w", err)
	}

	e.mu.Lock()
	status := e.statusLocked()
	if status == StatusUnlinked || rec.IsLocalOnly {
		rec.ID = storage.NextLocalID(*e.state.list(rec.IsLocalOnly))
		cmd := &addRecordCmd{record: rec}
		cmd.Apply(&e.state)
		err := e.persistLocked(ctx)
		e.mu.Unlock()
		e.changed()
		return rec, err
	}

	ref, err := e.requireSessionLocked("add_record")
	if err != nil {
		e.mu.Unlock()
		return storage.Record{}, err
	}
	defer ref.wipe()
	if !rec.FitsRemote() {
		e.mu.Unlock()
		return storage.Record{}, fmt.Errorf("invalid record: exceeds the relay size limits, keep it local-only or shorten it: %w", conflict.ErrEditTooLong)
	}
	e.provisionalID--
	rec.ID = e.provisionalID
	rec.AccountID = ref.accountID
	cmd := &addRecordCmd{record: rec}
	cmd.Apply(&e.state)
	e.mu.Unlock()
	e.changed()

	id, err := e.confirmAdd(ctx, ref, rec)
	if err != nil {
		return storage.Record{}, e.revert(ref, cmd, "add_record", err)
	}
	rec.ID = id
	e.afterMutation(ctx, ref, remote.EventRecordsChanged)
	return rec, nil
}

func (e *Engine) confirmAdd(ctx context.Context, ref sessionRef, rec storage.Record) (int64, error) {
	payload, err := e.seal(rec, ref.key)
	if err != nil {
		return 0, err
	}
	token, err := e.accessToken(ref)
	if err != nil {
		return 0, err
	}
	return e.client.AddRecord(ctx, ref.accountID, payload, token)
}

// UpdateRecord edits one record. Local-only records and unlinked devices
// change locally regardless of lock state.
func (e *Engine) UpdateRecord(ctx context.Context, target RecordRef, u RecordUpdate) (storage.Record, error) {
	e.mu.Lock()
	list := e.state.list(target.LocalOnly)
	i := storage.IndexOfRecord(*list, target.ID)
	if i < 0 {
		e.mu.Unlock()
		return storage.Record{}, NewSyncError(KindRecordNotFound, "update_record", "no record "+target.String(), nil)
	}
	previous := (*list)[i].Clone()
	next := u.apply(previous)
	if err := next.Validate(); err != nil {
		e.mu.Unlock()
		return storage.Record{}, fmt.Errorf("invalid record: %w", err)
	}
	cmd := &updateRecordCmd{previous: previous, next: next}

	if target.LocalOnly || e.accountID == "" {
		cmd.Apply(&e.state)
		err := e.persistLocked(ctx)
		e.mu.Unlock()
		e.changed()
		return next, err
	}

	ref, err := e.requireSessionLocked("update_record")
	if err != nil {
		e.mu.Unlock()
		return storage.Record{}, err
	}
	defer ref.wipe()
	if previous.DecryptionFailed && u.Note == nil {
		e.mu.Unlock()
		return storage.Record{}, NewSyncError(KindDecryptionFailure, "update_record", "record could not be decrypted; supply a new note to overwrite it", nil)
	}
	if !next.FitsRemote() {
		e.mu.Unlock()
		return storage.Record{}, fmt.Errorf("invalid record: edit exceeds the relay size limits: %w", conflict.ErrEditTooLong)
	}
	cmd.Apply(&e.state)
	e.mu.Unlock()
	e.changed()

	err = e.withToken(ref, func(token string) error {
		payload, err := e.seal(next, ref.key)
		if err != nil {
			return err
		}
		return e.client.UpdateRecord(ctx, target.ID, ref.accountID, payload, token)
	})
	if err != nil {
		return storage.Record{}, e.revert(ref, cmd, "update_record", err)
	}
	e.afterMutation(ctx, ref, remote.EventRecordsChanged)
	return next, nil
}

// DeleteRecord removes one record with the same confirm-or-revert rules as
// UpdateRecord
func (e *Engine) DeleteRecord(ctx context.Context, target RecordRef) error {
	e.mu.Lock()
	list := e.state.list(target.LocalOnly)
	i := storage.IndexOfRecord(*list, target.ID)
	if i < 0 {
		e.mu.Unlock()
		return NewSyncError(KindRecordNotFound, "delete_record", "no record "+target.String(), nil)
	}
	cmd := &deleteRecordCmd{previous: (*list)[i].Clone()}

	if target.LocalOnly || e.accountID == "" {
		cmd.Apply(&e.state)
		err := e.persistLocked(ctx)
		e.mu.Unlock()
		e.changed()
		return err
	}

	ref, err := e.requireSessionLocked("delete_record")
	if err != nil {
		e.mu.Unlock()
		return err
	}
	defer ref.wipe()
	cmd.Apply(&e.state)
	e.mu.Unlock()
	e.changed()

	err = e.withToken(ref, func(token string) error {
		return e.client.DeleteRecord(ctx, target.ID, ref.accountID, token)
	})
	if err != nil {
		return e.revert(ref, cmd, "delete_record", err)
	}
	e.afterMutation(ctx, ref, remote.EventRecordsChanged)
	return nil
}

// UpdateModels replaces the model list wholesale, locally and remotely
func (e *Engine) UpdateModels(ctx context.Context, models []storage.ModelConfig) error {
	if err := storage.ValidateModels(models); err != nil {
		return fmt.Errorf("invalid models: %w", err)
	}
	if models == nil {
		models = []storage.ModelConfig{}
	}

	e.mu.Lock()
	cmd := &replaceModelsCmd{previous: storage.CloneModels(e.state.Models), next: storage.CloneModels(models)}
	if e.accountID == "" {
		cmd.Apply(&e.state)
		err := e.persistLocked(ctx)
		e.mu.Unlock()
		e.changed()
		return err
	}

	ref, err := e.requireSessionLocked("update_models")
	if err != nil {
		e.mu.Unlock()
		return err
	}
	defer ref.wipe()
	cmd.Apply(&e.state)
	e.mu.Unlock()
	e.changed()

	err = e.withToken(ref, func(token string) error {
		return e.client.UpdateModels(ctx, ref.accountID, models, token)
	})
	if err != nil {
		return e.revert(ref, cmd, "update_models", err)
	}
	e.afterMutation(ctx, ref, remote.EventModelsChanged)
	return nil
}

// withToken derives the access token for a single call
func (e *Engine) withToken(ref sessionRef, call func(token string) error) error {
	token, err := e.accessToken(ref)
	if err != nil {
		return err
	}
	return call(token)
}

// revert undoes an optimistic command after a failed remote call. The
// change is reverted even if the session was locked meanwhile, as long as
// the device is still linked to the same account.
func (e *Engine) revert(ref sessionRef, cmd command, op string, cause error) error {
	e.mu.Lock()
	reverted := e.accountID == ref.accountID
	if reverted {
		cmd.Revert(&e.state)
	}
	e.mu.Unlock()
	if reverted {
		e.changed()
	}

	serr := mutationError(op, cause)
	e.logFailure(e.logger.WithAccount(ref.accountID), serr)
	return serr
}

// afterMutation refreshes and tells other devices about a confirmed write.
// A write confirmed after the session was locked or replaced skips the
// refresh, since the key is gone; the broadcast still goes out.
func (e *Engine) afterMutation(ctx context.Context, ref sessionRef, events ...string) {
	e.mu.Lock()
	current := e.generation == ref.gen
	linked := e.accountID == ref.accountID
	e.mu.Unlock()

	if current {
		if err := e.refresh(ctx, ref); err != nil {
			e.notice(Notice{Kind: NoticeRefreshFailed, Message: "Saved, but the account could not be refreshed", Err: err})
		}
	} else {
		e.logger.Debug().Msg("Session changed during a remote write, skipping refresh")
	}

	if e.broadcaster == nil || !linked {
		return
	}
	token, err := e.accessToken(ref)
	if err != nil {
		e.logger.WithError(err).Warn().Msg("Broadcast skipped, could not derive access token")
		return
	}
	for _, event := range events {
		if err := e.broadcaster.Broadcast(ctx, ref.accountID, event, token); err != nil {
			e.logger.WithError(err).Warn().Str("event", event).Msg("Broadcast failed")
		}
	}
}
