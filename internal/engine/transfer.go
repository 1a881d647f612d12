package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/NeverVane/promptledger/internal/conflict"
	"github.com/NeverVane/promptledger/internal/remote"
	"github.com/NeverVane/promptledger/internal/storage"
	"github.com/NeverVane/promptledger/pkg/crypto"
	"github.com/NeverVane/promptledger/pkg/history"
)

var (
	ErrAlreadyLinked = errors.New("device is already linked to an account")
	ErrStaleTransfer = errors.New("link state changed since the transfer was prepared")
)

// Migration is a prepared move of the unsynced local set into a new account.
// Nothing remote exists until CompleteMigration succeeds.
type Migration struct {
	Records   []storage.Record
	Conflicts []conflict.Conflict
	Models    []storage.ModelConfig
}

// PrepareMigration snapshots the unsynced set and lists its conflicts
func (e *Engine) PrepareMigration() (*Migration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.accountID != "" {
		return nil, ErrAlreadyLinked
	}
	records := storage.CloneRecords(e.state.Records)
	return &Migration{
		Records:   records,
		Conflicts: conflict.Detect(records),
		Models:    storage.CloneModels(e.state.Models),
	}, nil
}

// CompleteMigration applies resolutions, creates the account, uploads the
// records in one batch and links this device. The account is created only
// after every conflict is resolved, and deleted again if the upload fails.
func (e *Engine) CompleteMigration(ctx context.Context, password string, m *Migration, resolutions map[string]conflict.Resolution) (string, error) {
	if password == "" {
		return "", crypto.ErrEmptyPassword
	}
	plan, err := resolvePlan("migrate", m.Records, m.Conflicts, resolutions)
	if err != nil {
		return "", err
	}
	if e.AccountID() != "" {
		return "", ErrAlreadyLinked
	}

	salt, err := e.keys.GenerateSalt()
	if err != nil {
		return "", err
	}
	key, err := e.keys.DeriveEncryptionKey(password, salt)
	if err != nil {
		return "", err
	}
	token, err := e.keys.DeriveAccessToken(password, salt)
	if err != nil {
		crypto.SecureWipe(key)
		return "", err
	}
	verification, err := e.enc.CreateVerification(key)
	if err != nil {
		crypto.SecureWipe(key)
		return "", err
	}
	payloads, err := e.sealAll(plan.Sync, key)
	if err != nil {
		crypto.SecureWipe(key)
		return "", NewSyncError(KindSyncFailed, "migrate", "could not encrypt records", err)
	}
	models := storage.CloneModels(m.Models)
	if models == nil {
		models = []storage.ModelConfig{}
	}

	accountID, err := e.client.CreateAccount(ctx, remote.CreateAccountRequest{
		Models:          models,
		Salt:            salt,
		Verification:    verification,
		AccessTokenHash: crypto.HashAccessToken(token),
	})
	if err != nil {
		crypto.SecureWipe(key)
		e.logger.WithError(err).Warn().Msg("Account creation failed")
		return "", NewSyncError(KindAccountCreationFailed, "migrate", "the relay did not create the account", err)
	}
	log := e.logger.WithAccount(accountID)

	if len(payloads) > 0 {
		if err := e.client.BatchAddRecords(ctx, accountID, payloads, token); err != nil {
			crypto.SecureWipe(key)
			if derr := e.client.DeleteAccount(ctx, accountID, token); derr != nil {
				log.WithError(derr).Error().Msg("Failed to roll back the new account after a failed upload")
			}
			serr := mutationError("migrate", err)
			e.logFailure(log, serr)
			return "", serr
		}
	}

	e.mu.Lock()
	migrated := make(map[int64]bool, len(m.Records))
	for _, r := range m.Records {
		migrated[r.ID] = true
	}
	var remaining []storage.Record
	for _, r := range e.state.Records {
		if !migrated[r.ID] {
			remaining = append(remaining, r)
		}
	}
	e.appendLocalOnlyLocked(plan.LocalOnly)

	sub := e.endSessionLocked()
	e.accountID = accountID
	e.salt = salt
	e.state.Records = nil
	e.state.Models = models
	gen := e.generation

	err = storage.SaveJSON(ctx, e.store, storage.SlotUnsyncedRecords, nonNil(remaining))
	if err == nil {
		err = e.saveIdentityLocked(ctx)
	}
	if err == nil {
		err = e.persistLocked(ctx)
	}
	e.mu.Unlock()
	closeSubscription(sub)

	if err != nil {
		crypto.SecureWipe(key)
		return accountID, fmt.Errorf("account created but the link could not be saved: %w", err)
	}
	log.Info().
		Int("synced", len(plan.Sync)).
		Int("local_only", len(plan.LocalOnly)).
		Msg("Migration complete")

	return accountID, e.openSession(ctx, "migrate", gen, accountID, salt, password, key)
}

// Import is a parsed document ready to be applied. Records carry temporary
// ids that conflict resolutions refer to.
type Import struct {
	Records   []storage.Record
	Models    []storage.ModelConfig
	Conflicts []conflict.Conflict

	// Set when the records go to a linked account
	AccountID string
}

// ImportResult summarizes CompleteImport
type ImportResult struct {
	Imported       int
	LocalOnly      int
	ModelsReplaced bool
}

// PrepareImport validates where doc would go and lists its conflicts. An
// unlinked device has no size limits, so nothing conflicts there.
func (e *Engine) PrepareImport(doc *history.Document) (*Import, error) {
	if err := doc.Validate(); err != nil {
		return nil, FormatError("import", err)
	}
	records := doc.Records()
	for i := range records {
		records[i].ID = int64(i + 1)
	}
	imp := &Import{
		Records: records,
		Models:  storage.CloneModels(doc.Models),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.statusLocked() {
	case StatusUnlinked:
		return imp, nil
	case StatusLocked:
		return nil, NewSyncError(KindAppLocked, "import", "unlock the account first", nil)
	}
	imp.AccountID = e.accountID
	imp.Conflicts = conflict.Detect(records)
	return imp, nil
}

// CompleteImport applies a prepared import. Model lists replace the current
// list only when the document's list is not empty.
func (e *Engine) CompleteImport(ctx context.Context, imp *Import, resolutions map[string]conflict.Resolution) (*ImportResult, error) {
	if err := storage.ValidateModels(imp.Models); err != nil {
		return nil, FormatError("import", fmt.Errorf("%w: %v", history.ErrInvalidFormat, err))
	}
	if imp.AccountID == "" {
		return e.importLocal(ctx, imp)
	}

	plan, err := resolvePlan("import", imp.Records, imp.Conflicts, resolutions)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	ref, err := e.requireSessionLocked("import")
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	defer ref.wipe()
	if ref.accountID != imp.AccountID {
		return nil, ErrStaleTransfer
	}
	log := e.logger.WithAccount(ref.accountID)

	token, err := e.accessToken(ref)
	if err != nil {
		return nil, NewSyncError(KindSyncFailed, "import", "could not derive access token", err)
	}
	payloads, err := e.sealAll(plan.Sync, ref.key)
	if err != nil {
		return nil, NewSyncError(KindSyncFailed, "import", "could not encrypt records", err)
	}

	result := &ImportResult{}
	events := []string{remote.EventRecordsChanged}
	if len(payloads) > 0 {
		if err := e.client.BatchAddRecords(ctx, ref.accountID, payloads, token); err != nil {
			serr := mutationError("import", err)
			e.logFailure(log, serr)
			return nil, serr
		}
		result.Imported = len(payloads)
	}

	e.mu.Lock()
	result.LocalOnly = e.appendLocalOnlyLocked(plan.LocalOnly)
	err = e.persistLocked(ctx)
	e.mu.Unlock()
	if err != nil {
		log.WithError(err).Warn().Msg("Failed to persist imported local-only records")
	}

	var modelsErr error
	if len(imp.Models) > 0 {
		modelsErr = e.client.UpdateModels(ctx, ref.accountID, imp.Models, token)
		if modelsErr == nil {
			result.ModelsReplaced = true
			events = append(events, remote.EventModelsChanged)
		}
	}

	e.afterMutation(ctx, ref, events...)
	log.Info().Int("imported", result.Imported).Int("local_only", result.LocalOnly).Msg("Import complete")

	if modelsErr != nil {
		serr := modelsAfterImportError(modelsErr)
		if serr.Kind == KindAuthRejected {
			e.logFailure(log, serr)
		} else {
			log.Warn().Err(modelsErr).Msg("Imported records kept, model list not saved")
		}
		return result, serr
	}
	return result, nil
}

func (e *Engine) importLocal(ctx context.Context, imp *Import) (*ImportResult, error) {
	e.mu.Lock()
	if e.accountID != "" {
		e.mu.Unlock()
		return nil, ErrStaleTransfer
	}

	next := storage.NextLocalID(e.state.Records)
	for _, r := range imp.Records {
		r = r.Clone()
		r.ID = next
		r.IsLocalOnly = false
		next++
		e.state.Records = append(e.state.Records, r)
	}
	result := &ImportResult{Imported: len(imp.Records)}
	if len(imp.Models) > 0 {
		cmd := &replaceModelsCmd{previous: e.state.Models, next: imp.Models}
		cmd.Apply(&e.state)
		result.ModelsReplaced = true
	}
	err := e.persistLocked(ctx)
	e.mu.Unlock()

	e.changed()
	e.logger.Info().Int("imported", result.Imported).Msg("Import complete")
	return result, err
}

// appendLocalOnlyLocked moves records into the local-only set with fresh ids
func (e *Engine) appendLocalOnlyLocked(records []storage.Record) int {
	next := storage.NextLocalID(e.state.LocalOnly)
	for _, r := range records {
		r = r.Clone()
		r.ID = next
		r.AccountID = ""
		r.IsLocalOnly = true
		next++
		e.state.LocalOnly = append(e.state.LocalOnly, r)
	}
	return len(records)
}

func (e *Engine) sealAll(records []storage.Record, key []byte) ([]remote.RecordPayload, error) {
	payloads := make([]remote.RecordPayload, 0, len(records))
	for _, r := range records {
		p, err := e.seal(r, key)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, p)
	}
	return payloads, nil
}

func resolvePlan(op string, records []storage.Record, conflicts []conflict.Conflict, resolutions map[string]conflict.Resolution) (*conflict.Plan, error) {
	plan, err := conflict.Resolve(records, conflicts, resolutions)
	if err != nil {
		if errors.Is(err, conflict.ErrConflictsPending) {
			return nil, NewSyncError(KindConflictsPending, op, "every conflict needs a resolution", err)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return plan, nil
}

// Export returns the visible data set as a portable document. Records that
// failed to decrypt are left out.
func (e *Engine) Export() (*history.Document, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.statusLocked() == StatusLocked {
		return nil, NewSyncError(KindAppLocked, "export", "unlock the account first", nil)
	}

	records := make([]storage.Record, 0, len(e.state.Records)+len(e.state.LocalOnly))
	for _, r := range e.state.Records {
		if !r.DecryptionFailed {
			records = append(records, r)
		}
	}
	records = append(records, e.state.LocalOnly...)
	return history.FromRecords(e.state.Models, records), nil
}
