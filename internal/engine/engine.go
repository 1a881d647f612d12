// Package engine reconciles the local data set with an encrypted relay
// account. It owns the in-memory state, applies every mutation optimistically
// and confirms or reverts it against the relay, and manages the
// unlinked/locked/unlocked session lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/NeverVane/promptledger/internal/logger"
	"github.com/NeverVane/promptledger/internal/remote"
	"github.com/NeverVane/promptledger/internal/storage"
	"github.com/NeverVane/promptledger/pkg/crypto"
)

// ErrorReporter receives failures worth reporting to error monitoring
type ErrorReporter interface {
	CaptureError(err error, operation string, tags ...map[string]string)
}

// NoticeKind names something the user should be told about that is not the
// result of the call they made
type NoticeKind string

const (
	NoticeAccountGone            NoticeKind = "account_gone"
	NoticeAccountDeletedRemotely NoticeKind = "account_deleted_remotely"
	NoticeRefreshFailed          NoticeKind = "refresh_failed"
	NoticeDecryptionFailures     NoticeKind = "decryption_failures"
)

// Notice is delivered through OnNotice
type Notice struct {
	Kind    NoticeKind
	Message string
	Count   int
	Err     error
}

// Options configures an Engine
type Options struct {
	// Durable slot store
	Store storage.Store

	// Short-lived store for the session secret. Defaults to process memory.
	SessionStore storage.Store

	Client remote.Client

	// Optional; without it changes are not pushed to other devices
	Broadcaster remote.Broadcaster

	// Defaults to the production iteration count
	KeyService *crypto.KeyService

	Reporter ErrorReporter
	Logger   *logger.Logger
}

// Engine is the single owner of one device's state
type Engine struct {
	mu sync.Mutex

	store        storage.Store
	sessionStore storage.Store
	client       remote.Client
	broadcaster  remote.Broadcaster
	keys         *crypto.KeyService
	enc          *crypto.Encryptor
	reporter     ErrorReporter
	logger       *logger.Logger

	accountID string
	salt      []byte
	session   *crypto.Session

	// bumped on every lock, unlock, link and unlink; in-flight work compares
	// it before touching state
	generation uint64

	state         State
	provisionalID int64
	sub           remote.Subscription

	ctx    context.Context
	cancel context.CancelFunc

	onChange func(Snapshot)
	onNotice func(Notice)
}

// sessionRef is what a mutation captures before releasing the mutex
type sessionRef struct {
	gen       uint64
	accountID string
	salt      []byte
	key       []byte
	password  string
}

func (r *sessionRef) wipe() {
	crypto.SecureWipe(r.key)
	r.key = nil
	r.password = ""
}

// New loads persisted state and returns a Locked or Unlinked engine
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: durable store is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("engine: remote client is required")
	}

	e := &Engine{
		store:        opts.Store,
		sessionStore: opts.SessionStore,
		client:       opts.Client,
		broadcaster:  opts.Broadcaster,
		keys:         opts.KeyService,
		enc:          crypto.NewEncryptor(),
		reporter:     opts.Reporter,
		logger:       opts.Logger,
	}
	if e.sessionStore == nil {
		e.sessionStore = storage.NewMemoryStore()
	}
	if e.keys == nil {
		e.keys = crypto.NewKeyService()
	}
	if e.logger == nil {
		e.logger = logger.GetLogger().Sync()
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	if err := e.load(ctx); err != nil {
		e.cancel()
		return nil, err
	}
	return e, nil
}

func (e *Engine) load(ctx context.Context) error {
	accountID, err := storage.LoadString(ctx, e.store, storage.SlotAccountID)
	if err != nil {
		return fmt.Errorf("failed to load account id: %w", err)
	}
	e.accountID = accountID

	if accountID != "" {
		salt, _, err := e.store.Get(ctx, storage.SlotSalt)
		if err != nil {
			return fmt.Errorf("failed to load salt: %w", err)
		}
		e.salt = salt
		if _, err := storage.LoadJSON(ctx, e.store, storage.SlotSyncedCache, &e.state.Records); err != nil {
			return fmt.Errorf("failed to load synced cache: %w", err)
		}
		for i := range e.state.Records {
			e.state.Records[i].AccountID = accountID
		}
	} else if _, err := storage.LoadJSON(ctx, e.store, storage.SlotUnsyncedRecords, &e.state.Records); err != nil {
		return fmt.Errorf("failed to load unsynced records: %w", err)
	}

	if _, err := storage.LoadJSON(ctx, e.store, storage.SlotLocalOnlyRecords, &e.state.LocalOnly); err != nil {
		return fmt.Errorf("failed to load local-only records: %w", err)
	}
	for i := range e.state.LocalOnly {
		e.state.LocalOnly[i].IsLocalOnly = true
	}
	if _, err := storage.LoadJSON(ctx, e.store, storage.SlotUnsyncedModels, &e.state.Models); err != nil {
		return fmt.Errorf("failed to load models: %w", err)
	}

	e.logger.Debug().
		Str("status", string(e.statusLocked())).
		Int("records", len(e.state.Records)).
		Int("local_only", len(e.state.LocalOnly)).
		Msg("Engine state loaded")
	return nil
}

// persistLocked writes the visible sets to their slots. The synced cache only
// ever holds confirmed, decrypted records.
func (e *Engine) persistLocked(ctx context.Context) error {
	if e.accountID == "" {
		if err := storage.SaveJSON(ctx, e.store, storage.SlotUnsyncedRecords, nonNil(e.state.Records)); err != nil {
			return err
		}
	} else {
		cache := make([]storage.Record, 0, len(e.state.Records))
		for _, r := range e.state.Records {
			if r.ID > 0 && !r.DecryptionFailed {
				cache = append(cache, r)
			}
		}
		if err := storage.SaveJSON(ctx, e.store, storage.SlotSyncedCache, cache); err != nil {
			return err
		}
	}
	if err := storage.SaveJSON(ctx, e.store, storage.SlotLocalOnlyRecords, nonNil(e.state.LocalOnly)); err != nil {
		return err
	}
	if e.state.Models == nil {
		return storage.SaveJSON(ctx, e.store, storage.SlotUnsyncedModels, []storage.ModelConfig{})
	}
	return storage.SaveJSON(ctx, e.store, storage.SlotUnsyncedModels, e.state.Models)
}

func (e *Engine) saveIdentityLocked(ctx context.Context) error {
	if err := e.store.Set(ctx, storage.SlotAccountID, []byte(e.accountID)); err != nil {
		return err
	}
	return e.store.Set(ctx, storage.SlotSalt, e.salt)
}

func nonNil(records []storage.Record) []storage.Record {
	if records == nil {
		return []storage.Record{}
	}
	return records
}

// Status returns the current linkage state
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() Status {
	switch {
	case e.accountID == "":
		return StatusUnlinked
	case e.session.Active():
		return StatusUnlocked
	default:
		return StatusLocked
	}
}

// AccountID returns the linked account id, or "" when unlinked
func (e *Engine) AccountID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accountID
}

// Snapshot returns a copy of the visible state. It stays readable while locked.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	s := e.state.clone()
	return Snapshot{
		Status:    e.statusLocked(),
		AccountID: e.accountID,
		Records:   s.Records,
		LocalOnly: s.LocalOnly,
		Models:    s.Models,
	}
}

// OnChange registers a callback invoked after every visible state change
func (e *Engine) OnChange(fn func(Snapshot)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChange = fn
}

// OnNotice registers a callback for notices such as an automatic unlink
func (e *Engine) OnNotice(fn func(Notice)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onNotice = fn
}

// changed must be called without the mutex held
func (e *Engine) changed() {
	e.mu.Lock()
	fn := e.onChange
	var snap Snapshot
	if fn != nil {
		snap = e.snapshotLocked()
	}
	e.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

func (e *Engine) notice(n Notice) {
	e.logger.Info().Str("notice", string(n.Kind)).Int("count", n.Count).Msg(n.Message)
	e.mu.Lock()
	fn := e.onNotice
	e.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

func (e *Engine) report(err error, op string) {
	if e.reporter != nil {
		e.reporter.CaptureError(err, op, map[string]string{"kind": string(KindOf(err))})
	}
}

// HasLocalData reports whether this device holds unsynced records that would
// become invisible if it were linked to an account now. Local-only records
// are not affected by linking.
func (e *Engine) HasLocalData(ctx context.Context) (bool, error) {
	e.mu.Lock()
	if e.accountID == "" {
		n := len(e.state.Records)
		e.mu.Unlock()
		return n > 0, nil
	}
	e.mu.Unlock()

	var unsynced []storage.Record
	if _, err := storage.LoadJSON(ctx, e.store, storage.SlotUnsyncedRecords, &unsynced); err != nil {
		return false, err
	}
	return len(unsynced) > 0, nil
}

// requireSession captures the session for a remote operation
func (e *Engine) requireSessionLocked(op string) (sessionRef, error) {
	switch e.statusLocked() {
	case StatusUnlinked:
		return sessionRef{}, NewSyncError(KindNotLinked, op, "no account is linked", nil)
	case StatusLocked:
		return sessionRef{}, NewSyncError(KindAppLocked, op, "unlock the account first", nil)
	}
	return sessionRef{
		gen:       e.generation,
		accountID: e.accountID,
		salt:      append([]byte(nil), e.salt...),
		key:       e.session.Key(),
		password:  e.session.Password(),
	}, nil
}

func (e *Engine) accessToken(ref sessionRef) (string, error) {
	return e.keys.DeriveAccessToken(ref.password, ref.salt)
}

// Refresh re-fetches the account and replaces the synced set and models
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	ref, err := e.requireSessionLocked("refresh")
	e.mu.Unlock()
	if err != nil {
		return err
	}
	defer ref.wipe()
	return e.refresh(ctx, ref)
}

// refresh is a full replace, never a merge, so repeated calls converge. A
// result that arrives after a session transition is dropped.
func (e *Engine) refresh(ctx context.Context, ref sessionRef) error {
	log := e.logger.WithAccount(ref.accountID)

	account, err := e.client.FetchAccount(ctx, ref.accountID)
	if err == nil {
		var remoteRecords []remote.RemoteRecord
		remoteRecords, err = e.client.FetchRecords(ctx, ref.accountID)
		if err == nil {
			return e.applyRefresh(ctx, ref, account, remoteRecords)
		}
	}

	if errors.Is(err, remote.ErrNotFound) {
		log.Warn().Msg("Account no longer exists on the relay, unlinking device")
		e.accountGone(ctx, ref.gen, NoticeAccountGone,
			"The synced account no longer exists. This device is now local-only; local-only records and models were kept.")
		return nil
	}
	log.WithError(err).Warn().Msg("Refresh failed")
	return NewSyncError(KindAccountUnreachable, "refresh", "could not fetch the account", err)
}

func (e *Engine) applyRefresh(ctx context.Context, ref sessionRef, account *remote.Account, remoteRecords []remote.RemoteRecord) error {
	records := make([]storage.Record, 0, len(remoteRecords))
	failed := 0
	for _, rr := range remoteRecords {
		r := e.open(rr, ref)
		if r.DecryptionFailed {
			failed++
		}
		records = append(records, r)
	}

	e.mu.Lock()
	if e.generation != ref.gen || e.accountID != ref.accountID {
		e.mu.Unlock()
		e.logger.Debug().Msg("Discarding refresh result from a previous session")
		return nil
	}
	e.state.Records = records
	e.state.Models = storage.CloneModels(account.Models)
	err := e.persistLocked(ctx)
	e.mu.Unlock()

	e.changed()
	e.logger.Debug().Int("records", len(records)).Int("models", len(account.Models)).Msg("Refreshed from relay")

	if failed > 0 {
		e.notice(Notice{
			Kind:    NoticeDecryptionFailures,
			Message: fmt.Sprintf("%d record(s) could not be decrypted", failed),
			Count:   failed,
			Err:     ErrDecryptionFailure,
		})
	}
	if err != nil {
		return fmt.Errorf("failed to persist synced cache: %w", err)
	}
	return nil
}

// open decrypts one remote record. A failure marks only this record.
func (e *Engine) open(rr remote.RemoteRecord, ref sessionRef) storage.Record {
	r := storage.Record{
		ID:             rr.ID,
		AccountID:      ref.accountID,
		Model:          rr.Model,
		Timestamp:      rr.Timestamp,
		ConversationID: rr.ConversationID,
	}

	note, err := e.enc.Decrypt(rr.Note, ref.key)
	if err == nil && rr.OutputTokens != "" {
		var plain string
		if plain, err = e.enc.Decrypt(rr.OutputTokens, ref.key); err == nil {
			var tokens int
			if tokens, err = strconv.Atoi(plain); err == nil {
				r.OutputTokens = &tokens
			}
		}
	}
	if err == nil && rr.Title != "" {
		r.Title, err = e.enc.Decrypt(rr.Title, ref.key)
	}
	if err != nil {
		e.logger.Warn().Int64("record_id", rr.ID).Msg("Record could not be decrypted")
		return storage.Record{
			ID:               rr.ID,
			AccountID:        ref.accountID,
			Model:            rr.Model,
			Note:             DecryptionFailedNote,
			Timestamp:        rr.Timestamp,
			ConversationID:   rr.ConversationID,
			DecryptionFailed: true,
		}
	}
	r.Note = note
	return r
}

// seal encrypts a record for the relay
func (e *Engine) seal(r storage.Record, key []byte) (remote.RecordPayload, error) {
	p := remote.RecordPayload{
		Model:          r.Model,
		Timestamp:      r.Timestamp,
		ConversationID: r.ConversationID,
	}
	var err error
	if p.Note, err = e.enc.Encrypt(r.Note, key); err != nil {
		return p, err
	}
	if r.OutputTokens != nil {
		if p.OutputTokens, err = e.enc.Encrypt(strconv.Itoa(*r.OutputTokens), key); err != nil {
			return p, err
		}
	}
	if r.Title != "" {
		if p.Title, err = e.enc.Encrypt(r.Title, key); err != nil {
			return p, err
		}
	}
	return p, nil
}

// verifyPassword derives the key and checks it against the verification
// value before anything else is decrypted
func (e *Engine) verifyPassword(password string, salt []byte, verification string) ([]byte, error) {
	key, err := e.keys.DeriveEncryptionKey(password, salt)
	if err != nil {
		return nil, err
	}
	if err := e.enc.Verify(verification, key); err != nil {
		crypto.SecureWipe(key)
		return nil, err
	}
	return key, nil
}

// Unlock validates password against the linked account and starts a session
func (e *Engine) Unlock(ctx context.Context, password string) error {
	e.mu.Lock()
	accountID, gen := e.accountID, e.generation
	salt := append([]byte(nil), e.salt...)
	e.mu.Unlock()
	if accountID == "" {
		return NewSyncError(KindNotLinked, "unlock", "no account is linked", nil)
	}
	log := e.logger.WithAccount(accountID)

	account, err := e.client.FetchAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			e.accountGone(ctx, gen, NoticeAccountGone,
				"The synced account no longer exists. This device is now local-only.")
		}
		log.WithError(err).Warn().Msg("Unlock could not fetch the account")
		return accountError("unlock", err)
	}
	if len(salt) == 0 {
		salt = account.Salt
	}

	key, err := e.verifyPassword(password, salt, account.Verification)
	if err != nil {
		log.Warn().Msg("Unlock rejected: password failed verification")
		return NewSyncError(KindInvalidCredentials, "unlock", "password is incorrect", err)
	}

	log.Info().Msg("Account unlocked")
	return e.openSession(ctx, "unlock", gen, accountID, salt, password, key)
}

// openSession installs a verified key, stores the session secret, refreshes
// and subscribes. A refresh failure leaves the device unlocked with a notice.
func (e *Engine) openSession(ctx context.Context, op string, gen uint64, accountID string, salt []byte, password string, key []byte) error {
	session := crypto.NewSession(password, key)
	crypto.SecureWipe(key)

	e.mu.Lock()
	if e.generation != gen || e.accountID != accountID {
		e.mu.Unlock()
		session.Wipe()
		return NewSyncError(KindAppLocked, op, "session changed while unlocking", nil)
	}
	if e.salt == nil {
		e.salt = append([]byte(nil), salt...)
	}
	e.session.Wipe()
	e.session = session
	e.generation++
	ref, _ := e.requireSessionLocked(op)
	e.mu.Unlock()
	defer ref.wipe()

	if secret, err := session.MarshalSecret(); err == nil {
		if err := e.sessionStore.Set(ctx, storage.SlotSessionSecret, secret); err != nil {
			e.logger.WithError(err).Warn().Msg("Failed to store session secret")
		}
		crypto.SecureWipe(secret)
	}
	e.changed()

	if err := e.refresh(ctx, ref); err != nil {
		e.notice(Notice{Kind: NoticeRefreshFailed, Message: "Unlocked, but the account could not be refreshed", Err: err})
	}
	e.subscribe(ref.gen, accountID)
	return nil
}

// Restore resumes a session from the session store. It reports whether the
// device is unlocked afterwards.
func (e *Engine) Restore(ctx context.Context) (bool, error) {
	if e.Status() != StatusLocked {
		return e.Status() == StatusUnlocked, nil
	}

	data, ok, err := e.sessionStore.Get(ctx, storage.SlotSessionSecret)
	if err != nil || !ok {
		return false, err
	}
	password, err := crypto.ParseSecret(data)
	crypto.SecureWipe(data)
	if err != nil {
		_ = e.sessionStore.Delete(ctx, storage.SlotSessionSecret)
		return false, nil
	}

	if err := e.Unlock(ctx, password); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			_ = e.sessionStore.Delete(ctx, storage.SlotSessionSecret)
		}
		return false, err
	}
	return true, nil
}

// Lock drops key material and the session secret. Records stay readable.
func (e *Engine) Lock() error {
	e.mu.Lock()
	if e.accountID == "" {
		e.mu.Unlock()
		return NewSyncError(KindNotLinked, "lock", "no account is linked", nil)
	}
	sub := e.endSessionLocked()
	e.mu.Unlock()

	closeSubscription(sub)
	if err := e.sessionStore.Delete(context.Background(), storage.SlotSessionSecret); err != nil {
		e.logger.WithError(err).Warn().Msg("Failed to delete session secret")
	}
	e.logger.Info().Msg("Account locked")
	e.changed()
	return nil
}

// endSessionLocked wipes the session and detaches the subscription, which the
// caller closes after releasing the mutex
func (e *Engine) endSessionLocked() remote.Subscription {
	e.session.Wipe()
	e.session = nil
	e.generation++
	sub := e.sub
	e.sub = nil
	return sub
}

func closeSubscription(sub remote.Subscription) {
	if sub != nil {
		_ = sub.Close()
	}
}

// LinkDeviceWithKey links this device to an existing account. Unsynced
// records stay in their slot but are not shown while linked; check
// HasLocalData first.
func (e *Engine) LinkDeviceWithKey(ctx context.Context, accountID, password string) error {
	log := e.logger.WithAccount(accountID)

	account, err := e.client.FetchAccount(ctx, accountID)
	if err != nil {
		log.WithError(err).Warn().Msg("Link could not fetch the account")
		return accountError("link", err)
	}
	key, err := e.verifyPassword(password, account.Salt, account.Verification)
	if err != nil {
		log.Warn().Msg("Link rejected: password failed verification")
		return NewSyncError(KindInvalidCredentials, "link", "password is incorrect", err)
	}

	e.mu.Lock()
	sub := e.endSessionLocked()
	e.accountID = accountID
	e.salt = append([]byte(nil), account.Salt...)
	e.state.Records = nil
	e.state.Models = storage.CloneModels(account.Models)
	gen := e.generation
	err = e.saveIdentityLocked(ctx)
	if err == nil {
		err = e.persistLocked(ctx)
	}
	e.mu.Unlock()
	closeSubscription(sub)

	if err != nil {
		crypto.SecureWipe(key)
		return fmt.Errorf("failed to persist account link: %w", err)
	}
	log.Info().Msg("Device linked")
	return e.openSession(ctx, "link", gen, accountID, account.Salt, password, key)
}

// UnlinkDevice drops the account and session. Cached synced records become
// ordinary local records.
func (e *Engine) UnlinkDevice(ctx context.Context) error {
	e.mu.Lock()
	if e.accountID == "" {
		e.mu.Unlock()
		return NewSyncError(KindNotLinked, "unlink", "no account is linked", nil)
	}
	sub, err := e.unlinkLocked(ctx)
	e.mu.Unlock()

	closeSubscription(sub)
	e.changed()
	return err
}

// unlinkLocked must be called with the mutex held
func (e *Engine) unlinkLocked(ctx context.Context) (remote.Subscription, error) {
	log := e.logger.WithAccount(e.accountID)
	sub := e.endSessionLocked()

	var unsynced []storage.Record
	if _, err := storage.LoadJSON(ctx, e.store, storage.SlotUnsyncedRecords, &unsynced); err != nil {
		log.WithError(err).Warn().Msg("Failed to read unsynced records during unlink")
	}
	next := storage.NextLocalID(unsynced, e.state.LocalOnly)
	converted := 0
	for _, r := range e.state.Records {
		if r.DecryptionFailed {
			continue
		}
		r = r.Clone()
		r.ID = next
		r.AccountID = ""
		r.IsLocalOnly = false
		next++
		unsynced = append(unsynced, r)
		converted++
	}

	e.accountID = ""
	e.salt = nil
	e.state.Records = unsynced

	var errs []error
	for _, slot := range []storage.Slot{storage.SlotAccountID, storage.SlotSalt, storage.SlotSyncedCache} {
		if err := e.store.Delete(ctx, slot); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.sessionStore.Delete(ctx, storage.SlotSessionSecret); err != nil {
		errs = append(errs, err)
	}
	if err := e.persistLocked(ctx); err != nil {
		errs = append(errs, err)
	}

	log.Info().Int("converted", converted).Msg("Device unlinked")
	if err := errors.Join(errs...); err != nil {
		return sub, fmt.Errorf("unlink left storage partially updated: %w", err)
	}
	return sub, nil
}

// accountGone unlinks after the relay reported the account missing, unless a
// newer session transition already happened
func (e *Engine) accountGone(ctx context.Context, gen uint64, kind NoticeKind, message string) {
	e.mu.Lock()
	if e.generation != gen || e.accountID == "" {
		e.mu.Unlock()
		return
	}
	sub, err := e.unlinkLocked(ctx)
	e.mu.Unlock()

	closeSubscription(sub)
	e.changed()
	e.notice(Notice{Kind: kind, Message: message, Err: err})
}

// DeleteAccount deletes the linked account on the relay and unlinks. Other
// devices are told before the destructive call.
func (e *Engine) DeleteAccount(ctx context.Context) error {
	e.mu.Lock()
	ref, err := e.requireSessionLocked("delete_account")
	e.mu.Unlock()
	if err != nil {
		return err
	}
	defer ref.wipe()
	log := e.logger.WithAccount(ref.accountID)

	token, err := e.accessToken(ref)
	if err != nil {
		return NewSyncError(KindSyncFailed, "delete_account", "could not derive access token", err)
	}

	if e.broadcaster != nil {
		if err := e.broadcaster.Broadcast(ctx, ref.accountID, remote.EventAccountDeleted, token); err != nil {
			log.WithError(err).Warn().Msg("Failed to announce account deletion")
		}
	}

	if err := e.client.DeleteAccount(ctx, ref.accountID, token); err != nil {
		serr := mutationError("delete_account", err)
		e.logFailure(log, serr)
		return serr
	}

	e.mu.Lock()
	if e.accountID != ref.accountID {
		e.mu.Unlock()
		return nil
	}
	sub, err := e.unlinkLocked(ctx)
	e.mu.Unlock()

	closeSubscription(sub)
	log.Info().Msg("Account deleted")
	e.changed()
	return err
}

// subscribe starts the broadcast listener for the current session
func (e *Engine) subscribe(gen uint64, accountID string) {
	if e.broadcaster == nil {
		return
	}
	sub, err := e.broadcaster.Subscribe(e.ctx, accountID, func(event string) {
		e.handleEvent(gen, event)
	})
	if err != nil {
		e.logger.WithError(err).Warn().Msg("Broadcast subscription failed, changes from other devices need a manual refresh")
		return
	}

	e.mu.Lock()
	if e.generation != gen || e.sub != nil {
		e.mu.Unlock()
		closeSubscription(sub)
		return
	}
	e.sub = sub
	e.mu.Unlock()
}

func (e *Engine) handleEvent(gen uint64, event string) {
	e.mu.Lock()
	if e.generation != gen {
		e.mu.Unlock()
		return
	}
	ref, err := e.requireSessionLocked("broadcast")
	e.mu.Unlock()
	if err != nil {
		return
	}
	defer ref.wipe()

	e.logger.Debug().Str("event", event).Msg("Broadcast received")
	switch event {
	case remote.EventAccountDeleted:
		e.accountGone(e.ctx, gen, NoticeAccountDeletedRemotely,
			"The account was deleted from another device. This device is now local-only.")
	default:
		if err := e.refresh(e.ctx, ref); err != nil {
			e.notice(Notice{Kind: NoticeRefreshFailed, Message: "Could not refresh after a change on another device", Err: err})
		}
	}
}

// Close stops the listener and wipes key material. The session secret is
// left to its store's own lifetime.
func (e *Engine) Close() error {
	e.mu.Lock()
	sub := e.sub
	e.sub = nil
	e.session.Wipe()
	e.session = nil
	e.generation++
	e.mu.Unlock()

	closeSubscription(sub)
	e.cancel()
	return nil
}

func (e *Engine) logFailure(log *logger.Logger, err *SyncError) {
	if err.Kind == KindAuthRejected {
		log.Warn().Str("operation", err.Op).Msg("Relay rejected the access token; the stored salt or password may be out of sync")
		e.report(err, err.Op)
		return
	}
	log.Warn().Str("operation", err.Op).Err(err.Cause).Msg("Remote write failed, local change reverted")
}
