package remote

import (
	"context"
	"crypto/subtle"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/NeverVane/promptledger/internal/logger"
	"github.com/NeverVane/promptledger/internal/storage"
	"github.com/NeverVane/promptledger/pkg/crypto"
)

type bucket struct {
	account   Account
	tokenHash string
	records   map[int64]RemoteRecord
}

type memorySubscriber struct {
	origin  string
	handler func(event string)
}

// Memory is an in-process relay. It backs the bundled relay server and
// stands in for it in tests. Use Device to get a per-device broadcaster.
type Memory struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	nextID  int64

	subMu       sync.RWMutex
	subscribers map[string]map[string]memorySubscriber

	logger *logger.Logger
}

// NewMemory creates an empty relay
func NewMemory() *Memory {
	return &Memory{
		buckets:     make(map[string]*bucket),
		subscribers: make(map[string]map[string]memorySubscriber),
		logger:      logger.GetLogger().Relay(),
	}
}

// CreateAccount stores a new bucket and returns its id
func (m *Memory) CreateAccount(_ context.Context, req CreateAccountRequest) (string, error) {
	if len(req.Salt) != crypto.SaltLength || req.Verification == "" || req.AccessTokenHash == "" {
		return "", ErrRejected
	}
	if err := storage.ValidateModels(req.Models); err != nil {
		return "", ErrRejected
	}

	id := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[id] = &bucket{
		account: Account{
			ID:           id,
			Models:       storage.CloneModels(req.Models),
			Salt:         append([]byte(nil), req.Salt...),
			Verification: req.Verification,
		},
		tokenHash: req.AccessTokenHash,
		records:   make(map[int64]RemoteRecord),
	}

	m.logger.Debug().Str("account", logger.ShortID(id)).Msg("Bucket created")
	return id, nil
}

// FetchAccount returns the readable part of a bucket
func (m *Memory) FetchAccount(_ context.Context, accountID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.buckets[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	account := b.account
	account.Models = storage.CloneModels(b.account.Models)
	if account.Models == nil {
		account.Models = []storage.ModelConfig{}
	}
	account.Salt = append([]byte(nil), b.account.Salt...)
	return &account, nil
}

// FetchRecords returns every record of a bucket ordered by id
func (m *Memory) FetchRecords(_ context.Context, accountID string) ([]RemoteRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.buckets[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	records := make([]RemoteRecord, 0, len(b.records))
	for _, r := range b.records {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// AddRecord stores a record and returns its relay-assigned id
func (m *Memory) AddRecord(_ context.Context, accountID string, record RecordPayload, accessToken string) (int64, error) {
	if err := record.Validate(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.authorize(accountID, accessToken)
	if err != nil {
		return 0, err
	}
	return m.insert(b, record), nil
}

// UpdateRecord replaces the content of an existing record
func (m *Memory) UpdateRecord(_ context.Context, recordID int64, accountID string, record RecordPayload, accessToken string) error {
	if err := record.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.authorize(accountID, accessToken)
	if err != nil {
		return err
	}
	if _, ok := b.records[recordID]; !ok {
		return ErrNotFound
	}
	b.records[recordID] = RemoteRecord{ID: recordID, RecordPayload: record}
	return nil
}

// DeleteRecord removes one record
func (m *Memory) DeleteRecord(_ context.Context, recordID int64, accountID, accessToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.authorize(accountID, accessToken)
	if err != nil {
		return err
	}
	if _, ok := b.records[recordID]; !ok {
		return ErrNotFound
	}
	delete(b.records, recordID)
	return nil
}

// DeleteAllRecords empties a bucket but keeps the account
func (m *Memory) DeleteAllRecords(_ context.Context, accountID, accessToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.authorize(accountID, accessToken)
	if err != nil {
		return err
	}
	b.records = make(map[int64]RemoteRecord)
	return nil
}

// BatchAddRecords stores every record or none
func (m *Memory) BatchAddRecords(_ context.Context, accountID string, records []RecordPayload, accessToken string) error {
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.authorize(accountID, accessToken)
	if err != nil {
		return err
	}
	for _, r := range records {
		m.insert(b, r)
	}
	return nil
}

// UpdateModels replaces the model list
func (m *Memory) UpdateModels(_ context.Context, accountID string, models []storage.ModelConfig, accessToken string) error {
	if err := storage.ValidateModels(models); err != nil {
		return ErrRejected
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.authorize(accountID, accessToken)
	if err != nil {
		return err
	}
	b.account.Models = storage.CloneModels(models)
	return nil
}

// DeleteAccount removes the bucket and every record in it
func (m *Memory) DeleteAccount(_ context.Context, accountID, accessToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.authorize(accountID, accessToken); err != nil {
		return err
	}
	delete(m.buckets, accountID)
	m.logger.Debug().Str("account", logger.ShortID(accountID)).Msg("Bucket deleted")
	return nil
}

// Exists reports whether a bucket is present
func (m *Memory) Exists(accountID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.buckets[accountID]
	return ok
}

// Count returns the number of buckets
func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.buckets)
}

// VerifyToken checks accessToken against accountID
func (m *Memory) VerifyToken(_ context.Context, accountID, accessToken string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, err := m.authorize(accountID, accessToken)
	return err
}

// authorize must be called with m.mu held
func (m *Memory) authorize(accountID, accessToken string) (*bucket, error) {
	b, ok := m.buckets[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	if accessToken == "" {
		return nil, ErrAuthRejected
	}
	got := crypto.HashAccessToken(accessToken)
	if subtle.ConstantTimeCompare([]byte(got), []byte(b.tokenHash)) != 1 {
		m.logger.Warn().Str("account", logger.ShortID(accountID)).Msg("Access token rejected")
		return nil, ErrAuthRejected
	}
	return b, nil
}

func (m *Memory) insert(b *bucket, record RecordPayload) int64 {
	m.nextID++
	b.records[m.nextID] = RemoteRecord{ID: m.nextID, RecordPayload: record}
	return m.nextID
}

// Publish delivers event to every subscriber of accountID except the one
// whose origin matches. Handlers run on the caller's goroutine, outside any
// relay lock.
func (m *Memory) Publish(accountID, event, origin string) {
	m.subMu.RLock()
	var handlers []func(string)
	for _, sub := range m.subscribers[accountID] {
		if origin != "" && sub.origin == origin {
			continue
		}
		handlers = append(handlers, sub.handler)
	}
	m.subMu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// Listen registers handler for accountID and returns a function that removes it
func (m *Memory) Listen(accountID, origin string, handler func(event string)) func() {
	id := uuid.NewString()

	m.subMu.Lock()
	if m.subscribers[accountID] == nil {
		m.subscribers[accountID] = make(map[string]memorySubscriber)
	}
	m.subscribers[accountID][id] = memorySubscriber{origin: origin, handler: handler}
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subscribers[accountID], id)
		if len(m.subscribers[accountID]) == 0 {
			delete(m.subscribers, accountID)
		}
	}
}

// Subscribers returns how many listeners accountID has
func (m *Memory) Subscribers(accountID string) int {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	return len(m.subscribers[accountID])
}

// Device returns a Broadcaster for one device. Its own broadcasts are not
// delivered back to it.
func (m *Memory) Device(origin string) Broadcaster {
	return &memoryBroadcaster{memory: m, origin: origin}
}

type memoryBroadcaster struct {
	memory *Memory
	origin string
}

func (b *memoryBroadcaster) Subscribe(_ context.Context, accountID string, handler func(event string)) (Subscription, error) {
	cancel := b.memory.Listen(accountID, b.origin, handler)
	return &memorySubscription{cancel: cancel}, nil
}

func (b *memoryBroadcaster) Broadcast(ctx context.Context, accountID, event, accessToken string) error {
	if !ValidEvent(event) {
		return ErrRejected
	}
	if err := b.memory.VerifyToken(ctx, accountID, accessToken); err != nil {
		return err
	}
	b.memory.Publish(accountID, event, b.origin)
	return nil
}

type memorySubscription struct {
	once   sync.Once
	cancel func()
}

func (s *memorySubscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}
