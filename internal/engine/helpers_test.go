package engine

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NeverVane/promptledger/internal/conflict"
	"github.com/NeverVane/promptledger/internal/logger"
	"github.com/NeverVane/promptledger/internal/remote"
	"github.com/NeverVane/promptledger/internal/storage"
	"github.com/NeverVane/promptledger/pkg/crypto"
)

const (
	testPassword  = "correct horse battery staple"
	testIteration = 1000
)

// hookClient wraps a remote.Client so tests can fail or interleave single calls
type hookClient struct {
	remote.Client

	mu     sync.Mutex
	fail   map[string]error
	before map[string]func()
	calls  map[string]int
}

func newHookClient(inner remote.Client) *hookClient {
	return &hookClient{
		Client: inner,
		fail:   make(map[string]error),
		before: make(map[string]func()),
		calls:  make(map[string]int),
	}
}

func (c *hookClient) failOn(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.fail, op)
		return
	}
	c.fail[op] = err
}

func (c *hookClient) beforeCall(op string, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.before[op] = fn
}

func (c *hookClient) count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

func (c *hookClient) hook(op string) error {
	c.mu.Lock()
	c.calls[op]++
	fn := c.before[op]
	delete(c.before, op)
	err := c.fail[op]
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
	return err
}

func (c *hookClient) CreateAccount(ctx context.Context, req remote.CreateAccountRequest) (string, error) {
	if err := c.hook("create_account"); err != nil {
		return "", err
	}
	return c.Client.CreateAccount(ctx, req)
}

func (c *hookClient) FetchAccount(ctx context.Context, accountID string) (*remote.Account, error) {
	if err := c.hook("fetch_account"); err != nil {
		return nil, err
	}
	return c.Client.FetchAccount(ctx, accountID)
}

func (c *hookClient) FetchRecords(ctx context.Context, accountID string) ([]remote.RemoteRecord, error) {
	if err := c.hook("fetch_records"); err != nil {
		return nil, err
	}
	return c.Client.FetchRecords(ctx, accountID)
}

func (c *hookClient) AddRecord(ctx context.Context, accountID string, record remote.RecordPayload, token string) (int64, error) {
	if err := c.hook("add_record"); err != nil {
		return 0, err
	}
	return c.Client.AddRecord(ctx, accountID, record, token)
}

func (c *hookClient) UpdateRecord(ctx context.Context, recordID int64, accountID string, record remote.RecordPayload, token string) error {
	if err := c.hook("update_record"); err != nil {
		return err
	}
	return c.Client.UpdateRecord(ctx, recordID, accountID, record, token)
}

func (c *hookClient) DeleteRecord(ctx context.Context, recordID int64, accountID, token string) error {
	if err := c.hook("delete_record"); err != nil {
		return err
	}
	return c.Client.DeleteRecord(ctx, recordID, accountID, token)
}

func (c *hookClient) BatchAddRecords(ctx context.Context, accountID string, records []remote.RecordPayload, token string) error {
	if err := c.hook("batch_add"); err != nil {
		return err
	}
	return c.Client.BatchAddRecords(ctx, accountID, records, token)
}

func (c *hookClient) UpdateModels(ctx context.Context, accountID string, models []storage.ModelConfig, token string) error {
	if err := c.hook("update_models"); err != nil {
		return err
	}
	return c.Client.UpdateModels(ctx, accountID, models, token)
}

func (c *hookClient) DeleteAccount(ctx context.Context, accountID, token string) error {
	if err := c.hook("delete_account"); err != nil {
		return err
	}
	return c.Client.DeleteAccount(ctx, accountID, token)
}

// noticeLog collects notices and reported errors
type noticeLog struct {
	mu       sync.Mutex
	notices  []Notice
	reported []error
}

func (n *noticeLog) add(notice Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *noticeLog) kinds() []NoticeKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var kinds []NoticeKind
	for _, notice := range n.notices {
		kinds = append(kinds, notice.Kind)
	}
	return kinds
}

func (n *noticeLog) CaptureError(err error, _ string, _ ...map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reported = append(n.reported, err)
}

func (n *noticeLog) reportedErrors() []error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]error(nil), n.reported...)
}

// device is one engine with its own stores
type device struct {
	*Engine
	store   *storage.MemoryStore
	session *storage.MemoryStore
	client  *hookClient
	log     *noticeLog
}

func newDevice(t *testing.T, relay *remote.Memory, origin string) *device {
	t.Helper()
	d := &device{
		store:   storage.NewMemoryStore(),
		session: storage.NewMemoryStore(),
		client:  newHookClient(relay),
		log:     &noticeLog{},
	}
	d.Engine = d.open(t, relay, origin)
	return d
}

// open builds an engine over the device's stores, as a restart would
func (d *device) open(t *testing.T, relay *remote.Memory, origin string) *Engine {
	t.Helper()
	e, err := New(context.Background(), Options{
		Store:        d.store,
		SessionStore: d.session,
		Client:       d.client,
		Broadcaster:  relay.Device(origin),
		KeyService:   crypto.NewKeyServiceWithIterations(testIteration),
		Reporter:     d.log,
		Logger:       logger.Nop(),
	})
	require.NoError(t, err)
	e.OnNotice(d.log.add)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// linkedDevice migrates a device holding records into a new account
func linkedDevice(t *testing.T, relay *remote.Memory, origin string, notes ...string) (*device, string) {
	t.Helper()
	ctx := context.Background()
	d := newDevice(t, relay, origin)
	for _, note := range notes {
		_, err := d.AddRecord(ctx, Draft{Model: "gpt-4o", Note: note})
		require.NoError(t, err)
	}
	m, err := d.PrepareMigration()
	require.NoError(t, err)
	require.Empty(t, m.Conflicts)

	accountID, err := d.CompleteMigration(ctx, testPassword, m, nil)
	require.NoError(t, err)
	require.Equal(t, StatusUnlocked, d.Status())
	return d, accountID
}

// accessToken derives the write token for an account, as an attacker with the
// password or a second client would
func accessToken(t *testing.T, relay *remote.Memory, accountID, password string) (string, []byte) {
	t.Helper()
	account, err := relay.FetchAccount(context.Background(), accountID)
	require.NoError(t, err)
	keys := crypto.NewKeyServiceWithIterations(testIteration)
	token, err := keys.DeriveAccessToken(password, account.Salt)
	require.NoError(t, err)
	key, err := keys.DeriveEncryptionKey(password, account.Salt)
	require.NoError(t, err)
	return token, key
}

func notes(records []storage.Record) []string {
	var out []string
	for _, r := range records {
		out = append(out, r.Note)
	}
	return out
}

func resolutions(pairs ...interface{}) map[string]conflict.Resolution {
	out := make(map[string]conflict.Resolution)
	for i := 0; i+1 < len(pairs); i += 2 {
		out[pairs[i].(string)] = pairs[i+1].(conflict.Resolution)
	}
	return out
}

func repeat(s string, n int) string {
	return strings.Repeat(s, n)
}
