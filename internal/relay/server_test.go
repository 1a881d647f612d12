package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeverVane/promptledger/internal/config"
	"github.com/NeverVane/promptledger/internal/remote"
	"github.com/NeverVane/promptledger/internal/storage"
	"github.com/NeverVane/promptledger/pkg/crypto"
)

const token = "relay-test-token"

func newTestRelay(t *testing.T) (*Server, *remote.HTTPClient) {
	t.Helper()
	server := NewServer(remote.NewMemory(), &config.RelayConfig{MaxBodyKB: 64})
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)
	return server, remote.NewHTTPClientWithURL(srv.URL, 2*time.Second)
}

func createAccount(t *testing.T, client *remote.HTTPClient) string {
	t.Helper()
	id, err := client.CreateAccount(context.Background(), remote.CreateAccountRequest{
		Models:          []storage.ModelConfig{{Name: "gpt-4o"}},
		Salt:            make([]byte, crypto.SaltLength),
		Verification:    "verification-blob",
		AccessTokenHash: crypto.HashAccessToken(token),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func record(note string) remote.RecordPayload {
	return remote.RecordPayload{
		Model:        "gpt-4o",
		Note:         note,
		OutputTokens: "tokens-blob",
		Timestamp:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestServer_Health(t *testing.T) {
	server, _ := newTestRelay(t)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestServer_AccountRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRelay(t)
	id := createAccount(t, client)

	account, err := client.FetchAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, account.ID)
	assert.Equal(t, "verification-blob", account.Verification)
	assert.Equal(t, make([]byte, crypto.SaltLength), account.Salt)
	assert.Equal(t, []storage.ModelConfig{{Name: "gpt-4o"}}, account.Models)

	models := []storage.ModelConfig{{Name: "claude", InputCost: 3, OutputCost: 15, CachePricing: true, CachedInputCost: 0.3}}
	require.NoError(t, client.UpdateModels(ctx, id, models, token))
	account, err = client.FetchAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models, account.Models)

	assert.ErrorIs(t, client.UpdateModels(ctx, id, models, "bad-token"), remote.ErrAuthRejected)

	require.NoError(t, client.DeleteAccount(ctx, id, token))
	_, err = client.FetchAccount(ctx, id)
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestServer_RecordOperations(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRelay(t)
	id := createAccount(t, client)

	recordID, err := client.AddRecord(ctx, id, record("first"), token)
	require.NoError(t, err)
	assert.Positive(t, recordID)

	require.NoError(t, client.UpdateRecord(ctx, recordID, id, record("first-edited"), token))
	require.NoError(t, client.BatchAddRecords(ctx, id, []remote.RecordPayload{record("b1"), record("b2")}, token))

	records, err := client.FetchRecords(ctx, id)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "first-edited", records[0].Note)
	assert.Equal(t, "tokens-blob", records[0].OutputTokens)
	assert.True(t, records[0].Timestamp.Equal(record("").Timestamp))

	require.NoError(t, client.DeleteRecord(ctx, recordID, id, token))
	assert.ErrorIs(t, client.DeleteRecord(ctx, recordID, id, token), remote.ErrNotFound)

	_, err = client.AddRecord(ctx, id, record("x"), "")
	assert.ErrorIs(t, err, remote.ErrAuthRejected)

	_, err = client.AddRecord(ctx, id, record(strings.Repeat("A", remote.MaxNoteBlobLength+1)), token)
	assert.ErrorIs(t, err, remote.ErrRejected)

	require.NoError(t, client.DeleteAllRecords(ctx, id, token))
	records, err = client.FetchRecords(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.NotNil(t, records)
}

func TestServer_RejectsMalformedBodies(t *testing.T) {
	server, _ := newTestRelay(t)

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/buckets", strings.NewReader("{not json")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	body := strings.NewReader(`{"note":"` + strings.Repeat("x", 70*1024) + `"}`)
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/buckets/any/prompts", body))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "body over the configured limit")
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func TestServer_EventsOverWebsocket(t *testing.T) {
	ctx := context.Background()
	server, client := newTestRelay(t)
	id := createAccount(t, client)

	deviceA := remote.NewWSBroadcaster(client, "device-a", 10*time.Millisecond, 50*time.Millisecond)
	deviceB := remote.NewWSBroadcaster(client, "device-b", 10*time.Millisecond, 50*time.Millisecond)

	var logA, logB eventLog
	subA, err := deviceA.Subscribe(ctx, id, logA.add)
	require.NoError(t, err)
	defer subA.Close()
	subB, err := deviceB.Subscribe(ctx, id, logB.add)
	require.NoError(t, err)
	defer subB.Close()

	assert.Equal(t, 2, server.Hub().Subscribers(id))

	require.NoError(t, deviceA.Broadcast(ctx, id, remote.EventModelsChanged, token))

	assert.Eventually(t, func() bool {
		return len(logB.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{remote.EventModelsChanged}, logB.snapshot())

	// give a stray self-delivery time to show up
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, logA.snapshot(), "a device does not receive its own events")

	assert.Error(t, deviceA.Broadcast(ctx, id, "not-an-event", token))
	assert.ErrorIs(t, deviceA.Broadcast(ctx, "missing", remote.EventRecordsChanged, token), remote.ErrNotFound)

	require.NoError(t, subB.Close())
	assert.Eventually(t, func() bool {
		return server.Hub().Subscribers(id) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_PublishRequiresAccessToken(t *testing.T) {
	ctx := context.Background()
	server, client := newTestRelay(t)
	id := createAccount(t, client)

	var logB eventLog
	deviceB := remote.NewWSBroadcaster(client, "device-b", 10*time.Millisecond, 50*time.Millisecond)
	subB, err := deviceB.Subscribe(ctx, id, logB.add)
	require.NoError(t, err)
	defer subB.Close()
	require.Equal(t, 1, server.Hub().Subscribers(id))

	// the account id alone lets anyone read, not announce a deletion
	outsider := remote.NewWSBroadcaster(client, "outsider", time.Hour, time.Hour)
	assert.ErrorIs(t, outsider.Broadcast(ctx, id, remote.EventAccountDeleted, ""), remote.ErrAuthRejected)
	assert.ErrorIs(t, outsider.Broadcast(ctx, id, remote.EventAccountDeleted, "guessed-token"), remote.ErrAuthRejected)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/buckets/"+id+"/events", strings.NewReader(`{"event":"account_deleted"}`))
	server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, logB.snapshot())
}

func TestServer_DeleteAccountClosesTopic(t *testing.T) {
	ctx := context.Background()
	server, client := newTestRelay(t)
	id := createAccount(t, client)

	device := remote.NewWSBroadcaster(client, "device-a", time.Hour, time.Hour)
	sub, err := device.Subscribe(ctx, id, func(string) {})
	require.NoError(t, err)
	defer sub.Close()
	require.Equal(t, 1, server.Hub().Subscribers(id))

	require.NoError(t, client.DeleteAccount(ctx, id, token))
	assert.Equal(t, 0, server.Hub().Subscribers(id))
}

func TestServer_ServeShutsDownOnCancel(t *testing.T) {
	server := NewServer(remote.NewMemory(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- server.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not shut down")
	}
}
