package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"not found", http.StatusNotFound, ErrNotFound},
		{"unauthorized", http.StatusUnauthorized, ErrAuthRejected},
		{"forbidden", http.StatusForbidden, ErrAuthRejected},
		{"bad request", http.StatusBadRequest, ErrRejected},
		{"payload too large", http.StatusRequestEntityTooLarge, ErrRejected},
		{"server error", http.StatusInternalServerError, ErrUnavailable},
		{"rate limited", http.StatusTooManyRequests, ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(ServerErrorResponse{Error: "nope"})
			}))
			defer srv.Close()

			client := NewHTTPClientWithURL(srv.URL, time.Second)
			err := client.DeleteRecord(context.Background(), 1, "acct", "token")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHTTPClient_TransportFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewHTTPClientWithURL(url, time.Second)
	_, err := client.FetchAccount(context.Background(), "acct")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsTransient(err))
}

func TestHTTPClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	client := NewHTTPClientWithURL(srv.URL, 50*time.Millisecond)
	_, err := client.AddRecord(context.Background(), "acct", payload("x"), "token")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPClient_SendsAccessTokenOnWrites(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.EscapedPath()+" token="+r.Header.Get(AccessTokenHeader))
		switch {
		case r.Method == http.MethodPost && r.URL.EscapedPath() == "/api/v1/buckets/a%2Fb/prompts":
			var p RecordPayload
			require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
			assert.Equal(t, "cipher", p.Note)
			json.NewEncoder(w).Encode(AddRecordResponse{ID: 42})
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(RecordsResponse{Prompts: []RemoteRecord{{ID: 7}}})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	client := NewHTTPClientWithURL(srv.URL+"/", time.Second)

	id, err := client.AddRecord(ctx, "a/b", payload("cipher"), "tok")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	records, err := client.FetchRecords(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(7), records[0].ID)

	require.NoError(t, client.UpdateRecord(ctx, 7, "acct", payload("c2"), "tok"))

	assert.Equal(t, []string{
		"POST /api/v1/buckets/a%2Fb/prompts token=tok",
		"GET /api/v1/buckets/acct/prompts token=",
		"PUT /api/v1/buckets/acct/prompts/7 token=tok",
	}, seen)
}
