// Package remote is the typed surface of the untrusted relay: account
// ("bucket") and record operations plus a payload-free per-account broadcast
// channel. Everything that crosses it except model names and timestamps is
// ciphertext.
package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/NeverVane/promptledger/internal/storage"
	"github.com/NeverVane/promptledger/pkg/crypto"
)

// Broadcast event names
const (
	EventRecordsChanged = "records_changed"
	EventModelsChanged  = "models_changed"
	EventAccountDeleted = "account_deleted"

	// sent by the relay once a subscription is registered; never delivered to handlers
	eventSubscribed = "subscribed"
)

// AccessTokenHeader carries the password-derived access token on write calls
const AccessTokenHeader = "X-Access-Token"

// Remote errors. Transport failures and timeouts are ErrUnavailable.
var (
	ErrNotFound     = errors.New("remote: not found")
	ErrAuthRejected = errors.New("remote: access token rejected")
	ErrRejected     = errors.New("remote: request rejected")
	ErrUnavailable  = errors.New("remote: unavailable")
)

// Ciphertext bounds the relay enforces. A plaintext at the character limit
// may use up to four bytes per character.
var (
	MaxNoteBlobLength  = blobLength(storage.MaxNoteLength * 4)
	MaxTitleBlobLength = blobLength(storage.MaxTitleLength * 4)
	MaxTokenBlobLength = blobLength(32)
)

func blobLength(plaintextBytes int) int {
	return base64.StdEncoding.EncodedLen(crypto.NonceSize + plaintextBytes + crypto.TagSize)
}

// Account is what anyone holding the account id can read
type Account struct {
	ID           string                `json:"id"`
	Models       []storage.ModelConfig `json:"models"`
	Salt         []byte                `json:"salt"`
	Verification string                `json:"verification"`
}

// CreateAccountRequest carries everything the relay stores at creation
type CreateAccountRequest struct {
	Models          []storage.ModelConfig `json:"models"`
	Salt            []byte                `json:"salt"`
	Verification    string                `json:"verification"`
	AccessTokenHash string                `json:"access_token_hash"`
}

// RecordPayload is a record as sent to the relay. Note, OutputTokens and
// Title are ciphertext blobs; OutputTokens and Title may be empty.
type RecordPayload struct {
	Model          string    `json:"model"`
	Note           string    `json:"note"`
	OutputTokens   string    `json:"output_tokens,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Title          string    `json:"title,omitempty"`
}

// RemoteRecord is a stored record as returned by FetchRecords
type RemoteRecord struct {
	ID int64 `json:"id"`
	RecordPayload
}

// Validate applies the relay's size constraints
func (p RecordPayload) Validate() error {
	if p.Model == "" || p.Note == "" || p.Timestamp.IsZero() {
		return ErrRejected
	}
	if len(p.Note) > MaxNoteBlobLength || len(p.Title) > MaxTitleBlobLength || len(p.OutputTokens) > MaxTokenBlobLength {
		return ErrRejected
	}
	return nil
}

// Client is the set of remote account and record operations. Write calls
// take the access token; reads need only the account id.
type Client interface {
	CreateAccount(ctx context.Context, req CreateAccountRequest) (string, error)
	FetchAccount(ctx context.Context, accountID string) (*Account, error)
	FetchRecords(ctx context.Context, accountID string) ([]RemoteRecord, error)
	AddRecord(ctx context.Context, accountID string, record RecordPayload, accessToken string) (int64, error)
	UpdateRecord(ctx context.Context, recordID int64, accountID string, record RecordPayload, accessToken string) error
	DeleteRecord(ctx context.Context, recordID int64, accountID, accessToken string) error
	DeleteAllRecords(ctx context.Context, accountID, accessToken string) error
	BatchAddRecords(ctx context.Context, accountID string, records []RecordPayload, accessToken string) error
	UpdateModels(ctx context.Context, accountID string, models []storage.ModelConfig, accessToken string) error
	DeleteAccount(ctx context.Context, accountID, accessToken string) error
}

// Broadcaster is the per-account pub/sub channel. Handlers receive only the
// event name; state is always re-fetched. Subscribing needs only the account
// id; publishing takes the access token like any write.
type Broadcaster interface {
	Subscribe(ctx context.Context, accountID string, handler func(event string)) (Subscription, error)
	Broadcast(ctx context.Context, accountID, event, accessToken string) error
}

// TokenVerifier checks an access token without changing anything
type TokenVerifier interface {
	VerifyToken(ctx context.Context, accountID, accessToken string) error
}

// Subscription is a live broadcast listener
type Subscription interface {
	Close() error
}

// EventMessage is the broadcast wire shape
type EventMessage struct {
	Event  string `json:"event"`
	Origin string `json:"origin,omitempty"`
}

// ValidEvent reports whether name is one of the published event names
func ValidEvent(name string) bool {
	switch name {
	case EventRecordsChanged, EventModelsChanged, EventAccountDeleted:
		return true
	}
	return false
}
