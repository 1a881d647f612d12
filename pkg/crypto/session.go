package crypto

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// secretVersion is bumped whenever the persisted secret layout changes
const secretVersion = 1

// Session holds the unlocked key material for one account. It exists only
// while the account is unlocked and is wiped on lock.
type Session struct {
	mu        sync.RWMutex
	key       []byte
	password  []byte
	createdAt time.Time
}

// NewSession copies the key and password into a new session
func NewSession(password string, key []byte) *Session {
	return &Session{
		key:       append([]byte(nil), key...),
		password:  []byte(password),
		createdAt: time.Now(),
	}
}

// Active reports whether the session still holds key material
func (s *Session) Active() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.key) > 0
}

// Key returns a copy of the encryption key
func (s *Session) Key() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.key...)
}

// Password returns the master password. Callers derive the access token from
// it on every call instead of caching the token.
func (s *Session) Password() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return string(s.password)
}

// CreatedAt returns when the session was unlocked
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Wipe zeroes the key and password
func (s *Session) Wipe() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	SecureWipe(s.key)
	SecureWipe(s.password)
	s.key = nil
	s.password = nil
}

type sessionSecret struct {
	Version   int    `json:"version"`
	Password  []byte `json:"password"`
	CreatedAt int64  `json:"created_at"`
}

// MarshalSecret encodes what the session-scoped store keeps: the password,
// from which the key is re-derived and re-verified on restore.
func (s *Session) MarshalSecret() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.key) == 0 {
		return nil, fmt.Errorf("session is not active")
	}
	return json.Marshal(sessionSecret{
		Version:   secretVersion,
		Password:  s.password,
		CreatedAt: s.createdAt.UnixMilli(),
	})
}

// ParseSecret decodes a secret written by MarshalSecret and returns the password
func ParseSecret(data []byte) (string, error) {
	var secret sessionSecret
	if err := json.Unmarshal(data, &secret); err != nil {
		return "", fmt.Errorf("failed to decode session secret: %w", err)
	}
	if secret.Version != secretVersion {
		return "", fmt.Errorf("unsupported session secret version %d", secret.Version)
	}
	if len(secret.Password) == 0 {
		return "", ErrEmptyPassword
	}
	password := string(secret.Password)
	SecureWipe(secret.Password)
	return password, nil
}
