package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/NeverVane/promptledger/internal/logger"
)

// Key derivation parameters
const (
	// PBKDF2-HMAC-SHA256 iteration count
	DefaultIterations = 100000

	// Salt length in bytes, generated once per account
	SaltLength = 32

	// Key length in bytes (256 bits)
	KeyLength = 32

	// Appended to the salt so the access token is independent of the encryption key
	accessTokenContext = "promptledger-access-token"
)

var (
	ErrEmptyPassword = errors.New("password cannot be empty")
	ErrInvalidSalt   = errors.New("salt must be at least 16 bytes")
)

// KeyService derives per-account key material from a master password
type KeyService struct {
	iterations int
	logger     *logger.Logger
}

// NewKeyService creates a key service with the default iteration count
func NewKeyService() *KeyService {
	return NewKeyServiceWithIterations(DefaultIterations)
}

// NewKeyServiceWithIterations creates a key service with a custom iteration count.
// Tests use low counts; production always goes through config validation.
func NewKeyServiceWithIterations(iterations int) *KeyService {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &KeyService{
		iterations: iterations,
		logger:     logger.GetLogger().Security(),
	}
}

// Iterations returns the PBKDF2 iteration count in use
func (ks *KeyService) Iterations() int {
	return ks.iterations
}

// GenerateSalt creates a cryptographically secure random salt
func (ks *KeyService) GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		ks.logger.WithError(err).Error().Msg("Failed to generate random salt")
		return nil, fmt.Errorf("failed to generate random salt: %w", err)
	}
	return salt, nil
}

// DeriveEncryptionKey derives the symmetric record key. Same password and salt
// always yield the same key; the key is never persisted or transmitted.
func (ks *KeyService) DeriveEncryptionKey(password string, salt []byte) ([]byte, error) {
	if err := validateInputs(password, salt); err != nil {
		return nil, err
	}

	start := time.Now()
	key := pbkdf2.Key([]byte(password), salt, ks.iterations, KeyLength, sha256.New)
	ks.logger.Performance("derive_encryption_key", time.Since(start))

	return key, nil
}

// DeriveAccessToken derives the write-authorization token sent to the relay.
// It uses a distinct derivation context so it reveals nothing about the
// encryption key.
func (ks *KeyService) DeriveAccessToken(password string, salt []byte) (string, error) {
	if err := validateInputs(password, salt); err != nil {
		return "", err
	}

	tokenSalt := make([]byte, 0, len(salt)+len(accessTokenContext))
	tokenSalt = append(tokenSalt, salt...)
	tokenSalt = append(tokenSalt, accessTokenContext...)

	token := pbkdf2.Key([]byte(password), tokenSalt, ks.iterations, KeyLength, sha256.New)
	defer SecureWipe(token)

	return hex.EncodeToString(token), nil
}

// HashAccessToken is the one-way hash the relay stores and compares
func HashAccessToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func validateInputs(password string, salt []byte) error {
	if password == "" {
		return ErrEmptyPassword
	}
	if len(salt) < 16 {
		return ErrInvalidSalt
	}
	return nil
}

// SecureWipe overwrites sensitive data in place
func SecureWipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
