package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/NeverVane/promptledger/internal/logger"
)

// Encryption constants
const (
	// ChaCha20-Poly1305 (IETF) nonce size: 96 bits
	NonceSize = chacha20poly1305.NonceSize

	// Authentication tag size (16 bytes)
	TagSize = chacha20poly1305.Overhead

	// Minimum blob size before base64 (nonce + tag)
	MinEncryptedSize = NonceSize + TagSize

	// VerificationValue is encrypted once at account creation. Unlocking decrypts
	// it and compares before any record is touched.
	VerificationValue = "promptledger:verification:v1"
)

var (
	ErrDecryptionFailed   = errors.New("decryption failed")
	ErrVerificationFailed = errors.New("verification value mismatch")
	ErrInvalidKey         = errors.New("invalid encryption key")
)

// Encryptor handles authenticated encryption of opaque strings
type Encryptor struct {
	logger *logger.Logger
}

// NewEncryptor creates a new encryptor instance
func NewEncryptor() *Encryptor {
	return &Encryptor{
		logger: logger.GetLogger().Security(),
	}
}

// Encrypt seals plaintext under key with a fresh random nonce and returns
// base64(nonce || ciphertext || tag).
func (e *Encryptor) Encrypt(plaintext string, key []byte) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := rand.Read(nonce); err != nil {
		e.logger.WithError(err).Error().Msg("Failed to generate random nonce")
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. A wrong key or tampered data
// yields ErrDecryptionFailed, never garbage.
func (e *Encryptor) Decrypt(blob string, key []byte) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding", ErrDecryptionFailed)
	}
	if len(raw) < MinEncryptedSize {
		return "", fmt.Errorf("%w: blob too small (%d bytes)", ErrDecryptionFailed, len(raw))
	}

	plaintext, err := aead.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}

	return string(plaintext), nil
}

// CreateVerification encrypts the well-known verification value
func (e *Encryptor) CreateVerification(key []byte) (string, error) {
	return e.Encrypt(VerificationValue, key)
}

// Verify checks a candidate key against the stored verification blob
func (e *Encryptor) Verify(blob string, key []byte) error {
	plaintext, err := e.Decrypt(blob, key)
	if err != nil {
		e.logger.Debug().Msg("Verification value did not decrypt")
		return ErrVerificationFailed
	}
	if plaintext != VerificationValue {
		return ErrVerificationFailed
	}
	return nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidKey, chacha20poly1305.KeySize, len(key))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return aead, nil
}
