package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeyLength)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	encryptor := NewEncryptor()
	key := testKey(t)

	tests := []struct {
		name      string
		plaintext string
	}{
		{"empty string", ""},
		{"ascii", "asked for a refactor of the parser"},
		{"multi-byte", "日本語のメモ — ünïcödé ✓ 🚀"},
		{"long note", strings.Repeat("x", 5000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := encryptor.Encrypt(tt.plaintext, key)
			require.NoError(t, err)

			decrypted, err := encryptor.Decrypt(blob, key)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, decrypted)
		})
	}
}

func TestEncrypt_FreshNonceEveryCall(t *testing.T) {
	encryptor := NewEncryptor()
	key := testKey(t)

	first, err := encryptor.Encrypt("same", key)
	require.NoError(t, err)
	second, err := encryptor.Encrypt("same", key)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)

	rawFirst, _ := base64.StdEncoding.DecodeString(first)
	rawSecond, _ := base64.StdEncoding.DecodeString(second)
	assert.NotEqual(t, rawFirst[:NonceSize], rawSecond[:NonceSize])
	assert.Len(t, rawFirst, NonceSize+len("same")+TagSize)
}

func TestDecrypt_WrongKey(t *testing.T) {
	encryptor := NewEncryptor()

	blob, err := encryptor.Encrypt("secret note", testKey(t))
	require.NoError(t, err)

	_, err = encryptor.Decrypt(blob, testKey(t))
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecrypt_InvalidData(t *testing.T) {
	encryptor := NewEncryptor()
	key := testKey(t)

	blob, err := encryptor.Encrypt("tamper with me", key)
	require.NoError(t, err)
	raw, _ := base64.StdEncoding.DecodeString(blob)
	raw[len(raw)-1] ^= 0xFF
	tampered := base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name string
		blob string
	}{
		{"empty", ""},
		{"not base64", "!!!not-base64!!!"},
		{"too short", base64.StdEncoding.EncodeToString(make([]byte, MinEncryptedSize-1))},
		{"tampered tag", tampered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := encryptor.Decrypt(tt.blob, key)
			assert.ErrorIs(t, err, ErrDecryptionFailed)
		})
	}
}

func TestEncrypt_InvalidKey(t *testing.T) {
	encryptor := NewEncryptor()

	for _, size := range []int{0, 16, 24, 64} {
		_, err := encryptor.Encrypt("x", make([]byte, size))
		assert.ErrorIs(t, err, ErrInvalidKey, "key size %d", size)
	}
}

func TestVerification(t *testing.T) {
	encryptor := NewEncryptor()
	key := testKey(t)

	blob, err := encryptor.CreateVerification(key)
	require.NoError(t, err)

	assert.NoError(t, encryptor.Verify(blob, key))
	assert.ErrorIs(t, encryptor.Verify(blob, testKey(t)), ErrVerificationFailed)

	other, err := encryptor.Encrypt("not the verification value", key)
	require.NoError(t, err)
	assert.ErrorIs(t, encryptor.Verify(other, key), ErrVerificationFailed)
}
