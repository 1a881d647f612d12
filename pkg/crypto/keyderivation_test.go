package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// low iteration count keeps the suite fast; the algorithm is the same
const testIterations = 1000

func TestGenerateSalt(t *testing.T) {
	ks := NewKeyServiceWithIterations(testIterations)

	salt1, err := ks.GenerateSalt()
	require.NoError(t, err)
	salt2, err := ks.GenerateSalt()
	require.NoError(t, err)

	assert.Len(t, salt1, SaltLength)
	assert.NotEqual(t, salt1, salt2)
}

func TestDeriveEncryptionKey_Deterministic(t *testing.T) {
	ks := NewKeyServiceWithIterations(testIterations)
	salt, err := ks.GenerateSalt()
	require.NoError(t, err)

	key1, err := ks.DeriveEncryptionKey("correct horse battery", salt)
	require.NoError(t, err)
	key2, err := ks.DeriveEncryptionKey("correct horse battery", salt)
	require.NoError(t, err)

	assert.Len(t, key1, KeyLength)
	assert.Equal(t, key1, key2)

	other, err := ks.DeriveEncryptionKey("different password", salt)
	require.NoError(t, err)
	assert.NotEqual(t, key1, other)

	otherSalt, err := ks.GenerateSalt()
	require.NoError(t, err)
	key3, err := ks.DeriveEncryptionKey("correct horse battery", otherSalt)
	require.NoError(t, err)
	assert.NotEqual(t, key1, key3)
}

func TestDeriveEncryptionKey_RoundTripWithEncryptor(t *testing.T) {
	ks := NewKeyServiceWithIterations(testIterations)
	encryptor := NewEncryptor()
	salt, err := ks.GenerateSalt()
	require.NoError(t, err)

	key, err := ks.DeriveEncryptionKey("pässwörd", salt)
	require.NoError(t, err)
	blob, err := encryptor.Encrypt("note ✓", key)
	require.NoError(t, err)

	again, err := ks.DeriveEncryptionKey("pässwörd", salt)
	require.NoError(t, err)
	plaintext, err := encryptor.Decrypt(blob, again)
	require.NoError(t, err)
	assert.Equal(t, "note ✓", plaintext)
}

func TestDeriveAccessToken_IndependentOfKey(t *testing.T) {
	ks := NewKeyServiceWithIterations(testIterations)
	salt, err := ks.GenerateSalt()
	require.NoError(t, err)

	key, err := ks.DeriveEncryptionKey("password123", salt)
	require.NoError(t, err)
	token, err := ks.DeriveAccessToken("password123", salt)
	require.NoError(t, err)

	assert.Len(t, token, KeyLength*2)
	assert.NotEqual(t, hex.EncodeToString(key), token)

	again, err := ks.DeriveAccessToken("password123", salt)
	require.NoError(t, err)
	assert.Equal(t, token, again)

	assert.NotEqual(t, token, HashAccessToken(token))
	assert.Equal(t, HashAccessToken(token), HashAccessToken(again))
}

func TestDerive_InvalidInputs(t *testing.T) {
	ks := NewKeyServiceWithIterations(testIterations)

	_, err := ks.DeriveEncryptionKey("", make([]byte, SaltLength))
	assert.ErrorIs(t, err, ErrEmptyPassword)

	_, err = ks.DeriveEncryptionKey("password", make([]byte, 8))
	assert.ErrorIs(t, err, ErrInvalidSalt)

	_, err = ks.DeriveAccessToken("password", nil)
	assert.ErrorIs(t, err, ErrInvalidSalt)
}

func TestNewKeyServiceWithIterations_DefaultsNonPositive(t *testing.T) {
	assert.Equal(t, DefaultIterations, NewKeyServiceWithIterations(0).Iterations())
	assert.Equal(t, DefaultIterations, NewKeyService().Iterations())
}

func TestSession_Wipe(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	session := NewSession("hunter2hunter2", key)

	assert.True(t, session.Active())
	assert.Equal(t, key, session.Key())
	assert.Equal(t, "hunter2hunter2", session.Password())

	secret, err := session.MarshalSecret()
	require.NoError(t, err)
	password, err := ParseSecret(secret)
	require.NoError(t, err)
	assert.Equal(t, "hunter2hunter2", password)

	session.Wipe()
	assert.False(t, session.Active())
	assert.Empty(t, session.Password())
	assert.Equal(t, []byte("0123456789abcdef0123456789abcdef"), key, "caller's key must not be wiped")

	_, err = session.MarshalSecret()
	assert.Error(t, err)

	var nilSession *Session
	assert.False(t, nilSession.Active())
	nilSession.Wipe()
}

func TestParseSecret_Invalid(t *testing.T) {
	_, err := ParseSecret([]byte("not json"))
	assert.Error(t, err)

	_, err = ParseSecret([]byte(`{"version":99,"password":"cHc="}`))
	assert.Error(t, err)

	_, err = ParseSecret([]byte(`{"version":1}`))
	assert.ErrorIs(t, err, ErrEmptyPassword)
}
