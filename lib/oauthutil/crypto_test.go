package oauthutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptToken(t *testing.T) {
	const token = `{"access_token":"abc","refresh_token":"def"}`
	const password = "correct horse battery staple"

	encrypted, err := EncryptToken(token, password)
	require.NoError(t, err)
	assert.True(t, IsEncryptedToken(encrypted))
	assert.NotContains(t, encrypted, "abc")

	plaintext, err := DecryptToken(encrypted, password)
	require.NoError(t, err)
	assert.Equal(t, token, plaintext)
}

func TestDecryptTokenWrongPassword(t *testing.T) {
	encrypted, err := EncryptToken("secret data", "right password")
	require.NoError(t, err)

	_, err = DecryptToken(encrypted, "wrong password")
	assert.ErrorIs(t, err, ErrWrongPassword)
}

func TestEncryptTokenTwiceFails(t *testing.T) {
	encrypted, err := EncryptToken("data", "pw")
	require.NoError(t, err)

	_, err = EncryptToken(encrypted, "pw")
	assert.Error(t, err)
}

func TestDecryptTokenNotEncrypted(t *testing.T) {
	_, err := DecryptToken(`{"access_token":"abc"}`, "pw")
	assert.Error(t, err)
}

func TestObscureReveal(t *testing.T) {
	const secret = "client-secret-value"

	obscured, err := Obscure(secret)
	require.NoError(t, err)
	assert.NotEqual(t, secret, obscured)

	revealed, err := Reveal(obscured)
	require.NoError(t, err)
	assert.Equal(t, secret, revealed)
}

func TestObscureIsRandomized(t *testing.T) {
	a, err := Obscure("same input")
	require.NoError(t, err)
	b, err := Obscure("same input")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "random IV must vary the output")
}

func TestGeneratePassword(t *testing.T) {
	pw, err := GeneratePassword(24)
	require.NoError(t, err)
	assert.Len(t, pw, 24)

	short, err := GeneratePassword(4)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(short), 16, "passwords have a minimum length")
}
