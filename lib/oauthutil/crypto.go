package oauthutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrWrongPassword is returned when the password is incorrect
var ErrWrongPassword = errors.New("incorrect password")

// EncryptedTokenPrefix is the prefix for encrypted tokens
const EncryptedTokenPrefix = "ENCRYPTED:"

// cryptKey obscures the built-in client secret. Obscuring is not secrecy;
// it only keeps the literal out of casual greps, like rclone does it.
var cryptKey = []byte{
	0x9c, 0x93, 0x5b, 0x48, 0x73, 0x0a, 0x55, 0x4d,
	0x6b, 0xfd, 0x7c, 0x63, 0xc8, 0x86, 0xa9, 0x2b,
	0xd3, 0x90, 0x19, 0x8e, 0xb8, 0x12, 0x8a, 0xfb,
	0x7d, 0x59, 0x45, 0x36, 0x69, 0x25, 0x77, 0xc1,
}

// IsEncryptedToken checks if a token is encrypted
func IsEncryptedToken(token string) bool {
	return strings.HasPrefix(strings.TrimSpace(token), EncryptedTokenPrefix)
}

// EncryptToken encrypts a token with a password using AES-GCM with a
// SHA-256 derived key.
func EncryptToken(token, password string) (string, error) {
	if IsEncryptedToken(token) {
		return "", errors.New("token is already encrypted")
	}

	key := sha256.Sum256([]byte(password))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(token), nil)
	return EncryptedTokenPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptToken decrypts a token with a password
func DecryptToken(encryptedToken, password string) (string, error) {
	if !IsEncryptedToken(encryptedToken) {
		return "", errors.New("token is not encrypted")
	}
	encryptedToken = strings.TrimPrefix(strings.TrimSpace(encryptedToken), EncryptedTokenPrefix)

	ciphertext, err := base64.StdEncoding.DecodeString(encryptedToken)
	if err != nil {
		return "", err
	}

	key := sha256.Sum256([]byte(password))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce := ciphertext[:gcm.NonceSize()]
	ciphertext = ciphertext[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrWrongPassword
	}
	return string(plaintext), nil
}

// crypt encrypts or decrypts data with the built-in key using AES-CTR
func crypt(out, in, iv []byte) error {
	aesBlock, err := aes.NewCipher(cryptKey)
	if err != nil {
		return err
	}
	stream := cipher.NewCTR(aesBlock, iv)
	stream.XORKeyStream(out, in)
	return nil
}

// Obscure obscures a string using AES-CTR with the built-in key
func Obscure(plaintext string) (string, error) {
	plaintextBytes := []byte(plaintext)
	ciphertext := make([]byte, aes.BlockSize+len(plaintextBytes))
	iv := ciphertext[:aes.BlockSize]

	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate random IV: %w", err)
	}
	if err := crypt(ciphertext[aes.BlockSize:], plaintextBytes, iv); err != nil {
		return "", fmt.Errorf("encryption failed: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(ciphertext), nil
}

// Reveal decrypts an obscured string
func Reveal(obscured string) (string, error) {
	ciphertext, err := base64.RawURLEncoding.DecodeString(obscured)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	if len(ciphertext) < aes.BlockSize {
		return "", errors.New("input too short")
	}

	iv := ciphertext[:aes.BlockSize]
	plaintext := make([]byte, len(ciphertext)-aes.BlockSize)
	if err := crypt(plaintext, ciphertext[aes.BlockSize:], iv); err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plaintext), nil
}

// GeneratePassword generates a random password
func GeneratePassword(length int) (string, error) {
	if length < 16 {
		length = 16
	}
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes)[:length], nil
}
