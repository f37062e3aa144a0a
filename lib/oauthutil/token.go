package oauthutil

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/oauth2"
	"golang.org/x/term"
)

// PasswordEnvVar names the environment variable holding the password for
// an encrypted token file.
const PasswordEnvVar = "GDRIVEZIP_TOKEN_PASSWORD"

// TokenPath returns the path to the token file
func TokenPath(configDir, name string) string {
	return filepath.Join(configDir, name+".token")
}

// TokenManager handles loading and saving OAuth tokens with encryption
// support. When the on-disk token is encrypted the password comes from the
// environment or, interactively, from a terminal prompt.
type TokenManager struct {
	tokenPath string
	name      string
	password  string
}

// NewTokenManager creates a new token manager
func NewTokenManager(configDir, name string) *TokenManager {
	return &TokenManager{
		tokenPath: TokenPath(configDir, name),
		name:      name,
		password:  os.Getenv(PasswordEnvVar),
	}
}

// LoadToken loads a token from the configured path. A missing token file is
// not an error; it returns nil, nil so the caller can start authorization.
func (tm *TokenManager) LoadToken(ctx context.Context) (*oauth2.Token, error) {
	if _, err := os.Stat(tm.tokenPath); os.IsNotExist(err) {
		return nil, nil
	}

	data, err := os.ReadFile(tm.tokenPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	if !IsEncryptedToken(string(data)) {
		token := &oauth2.Token{}
		if err := json.Unmarshal(data, token); err != nil {
			return nil, fmt.Errorf("failed to parse token file: %w", err)
		}
		return token, nil
	}

	// Encrypted token: find a password
	if tm.password == "" {
		if !isInteractive() {
			return nil, fmt.Errorf("token is encrypted but no password provided (set %s)", PasswordEnvVar)
		}
		fmt.Fprintln(os.Stderr, "Token is encrypted. Please enter password to decrypt.")
		password, err := promptPassword()
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		tm.password = password
	}

	plaintext, err := DecryptToken(string(data), tm.password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt token: %w", err)
	}
	token := &oauth2.Token{}
	if err := json.Unmarshal([]byte(plaintext), token); err != nil {
		return nil, fmt.Errorf("failed to parse decrypted token: %w", err)
	}
	return token, nil
}

// SaveToken saves the token, encrypting it when a password is set.
func (tm *TokenManager) SaveToken(token *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(tm.tokenPath), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	out := string(data)
	if tm.password != "" {
		out, err = EncryptToken(out, tm.password)
		if err != nil {
			return fmt.Errorf("failed to encrypt token: %w", err)
		}
	}

	if err := os.WriteFile(tm.tokenPath, []byte(out), 0o600); err != nil {
		return fmt.Errorf("failed to save token file: %w", err)
	}
	return nil
}

// SetPassword sets the password used for subsequent saves.
func (tm *TokenManager) SetPassword(password string) {
	tm.password = password
}

// isInteractive reports whether stdin is a terminal
func isInteractive() bool {
	return term.IsTerminal(int(syscall.Stdin))
}

// promptPassword reads a password from the terminal without echo
func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(password), nil
}
