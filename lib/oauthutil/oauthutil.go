// Package oauthutil provides OAuth utilities: the interactive authorization
// flow, on-disk token persistence and optional token encryption.
package oauthutil

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2"
)

// RedirectURL is redirect to local webserver when active
const RedirectURL = "http://127.0.0.1:53682/"

// TitleBarRedirectURL is the OAuth2 redirect URL to use when the
// authorization code should be returned in the title bar of the browser,
// with the page text prompting the user to copy the code and paste it in
// the application.
const TitleBarRedirectURL = "urn:ietf:wg:oauth:2.0:oob"

// Config contains the data for the oauth config
type Config struct {
	Scopes       []string
	AuthURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string // may be obscured, see Reveal
	RedirectURL  string
}

// oauth2Config builds the oauth2 library config, revealing the client
// secret when it is stored obscured.
func (c *Config) oauth2Config(redirectURL string) *oauth2.Config {
	secret := c.ClientSecret
	if revealed, err := Reveal(secret); err == nil {
		secret = revealed
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: secret,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthURL,
			TokenURL: c.TokenURL,
		},
		RedirectURL: redirectURL,
	}
}

// TokenSource wraps the oauth2 token source so callers can hold on to it
type TokenSource struct {
	tokenSource oauth2.TokenSource
	name        string
}

// Token returns a token or an error
func (ts *TokenSource) Token() (*oauth2.Token, error) {
	return ts.tokenSource.Token()
}

// NewClient gets a token from the token file, or runs the manual
// authorization flow when none exists, and configures a Client with it.
// Recognized keys in m: "config_dir".
func NewClient(ctx context.Context, name string, m map[string]string, config *Config) (*http.Client, *TokenSource, error) {
	configDir := "~/.config/gdrive-zipbackup"
	if m != nil {
		if dir, ok := m["config_dir"]; ok && dir != "" {
			configDir = dir
		}
	}

	// Expand user home directory if needed
	if strings.HasPrefix(configDir, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			configDir = filepath.Join(home, configDir[2:])
		}
	}

	tokenManager := NewTokenManager(configDir, name)

	// Try the saved token first
	token, err := tokenManager.LoadToken(ctx)
	if err != nil {
		return nil, nil, err
	}
	if token == nil {
		// No token yet: run the manual authorization flow
		token, err = authorize(ctx, config)
		if err != nil {
			return nil, nil, err
		}
		if err := tokenManager.SaveToken(token); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to save token: %v\n", err)
		}
	}

	oaConfig := config.oauth2Config(RedirectURL)
	persistent := &persistentTokenSource{
		manager: tokenManager,
		wrapped: oaConfig.TokenSource(ctx, token),
	}
	ts := &TokenSource{tokenSource: persistent, name: name}
	return oauth2.NewClient(ctx, persistent), ts, nil
}

// authorize runs the copy-the-code authorization flow on the terminal.
func authorize(ctx context.Context, config *Config) (*oauth2.Token, error) {
	oaConfig := config.oauth2Config(TitleBarRedirectURL)
	authURL := oaConfig.AuthCodeURL("state", oauth2.AccessTypeOffline)
	fmt.Printf("No token found. Please authorize this app by visiting:\n%s\n", authURL)
	fmt.Printf("Enter the authorization code: ")
	var code string
	fmt.Scanln(&code)

	token, err := oaConfig.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}
	return token, nil
}

// persistentTokenSource saves refreshed tokens back to disk
type persistentTokenSource struct {
	manager *TokenManager
	wrapped oauth2.TokenSource
}

// Token returns a token from the wrapped source and saves it
func (s *persistentTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.wrapped.Token()
	if err != nil {
		return nil, err
	}
	if err := s.manager.SaveToken(token); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to save token: %v\n", err)
	}
	return token, nil
}
