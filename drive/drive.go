// Package drive implements the remote.Drive capability set on the Google
// Drive v3 API.
package drive

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/gdrive-zipbackup/lib/oauthutil"
	"github.com/gdrive-zipbackup/lib/pacer"
	"github.com/gdrive-zipbackup/version"
)

// Constants
const (
	clientID              = "202264815644.apps.googleusercontent.com"
	encryptedClientSecret = "eX8GpZTVx3vxMWVkuuBdDWmAUE6rGhTwVrvG9GhllYccSdj2-mvHVg"
	scopePrefix           = "https://www.googleapis.com/auth/"
	defaultScope          = "drive"
	timeFormatIn          = time.RFC3339
	defaultListChunk      = 1000
	defaultMinSleep       = 100 * time.Millisecond
	// partialFields is the projection requested for every file lookup
	partialFields = "id,name,size,mimeType,modifiedTime,trashed"
)

// Globals
var (
	// Description of how to auth for this app
	driveConfig = &oauthutil.Config{
		Scopes:       []string{scopePrefix + defaultScope},
		AuthURL:      google.Endpoint.AuthURL,
		TokenURL:     google.Endpoint.TokenURL,
		ClientID:     clientID,
		ClientSecret: encryptedClientSecret, // decrypted by oauthutil
		RedirectURL:  oauthutil.RedirectURL,
	}
)

// Options defines the configuration for the Drive client
type Options struct {
	ConfigDir                 string        `json:"config_dir"`
	Scope                     string        `json:"scope"`
	ServiceAccountFile        string        `json:"service_account_file"`
	ServiceAccountCredentials string        `json:"service_account_credentials"`
	Impersonate               string        `json:"impersonate"`
	TeamDriveID               string        `json:"team_drive"`
	EnvAuth                   bool          `json:"env_auth"`
	ListChunk                 int64         `json:"list_chunk"`
	PacerMinSleep             time.Duration `json:"pacer_min_sleep"`
	DisableHTTP2              bool          `json:"disable_http2"`
}

// Fs is the Google Drive client implementing remote.Drive
type Fs struct {
	opt           Options        // parsed options
	svc           *drive.Service // the connection to the drive server
	client        *http.Client   // authorized client
	pacer         *pacer.Pacer   // paces metadata calls, with quick retries
	transferPacer *pacer.Pacer   // paces transfers; retries belong to the callers
	isTeamDrive   bool           // true if this is a team drive
}

// getClient returns an http client with appropriate timeouts
func getClient(opt *Options) *http.Client {
	t := &http.Transport{
		TLSClientConfig: &tls.Config{},
	}
	if opt.DisableHTTP2 {
		t.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	return &http.Client{
		Transport: t,
	}
}

// driveScopes parses the scopes option returning a slice of scopes
func driveScopes(scopesString string) (scopes []string) {
	if scopesString == "" {
		scopesString = defaultScope
	}
	for _, scope := range strings.Split(scopesString, ",") {
		scope = strings.TrimSpace(scope)
		scopes = append(scopes, scopePrefix+scope)
	}
	return scopes
}

func getServiceAccountClient(ctx context.Context, opt *Options, credentialsData []byte) (*http.Client, error) {
	scopes := driveScopes(opt.Scope)
	conf, err := google.JWTConfigFromJSON(credentialsData, scopes...)
	if err != nil {
		return nil, fmt.Errorf("error processing credentials: %w", err)
	}
	if opt.Impersonate != "" {
		conf.Subject = opt.Impersonate
	}
	ctxWithClient := context.WithValue(ctx, oauth2.HTTPClient, getClient(opt))
	return oauth2.NewClient(ctxWithClient, conf.TokenSource(ctxWithClient)), nil
}

func createOAuthClient(ctx context.Context, opt *Options) (*http.Client, error) {
	var oAuthClient *http.Client
	var err error

	// Try loading service account credentials from env variable, then from a file
	if len(opt.ServiceAccountCredentials) == 0 && opt.ServiceAccountFile != "" {
		loadedCreds, err := os.ReadFile(opt.ServiceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("error opening service account credentials file: %w", err)
		}
		opt.ServiceAccountCredentials = string(loadedCreds)
	}
	if opt.ServiceAccountCredentials != "" {
		oAuthClient, err = getServiceAccountClient(ctx, opt, []byte(opt.ServiceAccountCredentials))
		if err != nil {
			return nil, fmt.Errorf("failed to create oauth client from service account: %w", err)
		}
	} else if opt.EnvAuth {
		scopes := driveScopes(opt.Scope)
		oAuthClient, err = google.DefaultClient(ctx, scopes...)
		if err != nil {
			return nil, fmt.Errorf("failed to create client from environment: %w", err)
		}
	} else {
		// Set custom scopes if needed
		driveConfig.Scopes = driveScopes(opt.Scope)

		configMap := map[string]string{
			"config_dir": opt.ConfigDir,
		}

		oAuthClient, _, err = oauthutil.NewClient(ctx, "gdrive", configMap, driveConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create oauth client: %w", err)
		}
	}

	return oAuthClient, nil
}

// New constructs a Drive client from the options
func New(ctx context.Context, opt *Options) (*Fs, error) {
	// Set default config directory if not provided
	if opt.ConfigDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			opt.ConfigDir = filepath.Join(home, ".config", "gdrive-zipbackup")
		} else {
			opt.ConfigDir = ".config/gdrive-zipbackup"
		}
	}
	if opt.ListChunk <= 0 {
		opt.ListChunk = defaultListChunk
	}
	if opt.PacerMinSleep <= 0 {
		opt.PacerMinSleep = defaultMinSleep
	}

	oAuthClient, err := createOAuthClient(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("drive: failed when making oauth client: %w", err)
	}

	f := &Fs{
		opt:    *opt,
		client: oAuthClient,
		pacer: pacer.New(
			pacer.MinSleep(opt.PacerMinSleep),
			pacer.Retries(2),
			pacer.ShouldRetry(shouldRetryCall),
		),
		transferPacer: pacer.New(pacer.MinSleep(opt.PacerMinSleep)),
	}
	f.isTeamDrive = opt.TeamDriveID != ""

	f.svc, err = drive.NewService(ctx,
		option.WithHTTPClient(f.client),
		option.WithUserAgent(version.GetUserAgent()))
	if err != nil {
		return nil, fmt.Errorf("couldn't create Drive client: %w", err)
	}

	return f, nil
}

// String converts this Fs to a string
func (f *Fs) String() string {
	return "Google drive"
}
