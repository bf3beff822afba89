package taskservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// Default OAuth2 endpoints for the hosted task service.
const (
	DefaultAuthURL     = "https://ticktick.com/oauth/authorize"
	DefaultTokenURL    = "https://ticktick.com/oauth/token"
	DefaultRedirectURL = "http://localhost:8080/callback"
)

// DefaultScopes grant task read/write access.
var DefaultScopes = []string{"tasks:read", "tasks:write"}

// ErrNotAuthorized means no usable token exists and the interactive grant
// has to run before the service can be called.
var ErrNotAuthorized = errors.New("task service not authorized, run 'roboclaw auth login'")

// expirySkew is subtracted from the reported lifetime so a token is
// refreshed slightly before the server would start rejecting it.
const expirySkew = 60 * time.Second

// AuthConfig configures the authorization-code flow. Empty fields fall
// back to the package defaults.
type AuthConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
	CachePath    string
}

// Auth owns the token lifecycle: the on-disk cache, refresh, and the
// interactive code grant over a loopback redirect. Safe for concurrent use.
type Auth struct {
	conf      *oauth2.Config
	cachePath string
	logger    *slog.Logger

	mu  sync.Mutex
	tok *oauth2.Token

	now func() time.Time
}

// NewAuth builds the token manager. The cache file is only read lazily,
// so construction never touches the disk.
func NewAuth(cfg AuthConfig, logger *slog.Logger) *Auth {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = DefaultRedirectURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	if cfg.CachePath == "" {
		cfg.CachePath, _ = DefaultCachePath()
	}
	return &Auth{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		cachePath: cfg.CachePath,
		logger:    logger.With("component", "taskauth"),
		now:       time.Now,
	}
}

// DefaultCachePath returns the token cache location under the user config
// directory.
func DefaultCachePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "roboclaw", "taskservice_token.json"), nil
}

// cachedToken is the on-disk shape. ExpiresAt is epoch seconds with the
// refresh skew already applied.
type cachedToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Token returns a valid access token: the cached one when still live,
// otherwise a refreshed one. Returns ErrNotAuthorized when neither is
// possible without user interaction.
func (a *Auth) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.tok == nil {
		a.tok = a.loadLocked()
	}
	if a.tok != nil && a.tok.AccessToken != "" && a.now().Before(a.tok.Expiry) {
		return a.tok.AccessToken, nil
	}
	return a.refreshLocked(ctx)
}

// Refresh forces a refresh regardless of the cached expiry. Used by the
// HTTP client after a 401.
func (a *Auth) Refresh(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.tok == nil {
		a.tok = a.loadLocked()
	}
	return a.refreshLocked(ctx)
}

// refreshLocked exchanges the refresh token for a fresh access token and
// persists the result. Callers hold a.mu.
func (a *Auth) refreshLocked(ctx context.Context) (string, error) {
	if a.tok == nil || a.tok.RefreshToken == "" {
		return "", ErrNotAuthorized
	}
	old := a.tok.RefreshToken

	src := a.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: old})
	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("refreshing task service token: %w", err)
	}
	// Some providers omit the refresh token on refresh responses; keep
	// the one we have so the chain stays unbroken.
	if tok.RefreshToken == "" {
		tok.RefreshToken = old
	}
	a.tok = tok
	if err := a.saveLocked(tok); err != nil {
		a.logger.Warn("token cache write failed", "error", err)
	}
	a.logger.Info("task service token refreshed", "expires", tok.Expiry.Format(time.RFC3339))
	return tok.AccessToken, nil
}

// AuthCodeURL returns the browser URL that starts the code grant.
func (a *Auth) AuthCodeURL(state string) string {
	return a.conf.AuthCodeURL(state)
}

// Exchange trades an authorization code for tokens and persists them.
func (a *Auth) Exchange(ctx context.Context, code string) error {
	tok, err := a.conf.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchanging authorization code: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tok = tok
	if err := a.saveLocked(tok); err != nil {
		return fmt.Errorf("persisting token: %w", err)
	}
	return nil
}

// Login runs the interactive code grant: it serves the loopback redirect,
// hands the authorization URL to onURL (for printing, QR rendering or
// opening a browser), waits for the callback, and exchanges the code.
func (a *Auth) Login(ctx context.Context, onURL func(authURL string)) error {
	if a.conf.ClientID == "" || a.conf.ClientSecret == "" {
		return fmt.Errorf("task service client id/secret not configured")
	}

	redirect, err := url.Parse(a.conf.RedirectURL)
	if err != nil {
		return fmt.Errorf("parsing redirect url: %w", err)
	}
	host := redirect.Hostname()
	if host == "" {
		host = "127.0.0.1"
	}
	port := redirect.Port()
	if port == "" {
		port = "8080"
	}
	callbackPath := redirect.Path
	if callbackPath == "" {
		callbackPath = "/callback"
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return fmt.Errorf("listening on %s:%s for the oauth callback: %w", host, port, err)
	}

	state := uuid.NewString()
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			errCh <- fmt.Errorf("oauth callback state mismatch")
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			errCh <- fmt.Errorf("oauth callback carried no code")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "Authorization received. You can close this tab.")
		codeCh <- code
	})

	server := &http.Server{Handler: mux}
	go func() {
		if serveErr := server.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()
	defer server.Close()

	if onURL != nil {
		onURL(a.AuthCodeURL(state))
	}
	a.logger.Info("waiting for oauth callback", "addr", listener.Addr().String(), "path", callbackPath)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("oauth callback failed: %w", err)
	case code := <-codeCh:
		return a.Exchange(ctx, code)
	}
}

// Status reports whether a token is cached and when it expires.
func (a *Auth) Status() (expiry time.Time, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tok == nil {
		a.tok = a.loadLocked()
	}
	if a.tok == nil || a.tok.AccessToken == "" {
		return time.Time{}, false
	}
	return a.tok.Expiry, true
}

// Logout drops the cached token from memory and disk.
func (a *Auth) Logout() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tok = nil
	if a.cachePath == "" {
		return nil
	}
	if err := os.Remove(a.cachePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing token cache: %w", err)
	}
	return nil
}

// loadLocked reads the cache file; nil on any failure. Callers hold a.mu.
func (a *Auth) loadLocked() *oauth2.Token {
	if a.cachePath == "" {
		return nil
	}
	data, err := os.ReadFile(a.cachePath)
	if err != nil {
		return nil
	}
	var cached cachedToken
	if err := json.Unmarshal(data, &cached); err != nil {
		a.logger.Warn("token cache unreadable, ignoring", "path", a.cachePath, "error", err)
		return nil
	}
	if cached.AccessToken == "" && cached.RefreshToken == "" {
		return nil
	}
	tok := &oauth2.Token{
		AccessToken:  cached.AccessToken,
		RefreshToken: cached.RefreshToken,
	}
	if cached.ExpiresAt > 0 {
		tok.Expiry = time.Unix(cached.ExpiresAt, 0)
	}
	return tok
}

// saveLocked writes the cache file with the skew applied. Callers hold a.mu.
func (a *Auth) saveLocked(tok *oauth2.Token) error {
	if a.cachePath == "" {
		return nil
	}
	cached := cachedToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		cached.ExpiresAt = tok.Expiry.Add(-expirySkew).Unix()
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("encoding token cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(a.cachePath), 0o700); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	if err := os.WriteFile(a.cachePath, data, 0o600); err != nil {
		return fmt.Errorf("writing token cache: %w", err)
	}
	return nil
}
