package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/joshp123/moenhome/internal/apierr"
)

// TokenSet is the bearer material for one account.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
}

// Valid reports whether the access token can be used at now.
func (t TokenSet) Valid(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.Expiry)
}

// OAuth2 converts the set for golang.org/x/oauth2 helpers such as SetAuthHeader.
func (t TokenSet) OAuth2() *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry,
	}
	if t.IDToken != "" {
		return token.WithExtra(map[string]any{"id_token": t.IDToken})
	}
	return token
}

// Manager owns the token lifecycle of one account: login, refresh, and the
// guarantee that callers only ever see an unexpired access token.
type Manager struct {
	decl       Declaration
	creds      Credentials
	httpClient *http.Client
	buffer     time.Duration
	now        func() time.Time
	logger     *slog.Logger

	renew singleflight.Group

	mu         sync.Mutex
	tokens     TokenSet
	generation uint64
}

// Option customises a Manager.
type Option func(*Manager)

func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		if client != nil {
			m.httpClient = client
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithExpiryBuffer(buffer time.Duration) Option {
	return func(m *Manager) {
		if buffer >= 0 {
			m.buffer = buffer
		}
	}
}

func NewManager(decl Declaration, creds Credentials, opts ...Option) (*Manager, error) {
	if decl.Account == "" {
		return nil, fmt.Errorf("account is required")
	}
	if decl.TokenURL == "" {
		return nil, fmt.Errorf("tokenURL is required")
	}
	if creds.ClientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}
	if creds.Username == "" {
		return nil, fmt.Errorf("username is required")
	}

	m := &Manager{
		decl:       decl,
		creds:      creds,
		httpClient: &http.Client{Timeout: DefaultRequestTimeout},
		buffer:     DefaultExpiryBuffer,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("account", decl.Account)
	return m, nil
}

// EnsureValid returns an unexpired token set, refreshing or logging in first
// when needed. Concurrent callers share a single renewal.
func (m *Manager) EnsureValid(ctx context.Context) (TokenSet, error) {
	if tokens, ok := m.current(); ok {
		return tokens, nil
	}

	result, err, shared := m.renew.Do("token", func() (any, error) {
		if tokens, ok := m.current(); ok {
			return tokens, nil
		}
		return m.renewTokens(context.WithoutCancel(ctx))
	})
	if err != nil {
		tokenValid.WithLabelValues(m.decl.Account).Set(0)
		return TokenSet{}, err
	}
	if shared {
		m.logger.Debug("joined in-flight token renewal")
	}
	return result.(TokenSet), nil
}

// Login authenticates with the configured credentials.
func (m *Manager) Login(ctx context.Context) (tokens TokenSet, err error) {
	defer func() { recordExchange(m.decl.Account, grantPassword, err) }()
	if m.creds.Password == "" {
		return TokenSet{}, apierr.Authentication(errors.New("no password configured"))
	}

	tokens, err = m.requestToken(ctx, map[string]string{
		"client_id": m.creds.ClientID,
		"username":  m.creds.Username,
		"password":  m.creds.Password,
	}, "")
	if err != nil {
		return TokenSet{}, err
	}
	if err := m.store(tokens); err != nil {
		return TokenSet{}, err
	}

	m.logger.Info("authenticated with moen cloud", describeIDToken(tokens.IDToken)...)
	return tokens, nil
}

// Refresh exchanges the stored refresh token for a new access token.
func (m *Manager) Refresh(ctx context.Context) (TokenSet, error) {
	m.mu.Lock()
	refreshToken := m.tokens.RefreshToken
	m.mu.Unlock()
	if refreshToken == "" {
		return TokenSet{}, apierr.Authentication(errors.New("no refresh token"))
	}

	tokens, err := m.requestToken(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     m.creds.ClientID,
	}, refreshToken)
	if err == nil {
		err = m.store(tokens)
	}
	recordExchange(m.decl.Account, grantRefresh, err)
	if err != nil {
		return TokenSet{}, err
	}

	m.logger.Debug("refreshed access token", "expiry", tokens.Expiry)
	return tokens, nil
}

// Tokens returns the current token set and a generation counter that grows on
// every successful login or refresh.
func (m *Manager) Tokens() (TokenSet, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens, m.generation
}

// Restore seeds the manager with persisted tokens.
func (m *Manager) Restore(tokens TokenSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = tokens
	recordToken(m.decl.Account, tokens.Valid(m.now()), tokens.Expiry)
}

// Invalidate drops the access token so the next EnsureValid renews it. The
// refresh token is kept.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens.AccessToken = ""
	m.tokens.Expiry = time.Time{}
	recordToken(m.decl.Account, false, time.Time{})
}

// Account returns the account id this manager authenticates.
func (m *Manager) Account() string {
	return m.decl.Account
}

func (m *Manager) current() (TokenSet, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens.Valid(m.now()) {
		return m.tokens, true
	}
	return TokenSet{}, false
}

func (m *Manager) renewTokens(ctx context.Context) (TokenSet, error) {
	m.mu.Lock()
	hasRefresh := m.tokens.RefreshToken != ""
	m.mu.Unlock()

	if hasRefresh {
		tokens, err := m.Refresh(ctx)
		if err == nil {
			return tokens, nil
		}
		m.logger.Warn("token refresh failed, logging in with credentials", "error", err)
	}
	return m.Login(ctx)
}

func (m *Manager) store(tokens TokenSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !tokens.Valid(m.now()) {
		return apierr.Authentication(fmt.Errorf("token expired on arrival (expiry %s)", tokens.Expiry.UTC().Format(time.RFC3339)))
	}
	m.tokens = tokens
	m.generation++
	recordToken(m.decl.Account, true, tokens.Expiry)
	return nil
}

type tokenResponse struct {
	Token *struct {
		AccessToken  string  `json:"access_token"`
		RefreshToken string  `json:"refresh_token"`
		IDToken      string  `json:"id_token"`
		ExpiresIn    float64 `json:"expires_in"`
	} `json:"token"`
}

func (m *Manager) requestToken(ctx context.Context, payload map[string]string, previousRefresh string) (TokenSet, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return TokenSet{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.decl.TokenURL, bytes.NewReader(body))
	if err != nil {
		return TokenSet{}, err
	}
	// The endpoint reads a JSON document but rejects requests without the form content type.
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "*/*")
	if m.decl.UserAgent != "" {
		req.Header.Set("User-Agent", m.decl.UserAgent)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return TokenSet{}, apierr.Authentication(apierr.Connectivity(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return TokenSet{}, apierr.Authentication(apierr.Connectivity(fmt.Errorf("read token response: %w", err)))
	}
	if resp.StatusCode != http.StatusOK {
		return TokenSet{}, apierr.Authentication(apierr.HTTPStatusError{Status: resp.StatusCode, Body: string(data)})
	}

	var decoded tokenResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return TokenSet{}, apierr.Authentication(fmt.Errorf("decode token response: %w", err))
	}
	if decoded.Token == nil || strings.TrimSpace(decoded.Token.AccessToken) == "" {
		return TokenSet{}, apierr.Authentication(errors.New("token response missing access_token"))
	}

	expiresIn := decoded.Token.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = DefaultExpiresIn
	}
	refreshToken := decoded.Token.RefreshToken
	if refreshToken == "" {
		refreshToken = previousRefresh
	}

	return TokenSet{
		AccessToken:  decoded.Token.AccessToken,
		RefreshToken: refreshToken,
		IDToken:      decoded.Token.IDToken,
		Expiry:       m.now().Add(time.Duration(expiresIn*float64(time.Second)) - m.buffer),
	}, nil
}

func boolGauge(value bool) float64 {
	if value {
		return 1
	}
	return 0
}
