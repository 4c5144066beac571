package assets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/fwippe/orderlens/internal/db"
)

// defaultRefreshCooldown is the minimum gap between refresh exchanges for
// non-forced callers. Forced refreshes skip the check but still count as
// attempts, so a forced refresh also re-arms the window.
const defaultRefreshCooldown = 30 * time.Second

// TokenStore persists provider token state across restarts. Satisfied by
// *db.Queries.
type TokenStore interface {
	GetProviderToken(ctx context.Context) (db.ProviderToken, error)
	UpsertProviderToken(ctx context.Context, arg db.UpsertProviderTokenParams) error
}

// TokenManager owns the single access credential for the asset provider.
// Every fetch path in the process shares one instance, so a refresh performed
// for one request benefits all of them.
type TokenManager struct {
	store TokenStore
	log   zerolog.Logger

	clientID     string
	clientSecret string
	tokenURL     string
	httpc        *http.Client
	cooldown     time.Duration

	group singleflight.Group

	mu            sync.Mutex
	accessToken   string
	refreshToken  string
	expiresAt     time.Time
	lastAttemptAt time.Time
	lastErr       error
}

// TokenOption configures a TokenManager.
type TokenOption func(*TokenManager)

// WithTokenHTTPClient overrides the HTTP client used for token exchanges.
func WithTokenHTTPClient(c *http.Client) TokenOption {
	return func(m *TokenManager) {
		m.httpc = c
	}
}

// WithCooldown overrides the refresh cooldown window.
func WithCooldown(d time.Duration) TokenOption {
	return func(m *TokenManager) {
		m.cooldown = d
	}
}

func NewTokenManager(store TokenStore, clientID, clientSecret, tokenURL string, log zerolog.Logger, opts ...TokenOption) *TokenManager {
	m := &TokenManager{
		store:        store,
		log:          log.With().Str("component", "tokens").Logger(),
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		httpc:        newHTTPClient(),
		cooldown:     defaultRefreshCooldown,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load pulls persisted token state into memory. A missing row is a fresh
// install, not an error.
func (m *TokenManager) Load(ctx context.Context) error {
	tok, err := m.store.GetProviderToken(ctx)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("load provider token: %w", err)
	}

	m.mu.Lock()
	m.accessToken = tok.AccessToken
	m.refreshToken = tok.RefreshToken
	m.expiresAt = tok.ExpiresAt
	m.mu.Unlock()
	return nil
}

// Connected reports whether the manager holds a refresh token, i.e. whether
// the provider has ever been connected or seeded.
func (m *TokenManager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshToken != ""
}

// AccessToken returns the current access token. Empty until the first
// successful refresh or SetTokens call.
func (m *TokenManager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessToken
}

// SetTokens stores a token set obtained outside the refresh path (connect
// callback, environment seed) and persists it.
func (m *TokenManager) SetTokens(ctx context.Context, access, refresh string, expiresAt time.Time) error {
	err := m.store.UpsertProviderToken(ctx, db.UpsertProviderTokenParams{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		return fmt.Errorf("persist provider token: %w", err)
	}

	m.mu.Lock()
	m.accessToken = access
	m.refreshToken = refresh
	m.expiresAt = expiresAt
	m.lastErr = nil
	m.mu.Unlock()
	return nil
}

// Refresh exchanges the refresh token for a new access token. Non-forced
// calls inside the cooldown window return the last attempt's outcome without
// a network call, and concurrent non-forced calls outside it are coalesced
// into one exchange. Forced calls always perform their own exchange.
func (m *TokenManager) Refresh(ctx context.Context, force bool) error {
	if force {
		return m.doRefresh(ctx)
	}

	m.mu.Lock()
	if !m.lastAttemptAt.IsZero() && time.Since(m.lastAttemptAt) < m.cooldown {
		err := m.lastErr
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	_, err, _ := m.group.Do("refresh", func() (interface{}, error) {
		return nil, m.doRefresh(ctx)
	})
	return err
}

// doRefresh performs one exchange attempt. The attempt timestamp moves on
// every attempt, successful or not, so a failing provider is retried at most
// once per cooldown window.
func (m *TokenManager) doRefresh(ctx context.Context) error {
	m.mu.Lock()
	m.lastAttemptAt = time.Now()
	refresh := m.refreshToken
	m.mu.Unlock()

	if err := m.exchange(ctx, refresh); err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		m.log.Error().Err(err).Msg("token refresh failed")
		return err
	}
	return nil
}

func (m *TokenManager) exchange(ctx context.Context, refreshToken string) error {
	if m.clientID == "" || m.clientSecret == "" {
		return &AuthError{Err: errors.New("provider client credentials not configured")}
	}
	if refreshToken == "" {
		return &AuthError{Err: errors.New("no refresh token, provider not connected")}
	}

	form := url.Values{}
	form.Set("client_id", m.clientID)
	form.Set("client_secret", m.clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return &AuthError{Err: fmt.Errorf("build token request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpc.Do(req)
	if err != nil {
		return &AuthError{Err: fmt.Errorf("token endpoint: %w", err)}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &AuthError{Err: fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var tok tokenResp
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return &AuthError{Err: fmt.Errorf("decode token response: %w", err)}
	}
	if tok.AccessToken == "" {
		return &AuthError{Err: errors.New("token response missing access_token")}
	}

	expiry := tok.expiry(time.Now())
	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		// provider did not rotate the refresh token
		newRefresh = refreshToken
	}

	err = m.store.UpsertProviderToken(ctx, db.UpsertProviderTokenParams{
		AccessToken:  tok.AccessToken,
		RefreshToken: newRefresh,
		ExpiresAt:    expiry,
	})
	if err != nil {
		// the in-memory token is still usable, persist again next refresh
		m.log.Error().Err(err).Msg("persist refreshed token failed")
	}

	m.mu.Lock()
	m.accessToken = tok.AccessToken
	m.refreshToken = newRefresh
	m.expiresAt = expiry
	m.lastErr = nil
	m.mu.Unlock()

	m.log.Info().Time("expires_at", expiry).Msg("provider token refreshed")
	return nil
}

type tokenResp struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	ExpiresIn    int64  `json:"expires_in"`
}

// expiry resolves the two expiry shapes providers use: an absolute unix
// timestamp or a relative lifetime in seconds.
func (t tokenResp) expiry(now time.Time) time.Time {
	if t.ExpiresAt > 0 {
		return time.Unix(t.ExpiresAt, 0)
	}
	if t.ExpiresIn > 0 {
		return now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return now
}
