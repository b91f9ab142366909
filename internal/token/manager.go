// Package token owns the agent's OAuth credential: one persisted token row
// plus the refresh loop that keeps it usable ahead of expiry.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	cerrors "github.com/conductorhq/conductor/internal/errors"
	"github.com/conductorhq/conductor/internal/metrics"
	"github.com/conductorhq/conductor/internal/retry"
	"github.com/conductorhq/conductor/internal/store"
)

// Store is the persistence surface the manager needs.
type Store interface {
	GetOAuthToken(userID string) (*store.OAuthToken, error)
	UpsertOAuthToken(tok *store.OAuthToken) error
}

// Config holds token manager configuration.
type Config struct {
	// TokenURL is the provider's refresh endpoint.
	TokenURL string
	// ClientID is sent with every refresh request.
	ClientID string
	// RefreshBuffer is how long before expiry a refresh is forced.
	RefreshBuffer time.Duration
	// RefreshTimeout bounds one refresh round trip.
	RefreshTimeout time.Duration
	// Fallback is a raw access token used when the store has no row
	// (the AGENT_OAUTH_TOKEN escape hatch). No expiry tracking.
	Fallback string
}

// Manager serializes access to the singleton OAuth token. All refresh paths
// run under one mutex, so concurrent callers share a single refresh and the
// second caller finds a fresh token when its turn comes.
type Manager struct {
	cfg     Config
	store   Store
	http    *http.Client
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	current *store.OAuthToken // in-memory copy, survives DB write failures
}

// NewManager creates a token manager.
func NewManager(cfg Config, st Store, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	if cfg.RefreshBuffer <= 0 {
		cfg.RefreshBuffer = 5 * time.Minute
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		store:   st,
		http:    &http.Client{Timeout: cfg.RefreshTimeout},
		metrics: m,
		logger:  logger.With().Str("component", "token_manager").Logger(),
	}
}

// AccessToken returns a currently-valid access token, refreshing first when
// the stored one is expired or inside the refresh buffer.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, err := m.loadLocked()
	if err != nil {
		return "", err
	}
	if tok == nil {
		if m.cfg.Fallback != "" {
			return m.cfg.Fallback, nil
		}
		return "", cerrors.ErrNoToken
	}

	if !m.needsRefreshLocked(tok) {
		return tok.AccessToken, nil
	}

	refreshed, err := m.refreshLocked(ctx, tok)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// ForceRefresh refreshes unconditionally and returns the new access token.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, err := m.loadLocked()
	if err != nil {
		return "", err
	}
	if tok == nil {
		return "", cerrors.ErrNoToken
	}

	refreshed, err := m.refreshLocked(ctx, tok)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// Seed upserts the singleton token row. expiresAt is unix milliseconds.
func (m *Manager) Seed(ctx context.Context, access, refresh string, expiresAt int64, scopes, tier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok := &store.OAuthToken{
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresAt:        expiresAt,
		Scopes:           scopes,
		SubscriptionTier: tier,
	}
	if err := m.store.UpsertOAuthToken(tok); err != nil {
		return fmt.Errorf("seeding token: %w", err)
	}
	m.current = tok
	m.logger.Info().Int64("expires_at", expiresAt).Msg("oauth token seeded")
	return nil
}

// Status reports the current token's shape without exposing secrets.
func (m *Manager) Status() (configured bool, expiresAt int64, tier string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, err := m.loadLocked()
	if err != nil || tok == nil {
		return m.cfg.Fallback != "", 0, ""
	}
	return true, tok.ExpiresAt, tok.SubscriptionTier
}

// loadLocked returns the cached token, reading through to the store once.
func (m *Manager) loadLocked() (*store.OAuthToken, error) {
	if m.current != nil {
		return m.current, nil
	}
	tok, err := m.store.GetOAuthToken("")
	if err != nil {
		return nil, fmt.Errorf("loading token: %w", err)
	}
	m.current = tok
	return tok, nil
}

func (m *Manager) needsRefreshLocked(tok *store.OAuthToken) bool {
	expires := time.UnixMilli(tok.ExpiresAt)
	return time.Until(expires) <= m.cfg.RefreshBuffer
}

// refreshResponse mirrors the provider token endpoint response.
type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// refreshLocked rotates the token. Caller holds the mutex, so at most one
// refresh is ever in flight. One transient provider failure is retried
// before giving up; on failure the old token stays in memory and the
// caller gets the error.
func (m *Manager) refreshLocked(ctx context.Context, tok *store.OAuthToken) (*store.OAuthToken, error) {
	if m.cfg.TokenURL == "" {
		return nil, fmt.Errorf("no token endpoint configured: %w", cerrors.ErrRefreshFailed)
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token stored: %w", cerrors.ErrRefreshFailed)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.RefreshTimeout)
	defer cancel()

	var resp refreshResponse
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: 2,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Jitter:      true,
		RetryIf:     func(error) bool { return true },
	}, func(ctx context.Context) error {
		var attemptErr error
		resp, attemptErr = m.requestRefresh(ctx, tok.RefreshToken)
		return attemptErr
	})
	if err != nil {
		if m.metrics != nil {
			m.metrics.RecordTokenRefresh("failure")
		}
		m.logger.Error().Err(err).Msg("token refresh failed")
		return nil, err
	}

	rotated := &store.OAuthToken{
		AccessToken:      resp.AccessToken,
		RefreshToken:     tok.RefreshToken,
		ExpiresAt:        time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second).UnixMilli(),
		Scopes:           tok.Scopes,
		SubscriptionTier: tok.SubscriptionTier,
	}
	if resp.RefreshToken != "" {
		rotated.RefreshToken = resp.RefreshToken
	}

	// Durability first; but a DB outage must not stall the agent, so the
	// in-memory token is still handed out when the write fails.
	if err := m.store.UpsertOAuthToken(rotated); err != nil {
		m.logger.Warn().Err(err).Msg("refreshed token not persisted; continuing with in-memory token")
	}
	m.current = rotated

	if m.metrics != nil {
		m.metrics.RecordTokenRefresh("success")
	}
	m.logger.Info().
		Int64("expires_at", rotated.ExpiresAt).
		Bool("rotated_refresh_token", resp.RefreshToken != "").
		Msg("oauth token refreshed")

	return rotated, nil
}

// requestRefresh performs one POST to the token endpoint.
func (m *Manager) requestRefresh(ctx context.Context, refreshToken string) (refreshResponse, error) {
	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     m.cfg.ClientID,
	})
	if err != nil {
		return refreshResponse{}, fmt.Errorf("encoding refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, bytes.NewReader(body))
	if err != nil {
		return refreshResponse{}, fmt.Errorf("creating refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return refreshResponse{}, fmt.Errorf("refresh request: %w: %v", cerrors.ErrRefreshFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return refreshResponse{}, fmt.Errorf("refresh rejected (status %d): %s: %w",
			resp.StatusCode, respBody, cerrors.ErrRefreshFailed)
	}

	var parsed refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return refreshResponse{}, fmt.Errorf("decoding refresh response: %w: %v", cerrors.ErrInvalidRefreshResponse, err)
	}
	if parsed.AccessToken == "" || parsed.ExpiresIn <= 0 {
		return refreshResponse{}, fmt.Errorf("refresh response missing access_token or expires_in: %w", cerrors.ErrInvalidRefreshResponse)
	}

	return parsed, nil
}
