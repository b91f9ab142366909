package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/conductorhq/conductor/internal/errors"
	"github.com/conductorhq/conductor/internal/store"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu        sync.Mutex
	tok       *store.OAuthToken
	upserts   int
	failWrite bool
}

func (s *memStore) GetOAuthToken(userID string) (*store.OAuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tok == nil {
		return nil, nil
	}
	cp := *s.tok
	return &cp, nil
}

func (s *memStore) UpsertOAuthToken(tok *store.OAuthToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if s.failWrite {
		return assert.AnError
	}
	cp := *tok
	s.tok = &cp
	return nil
}

func newTestManager(t *testing.T, cfg Config, st Store) *Manager {
	t.Helper()
	return NewManager(cfg, st, nil, zerolog.New(os.Stderr).Level(zerolog.WarnLevel))
}

func tokenEndpoint(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestAccessToken_FreshTokenNoRefresh(t *testing.T) {
	st := &memStore{tok: &store.OAuthToken{
		AccessToken:  "fresh",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	}}
	mgr := newTestManager(t, Config{TokenURL: "http://unused.invalid"}, st)

	got, err := mgr.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", got)
}

func TestAccessToken_ExpiringTriggersRefresh(t *testing.T) {
	var calls atomic.Int32
	srv := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refresh_token", body["grant_type"])
		assert.Equal(t, "r1", body["refresh_token"])
		assert.Equal(t, "cid", body["client_id"])
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new-access",
			"expires_in":   3600,
		})
	})

	st := &memStore{tok: &store.OAuthToken{
		AccessToken:  "stale",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(time.Minute).UnixMilli(), // inside 5m buffer
	}}
	mgr := newTestManager(t, Config{TokenURL: srv.URL, ClientID: "cid"}, st)

	got, err := mgr.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-access", got)
	assert.Equal(t, int32(1), calls.Load())

	// Persisted with a future expiry and the old refresh token kept.
	require.NotNil(t, st.tok)
	assert.Equal(t, "new-access", st.tok.AccessToken)
	assert.Equal(t, "r1", st.tok.RefreshToken)
	assert.Greater(t, st.tok.ExpiresAt, time.Now().Add(50*time.Minute).UnixMilli())
}

func TestAccessToken_RotatesRefreshToken(t *testing.T) {
	srv := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "a2",
			"refresh_token": "r2",
			"expires_in":    3600,
		})
	})

	st := &memStore{tok: &store.OAuthToken{
		AccessToken:  "a1",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(-time.Minute).UnixMilli(),
	}}
	mgr := newTestManager(t, Config{TokenURL: srv.URL}, st)

	_, err := mgr.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "r2", st.tok.RefreshToken)
}

func TestAccessToken_TransientFailureRetried(t *testing.T) {
	var calls atomic.Int32
	srv := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "a2",
			"expires_in":   3600,
		})
	})

	st := &memStore{tok: &store.OAuthToken{
		AccessToken:  "a1",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(-time.Minute).UnixMilli(),
	}}
	mgr := newTestManager(t, Config{TokenURL: srv.URL}, st)

	got, err := mgr.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a2", got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAccessToken_RefreshFailureKeepsOldToken(t *testing.T) {
	srv := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	st := &memStore{tok: &store.OAuthToken{
		AccessToken:  "a1",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(-time.Minute).UnixMilli(),
	}}
	mgr := newTestManager(t, Config{TokenURL: srv.URL}, st)

	_, err := mgr.AccessToken(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrRefreshFailed)
	assert.Equal(t, "a1", st.tok.AccessToken)
}

func TestAccessToken_ConcurrentCallersSingleRefresh(t *testing.T) {
	var calls atomic.Int32
	srv := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "shared",
			"expires_in":   3600,
		})
	})

	st := &memStore{tok: &store.OAuthToken{
		AccessToken:  "old",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(-time.Minute).UnixMilli(),
	}}
	mgr := newTestManager(t, Config{TokenURL: srv.URL}, st)

	var wg sync.WaitGroup
	results := make([]string, 8)
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = mgr.AccessToken(context.Background())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "all callers should share one refresh")
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", results[i])
	}
}

func TestAccessToken_NoTokenNoFallback(t *testing.T) {
	mgr := newTestManager(t, Config{TokenURL: "http://unused.invalid"}, &memStore{})

	_, err := mgr.AccessToken(context.Background())
	assert.ErrorIs(t, err, cerrors.ErrNoToken)
}

func TestAccessToken_FallbackWhenStoreEmpty(t *testing.T) {
	mgr := newTestManager(t, Config{Fallback: "env-token"}, &memStore{})

	got, err := mgr.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "env-token", got)
}

func TestAccessToken_DBWriteFailureStillReturnsToken(t *testing.T) {
	srv := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "a2",
			"expires_in":   3600,
		})
	})

	st := &memStore{
		tok: &store.OAuthToken{
			AccessToken:  "a1",
			RefreshToken: "r1",
			ExpiresAt:    time.Now().Add(-time.Minute).UnixMilli(),
		},
		failWrite: true,
	}
	mgr := newTestManager(t, Config{TokenURL: srv.URL}, st)

	got, err := mgr.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a2", got)

	// Second call serves the in-memory token, no second refresh.
	got2, err := mgr.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a2", got2)
}

func TestForceRefresh(t *testing.T) {
	var calls atomic.Int32
	srv := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "forced",
			"expires_in":   3600,
		})
	})

	st := &memStore{tok: &store.OAuthToken{
		AccessToken:  "valid-for-an-hour",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	}}
	mgr := newTestManager(t, Config{TokenURL: srv.URL}, st)

	got, err := mgr.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "forced", got)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSeed(t *testing.T) {
	st := &memStore{}
	mgr := newTestManager(t, Config{}, st)

	exp := time.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, mgr.Seed(context.Background(), "a1", "r1", exp, "user:inference", "pro"))

	require.NotNil(t, st.tok)
	assert.Equal(t, "a1", st.tok.AccessToken)
	assert.Equal(t, "pro", st.tok.SubscriptionTier)

	got, err := mgr.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a1", got)
}

func TestStatus(t *testing.T) {
	exp := time.Now().Add(time.Hour).UnixMilli()
	st := &memStore{tok: &store.OAuthToken{
		AccessToken:      "a1",
		RefreshToken:     "r1",
		ExpiresAt:        exp,
		SubscriptionTier: "max",
	}}
	mgr := newTestManager(t, Config{}, st)

	configured, gotExp, tier := mgr.Status()
	assert.True(t, configured)
	assert.Equal(t, exp, gotExp)
	assert.Equal(t, "max", tier)
}

func TestStatus_Unconfigured(t *testing.T) {
	mgr := newTestManager(t, Config{}, &memStore{})
	configured, _, _ := mgr.Status()
	assert.False(t, configured)
}
