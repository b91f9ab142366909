package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductorhq/conductor/internal/alloc"
	"github.com/conductorhq/conductor/internal/channel"
	"github.com/conductorhq/conductor/internal/config"
	"github.com/conductorhq/conductor/internal/gh"
	"github.com/conductorhq/conductor/internal/health"
	"github.com/conductorhq/conductor/internal/metrics"
	"github.com/conductorhq/conductor/internal/notify"
	"github.com/conductorhq/conductor/internal/session"
	"github.com/conductorhq/conductor/internal/sprite"
	"github.com/conductorhq/conductor/internal/store"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

// --- fakes ---

// fakeAlloc stands in for the sandbox allocator on both the session and
// API sides.
type fakeAlloc struct {
	mu        sync.Mutex
	prewarmed []int64
	released  []int64
	locks     map[int64]int64 // repo id → holder task id
}

func newFakeAlloc() *fakeAlloc {
	return &fakeAlloc{locks: make(map[int64]int64)}
}

func (f *fakeAlloc) Allocate(_ context.Context, task *store.Task) (alloc.Allocation, error) {
	return alloc.Allocation{
		SpriteName: "conductor",
		WorkingDir: "/home/sprite",
		RepoID:     task.RepoID,
	}, nil
}

func (f *fakeAlloc) Release(_ context.Context, taskID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, taskID)
	return nil
}

func (f *fakeAlloc) Prewarm(task *store.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prewarmed = append(f.prewarmed, task.ID)
}

func (f *fakeAlloc) RepoLocked(repoID int64) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	holder, ok := f.locks[repoID]
	return holder, ok, nil
}

func (f *fakeAlloc) lock(repoID, taskID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks[repoID] = taskID
}

func (f *fakeAlloc) prewarmedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.prewarmed...)
}

// fakeChannel is a minimal agent channel that reports ready immediately.
type fakeChannel struct {
	mu         sync.Mutex
	notes      chan channel.Note
	sent       []string
	interrupts int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{notes: make(chan channel.Note, 32)}
}

func (f *fakeChannel) Start(context.Context) error {
	f.notes <- channel.Ready{}
	return nil
}

func (f *fakeChannel) Notes() <-chan channel.Note { return f.notes }

func (f *fakeChannel) Send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeChannel) Interrupt() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	return nil
}

func (f *fakeChannel) Stop(string) {}

func (f *fakeChannel) sentSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeChannel) interruptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts
}

type channelFactory struct {
	mu    sync.Mutex
	chans []*fakeChannel
}

func (cf *channelFactory) new(channel.Config) session.AgentChannel {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	fc := newFakeChannel()
	cf.chans = append(cf.chans, fc)
	return fc
}

func (cf *channelFactory) count() int {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return len(cf.chans)
}

// at waits for the i-th channel to exist.
func (cf *channelFactory) at(t *testing.T, i int) *fakeChannel {
	t.Helper()
	require.Eventually(t, func() bool { return cf.count() > i },
		3*time.Second, 10*time.Millisecond)
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.chans[i]
}

type staticTokens struct{}

func (staticTokens) AccessToken(context.Context) (string, error) { return "tok-123", nil }

type fakeSandboxes struct {
	mu        sync.Mutex
	sprites   []sprite.Sprite
	err       error
	suspended []string
	deleted   []string
}

func (f *fakeSandboxes) List(context.Context) ([]sprite.Sprite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sprites, f.err
}

func (f *fakeSandboxes) Suspend(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.suspended = append(f.suspended, name)
	return nil
}

func (f *fakeSandboxes) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeSandboxes) suspendedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.suspended...)
}

func (f *fakeSandboxes) deletedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type fakeTokenAdmin struct {
	mu         sync.Mutex
	configured bool
	expiresAt  int64
	tier       string
	seedErr    error
	refreshErr error
	seeds      int
	refreshes  int
}

func (f *fakeTokenAdmin) Seed(_ context.Context, access, refresh string, expiresAt int64, scopes, tier string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seedErr != nil {
		return f.seedErr
	}
	f.seeds++
	f.configured = true
	f.expiresAt = expiresAt
	f.tier = tier
	return nil
}

func (f *fakeTokenAdmin) ForceRefresh(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	f.refreshes++
	return "refreshed-token", nil
}

func (f *fakeTokenAdmin) Status() (bool, int64, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configured, f.expiresAt, f.tier
}

func (f *fakeTokenAdmin) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

type fakeResolver struct {
	mu    sync.Mutex
	info  gh.RepoInfo
	err   error
	calls []string
}

func (f *fakeResolver) Resolve(_ context.Context, remote string) (gh.RepoInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, remote)
	if f.err != nil {
		return gh.RepoInfo{}, f.err
	}
	return f.info, nil
}

func (f *fakeResolver) resolveCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// --- harness ---

type testEnv struct {
	t         *testing.T
	st        *store.Store
	registry  *session.Registry
	alloc     *fakeAlloc
	factory   *channelFactory
	sandboxes *fakeSandboxes
	tokens    *fakeTokenAdmin
	resolver  *fakeResolver
	cfg       *config.Config
	srv       *Server
	app       *fiber.App
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "conductor.db"), testLogger())
	require.NoError(t, err)

	fa := newFakeAlloc()
	factory := &channelFactory{}
	m := metrics.New()

	registry := session.NewRegistry(session.Deps{
		Store:       st,
		Allocator:   fa,
		Tokens:      staticTokens{},
		Notifier:    notify.Nop{},
		Metrics:     m,
		Logger:      testLogger(),
		IdleTimeout: time.Hour,
		NewChannel:  factory.new,
	})

	checker := health.NewChecker(testLogger())
	checker.Register("db", health.DB(st))

	cfg := &config.Config{RateLimitRPS: 1000}
	for _, fn := range mutate {
		fn(cfg)
	}

	env := &testEnv{
		t:         t,
		st:        st,
		registry:  registry,
		alloc:     fa,
		factory:   factory,
		sandboxes: &fakeSandboxes{},
		tokens:    &fakeTokenAdmin{},
		resolver: &fakeResolver{info: gh.RepoInfo{
			Owner:         "acme",
			Name:          "widgets",
			DisplayName:   "acme/widgets",
			DefaultBranch: "main",
		}},
		cfg: cfg,
	}

	env.srv = NewServer(Deps{
		Store:     st,
		Registry:  registry,
		Allocator: fa,
		Sandboxes: env.sandboxes,
		Tokens:    env.tokens,
		Resolver:  env.resolver,
		Checker:   checker,
		Metrics:   m,
		Config:    cfg,
		Logger:    testLogger(),
	})
	env.app = env.srv.App()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		registry.StopAll(ctx)
		_ = st.Close()
	})

	return env
}

// doAuth performs one request against the app, optionally with a bearer
// credential.
func (env *testEnv) doAuth(method, path, bearer string, body any) *http.Response {
	env.t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(env.t, err)
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, path, rd)
	require.NoError(env.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := env.app.Test(req, -1)
	require.NoError(env.t, err)
	return resp
}

func (env *testEnv) do(method, path string, body any) *http.Response {
	env.t.Helper()
	return env.doAuth(method, path, "", body)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (env *testEnv) createTask(title string, repoID int64) taskResponse {
	env.t.Helper()
	resp := env.do("POST", "/v1/tasks", createTaskRequest{Title: title, RepoID: repoID})
	require.Equal(env.t, http.StatusCreated, resp.StatusCode)
	return decode[taskResponse](env.t, resp)
}

// listen serves the app on a loopback listener for WebSocket tests.
func (env *testEnv) listen(t *testing.T) net.Listener {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = env.app.Listener(ln) }()
	t.Cleanup(func() { _ = env.app.Shutdown() })

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	return ln
}

// --- server-level tests ---

func TestServer_Liveness(t *testing.T) {
	env := newTestServer(t)

	resp := env.do("GET", "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_Readiness(t *testing.T) {
	env := newTestServer(t)

	resp := env.do("GET", "/ready", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	report := decode[health.Report](t, resp)
	assert.Equal(t, "ready", report.Status)
	assert.Equal(t, health.StatusOK, report.Checks["db"])
}

func TestServer_Metrics(t *testing.T) {
	env := newTestServer(t)

	resp := env.do("GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), "conductor_")
}

func TestServer_RequestIDHeader(t *testing.T) {
	env := newTestServer(t)

	resp := env.do("GET", "/health", nil)
	id := resp.Header.Get("X-Request-ID")
	require.NotEmpty(t, id)
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
}

func TestServer_UnknownRouteIsProblemJSON(t *testing.T) {
	env := newTestServer(t)

	resp := env.do("GET", "/nope", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, http.StatusNotFound, problem.Status)
}

// --- auth middleware ---

func TestAuth_DisabledWithoutPassword(t *testing.T) {
	env := newTestServer(t)

	resp := env.do("GET", "/v1/tasks", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_MissingHeader(t *testing.T) {
	env := newTestServer(t, func(c *config.Config) { c.ServicePassword = "hunter2" })

	resp := env.do("GET", "/v1/tasks", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "missing_auth", problem.Type)
}

func TestAuth_WrongScheme(t *testing.T) {
	env := newTestServer(t, func(c *config.Config) { c.ServicePassword = "hunter2" })

	req, _ := http.NewRequest("GET", "/v1/tasks", nil)
	req.Header.Set("Authorization", "Basic dGVzdDp0ZXN0")
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "invalid_auth_scheme", problem.Type)
}

func TestAuth_WrongPassword(t *testing.T) {
	env := newTestServer(t, func(c *config.Config) { c.ServicePassword = "hunter2" })

	resp := env.doAuth("GET", "/v1/tasks", "nope", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "invalid_credentials", problem.Type)
}

func TestAuth_ValidPassword(t *testing.T) {
	env := newTestServer(t, func(c *config.Config) { c.ServicePassword = "hunter2" })

	resp := env.doAuth("GET", "/v1/tasks", "hunter2", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_ProbesStayOpen(t *testing.T) {
	env := newTestServer(t, func(c *config.Config) { c.ServicePassword = "hunter2" })

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		resp := env.do("GET", path, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "path: %s", path)
	}
}

// --- rate limiting ---

func TestRateLimit_TooManyRequests(t *testing.T) {
	env := newTestServer(t, func(c *config.Config) { c.RateLimitRPS = 1 })

	// Burst capacity is 2*RPS, so the third immediate request trips it.
	for i := 0; i < 2; i++ {
		resp := env.do("GET", "/v1/tasks", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := env.do("GET", "/v1/tasks", nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "rate_limit_exceeded", problem.Type)

	// Probes are exempt.
	resp = env.do("GET", "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
