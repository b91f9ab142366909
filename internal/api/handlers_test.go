package api

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/conductorhq/conductor/internal/errors"
	"github.com/conductorhq/conductor/internal/sprite"
	"github.com/conductorhq/conductor/internal/store"
)

// --- tasks ---

func TestTasks_CreateAndGet(t *testing.T) {
	env := newTestServer(t)

	created := env.createTask("Fix the login bug", 0)
	assert.Positive(t, created.ID)
	assert.Equal(t, "Fix the login bug", created.Title)
	assert.Equal(t, store.TaskActive, created.Status)
	assert.Nil(t, created.Session)

	resp := env.do("GET", fmt.Sprintf("/v1/tasks/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decode[taskResponse](t, resp)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, created.Title, got.Title)
	assert.Nil(t, got.Session)
}

func TestTasks_CreateWithUnknownRepo(t *testing.T) {
	env := newTestServer(t)

	resp := env.do("POST", "/v1/tasks", createTaskRequest{Title: "x", RepoID: 999})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "not_found", problem.Type)
}

func TestTasks_PrewarmRequested(t *testing.T) {
	env := newTestServer(t)

	resp := env.do("POST", "/v1/tasks", createTaskRequest{Title: "warm me", Prewarm: true})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	task := decode[taskResponse](t, resp)
	assert.Equal(t, []int64{task.ID}, env.alloc.prewarmedIDs())
}

func TestTasks_List(t *testing.T) {
	env := newTestServer(t)

	first := env.createTask("first", 0)
	second := env.createTask("second", 0)
	third := env.createTask("third", 0)

	resp := env.do("GET", "/v1/tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tasks := decode[[]taskResponse](t, resp)
	require.Len(t, tasks, 3)
	assert.Equal(t, third.ID, tasks[0].ID)
	assert.Equal(t, second.ID, tasks[1].ID)
	assert.Equal(t, first.ID, tasks[2].ID)

	resp = env.do("GET", "/v1/tasks?limit=2", nil)
	tasks = decode[[]taskResponse](t, resp)
	assert.Len(t, tasks, 2)
}

func TestTasks_InvalidID(t *testing.T) {
	env := newTestServer(t)

	resp := env.do("GET", "/v1/tasks/abc", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "invalid_id", problem.Type)
}

func TestTasks_Delete(t *testing.T) {
	env := newTestServer(t)
	task := env.createTask("doomed", 0)

	resp := env.do("DELETE", fmt.Sprintf("/v1/tasks/%d", task.ID), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do("GET", fmt.Sprintf("/v1/tasks/%d", task.ID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do("DELETE", "/v1/tasks/999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTasks_DeleteStopsLiveSession(t *testing.T) {
	env := newTestServer(t)
	task := env.createTask("doomed", 0)

	resp := env.do("POST", fmt.Sprintf("/v1/tasks/%d/session", task.ID), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	env.factory.at(t, 0)

	resp = env.do("DELETE", fmt.Sprintf("/v1/tasks/%d", task.ID), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, live := env.registry.Get(task.ID)
		return !live
	}, 3*time.Second, 10*time.Millisecond)
}

// --- sessions and messages ---

func TestSession_EnsureStartsSupervisor(t *testing.T) {
	env := newTestServer(t)
	task := env.createTask("run it", 0)

	resp := env.do("POST", fmt.Sprintf("/v1/tasks/%d/session", task.ID), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.EqualValues(t, task.ID, body["task_id"])

	_, live := env.registry.Get(task.ID)
	assert.True(t, live)
	env.factory.at(t, 0)

	// Idempotent: a second ensure attaches to the live supervisor.
	resp = env.do("POST", fmt.Sprintf("/v1/tasks/%d/session", task.ID), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, env.factory.count())
}

func TestSession_EnsureUnknownTask(t *testing.T) {
	env := newTestServer(t)

	resp := env.do("POST", "/v1/tasks/999/session", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSession_LiveStateOnGet(t *testing.T) {
	env := newTestServer(t)
	task := env.createTask("watch me", 0)

	resp := env.do("POST", fmt.Sprintf("/v1/tasks/%d/session", task.ID), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	env.factory.at(t, 0)

	resp = env.do("GET", fmt.Sprintf("/v1/tasks/%d", task.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decode[taskResponse](t, resp)
	require.NotNil(t, got.Session)
	assert.True(t, got.Session.Live)
	assert.NotEmpty(t, got.Session.Status)
}

func TestMessages_SendDeliversToAgent(t *testing.T) {
	env := newTestServer(t)
	task := env.createTask("chat", 0)

	resp := env.do("POST", fmt.Sprintf("/v1/tasks/%d/messages", task.ID),
		sendMessageRequest{Content: "hello agent"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	fc := env.factory.at(t, 0)
	require.Eventually(t, func() bool {
		return len(fc.sentSnapshot()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "hello agent", fc.sentSnapshot()[0])
}

func TestMessages_EmptyContentRejected(t *testing.T) {
	env := newTestServer(t)
	task := env.createTask("chat", 0)

	resp := env.do("POST", fmt.Sprintf("/v1/tasks/%d/messages", task.ID),
		sendMessageRequest{Content: "   "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "invalid_input", problem.Type)
}

func TestMessages_UnknownTask(t *testing.T) {
	env := newTestServer(t)

	resp := env.do("POST", "/v1/tasks/999/messages", sendMessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMessages_ListTranscript(t *testing.T) {
	env := newTestServer(t)
	task := env.createTask("chat", 0)

	resp := env.do("POST", fmt.Sprintf("/v1/tasks/%d/messages", task.ID),
		sendMessageRequest{Content: "hello"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	fc := env.factory.at(t, 0)
	require.Eventually(t, func() bool {
		return len(fc.sentSnapshot()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	resp = env.do("GET", fmt.Sprintf("/v1/tasks/%d/messages", task.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	msgs := decode[[]messageResponse](t, resp)
	kinds := make([]string, 0, len(msgs))
	for _, m := range msgs {
		kinds = append(kinds, m.Kind)
	}
	assert.Contains(t, kinds, store.MessageSessionStart)
	assert.Contains(t, kinds, store.MessageUser)

	resp = env.do("GET", fmt.Sprintf("/v1/tasks/%d/messages?limit=1", task.ID), nil)
	msgs = decode[[]messageResponse](t, resp)
	assert.Len(t, msgs, 1)
}

func TestInterrupt_UnknownTask(t *testing.T) {
	env := newTestServer(t)

	resp := env.do("POST", "/v1/tasks/999/interrupt", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInterrupt_NoLiveSessionIsNoOp(t *testing.T) {
	env := newTestServer(t)
	task := env.createTask("quiet", 0)

	resp := env.do("POST", fmt.Sprintf("/v1/tasks/%d/interrupt", task.ID), nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Zero(t, env.factory.count())
}

func TestInterrupt_ForwardsWhileProcessing(t *testing.T) {
	env := newTestServer(t)
	task := env.createTask("busy", 0)

	resp := env.do("POST", fmt.Sprintf("/v1/tasks/%d/messages", task.ID),
		sendMessageRequest{Content: "work"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	fc := env.factory.at(t, 0)
	require.Eventually(t, func() bool {
		return len(fc.sentSnapshot()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	resp = env.do("POST", fmt.Sprintf("/v1/tasks/%d/interrupt", task.ID), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return fc.interruptCount() == 1
	}, 3*time.Second, 10*time.Millisecond)
}

// --- repos ---

func TestRepos_CreateResolvesRemote(t *testing.T) {
	env := newTestServer(t)

	resp := env.do("POST", "/v1/repos",
		createRepoRequest{RemoteURL: "https://github.com/acme/widgets"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	repo := decode[repoResponse](t, resp)
	assert.Equal(t, "acme/widgets", repo.DisplayName)
	assert.Equal(t, "main", repo.DefaultBranch)
	assert.Equal(t, "https://github.com/acme/widgets", repo.RemoteURL)
	assert.Equal(t, []string{"https://github.com/acme/widgets"}, env.resolver.resolveCalls())
}

func TestRepos_CreateDuplicateReturnsExisting(t *testing.T) {
	env := newTestServer(t)

	resp := env.do("POST", "/v1/repos",
		createRepoRequest{RemoteURL: "https://github.com/acme/widgets"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decode[repoResponse](t, resp)

	resp = env.do("POST", "/v1/repos",
		createRepoRequest{RemoteURL: "https://github.com/acme/widgets"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decode[repoResponse](t, resp)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, env.resolver.resolveCalls(), 1)
}

func TestRepos_CreateInvalidRemote(t *testing.T) {
	env := newTestServer(t)
	env.resolver.err = fmt.Errorf("parse remote %q: %w", "nonsense", cerrors.ErrInvalidInput)

	resp := env.do("POST", "/v1/repos", createRepoRequest{RemoteURL: "nonsense"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "invalid_input", problem.Type)
}

func TestRepos_CreateMissingURL(t *testing.T) {
	env := newTestServer(t)

	resp := env.do("POST", "/v1/repos", createRepoRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRepos_ListShowsLockHolder(t *testing.T) {
	env := newTestServer(t)

	resp := env.do("POST", "/v1/repos",
		createRepoRequest{RemoteURL: "https://github.com/acme/widgets"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	repo := decode[repoResponse](t, resp)

	task := env.createTask("holder", repo.ID)
	require.NoError(t, env.st.AcquireRepoLock(repo.ID, task.ID))

	resp = env.do("GET", "/v1/repos", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	repos := decode[[]repoResponse](t, resp)
	require.Len(t, repos, 1)
	assert.Equal(t, task.ID, repos[0].LockedByTaskID)
}

func TestRepos_DeleteFreeRepo(t *testing.T) {
	env := newTestServer(t)

	resp := env.do("POST", "/v1/repos",
		createRepoRequest{RemoteURL: "https://github.com/acme/widgets"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	repo := decode[repoResponse](t, resp)

	resp = env.do("DELETE", fmt.Sprintf("/v1/repos/%d", repo.ID), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do("GET", "/v1/repos", nil)
	repos := decode[[]repoResponse](t, resp)
	assert.Empty(t, repos)
}

func TestRepos_DeleteLockedRepo(t *testing.T) {
	env := newTestServer(t)

	resp := env.do("POST", "/v1/repos",
		createRepoRequest{RemoteURL: "https://github.com/acme/widgets"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	repo := decode[repoResponse](t, resp)

	env.alloc.lock(repo.ID, 42)

	resp = env.do("DELETE", fmt.Sprintf("/v1/repos/%d", repo.ID), nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "repo_locked", problem.Type)
	assert.Contains(t, problem.Detail, "task 42")
}

func TestRepos_DeleteUnknown(t *testing.T) {
	env := newTestServer(t)

	resp := env.do("DELETE", "/v1/repos/999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// --- sandboxes ---

func TestSandboxes_List(t *testing.T) {
	env := newTestServer(t)
	env.sandboxes.sprites = []sprite.Sprite{
		{Name: "conductor", Status: "running"},
		{Name: "spare", Status: "suspended"},
	}

	resp := env.do("GET", "/v1/sandboxes", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sprites := decode[[]sprite.Sprite](t, resp)
	require.Len(t, sprites, 2)
	assert.Equal(t, "conductor", sprites[0].Name)
}

func TestSandboxes_SuspendAndDelete(t *testing.T) {
	env := newTestServer(t)

	resp := env.do("POST", "/v1/sandboxes/conductor/suspend", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"conductor"}, env.sandboxes.suspendedNames())

	resp = env.do("DELETE", "/v1/sandboxes/spare", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"spare"}, env.sandboxes.deletedNames())
}

func TestSandboxes_ProviderErrorMapped(t *testing.T) {
	env := newTestServer(t)
	env.sandboxes.err = cerrors.NewAPIError("sprite", 404, "no such sprite")

	resp := env.do("GET", "/v1/sandboxes", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "not_found", problem.Type)
}

// --- token ---

func TestToken_SeedValidates(t *testing.T) {
	env := newTestServer(t)

	resp := env.do("POST", "/v1/token", seedTokenRequest{AccessToken: "only-access"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "invalid_input", problem.Type)
}

func TestToken_SeedAndStatus(t *testing.T) {
	env := newTestServer(t)

	resp := env.do("POST", "/v1/token", seedTokenRequest{
		AccessToken:      "sk-access",
		RefreshToken:     "sk-refresh",
		ExpiresAt:        1767225600000,
		SubscriptionTier: "max",
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do("GET", "/v1/token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	status := decode[tokenStatusResponse](t, resp)
	assert.True(t, status.Configured)
	assert.Equal(t, int64(1767225600000), status.ExpiresAt)
	assert.Equal(t, "max", status.SubscriptionTier)
}

func TestToken_RefreshReturnsStatus(t *testing.T) {
	env := newTestServer(t)
	env.tokens.configured = true

	resp := env.do("POST", "/v1/token/refresh", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	status := decode[tokenStatusResponse](t, resp)
	assert.True(t, status.Configured)
	assert.Equal(t, 1, env.tokens.refreshCount())
}

func TestToken_RefreshErrorMapped(t *testing.T) {
	env := newTestServer(t)
	env.tokens.refreshErr = cerrors.ErrNoToken

	resp := env.do("POST", "/v1/token/refresh", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "no_token", problem.Type)
}
