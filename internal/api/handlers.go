package api

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/conductorhq/conductor/internal/config"
	"github.com/conductorhq/conductor/internal/health"
	"github.com/conductorhq/conductor/internal/session"
	"github.com/conductorhq/conductor/internal/store"
)

// Handlers holds the route implementations for the v1 API.
type Handlers struct {
	store     *store.Store
	registry  *session.Registry
	alloc     Allocator
	sandboxes SandboxAdmin
	tokens    TokenAdmin
	resolver  RepoResolver
	checker   *health.Checker
	cfg       *config.Config
	logger    zerolog.Logger
}

// NewHandlers creates the handler set from the server dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		store:     deps.Store,
		registry:  deps.Registry,
		alloc:     deps.Allocator,
		sandboxes: deps.Sandboxes,
		tokens:    deps.Tokens,
		resolver:  deps.Resolver,
		checker:   deps.Checker,
		cfg:       deps.Config,
		logger:    deps.Logger.With().Str("component", "api_handlers").Logger(),
	}
}

// paramID parses the named route parameter as an int64 identifier.
func paramID(c *fiber.Ctx, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil || id < 1 {
		return 0, problemResponse(c, fiber.StatusBadRequest,
			"invalid_id", "Bad Request",
			fmt.Sprintf("%s must be a positive integer", name))
	}
	return id, nil
}

// Liveness reports that the process is up.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness runs all registered health checks and reports 503 until the
// service can take traffic.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	report, ready := h.checker.Evaluate(c.Context())
	if !ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(report)
	}
	return c.JSON(report)
}

// --- Tasks ---

// CreateTask registers a new task, optionally bound to a repository and
// optionally prewarming a sandbox for it.
func (h *Handlers) CreateTask(c *fiber.Ctx) error {
	var req createTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "request body must be valid JSON")
	}

	if req.RepoID != 0 {
		repo, err := h.store.GetRepo(req.RepoID)
		if err != nil {
			return problemFromError(c, err)
		}
		if repo == nil {
			return problemResponse(c, fiber.StatusNotFound,
				"not_found", "Not Found",
				fmt.Sprintf("repo %d not found", req.RepoID))
		}
	}

	task, err := h.store.CreateTask(strings.TrimSpace(req.Title), req.RepoID)
	if err != nil {
		return problemFromError(c, err)
	}

	if req.Prewarm {
		h.alloc.Prewarm(task)
	}

	return c.Status(fiber.StatusCreated).JSON(h.taskResponse(task))
}

// ListTasks returns tasks newest first, filterable by status and repo.
func (h *Handlers) ListTasks(c *fiber.Ctx) error {
	tasks, err := h.store.ListTasks(store.TaskFilter{
		Status: c.Query("status"),
		RepoID: int64(c.QueryInt("repo_id")),
		Limit:  c.QueryInt("limit", 100),
	})
	if err != nil {
		return problemFromError(c, err)
	}

	resp := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		resp = append(resp, h.taskResponse(t))
	}
	return c.JSON(resp)
}

// GetTask returns one task with its repository and live session state.
func (h *Handlers) GetTask(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}

	task, err := h.store.GetTask(id)
	if err != nil {
		return problemFromError(c, err)
	}
	if task == nil {
		return problemResponse(c, fiber.StatusNotFound,
			"not_found", "Not Found", fmt.Sprintf("task %d not found", id))
	}

	return c.JSON(h.taskResponse(task))
}

// DeleteTask stops any live session and removes the task with its
// transcript and execution history.
func (h *Handlers) DeleteTask(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}

	task, err := h.store.GetTask(id)
	if err != nil {
		return problemFromError(c, err)
	}
	if task == nil {
		return problemResponse(c, fiber.StatusNotFound,
			"not_found", "Not Found", fmt.Sprintf("task %d not found", id))
	}

	h.registry.Stop(id, "task deleted")

	if err := h.store.DeleteTask(id); err != nil {
		return problemFromError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// --- Sessions and messages ---

// EnsureSession starts a supervisor for the task, or attaches to the
// live one.
func (h *Handlers) EnsureSession(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}

	sup, err := h.registry.GetOrStart(id)
	if err != nil {
		return problemFromError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"task_id": id,
		"status":  sup.Status(),
	})
}

// SendMessage enqueues a user message for the task's agent, starting a
// session when none is live.
func (h *Handlers) SendMessage(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}

	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "request body must be valid JSON")
	}
	if strings.TrimSpace(req.Content) == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_input", "Bad Request", "content is required")
	}

	sup, err := h.registry.GetOrStart(id)
	if err != nil {
		return problemFromError(c, err)
	}
	if err := sup.Send(req.Content); err != nil {
		return problemFromError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": true})
}

// Interrupt asks a live session to stop the current turn. A task without
// a live session accepts the request as a no-op.
func (h *Handlers) Interrupt(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}

	task, err := h.store.GetTask(id)
	if err != nil {
		return problemFromError(c, err)
	}
	if task == nil {
		return problemResponse(c, fiber.StatusNotFound,
			"not_found", "Not Found", fmt.Sprintf("task %d not found", id))
	}

	if sup, ok := h.registry.Get(id); ok {
		if err := sup.Interrupt(); err != nil {
			h.logger.Debug().Err(err).Int64("task_id", id).Msg("interrupt not delivered")
		}
	}

	return c.SendStatus(fiber.StatusAccepted)
}

// ListMessages returns the persisted transcript for a task, oldest first.
func (h *Handlers) ListMessages(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}

	task, err := h.store.GetTask(id)
	if err != nil {
		return problemFromError(c, err)
	}
	if task == nil {
		return problemResponse(c, fiber.StatusNotFound,
			"not_found", "Not Found", fmt.Sprintf("task %d not found", id))
	}

	msgs, err := h.store.ListMessages(id, c.QueryInt("limit"))
	if err != nil {
		return problemFromError(c, err)
	}

	resp := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, messageResponse{
			ID:                 m.ID,
			TaskID:             m.TaskID,
			ExecutionSessionID: m.ExecutionSessionID,
			Kind:               m.Kind,
			Content:            m.Content,
			ToolData:           m.ToolData,
			InsertedAt:         m.InsertedAt,
		})
	}
	return c.JSON(resp)
}

// --- Repos ---

// CreateRepo resolves a git remote and registers it. Registering an
// already-known remote returns the existing row.
func (h *Handlers) CreateRepo(c *fiber.Ctx) error {
	var req createRepoRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "request body must be valid JSON")
	}

	remote := strings.TrimSpace(req.RemoteURL)
	if remote == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_input", "Bad Request", "remote_url is required")
	}

	if h.resolver == nil {
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"unavailable", "Service Unavailable", "repository resolution is not configured")
	}

	existing, err := h.store.GetRepoByURL(remote)
	if err != nil {
		return problemFromError(c, err)
	}
	if existing != nil {
		return c.JSON(repoToResponse(existing))
	}

	info, err := h.resolver.Resolve(c.Context(), remote)
	if err != nil {
		return problemFromError(c, err)
	}

	repo, err := h.store.CreateRepo(remote, info.DisplayName, info.DefaultBranch)
	if err != nil {
		return problemFromError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(repoToResponse(repo))
}

// ListRepos returns all registered repositories with lock holders.
func (h *Handlers) ListRepos(c *fiber.Ctx) error {
	repos, err := h.store.ListRepos()
	if err != nil {
		return problemFromError(c, err)
	}

	resp := make([]repoResponse, 0, len(repos))
	for _, r := range repos {
		resp = append(resp, repoToResponse(r))
	}
	return c.JSON(resp)
}

// DeleteRepo removes a repository. Refused while a task holds its lock.
func (h *Handlers) DeleteRepo(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}

	repo, err := h.store.GetRepo(id)
	if err != nil {
		return problemFromError(c, err)
	}
	if repo == nil {
		return problemResponse(c, fiber.StatusNotFound,
			"not_found", "Not Found", fmt.Sprintf("repo %d not found", id))
	}

	holder, locked, err := h.alloc.RepoLocked(id)
	if err != nil {
		return problemFromError(c, err)
	}
	if locked {
		return problemResponse(c, fiber.StatusConflict,
			"repo_locked", "Conflict",
			fmt.Sprintf("repository is in use by task %d", holder))
	}

	if err := h.store.DeleteRepo(id); err != nil {
		return problemFromError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// --- Sandboxes ---

// ListSandboxes returns the sandbox fleet as reported by the provider.
func (h *Handlers) ListSandboxes(c *fiber.Ctx) error {
	if h.sandboxes == nil {
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"unavailable", "Service Unavailable", "sandbox API is not configured")
	}

	sprites, err := h.sandboxes.List(c.Context())
	if err != nil {
		return problemFromError(c, err)
	}
	return c.JSON(sprites)
}

// SuspendSandbox asks the provider to suspend a sandbox by name.
func (h *Handlers) SuspendSandbox(c *fiber.Ctx) error {
	if h.sandboxes == nil {
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"unavailable", "Service Unavailable", "sandbox API is not configured")
	}

	name := c.Params("name")
	if err := h.sandboxes.Suspend(c.Context(), name); err != nil {
		return problemFromError(c, err)
	}
	return c.SendStatus(fiber.StatusAccepted)
}

// DeleteSandbox destroys a sandbox by name.
func (h *Handlers) DeleteSandbox(c *fiber.Ctx) error {
	if h.sandboxes == nil {
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"unavailable", "Service Unavailable", "sandbox API is not configured")
	}

	name := c.Params("name")
	if err := h.sandboxes.Delete(c.Context(), name); err != nil {
		return problemFromError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// --- Token ---

// SeedToken installs an agent OAuth credential.
func (h *Handlers) SeedToken(c *fiber.Ctx) error {
	if h.tokens == nil {
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"unavailable", "Service Unavailable", "token manager is not configured")
	}

	var req seedTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "request body must be valid JSON")
	}
	if req.AccessToken == "" || req.RefreshToken == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_input", "Bad Request", "access_token and refresh_token are required")
	}

	err := h.tokens.Seed(c.Context(), req.AccessToken, req.RefreshToken,
		req.ExpiresAt, req.Scopes, req.SubscriptionTier)
	if err != nil {
		return problemFromError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// RefreshToken forces a refresh and returns the redacted status. Token
// values never leave the service.
func (h *Handlers) RefreshToken(c *fiber.Ctx) error {
	if h.tokens == nil {
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"unavailable", "Service Unavailable", "token manager is not configured")
	}

	if _, err := h.tokens.ForceRefresh(c.Context()); err != nil {
		return problemFromError(c, err)
	}
	return h.TokenStatus(c)
}

// TokenStatus reports whether a credential is installed, without exposing it.
func (h *Handlers) TokenStatus(c *fiber.Ctx) error {
	if h.tokens == nil {
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"unavailable", "Service Unavailable", "token manager is not configured")
	}

	configured, expiresAt, tier := h.tokens.Status()
	return c.JSON(tokenStatusResponse{
		Configured:       configured,
		ExpiresAt:        expiresAt,
		SubscriptionTier: tier,
	})
}

// --- response builders ---

func (h *Handlers) taskResponse(t *store.Task) taskResponse {
	resp := taskResponse{
		ID:        t.ID,
		Title:     t.Title,
		Status:    t.Status,
		RepoID:    t.RepoID,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	if t.Repo != nil {
		r := repoToResponse(t.Repo)
		resp.Repo = &r
	}
	if sup, ok := h.registry.Get(t.ID); ok {
		resp.Session = &sessionInfo{Live: true, Status: sup.Status()}
	}
	return resp
}

func repoToResponse(r *store.Repo) repoResponse {
	return repoResponse{
		ID:             r.ID,
		RemoteURL:      r.RemoteURL,
		DisplayName:    r.DisplayName,
		DefaultBranch:  r.DefaultBranch,
		LockedByTaskID: r.LockedByTaskID,
		LastUsedAt:     r.LastUsedAt,
		CreatedAt:      r.CreatedAt,
	}
}
