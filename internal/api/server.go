// Package api serves the Conductor HTTP and WebSocket surface: task and
// repository CRUD, session control, transcript reads, live event streams,
// sandbox fleet administration, and agent credential management.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/conductorhq/conductor/internal/config"
	"github.com/conductorhq/conductor/internal/gh"
	"github.com/conductorhq/conductor/internal/health"
	"github.com/conductorhq/conductor/internal/metrics"
	"github.com/conductorhq/conductor/internal/requestid"
	"github.com/conductorhq/conductor/internal/session"
	"github.com/conductorhq/conductor/internal/sprite"
	"github.com/conductorhq/conductor/internal/store"
)

// Allocator is the slice of the sandbox allocator the API drives directly.
// Session startup goes through the registry instead.
type Allocator interface {
	Prewarm(task *store.Task)
	RepoLocked(repoID int64) (int64, bool, error)
}

// SandboxAdmin exposes fleet operations over the admin endpoints.
type SandboxAdmin interface {
	List(ctx context.Context) ([]sprite.Sprite, error)
	Suspend(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
}

// TokenAdmin manages the agent OAuth credential.
type TokenAdmin interface {
	Seed(ctx context.Context, access, refresh string, expiresAt int64, scopes, tier string) error
	ForceRefresh(ctx context.Context) (string, error)
	Status() (configured bool, expiresAt int64, tier string)
}

// RepoResolver turns git remote URLs into repository metadata.
type RepoResolver interface {
	Resolve(ctx context.Context, remote string) (gh.RepoInfo, error)
}

// Deps carries everything the API layer needs. All fields are required
// except Resolver, Sandboxes and Tokens, whose endpoints return 503 when
// their backend is absent.
type Deps struct {
	Store     *store.Store
	Registry  *session.Registry
	Allocator Allocator
	Sandboxes SandboxAdmin
	Tokens    TokenAdmin
	Resolver  RepoResolver
	Checker   *health.Checker
	Metrics   *metrics.Metrics
	Config    *config.Config
	Logger    zerolog.Logger
}

// Server is the Conductor API Fiber application.
type Server struct {
	app      *fiber.App
	handlers *Handlers
	config   *config.Config
	logger   zerolog.Logger
}

// NewServer builds the Fiber app with middleware and routes configured.
func NewServer(deps Deps) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(deps.Logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	s := &Server{
		app:      app,
		handlers: NewHandlers(deps),
		config:   deps.Config,
		logger:   deps.Logger.With().Str("component", "api").Logger(),
	}

	s.setupMiddleware(deps)
	s.setupRoutes(deps)

	return s
}

// probePath reports whether a path is a liveness, readiness or metrics
// probe. Probes stay reachable without credentials and stay out of the
// request log.
func probePath(path string) bool {
	switch path {
	case "/health", "/ready", "/metrics":
		return true
	}
	return false
}

// openPath reports whether a path bypasses bearer auth and rate limiting.
// The stream endpoint is open here because it authenticates itself with a
// signed per-task token; browsers cannot set headers on WebSocket upgrades.
func openPath(path string) bool {
	return probePath(path) || strings.HasSuffix(path, "/stream")
}

func (s *Server) setupMiddleware(deps Deps) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(func(c *fiber.Ctx) error {
		_, reqID := requestid.New(c.Context())
		c.Set("X-Request-ID", reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	if s.config.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: s.config.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, DELETE, OPTIONS",
		}))
	}

	if s.config.RateLimitRPS > 0 {
		s.app.Use(rateLimitMiddleware(s.config.RateLimitRPS))
	}

	s.app.Use(authMiddleware(s.config.ServicePassword, deps.Logger))

	// Request log. Probes would drown everything else out.
	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if probePath(path) {
			return c.Next()
		}

		s.logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Str("request_id", fmt.Sprintf("%v", c.Locals("request_id"))).
			Msg("api request")

		return c.Next()
	})
}

func (s *Server) setupRoutes(deps Deps) {
	h := s.handlers

	s.app.Get("/health", h.Liveness)
	s.app.Get("/ready", h.Readiness)

	if deps.Metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(deps.Metrics.Handler()))
	}

	v1 := s.app.Group("/v1")

	v1.Post("/tasks", h.CreateTask)
	v1.Get("/tasks", h.ListTasks)
	v1.Get("/tasks/:id", h.GetTask)
	v1.Delete("/tasks/:id", h.DeleteTask)

	v1.Post("/tasks/:id/session", h.EnsureSession)
	v1.Post("/tasks/:id/messages", h.SendMessage)
	v1.Get("/tasks/:id/messages", h.ListMessages)
	v1.Post("/tasks/:id/interrupt", h.Interrupt)
	v1.Post("/tasks/:id/stream-token", h.StreamToken)
	v1.Get("/tasks/:id/stream", h.streamUpgrade, h.streamHandler())

	v1.Post("/repos", h.CreateRepo)
	v1.Get("/repos", h.ListRepos)
	v1.Delete("/repos/:id", h.DeleteRepo)

	v1.Get("/sandboxes", h.ListSandboxes)
	v1.Post("/sandboxes/:name/suspend", h.SuspendSandbox)
	v1.Delete("/sandboxes/:name", h.DeleteSandbox)

	v1.Post("/token", h.SeedToken)
	v1.Post("/token/refresh", h.RefreshToken)
	v1.Get("/token", h.TokenStatus)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.Addr()
	s.logger.Info().Str("addr", addr).Msg("api server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("api server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			detail = "An internal error occurred"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     "internal_error",
			Title:    "Internal Server Error",
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
