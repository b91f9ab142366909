// Command conductor is the session orchestration daemon: it owns the task
// store, allocates sandboxes, supervises agent sessions and serves the HTTP
// and WebSocket API.
//
// Usage:
//
//	SANDBOX_TOKEN=... AGENT_OAUTH_TOKEN=... conductor
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/conductorhq/conductor/internal/alloc"
	"github.com/conductorhq/conductor/internal/api"
	"github.com/conductorhq/conductor/internal/channel"
	"github.com/conductorhq/conductor/internal/config"
	"github.com/conductorhq/conductor/internal/gh"
	"github.com/conductorhq/conductor/internal/health"
	"github.com/conductorhq/conductor/internal/metrics"
	"github.com/conductorhq/conductor/internal/notify"
	"github.com/conductorhq/conductor/internal/session"
	"github.com/conductorhq/conductor/internal/sprite"
	"github.com/conductorhq/conductor/internal/store"
	"github.com/conductorhq/conductor/internal/token"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	if cfg.LogPretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = logger

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("addr", cfg.Addr()).
		Str("sprite", cfg.SandboxName).
		Bool("auth_enabled", cfg.AuthEnabled()).
		Bool("stream_signing", cfg.StreamSigningEnabled()).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Msg("starting conductor")

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Persistence
	st, err := store.New(cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}

	m := metrics.New()

	// Sandbox provider
	sprites := sprite.NewClient(cfg.SandboxAPIURL, cfg.SandboxToken, m, logger)
	sprites.SetExecTimeout(cfg.ExecTimeout)

	// Agent OAuth credential
	tokens := token.NewManager(token.Config{
		TokenURL:       cfg.OAuthTokenURL,
		ClientID:       cfg.OAuthClientID,
		RefreshBuffer:  cfg.TokenRefreshBuffer,
		RefreshTimeout: cfg.RefreshTimeout,
		Fallback:       cfg.AgentOAuthToken,
	}, st, m, logger)

	// Sandbox allocator
	allocator := alloc.New(alloc.Config{
		SpriteName:      cfg.SandboxName,
		GitHubToken:     cfg.GitHubToken,
		AgentCommand:    cfg.AgentCommand,
		AllocateTimeout: cfg.AllocateTimeout,
		SweepInterval:   cfg.SweepInterval,
	}, st, sprites, m, logger)

	// Completion notifications (optional)
	var notifier notify.Notifier = notify.Nop{}
	if cfg.SlackEnabled() {
		notifier = notify.NewSlack(cfg.SlackBotToken, cfg.SlackChannel, logger)
		logger.Info().Str("channel", cfg.SlackChannel).Msg("slack notifications enabled")
	} else {
		logger.Info().Msg("slack not configured — notifications disabled")
	}

	// Session supervisors
	registry := session.NewRegistry(session.Deps{
		Store:       st,
		Allocator:   allocator,
		Tokens:      tokens,
		Sprites:     sprites,
		Notifier:    notifier,
		Metrics:     m,
		Logger:      logger,
		GitHubToken: cfg.GitHubToken,
		IdleTimeout: cfg.IdleTimeout,
		NewChannel: func(ccfg channel.Config) session.AgentChannel {
			ccfg.Command = cfg.AgentCommand
			ccfg.MaxReconnects = cfg.MaxReconnectAttempts
			ccfg.ReconnectBase = cfg.ReconnectInterval
			ccfg.ReconnectMax = cfg.MaxReconnectInterval
			return channel.New(ccfg, sprites, m, logger)
		},
	})

	// The recovery sweep runs before the API accepts traffic so stale repo
	// locks never block the first allocation.
	if err := allocator.Start(ctx, registry.LiveTaskIDs()); err != nil {
		logger.Fatal().Err(err).Msg("allocator start failed")
	}

	// Repository metadata resolver (optional; repo registration degrades
	// to URL-derived names without a GitHub token)
	resolver := gh.NewResolver(cfg.GitHubToken, logger)

	// Health checker
	checker := health.NewChecker(logger)
	checker.Register("database", health.DB(st))
	checker.Register("sandbox_api", health.SandboxAPI(sprites))

	srv := api.NewServer(api.Deps{
		Store:     st,
		Registry:  registry,
		Allocator: allocator,
		Sandboxes: sprites,
		Tokens:    tokens,
		Resolver:  resolver,
		Checker:   checker,
		Metrics:   m,
		Config:    cfg,
		Logger:    logger,
	})

	// WaitGroup for in-flight work
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("api server error")
		}
	}()

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("api server shutdown error")
	}

	// Stop supervisors before the allocator so releases still have a run
	// loop to land on.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	registry.StopAll(stopCtx)
	stopCancel()

	allocator.Stop()
	cancel()

	if err := st.Close(); err != nil {
		logger.Error().Err(err).Msg("store close error")
	}

	// Wait for in-flight work to complete
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("conductor stopped")
}
