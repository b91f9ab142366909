// Package health aggregates dependency probes behind the service's
// /health and /ready endpoints.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/conductorhq/conductor/internal/sprite"
	"github.com/conductorhq/conductor/internal/store"
)

// Status grades one dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// checkTimeout bounds each individual probe.
const checkTimeout = 5 * time.Second

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) Status

// Report is the readiness payload served on /ready.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]Status `json:"checks"`
}

// Checker fans registered probes out concurrently and aggregates results.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	logger zerolog.Logger
}

// NewChecker creates an empty checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named probe.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// Evaluate runs every probe and reports readiness. Only StatusDown makes
// the service not ready; a degraded dependency keeps serving.
func (c *Checker) Evaluate(ctx context.Context) (Report, bool) {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checks[name] = fn
	}
	c.mu.RUnlock()

	results := make(map[string]Status, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			s := fn(checkCtx)
			mu.Lock()
			results[name] = s
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	ready := true
	for name, s := range results {
		if s == StatusDown {
			c.logger.Warn().Str("check", name).Msg("dependency down")
			ready = false
		}
	}

	report := Report{Status: "ready", Checks: results}
	if !ready {
		report.Status = "not_ready"
	}
	return report, ready
}

// IsReady reports whether every probe passes.
func (c *Checker) IsReady(ctx context.Context) bool {
	_, ready := c.Evaluate(ctx)
	return ready
}

// DB probes the task store. An unreachable store takes the service down.
func DB(st *store.Store) CheckFunc {
	return func(ctx context.Context) Status {
		if err := st.Ping(ctx); err != nil {
			return StatusDown
		}
		return StatusOK
	}
}

// spriteLister is the slice of the sandbox client the probe needs.
type spriteLister interface {
	List(ctx context.Context) ([]sprite.Sprite, error)
}

// SandboxAPI probes the sandbox control plane. Unreachable reads as
// degraded, not down: transcripts and task state still serve without it.
func SandboxAPI(client spriteLister) CheckFunc {
	return func(ctx context.Context) Status {
		if _, err := client.List(ctx); err != nil {
			return StatusDegraded
		}
		return StatusOK
	}
}
