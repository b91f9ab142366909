package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	cerrors "github.com/conductorhq/conductor/internal/errors"
)

// Registry tracks the live supervisor for each task. At most one supervisor
// runs per task ID; callers attach to the existing one when it is live.
type Registry struct {
	deps   Deps
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	sups map[int64]*Supervisor
	wg   sync.WaitGroup
}

// NewRegistry creates an empty registry sharing deps across supervisors.
func NewRegistry(deps Deps) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		deps:   deps,
		logger: deps.Logger.With().Str("component", "session_registry").Logger(),
		ctx:    ctx,
		cancel: cancel,
		sups:   make(map[int64]*Supervisor),
	}
}

// GetOrStart returns the task's live supervisor, starting one if needed.
func (r *Registry) GetOrStart(taskID int64) (*Supervisor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx.Err() != nil {
		return nil, fmt.Errorf("session registry stopped: %w", cerrors.ErrUnavailable)
	}

	if s, ok := r.sups[taskID]; ok {
		select {
		case <-s.Done():
			delete(r.sups, taskID) // finished but not yet self-removed
		default:
			return s, nil
		}
	}

	task, err := r.deps.Store.GetTask(taskID)
	if err != nil {
		return nil, fmt.Errorf("loading task %d: %w", taskID, err)
	}
	if task == nil {
		return nil, fmt.Errorf("task %d: %w", taskID, cerrors.ErrNotFound)
	}

	s := newSupervisor(task, r.deps)
	r.sups[taskID] = s
	if r.deps.Metrics != nil {
		r.deps.Metrics.SessionsActive.Inc()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		s.run(r.ctx)
		r.remove(taskID, s)
	}()

	r.logger.Info().Int64("task_id", taskID).Msg("session supervisor started")
	return s, nil
}

// Get returns the live supervisor for a task, if any.
func (r *Registry) Get(taskID int64) (*Supervisor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sups[taskID]
	if !ok {
		return nil, false
	}
	select {
	case <-s.Done():
		return nil, false
	default:
		return s, true
	}
}

// Stop gracefully stops one task's supervisor. Reports whether one was live.
func (r *Registry) Stop(taskID int64, reason string) bool {
	r.mu.RLock()
	s, ok := r.sups[taskID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	s.Stop(reason)
	return true
}

// LiveTaskIDs lists tasks with a running supervisor.
func (r *Registry) LiveTaskIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.sups))
	for id := range r.sups {
		ids = append(ids, id)
	}
	return ids
}

// StopAll shuts every supervisor down and waits for them, bounded by ctx.
func (r *Registry) StopAll(ctx context.Context) {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info().Msg("all session supervisors stopped")
	case <-ctx.Done():
		r.logger.Warn().Msg("timed out waiting for session supervisors")
	}
}

// remove drops a finished supervisor from the map unless it has already
// been replaced by a newer one for the same task.
func (r *Registry) remove(taskID int64, s *Supervisor) {
	r.mu.Lock()
	if cur, ok := r.sups[taskID]; ok && cur == s {
		delete(r.sups, taskID)
	}
	r.mu.Unlock()

	if r.deps.Metrics != nil {
		r.deps.Metrics.SessionsActive.Dec()
	}
	r.logger.Info().Int64("task_id", taskID).Msg("session supervisor removed")
}
