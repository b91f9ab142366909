// Package alloc assigns sandboxes and working directories to tasks. One
// goroutine owns every piece of allocator state; public methods post typed
// requests to it and wait on reply channels. Repo-level mutual exclusion is
// persisted through the store so it survives restarts and spans processes.
package alloc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	cerrors "github.com/conductorhq/conductor/internal/errors"
	"github.com/conductorhq/conductor/internal/metrics"
	"github.com/conductorhq/conductor/internal/sprite"
	"github.com/conductorhq/conductor/internal/store"
)

// SandboxAPI is the slice of the sprite client the allocator needs.
type SandboxAPI interface {
	Create(ctx context.Context, name string, public bool) (*sprite.Sprite, error)
	Exec(ctx context.Context, name string, argv []string, opts sprite.ExecOpts) (*sprite.ExecResult, error)
	ExecShell(ctx context.Context, name, script string, opts sprite.ExecOpts) (*sprite.ExecResult, error)
}

// Allocation is a task's claim on a sandbox.
type Allocation struct {
	SpriteName  string
	WorkingDir  string
	RepoID      int64 // 0 = no repository
	AllocatedAt time.Time
}

// Config holds allocator configuration.
type Config struct {
	// SpriteName is the shared sandbox every task routes to.
	SpriteName string
	// GitHubToken, when set, is installed as the in-sandbox git credential.
	GitHubToken string
	// AgentCommand is the agent binary killed by the idle sweep. Default "agent".
	AgentCommand string
	// AllocateTimeout bounds one synchronous allocation end to end.
	AllocateTimeout time.Duration
	// SweepInterval paces the maintenance ticker.
	SweepInterval time.Duration
}

type allocReply struct {
	alloc Allocation
	err   error
}

type allocateReq struct {
	task  *store.Task
	reply chan allocReply
}

type prewarmReq struct {
	task *store.Task
}

type releaseReq struct {
	taskID int64
	reply  chan error
}

type prewarmDone struct {
	task *store.Task
	res  setupResult
	err  error
}

// Allocator serializes allocation state through a single run loop.
type Allocator struct {
	cfg     Config
	store   *store.Store
	sprites SandboxAPI
	metrics *metrics.Metrics
	logger  zerolog.Logger

	allocateCh chan allocateReq
	prewarmCh  chan prewarmReq
	releaseCh  chan releaseReq
	doneCh     chan prewarmDone

	// Owned by the run loop; no other goroutine touches these.
	allocations  map[int64]Allocation
	prewarmCache map[int64]setupResult
	prewarming   map[int64]struct{}
	waiters      map[int64][]chan allocReply
	pkillPending bool

	gitConfigured atomic.Bool
	running       atomic.Bool
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// New creates an allocator. Call Start before use.
func New(cfg Config, st *store.Store, sprites SandboxAPI, m *metrics.Metrics, logger zerolog.Logger) *Allocator {
	if cfg.AgentCommand == "" {
		cfg.AgentCommand = "agent"
	}
	if cfg.AllocateTimeout <= 0 {
		cfg.AllocateTimeout = 120 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	return &Allocator{
		cfg:          cfg,
		store:        st,
		sprites:      sprites,
		metrics:      m,
		logger:       logger.With().Str("component", "allocator").Logger(),
		allocateCh:   make(chan allocateReq),
		prewarmCh:    make(chan prewarmReq, 16),
		releaseCh:    make(chan releaseReq),
		doneCh:       make(chan prewarmDone),
		allocations:  make(map[int64]Allocation),
		prewarmCache: make(map[int64]setupResult),
		prewarming:   make(map[int64]struct{}),
		waiters:      make(map[int64][]chan allocReply),
	}
}

// Start runs the recovery sweep and launches the run loop. liveTaskIDs names
// tasks whose supervisors survived (none on a cold start); locks held by any
// other task are stale and get cleared.
func (a *Allocator) Start(ctx context.Context, liveTaskIDs []int64) error {
	if a.running.Swap(true) {
		return nil
	}

	released, err := a.store.ReleaseRepoLocksExcept(liveTaskIDs)
	if err != nil {
		return fmt.Errorf("recovery lock sweep: %w", err)
	}
	interrupted, err := a.store.InterruptStartedSessions()
	if err != nil {
		return fmt.Errorf("recovery session sweep: %w", err)
	}
	if released > 0 || interrupted > 0 {
		a.logger.Info().
			Int64("locks_released", released).
			Int64("sessions_interrupted", interrupted).
			Msg("recovered state from previous run")
	}

	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.run(ctx)

	a.logger.Info().Str("sprite", a.cfg.SpriteName).Msg("allocator started")
	return nil
}

// Stop cancels the run loop and waits for in-flight work to settle.
func (a *Allocator) Stop() {
	if !a.running.Swap(false) {
		return
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.logger.Info().Msg("allocator stopped")
}

// Allocate claims a sandbox for the task and returns where to work. Bounded
// by the configured timeout; a late success after the caller gave up is
// rolled back so the repo lock never leaks.
func (a *Allocator) Allocate(ctx context.Context, task *store.Task) (Allocation, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.AllocateTimeout)
	defer cancel()

	req := allocateReq{task: task, reply: make(chan allocReply, 1)}
	select {
	case a.allocateCh <- req:
	case <-ctx.Done():
		return Allocation{}, fmt.Errorf("allocate task %d: %w", task.ID, cerrors.ErrTimeout)
	}

	select {
	case r := <-req.reply:
		return r.alloc, r.err
	case <-ctx.Done():
		taskID := task.ID
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if r := <-req.reply; r.err == nil {
				a.logger.Warn().Int64("task_id", taskID).Msg("allocation finished after caller timed out, releasing")
				_ = a.Release(context.Background(), taskID)
			}
		}()
		return Allocation{}, fmt.Errorf("allocate task %d: %w", task.ID, cerrors.ErrTimeout)
	}
}

// Prewarm starts sandbox setup for the task in the background and returns
// immediately. A later Allocate consumes the result or joins the wait.
func (a *Allocator) Prewarm(task *store.Task) {
	select {
	case a.prewarmCh <- prewarmReq{task: task}:
	default:
		a.logger.Warn().Int64("task_id", task.ID).Msg("prewarm queue full, dropping request")
	}
}

// Release drops the task's allocation and its repo lock.
func (a *Allocator) Release(ctx context.Context, taskID int64) error {
	req := releaseReq{taskID: taskID, reply: make(chan error, 1)}
	select {
	case a.releaseCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RepoLocked reports which task holds a repo, if any.
func (a *Allocator) RepoLocked(repoID int64) (int64, bool, error) {
	holder, err := a.store.RepoLockHolder(repoID)
	if err != nil {
		return 0, false, err
	}
	return holder, holder != 0, nil
}

func (a *Allocator) run(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Anyone parked on an in-flight prewarm still needs an answer.
			for taskID, ws := range a.waiters {
				for _, w := range ws {
					w <- allocReply{err: fmt.Errorf("allocator shutting down: %w", cerrors.ErrUnavailable)}
				}
				delete(a.waiters, taskID)
			}
			return
		case req := <-a.allocateCh:
			a.handleAllocate(ctx, req)
		case req := <-a.prewarmCh:
			a.handlePrewarm(ctx, req)
		case req := <-a.releaseCh:
			req.reply <- a.handleRelease(req.taskID)
		case done := <-a.doneCh:
			a.handlePrewarmDone(done)
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

// handleAllocate resolves one synchronous allocation: an existing claim is
// returned as is; a finished prewarm is consumed; an in-flight prewarm is
// joined; otherwise setup runs inline, serializing allocations process-wide.
func (a *Allocator) handleAllocate(ctx context.Context, req allocateReq) {
	taskID := req.task.ID

	if alloc, ok := a.allocations[taskID]; ok {
		req.reply <- allocReply{alloc: alloc}
		return
	}

	if res, ok := a.prewarmCache[taskID]; ok {
		delete(a.prewarmCache, taskID)
		alloc := a.record(req.task, res)
		if a.metrics != nil {
			a.metrics.PrewarmHitsTotal.Inc()
			a.metrics.RecordAllocation("success")
		}
		a.logger.Info().Int64("task_id", taskID).Msg("allocation served from prewarm cache")
		req.reply <- allocReply{alloc: alloc}
		return
	}

	if _, ok := a.prewarming[taskID]; ok {
		a.waiters[taskID] = append(a.waiters[taskID], req.reply)
		if a.metrics != nil {
			a.metrics.PrewarmWaitsTotal.Inc()
		}
		a.logger.Debug().Int64("task_id", taskID).Msg("allocation waiting on in-flight prewarm")
		return
	}

	started := time.Now()
	res, err := a.acquireAndSetup(ctx, req.task)
	if err != nil {
		if a.metrics != nil {
			a.metrics.RecordAllocation(outcomeFor(err))
		}
		a.logger.Error().Err(err).Int64("task_id", taskID).Msg("allocation failed")
		req.reply <- allocReply{err: err}
		return
	}

	alloc := a.record(req.task, res)
	if a.metrics != nil {
		a.metrics.RecordAllocation("success")
		a.metrics.AllocateDuration.Observe(time.Since(started).Seconds())
	}
	a.logger.Info().
		Int64("task_id", taskID).
		Str("sprite", alloc.SpriteName).
		Str("working_dir", alloc.WorkingDir).
		Dur("took", time.Since(started)).
		Msg("task allocated")
	req.reply <- allocReply{alloc: alloc}
}

func (a *Allocator) handlePrewarm(ctx context.Context, req prewarmReq) {
	taskID := req.task.ID
	if _, ok := a.allocations[taskID]; ok {
		return
	}
	if _, ok := a.prewarmCache[taskID]; ok {
		return
	}
	if _, ok := a.prewarming[taskID]; ok {
		return
	}

	a.prewarming[taskID] = struct{}{}
	a.logger.Info().Int64("task_id", taskID).Msg("prewarm started")

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		res, err := a.acquireAndSetup(ctx, req.task)
		select {
		case a.doneCh <- prewarmDone{task: req.task, res: res, err: err}:
		case <-ctx.Done():
			// Loop is gone; nothing will consume this setup.
			if err == nil && req.task.RepoID != 0 {
				_ = a.store.ReleaseRepoLock(req.task.RepoID, taskID)
			}
		}
	}()
}

// handlePrewarmDone settles a finished prewarm. Waiters all get the same
// result; when any exist the result is consumed rather than cached.
func (a *Allocator) handlePrewarmDone(done prewarmDone) {
	taskID := done.task.ID
	delete(a.prewarming, taskID)
	ws := a.waiters[taskID]
	delete(a.waiters, taskID)

	if done.err != nil {
		a.logger.Error().Err(done.err).Int64("task_id", taskID).Msg("prewarm failed")
		if a.metrics != nil {
			a.metrics.RecordAllocation(outcomeFor(done.err))
		}
		for _, w := range ws {
			w <- allocReply{err: done.err}
		}
		return
	}

	if len(ws) > 0 {
		alloc := a.record(done.task, done.res)
		if a.metrics != nil {
			a.metrics.RecordAllocation("success")
		}
		for _, w := range ws {
			w <- allocReply{alloc: alloc}
		}
		a.logger.Info().Int64("task_id", taskID).Int("waiters", len(ws)).Msg("prewarm delivered to waiters")
		return
	}

	a.prewarmCache[taskID] = done.res
	a.logger.Info().Int64("task_id", taskID).Msg("prewarm cached")
}

func (a *Allocator) handleRelease(taskID int64) error {
	alloc, had := a.allocations[taskID]
	delete(a.allocations, taskID)
	delete(a.prewarmCache, taskID)

	repoID := alloc.RepoID
	if !had {
		// No in-memory record (crash recovery, duplicate release). Fall back
		// to the task row so the compare-and-clear still runs.
		if t, err := a.store.GetTask(taskID); err == nil && t != nil {
			repoID = t.RepoID
		}
	}
	if repoID != 0 {
		if err := a.store.ReleaseRepoLock(repoID, taskID); err != nil {
			return fmt.Errorf("releasing repo lock: %w", err)
		}
	}

	if had {
		a.logger.Info().Int64("task_id", taskID).Msg("allocation released")
		if !a.spriteInUse() {
			a.pkillPending = true
		}
	}
	return nil
}

// acquireAndSetup claims the repo lock then runs the setup pipeline. The
// lock is dropped again when setup fails, so nothing holds a repo it never
// got working.
func (a *Allocator) acquireAndSetup(ctx context.Context, task *store.Task) (setupResult, error) {
	if task.RepoID != 0 {
		if err := a.store.AcquireRepoLock(task.RepoID, task.ID); err != nil {
			if errors.Is(err, cerrors.ErrRepoLocked) && a.metrics != nil {
				a.metrics.RepoLockConflictsTotal.Inc()
			}
			return setupResult{}, err
		}
	}

	res, err := a.setupSprite(ctx, task)
	if err != nil {
		if task.RepoID != 0 {
			_ = a.store.ReleaseRepoLock(task.RepoID, task.ID)
		}
		return setupResult{}, err
	}
	return res, nil
}

func (a *Allocator) record(task *store.Task, res setupResult) Allocation {
	alloc := Allocation{
		SpriteName:  res.spriteName,
		WorkingDir:  res.workingDir,
		RepoID:      task.RepoID,
		AllocatedAt: time.Now().UTC(),
	}
	a.allocations[task.ID] = alloc
	if task.RepoID != 0 {
		if err := a.store.TouchRepoUsed(task.RepoID); err != nil {
			a.logger.Warn().Err(err).Int64("repo_id", task.RepoID).Msg("failed to touch repo")
		}
	}
	return alloc
}

func (a *Allocator) spriteInUse() bool {
	for _, alloc := range a.allocations {
		if alloc.SpriteName == a.cfg.SpriteName {
			return true
		}
	}
	return false
}

// sweep drops prewarm results for tasks that no longer exist and, once the
// shared sprite has drained, kills any leaked agent process so the sprite
// can hibernate.
func (a *Allocator) sweep(ctx context.Context) {
	for taskID := range a.prewarmCache {
		t, err := a.store.GetTask(taskID)
		if err != nil {
			continue
		}
		if t == nil {
			delete(a.prewarmCache, taskID)
			a.logger.Info().Int64("task_id", taskID).Msg("dropped prewarm for deleted task")
		}
	}

	if a.pkillPending && !a.spriteInUse() {
		a.pkillPending = false
		name := a.cfg.SpriteName
		kill := fmt.Sprintf(`pkill -f "%s --print" || true`, a.cfg.AgentCommand)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			_, _ = a.sprites.ExecShell(ctx, name, kill, sprite.ExecOpts{})
			a.logger.Debug().Str("sprite", name).Msg("idle sprite cleanup issued")
		}()
	}
}

func outcomeFor(err error) string {
	if errors.Is(err, cerrors.ErrRepoLocked) {
		return "repo_locked"
	}
	return "failure"
}
