// Package session runs one supervisor per active task. The supervisor owns
// the task's sandbox allocation and agent channel, serializes every state
// mutation through a single goroutine, persists the conversation as it
// streams, and fans events out to attached subscribers.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/conductorhq/conductor/internal/alloc"
	"github.com/conductorhq/conductor/internal/channel"
	cerrors "github.com/conductorhq/conductor/internal/errors"
	"github.com/conductorhq/conductor/internal/event"
	"github.com/conductorhq/conductor/internal/metrics"
	"github.com/conductorhq/conductor/internal/notify"
	"github.com/conductorhq/conductor/internal/store"
)

// Statuses published to subscribers.
const (
	StatusConnecting    = "connecting"
	StatusStartingAgent = "starting_agent"
	StatusReady         = "ready"
	StatusProcessing    = "processing"
	StatusDisconnected  = "disconnected"
	StatusIdle          = "idle"
	StatusError         = "error"
)

// Event types published to subscribers.
const (
	EventStatus         = "status"
	EventAgentText      = "agent_text"
	EventToolUse        = "tool_use"
	EventToolResult     = "tool_result"
	EventAgentDone      = "agent_done"
	EventAgentError     = "agent_error"
	EventSessionStarted = "execution_session_started"
	EventSessionEnded   = "execution_session_ended"
)

// Event is one update delivered to session subscribers. Status doubles as
// the execution session's final status on execution_session_ended.
type Event struct {
	TaskID    int64          `json:"task_id"`
	Type      string         `json:"type"`
	Status    string         `json:"status,omitempty"`
	Text      string         `json:"text,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
	Output    string         `json:"output,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	SessionID int64          `json:"execution_session_id,omitempty"`
	ExitCode  int            `json:"exit_code,omitempty"`
	At        int64          `json:"at"`
}

// Allocator is the slice of the sandbox allocator supervisors use.
type Allocator interface {
	Allocate(ctx context.Context, task *store.Task) (alloc.Allocation, error)
	Release(ctx context.Context, taskID int64) error
}

// TokenSource yields the agent's OAuth access token.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// AgentChannel is the supervisor's view of one live agent stream.
type AgentChannel interface {
	Start(ctx context.Context) error
	Notes() <-chan channel.Note
	Send(text string) error
	Interrupt() error
	Stop(reason string)
}

// Deps collects the collaborators shared by all supervisors.
type Deps struct {
	Store     *store.Store
	Allocator Allocator
	Tokens    TokenSource
	Sprites   channel.StreamAPI
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger

	// GitHubToken is exported into the agent's environment when set.
	GitHubToken string

	// IdleTimeout tears the agent down after inactivity. Zero means 2m.
	IdleTimeout time.Duration

	// NewChannel overrides agent channel construction. Nil means
	// channel.New with this Deps' collaborators; main sets it to thread
	// reconnect policy and the agent command, tests install fakes.
	NewChannel func(cfg channel.Config) AgentChannel
}

type state int

const (
	stateStarting state = iota // allocating the sandbox, launching the agent
	stateReady
	stateProcessing
	stateIdle
	stateDisconnected
	stateExited // agent process gone, session still warm
	stateErrored
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateStarting:
		return "starting"
	case stateReady:
		return "ready"
	case stateProcessing:
		return "processing"
	case stateIdle:
		return "idle"
	case stateDisconnected:
		return "disconnected"
	case stateExited:
		return "exited"
	case stateErrored:
		return "errored"
	case stateStopped:
		return "stopped"
	}
	return "unknown"
}

type cmdKind int

const (
	cmdSend cmdKind = iota
	cmdInterrupt
	cmdStop
)

type command struct {
	kind   cmdKind
	text   string
	reason string
}

// Supervisor drives one task's agent session. All state below the cmds
// channel is owned by the run goroutine.
type Supervisor struct {
	deps   Deps
	task   *store.Task
	logger zerolog.Logger

	cmds   chan command
	done   chan struct{}
	status atomic.Value // last published status string

	subs struct {
		sync.Mutex
		m      map[int64]chan Event
		next   int64
		closed bool
	}

	state             state
	alloc             *alloc.Allocation
	ch                AgentChannel
	execSessionID     int64
	curAssistantMsgID int64
	lastAssistant     string
	queue             []string
	idleTimer         *time.Timer
	resumeState       state
	stopReason        string
}

func newSupervisor(task *store.Task, deps Deps) *Supervisor {
	if deps.IdleTimeout <= 0 {
		deps.IdleTimeout = 2 * time.Minute
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.NewChannel == nil {
		sprites, m, logger := deps.Sprites, deps.Metrics, deps.Logger
		deps.NewChannel = func(cfg channel.Config) AgentChannel {
			return channel.New(cfg, sprites, m, logger)
		}
	}

	s := &Supervisor{
		deps:   deps,
		task:   task,
		logger: deps.Logger.With().Str("component", "session").Int64("task_id", task.ID).Logger(),
		cmds:   make(chan command, 64),
		done:   make(chan struct{}),
	}
	s.subs.m = make(map[int64]chan Event)
	return s
}

// TaskID returns the supervised task's ID.
func (s *Supervisor) TaskID() int64 { return s.task.ID }

// Done is closed when the supervisor has fully stopped.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Status returns the last published status.
func (s *Supervisor) Status() string {
	if v, ok := s.status.Load().(string); ok {
		return v
	}
	return StatusConnecting
}

// Send queues one user turn. Turns from one caller are delivered to the
// agent in the order they were accepted here; none are dropped.
func (s *Supervisor) Send(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("empty message: %w", cerrors.ErrInvalidInput)
	}
	select {
	case s.cmds <- command{kind: cmdSend, text: text}:
		return nil
	case <-s.done:
		return fmt.Errorf("session supervisor stopped: %w", cerrors.ErrUnavailable)
	}
}

// Interrupt asks the agent to abandon the turn in progress.
func (s *Supervisor) Interrupt() error {
	select {
	case s.cmds <- command{kind: cmdInterrupt}:
		return nil
	case <-s.done:
		return fmt.Errorf("session supervisor stopped: %w", cerrors.ErrUnavailable)
	}
}

// Stop shuts the supervisor down gracefully and waits for it to finish.
func (s *Supervisor) Stop(reason string) {
	select {
	case s.cmds <- command{kind: cmdStop, reason: reason}:
	case <-s.done:
		return
	}
	<-s.done
}

// Subscription is one attached event consumer. The channel closes when the
// subscription is dropped or the supervisor stops.
type Subscription struct {
	C    <-chan Event
	id   int64
	s    *Supervisor
	once sync.Once
}

// Close detaches the subscriber.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.s.subs.Lock()
		defer sub.s.subs.Unlock()
		if ch, ok := sub.s.subs.m[sub.id]; ok {
			delete(sub.s.subs.m, sub.id)
			close(ch)
		}
	})
}

// Subscribe attaches an event consumer. The current status is replayed as
// the first event so late attachers can render immediately.
func (s *Supervisor) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	s.subs.Lock()
	defer s.subs.Unlock()

	if s.subs.closed {
		close(ch)
		return &Subscription{C: ch, s: s}
	}

	s.subs.next++
	id := s.subs.next
	s.subs.m[id] = ch
	if status, ok := s.status.Load().(string); ok && status != "" {
		ch <- Event{TaskID: s.task.ID, Type: EventStatus, Status: status, At: time.Now().UnixMilli()}
	}
	return &Subscription{C: ch, id: id, s: s}
}

// run is the supervisor's single owning goroutine.
func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer s.cleanup()

	s.logger.Info().Msg("session supervisor starting")
	s.initialize(ctx)

	for s.state != stateStopped {
		var idleC <-chan time.Time
		if s.idleTimer != nil {
			idleC = s.idleTimer.C
		}
		var notes <-chan channel.Note
		if s.ch != nil {
			notes = s.ch.Notes()
		}

		select {
		case <-ctx.Done():
			s.stopReason = "service shutting down"
			s.state = stateStopped
		case cmd := <-s.cmds:
			s.handleCommand(ctx, cmd)
		case n := <-notes:
			s.handleNote(ctx, n)
		case <-idleC:
			s.idleTimer = nil
			s.handleIdleTimeout()
		}
	}
}

// initialize allocates the sandbox and launches the agent. It blocks the
// mailbox, which is intentional: commands arriving meanwhile queue up and
// are handled in order once the session is up.
func (s *Supervisor) initialize(ctx context.Context) {
	s.state = stateStarting
	s.publishStatus(StatusConnecting)

	allocation, err := s.deps.Allocator.Allocate(ctx, s.task)
	if err != nil {
		s.failStartup(err)
		return
	}
	s.alloc = &allocation

	s.setTaskStatus(store.TaskActive)
	s.publishStatus(StatusStartingAgent)
	s.startChannel(ctx)
}

func (s *Supervisor) failStartup(err error) {
	if errors.Is(err, cerrors.ErrRepoLocked) {
		var lockErr *cerrors.RepoLockedError
		if errors.As(err, &lockErr) {
			s.logger.Warn().Int64("held_by", lockErr.HeldBy).Msg("repository locked by another task")
		}
		s.publishError("Repository in use by another task")
	} else {
		s.logger.Error().Err(err).Msg("sandbox allocation failed")
		s.publishError("Failed to prepare sandbox")
	}
	s.state = stateErrored
	s.publishStatus(StatusError)
}

// startChannel fetches a fresh access token and dials the agent stream.
// The Ready note completes the transition; until then state is starting.
func (s *Supervisor) startChannel(ctx context.Context) {
	tok, err := s.deps.Tokens.AccessToken(ctx)
	if err != nil {
		if errors.Is(err, cerrors.ErrNoToken) {
			s.publishError("No agent credentials configured")
		} else {
			s.publishError("Failed to obtain agent credentials")
		}
		s.logger.Error().Err(err).Msg("access token unavailable")
		s.state = stateErrored
		s.publishStatus(StatusError)
		return
	}

	cfg := channel.Config{
		SpriteName:  s.alloc.SpriteName,
		WorkingDir:  s.alloc.WorkingDir,
		OAuthToken:  tok,
		GitHubToken: s.deps.GitHubToken,
	}
	if s.task.Repo != nil {
		cfg.RepoDisplayName = s.task.Repo.DisplayName
	}

	ch := s.deps.NewChannel(cfg)
	if err := ch.Start(ctx); err != nil {
		s.logger.Error().Err(err).Msg("agent channel start failed")
		s.publishError("Failed to start agent")
		s.state = stateErrored
		s.publishStatus(StatusError)
		return
	}
	s.ch = ch
	s.state = stateStarting
}

func (s *Supervisor) handleCommand(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdSend:
		s.handleSend(ctx, cmd.text)
	case cmdInterrupt:
		if s.state == stateProcessing && s.ch != nil {
			if err := s.ch.Interrupt(); err != nil {
				s.logger.Warn().Err(err).Msg("interrupt failed")
			}
		}
	case cmdStop:
		s.stopReason = cmd.reason
		s.state = stateStopped
	}
}

// handleSend persists the turn, then routes it by state: ready sends now,
// processing queues behind the running turn, and a hibernated or torn-down
// session queues plus restarts.
func (s *Supervisor) handleSend(ctx context.Context, text string) {
	s.disarmIdle()

	if _, err := s.deps.Store.CreateMessage(s.task.ID, s.execSessionID, store.MessageUser, text, nil); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist user message")
	} else if s.deps.Metrics != nil {
		s.deps.Metrics.RecordMessage(store.MessageUser)
	}

	switch s.state {
	case stateReady:
		s.sendTurn(ctx, text)
	case stateIdle, stateDisconnected, stateExited:
		s.queue = append(s.queue, text)
		s.restart(ctx)
	default:
		s.queue = append(s.queue, text)
	}
}

func (s *Supervisor) sendTurn(ctx context.Context, text string) {
	s.disarmIdle()

	if s.ch == nil {
		s.queue = append([]string{text}, s.queue...)
		s.restart(ctx)
		return
	}
	if err := s.ch.Send(text); err != nil {
		s.logger.Warn().Err(err).Msg("send failed, restarting channel")
		s.queue = append([]string{text}, s.queue...)
		s.restart(ctx)
		return
	}

	s.setTaskStatus(store.TaskActive)
	s.state = stateProcessing
	s.publishStatus(StatusProcessing)
}

// restart relaunches the agent on the existing allocation; queued turns
// drain once the new channel reports ready.
func (s *Supervisor) restart(ctx context.Context) {
	if s.ch != nil {
		s.ch.Stop("restarting")
		s.ch = nil
	}
	if s.alloc == nil {
		s.initialize(ctx)
		return
	}
	s.state = stateStarting
	s.publishStatus(StatusStartingAgent)
	s.startChannel(ctx)
}

func (s *Supervisor) handleNote(ctx context.Context, n channel.Note) {
	switch note := n.(type) {
	case channel.Ready:
		s.handleReady(ctx)
	case channel.Event:
		s.handleAgentEvent(ctx, note.Event)
	case channel.Raw:
		s.logger.Debug().Str("line", truncate(note.Line, 200)).Msg("raw agent output")
	case channel.Stderr:
		s.logger.Debug().Str("stderr", truncate(note.Data, 200)).Msg("agent stderr")
	case channel.Exit:
		s.handleAgentExit(ctx, note.Code)
	case channel.Reconnecting:
		if s.state == stateReady || s.state == stateProcessing {
			s.resumeState = s.state
			s.state = stateDisconnected
			s.publishStatus(StatusDisconnected)
		}
	case channel.GoneFatal:
		s.handleGone()
	case channel.Closed:
		s.handleChannelClosed(note.Reason)
	}
}

// handleReady runs on every successful (re)connect. A fresh agent run opens
// a new execution session; a mid-session reconnect just resumes.
func (s *Supervisor) handleReady(ctx context.Context) {
	if s.execSessionID != 0 {
		resume := s.resumeState
		if resume != stateProcessing {
			resume = stateReady
		}
		s.state = resume
		if resume == stateProcessing {
			s.publishStatus(StatusProcessing)
		} else {
			s.publishStatus(StatusReady)
			s.drainQueue(ctx)
		}
		return
	}

	// Never two started sessions for one task.
	if stale, err := s.deps.Store.StartedExecutionSession(s.task.ID); err == nil && stale != nil {
		s.logger.Warn().Int64("session_id", stale.ID).Msg("interrupting stale execution session")
		if err := s.deps.Store.CompleteExecutionSession(stale.ID, store.SessionInterrupted); err != nil {
			s.logger.Error().Err(err).Msg("failed to close stale execution session")
		}
	}

	sess, err := s.deps.Store.StartExecutionSession(s.task.ID, s.alloc.SpriteName, "agent")
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to start execution session")
	} else {
		s.execSessionID = sess.ID
		if _, err := s.deps.Store.CreateMessage(s.task.ID, sess.ID, store.MessageSessionStart, "", nil); err != nil {
			s.logger.Warn().Err(err).Msg("failed to persist session start marker")
		} else if s.deps.Metrics != nil {
			s.deps.Metrics.RecordMessage(store.MessageSessionStart)
		}
		s.publish(Event{Type: EventSessionStarted, SessionID: sess.ID})
	}

	s.state = stateReady
	s.publishStatus(StatusReady)
	s.drainQueue(ctx)
}

// drainQueue sends the next queued turn when the session is ready. One at a
// time; message_stop triggers the next drain.
func (s *Supervisor) drainQueue(ctx context.Context) {
	if s.state != stateReady || len(s.queue) == 0 {
		return
	}
	text := s.queue[0]
	s.queue = s.queue[1:]
	s.sendTurn(ctx, text)
}

func (s *Supervisor) handleAgentEvent(ctx context.Context, ev event.Event) {
	switch ev.Type {
	case event.TypeSystemInit:
		s.logger.Debug().Msg("agent session initialized")
	case event.TypeAssistant:
		s.handleAssistant(ev.Assistant)
	case event.TypeToolResult:
		s.handleToolResult(ev.ToolResult)
	case event.TypeMessageStop:
		s.handleMessageStop(ctx)
	case event.TypeOpaque:
		if ev.Opaque != nil {
			s.logger.Debug().Str("kind", ev.Opaque.Kind).Msg("opaque agent event")
		}
	}
}

// handleAssistant streams text into the current assistant message and files
// tool calls as their own entries. Text after a tool call starts a new
// message so the transcript interleaves the way the agent spoke.
func (s *Supervisor) handleAssistant(msg *event.AssistantMessage) {
	if msg == nil {
		return
	}

	if msg.Text != "" {
		if s.curAssistantMsgID == 0 {
			m, err := s.deps.Store.CreateMessage(s.task.ID, s.execSessionID, store.MessageAssistant, msg.Text, nil)
			if err != nil {
				s.logger.Error().Err(err).Msg("failed to persist assistant message")
			} else {
				s.curAssistantMsgID = m.ID
				if s.deps.Metrics != nil {
					s.deps.Metrics.RecordMessage(store.MessageAssistant)
				}
			}
		} else if err := s.deps.Store.AppendToMessage(s.curAssistantMsgID, msg.Text); err != nil {
			s.logger.Warn().Err(err).Msg("failed to append assistant text")
		}
		s.lastAssistant = msg.Text
		s.publish(Event{Type: EventAgentText, Text: msg.Text, SessionID: s.execSessionID})
	}

	for _, use := range msg.ToolUses {
		toolData := map[string]any{"tool_use_id": use.ID, "name": use.Name}
		if use.Input != nil {
			toolData["input"] = use.Input
		}
		if _, err := s.deps.Store.CreateMessage(s.task.ID, s.execSessionID, store.MessageToolCall, "", toolData); err != nil {
			s.logger.Error().Err(err).Str("tool_use_id", use.ID).Msg("failed to persist tool call")
		} else if s.deps.Metrics != nil {
			s.deps.Metrics.RecordMessage(store.MessageToolCall)
		}
		s.publish(Event{Type: EventToolUse, ToolUseID: use.ID, ToolName: use.Name, ToolInput: use.Input, SessionID: s.execSessionID})
	}
	if len(msg.ToolUses) > 0 {
		s.curAssistantMsgID = 0
	}
}

// handleToolResult back-patches the tool_call message that issued the tool
// use, then publishes, so subscribers observe the update before message_stop.
func (s *Supervisor) handleToolResult(res *event.ToolResult) {
	if res == nil {
		return
	}

	output := res.Stdout
	if res.Stderr != "" {
		output += res.Stderr
	}

	msg, err := s.deps.Store.FindToolMessage(s.task.ID, res.ToolUseID)
	switch {
	case err != nil:
		s.logger.Error().Err(err).Str("tool_use_id", res.ToolUseID).Msg("tool message lookup failed")
	case msg == nil:
		s.logger.Warn().Str("tool_use_id", res.ToolUseID).Msg("tool result without matching call")
	default:
		if err := s.deps.Store.UpdateToolResult(msg.ID, output, res.IsError); err != nil {
			s.logger.Error().Err(err).Int64("message_id", msg.ID).Msg("failed to record tool result")
		}
	}

	s.publish(Event{Type: EventToolResult, ToolUseID: res.ToolUseID, Output: output, IsError: res.IsError, SessionID: s.execSessionID})
}

func (s *Supervisor) handleMessageStop(ctx context.Context) {
	s.curAssistantMsgID = 0
	s.publish(Event{Type: EventAgentDone, SessionID: s.execSessionID})

	s.setTaskStatus(store.TaskAwaitingInput)
	s.state = stateReady
	s.publishStatus(StatusReady)
	s.armIdle()
	s.drainQueue(ctx)
}

// handleAgentExit closes the execution session by exit code. The channel is
// finished (it never reconnects past an exit); the next turn relaunches.
func (s *Supervisor) handleAgentExit(ctx context.Context, code int) {
	s.disarmIdle()
	s.curAssistantMsgID = 0

	status := store.SessionCompleted
	if code != 0 {
		status = store.SessionFailed
	}
	s.endSession(status, fmt.Sprintf("agent exited with code %d", code))
	if code != 0 {
		s.publishError(fmt.Sprintf("Agent exited with code %d", code))
	}

	s.setTaskStatus(store.TaskAwaitingInput)
	s.state = stateExited
	s.publishStatus(StatusReady)

	if len(s.queue) > 0 {
		s.restart(ctx)
	}
}

func (s *Supervisor) handleIdleTimeout() {
	s.logger.Info().Dur("idle_timeout", s.deps.IdleTimeout).Msg("idle timeout, hibernating agent")

	s.endSession(store.SessionCompleted, "")
	if s.ch != nil {
		s.ch.Stop("idle timeout")
		s.ch = nil
	}
	s.setTaskStatus(store.TaskIdle)
	s.state = stateIdle
	s.publishStatus(StatusIdle)
}

// handleGone stops the supervisor: the sandbox rejected the stream with a
// 404, so the allocation is dead and the owner must be recreated.
func (s *Supervisor) handleGone() {
	s.logger.Error().Msg("sandbox stream gone, stopping supervisor")
	s.ch = nil
	s.endSession(store.SessionInterrupted, "sandbox became unavailable")
	s.publishError("Sandbox became unavailable")
	s.stopReason = "sandbox gone"
	s.state = stateStopped
}

// handleChannelClosed fires when the channel terminates on its own: the
// agent exited, reconnects ran out, or its context died. Stops we initiate
// detach s.ch first and never arrive here.
func (s *Supervisor) handleChannelClosed(reason string) {
	s.ch = nil

	switch s.state {
	case stateExited, stateIdle, stateErrored, stateStopped:
		return
	default:
	}

	s.logger.Warn().Str("reason", reason).Msg("agent channel closed")
	s.endSession(store.SessionInterrupted, reason)
	if s.state != stateDisconnected {
		s.publishStatus(StatusDisconnected)
	}
	s.state = stateDisconnected
}

// endSession closes the current execution session row, files the transcript
// divider, publishes session_ended and notifies. Safe to call when no
// session is open.
func (s *Supervisor) endSession(status, summary string) {
	if s.execSessionID == 0 {
		return
	}
	sid := s.execSessionID
	s.execSessionID = 0

	if err := s.deps.Store.CompleteExecutionSession(sid, status); err != nil {
		s.logger.Error().Err(err).Int64("session_id", sid).Msg("failed to complete execution session")
	}
	if _, err := s.deps.Store.CreateMessage(s.task.ID, sid, store.MessageSessionEnd, status, nil); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist session end marker")
	} else if s.deps.Metrics != nil {
		s.deps.Metrics.RecordMessage(store.MessageSessionEnd)
	}
	s.publish(Event{Type: EventSessionEnded, SessionID: sid, Status: status})

	if summary == "" {
		summary = truncate(s.lastAssistant, 200)
	}
	notifier, task := s.deps.Notifier, s.task
	go notifier.SessionEnded(context.Background(), task, status, summary)
}

// cleanup is the terminate path: close any open session, stop the channel,
// release the allocation and park the task.
func (s *Supervisor) cleanup() {
	s.disarmIdle()
	s.endSession(store.SessionInterrupted, s.stopReason)

	if s.ch != nil {
		reason := s.stopReason
		if reason == "" {
			reason = "supervisor stopped"
		}
		s.ch.Stop(reason)
		s.ch = nil
	}

	if s.alloc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.deps.Allocator.Release(ctx, s.task.ID); err != nil {
			s.logger.Error().Err(err).Msg("failed to release allocation")
		}
		cancel()
		s.alloc = nil
	}

	s.setTaskStatus(store.TaskIdle)

	s.subs.Lock()
	s.subs.closed = true
	for id, ch := range s.subs.m {
		delete(s.subs.m, id)
		close(ch)
	}
	s.subs.Unlock()

	s.logger.Info().Str("reason", s.stopReason).Msg("session supervisor stopped")
}

func (s *Supervisor) setTaskStatus(status string) {
	if err := s.deps.Store.SetTaskStatus(s.task.ID, status); err != nil {
		s.logger.Warn().Err(err).Str("status", status).Msg("failed to update task status")
		return
	}
	s.task.Status = status
}

func (s *Supervisor) armIdle() {
	s.disarmIdle()
	s.idleTimer = time.NewTimer(s.deps.IdleTimeout)
}

func (s *Supervisor) disarmIdle() {
	if s.idleTimer == nil {
		return
	}
	if !s.idleTimer.Stop() {
		select {
		case <-s.idleTimer.C:
		default:
		}
	}
	s.idleTimer = nil
}

func (s *Supervisor) publishStatus(status string) {
	s.status.Store(status)
	s.publish(Event{Type: EventStatus, Status: status})
}

func (s *Supervisor) publishError(text string) {
	s.publish(Event{Type: EventAgentError, Text: text, SessionID: s.execSessionID})
}

// publish fans one event out to every subscriber. A subscriber that cannot
// keep up is dropped whole rather than skipping events, preserving the
// in-order guarantee for everyone still attached.
func (s *Supervisor) publish(ev Event) {
	ev.TaskID = s.task.ID
	ev.At = time.Now().UnixMilli()
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordSessionEvent(ev.Type)
	}

	s.subs.Lock()
	for id, ch := range s.subs.m {
		select {
		case ch <- ev:
		default:
			s.logger.Warn().Int64("subscriber", id).Msg("subscriber too slow, dropping")
			delete(s.subs.m, id)
			close(ch)
		}
	}
	s.subs.Unlock()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
