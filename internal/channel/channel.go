// Package channel maintains one streaming exec connection to the sandboxed
// agent process. It owns the WebSocket: writes are serialized through it,
// reads are decoded frame by frame into parsed agent events, and transient
// disconnects are re-dialed with bounded backoff. Everything noteworthy is
// posted to the owning supervisor as a Note.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	cerrors "github.com/conductorhq/conductor/internal/errors"
	"github.com/conductorhq/conductor/internal/event"
	"github.com/conductorhq/conductor/internal/frame"
	"github.com/conductorhq/conductor/internal/metrics"
	"github.com/conductorhq/conductor/internal/retry"
	"github.com/conductorhq/conductor/internal/sprite"
)

// Note is one notification to the channel's owner. Closed and GoneFatal are
// terminal; nothing follows them.
type Note interface{ note() }

// Ready signals a live connection, both on first connect and after a
// successful re-dial.
type Ready struct{}

// Event carries one parsed agent event.
type Event struct{ Event event.Event }

// Raw carries an output line that did not parse as an agent event.
type Raw struct{ Line string }

// Stderr carries agent stderr output.
type Stderr struct{ Data string }

// Exit carries the agent process exit code.
type Exit struct{ Code int }

// Reconnecting reports a re-dial attempt in progress.
type Reconnecting struct{ Attempt int }

// GoneFatal means the stream endpoint no longer exists (sandbox gone);
// the channel will not reconnect.
type GoneFatal struct{}

// Closed is the final note: the channel is finished for the given reason.
type Closed struct{ Reason string }

func (Ready) note()        {}
func (Event) note()        {}
func (Raw) note()          {}
func (Stderr) note()       {}
func (Exit) note()         {}
func (Reconnecting) note() {}
func (GoneFatal) note()    {}
func (Closed) note()       {}

// StreamAPI is the slice of the sprite client the channel needs.
type StreamAPI interface {
	StreamURL(name string, argv []string, opts sprite.StreamOpts) string
	AuthHeader() http.Header
	ExecShell(ctx context.Context, name, script string, opts sprite.ExecOpts) (*sprite.ExecResult, error)
}

// Config holds everything needed to launch and talk to one agent process.
type Config struct {
	SpriteName      string
	WorkingDir      string
	OAuthToken      string
	GitHubToken     string // optional, exported as GH_TOKEN for the agent
	RepoDisplayName string // optional, folded into the system prompt

	Command string // agent binary, default "agent"

	MaxReconnects int           // default 5
	ReconnectBase time.Duration // default 1s
	ReconnectMax  time.Duration // default 30s
}

// Channel is owned by exactly one supervisor. Start once, then consume
// Notes until a terminal note arrives.
type Channel struct {
	cfg     Config
	sprites StreamAPI
	metrics *metrics.Metrics
	logger  zerolog.Logger

	url   string
	notes chan Note

	mu   sync.Mutex // serializes writes and conn swaps
	conn *websocket.Conn

	stopCh     chan struct{}
	stopOnce   sync.Once
	terminated atomic.Bool
}

// New creates a channel for one agent launch. Call Start to connect.
func New(cfg Config, sprites StreamAPI, m *metrics.Metrics, logger zerolog.Logger) *Channel {
	if cfg.Command == "" {
		cfg.Command = "agent"
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 5
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Channel{
		cfg:     cfg,
		sprites: sprites,
		metrics: m,
		logger:  logger.With().Str("component", "channel").Str("sprite", cfg.SpriteName).Logger(),
		notes:   make(chan Note, 256),
		stopCh:  make(chan struct{}),
	}
}

// Notes is the stream of notifications for the owner.
func (c *Channel) Notes() <-chan Note { return c.notes }

// Start dials the agent exec stream and launches the read loop. The initial
// dial is not retried; the caller decides what a failed launch means.
func (c *Channel) Start(ctx context.Context) error {
	c.url = c.sprites.StreamURL(c.cfg.SpriteName, c.argv(), sprite.StreamOpts{Stdin: true})

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("starting agent stream: %w", err)
	}
	c.setConn(conn)
	c.emit(Ready{})

	go c.readLoop(ctx)
	c.logger.Info().Msg("agent channel connected")
	return nil
}

// argv builds the shell command that launches the agent in the task's
// working directory with its credentials in the environment.
func (c *Channel) argv() []string {
	var b strings.Builder
	b.WriteString("cd ")
	b.WriteString(sprite.ShellQuote(c.cfg.WorkingDir))
	b.WriteString(" && AGENT_OAUTH_TOKEN=")
	b.WriteString(sprite.ShellQuote(c.cfg.OAuthToken))
	if c.cfg.GitHubToken != "" {
		b.WriteString(" GH_TOKEN=")
		b.WriteString(sprite.ShellQuote(c.cfg.GitHubToken))
	}
	b.WriteString(" ")
	b.WriteString(c.cfg.Command)
	b.WriteString(" --print --input-format stream-json --output-format stream-json --verbose")
	if c.cfg.RepoDisplayName != "" {
		b.WriteString(" --append-system-prompt ")
		b.WriteString(sprite.ShellQuote("You are working in the " + c.cfg.RepoDisplayName + " repository."))
	}
	return []string{"/bin/sh", "-c", b.String()}
}

// Send writes one user turn as a single JSON line in one binary frame.
func (c *Channel) Send(text string) error {
	payload, err := json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]string{
			"role":    "user",
			"content": text,
		},
	})
	if err != nil {
		return fmt.Errorf("encoding user turn: %w", err)
	}
	return c.write(append(payload, '\n'))
}

// Interrupt asks the agent to stop its current turn.
func (c *Channel) Interrupt() error {
	return c.write([]byte{frame.Interrupt})
}

func (c *Channel) write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return cerrors.ErrChannelClosed
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return fmt.Errorf("writing to agent stream: %w", err)
	}
	return nil
}

// Stop tears the channel down: best-effort kill of the agent process so the
// sandbox can hibernate, then the socket, then the terminal note.
func (c *Channel) Stop(reason string) {
	c.stopOnce.Do(func() {
		close(c.stopCh)

		name := c.cfg.SpriteName
		kill := fmt.Sprintf(`pkill -f "%s --print" || true`, c.cfg.Command)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_, _ = c.sprites.ExecShell(ctx, name, kill, sprite.ExecOpts{})
		}()

		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = c.conn.Close()
		}
		c.mu.Unlock()

		c.terminate(Closed{Reason: reason})
		c.logger.Info().Str("reason", reason).Msg("agent channel stopped")
	})
}

func (c *Channel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, c.url, c.sprites.AuthHeader())
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusNotFound {
				return nil, fmt.Errorf("%w: exec stream returned 404", cerrors.ErrChannelGone)
			}
		}
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	return conn, nil
}

// readLoop decodes frames off the socket until the agent exits, the channel
// is stopped, or reconnection gives up.
func (c *Channel) readLoop(ctx context.Context) {
	dec := frame.NewDecoder()
	asm := &frame.LineAssembler{}
	exited := false

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		typ, data, err := conn.ReadMessage()
		if err == nil {
			if typ != websocket.BinaryMessage {
				continue
			}
			c.feed(dec, asm, data, &exited)
			continue
		}

		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			c.terminate(Closed{Reason: "context canceled"})
			return
		default:
		}

		if exited {
			// The agent finished and the server dropped the stream. Done.
			c.terminate(Closed{Reason: "agent exited"})
			return
		}

		c.logger.Warn().Err(err).Msg("agent stream read failed")
		if !c.reconnect(ctx) {
			return
		}
		// Fresh socket, unknown frame boundary: restart the decoder but keep
		// the assembler, a partial line may still complete.
		dec = frame.NewDecoder()
	}
}

func (c *Channel) feed(dec *frame.Decoder, asm *frame.LineAssembler, data []byte, exited *bool) {
	for _, chunk := range dec.Feed(data) {
		switch chunk.Channel {
		case frame.Stdout:
			c.countFrame("stdout")
			for _, line := range asm.Push(chunk.Data) {
				c.deliverLine(line)
			}
		case frame.Stderr:
			c.countFrame("stderr")
			c.emit(Stderr{Data: string(chunk.Data)})
		case frame.Exit:
			c.countFrame("exit")
			if rest := asm.Flush(); len(rest) > 0 {
				c.emit(Raw{Line: string(rest)})
			}
			*exited = true
			c.emit(Exit{Code: chunk.ExitCode})
		}
	}
}

func (c *Channel) deliverLine(line []byte) {
	ev := event.ParseLine(line)
	if ev.Type == event.TypeRawOutput {
		c.emit(Raw{Line: ev.Raw})
		return
	}
	c.emit(Event{Event: ev})
}

// reconnect re-dials with exponential backoff. Returns false when the
// channel is done, with the terminal note already posted.
func (c *Channel) reconnect(ctx context.Context) bool {
	rcfg := retry.Config{
		MaxAttempts: c.cfg.MaxReconnects,
		BaseDelay:   c.cfg.ReconnectBase,
		MaxDelay:    c.cfg.ReconnectMax,
		Jitter:      true,
	}

	for attempt := 0; attempt < c.cfg.MaxReconnects; attempt++ {
		c.emit(Reconnecting{Attempt: attempt + 1})
		if c.metrics != nil {
			c.metrics.ChannelReconnectsTotal.Inc()
		}

		select {
		case <-time.After(retry.Delay(rcfg, attempt)):
		case <-c.stopCh:
			return false
		case <-ctx.Done():
			c.terminate(Closed{Reason: "context canceled"})
			return false
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if errors.Is(err, cerrors.ErrChannelGone) {
				c.logger.Error().Msg("exec stream gone, giving up")
				c.terminate(GoneFatal{})
				return false
			}
			c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("reconnect failed")
			continue
		}

		c.setConn(conn)
		c.emit(Ready{})
		c.logger.Info().Int("attempt", attempt+1).Msg("agent stream reconnected")
		return true
	}

	c.terminate(Closed{Reason: "reconnect attempts exhausted"})
	return false
}

func (c *Channel) countFrame(channel string) {
	if c.metrics != nil {
		c.metrics.FramesTotal.WithLabelValues(channel).Inc()
	}
}

// emit posts a note without ever blocking the read loop; an overrun owner
// loses notes rather than stalling frame handling.
func (c *Channel) emit(n Note) {
	if c.terminated.Load() {
		return
	}
	select {
	case c.notes <- n:
	default:
		c.logger.Warn().Str("note", fmt.Sprintf("%T", n)).Msg("note buffer full, dropping")
	}
}

// terminate posts the final note. Delivery is guaranteed: if the buffer is
// full the send finishes from a goroutine so Stop never deadlocks.
func (c *Channel) terminate(n Note) {
	if c.terminated.Swap(true) {
		return
	}
	select {
	case c.notes <- n:
	default:
		go func() { c.notes <- n }()
	}
}
