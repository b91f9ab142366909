// Package sprite is the HTTP/WebSocket client for the remote sandbox API.
// One-shot commands go over POST exec with the framed response body;
// interactive sessions dial the same endpoint as a WebSocket (see
// internal/channel).
package sprite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	cerrors "github.com/conductorhq/conductor/internal/errors"
	"github.com/conductorhq/conductor/internal/frame"
	"github.com/conductorhq/conductor/internal/metrics"
)

const (
	controlTimeout     = 30 * time.Second
	defaultExecTimeout = 60 * time.Second
)

// Sprite is a sandbox as reported by the API.
type Sprite struct {
	Name   string `json:"name"`
	URL    string `json:"url,omitempty"`
	Status string `json:"status,omitempty"`
}

// ExecOpts controls a one-shot exec.
type ExecOpts struct {
	// Timeout bounds the whole exec including draining the output stream.
	// Zero means the client default (60 s unless changed).
	Timeout time.Duration
	// Env entries are passed as KEY=VALUE to the command.
	Env map[string]string
}

// ExecResult is the drained output of a one-shot exec. Output carries both
// stdout and stderr so callers can match provider error text.
type ExecResult struct {
	Output   string
	ExitCode int
}

// StreamOpts controls the WebSocket exec stream.
type StreamOpts struct {
	TTY   bool
	Stdin bool
	Cols  int
	Rows  int
}

// Client talks to the sandbox provider. Safe for concurrent use.
type Client struct {
	baseURL     string
	token       string
	http        *http.Client
	execTimeout time.Duration
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// NewClient creates a sandbox API client. baseURL must not end with a slash.
func NewClient(baseURL, token string, m *metrics.Metrics, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// No client-level timeout: exec streams run for minutes and are
		// bounded per call via context.
		http:        &http.Client{},
		execTimeout: defaultExecTimeout,
		metrics:     m,
		logger:      logger.With().Str("component", "sprite_client").Logger(),
	}
}

// SetExecTimeout changes the default timeout applied to execs that pass no
// explicit one. Call before first use.
func (c *Client) SetExecTimeout(d time.Duration) {
	if d > 0 {
		c.execTimeout = d
	}
}

// AuthHeader returns the Authorization header used on every request,
// including the WebSocket upgrade.
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.token)
	return h
}

// Create provisions a sandbox. A 409 means it already exists and is reused.
func (c *Client) Create(ctx context.Context, name string, public bool) (*Sprite, error) {
	auth := "sprite"
	if public {
		auth = "public"
	}
	body, err := json.Marshal(map[string]any{
		"name":         name,
		"url_settings": map[string]string{"auth": auth},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling create request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/sprites", nil, bytes.NewReader(body), controlTimeout)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		io.Copy(io.Discard, resp.Body)
		c.logger.Debug().Str("sprite", name).Msg("sprite already exists, reusing")
		return c.Get(ctx, name)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.apiError(resp)
	}

	var s Sprite
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding sprite: %w", err)
	}
	c.logger.Info().Str("sprite", s.Name).Msg("sprite created")
	return &s, nil
}

// Get fetches one sandbox by name.
func (c *Client) Get(ctx context.Context, name string) (*Sprite, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/sprites/"+url.PathEscape(name), nil, nil, controlTimeout)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp)
	}

	var s Sprite
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding sprite: %w", err)
	}
	return &s, nil
}

// List fetches all sandboxes visible to the token.
func (c *Client) List(ctx context.Context) ([]Sprite, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/sprites", nil, nil, controlTimeout)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp)
	}

	var sprites []Sprite
	if err := json.NewDecoder(resp.Body).Decode(&sprites); err != nil {
		return nil, fmt.Errorf("decoding sprite list: %w", err)
	}
	return sprites, nil
}

// Suspend asks the provider to hibernate the sandbox.
func (c *Client) Suspend(ctx context.Context, name string) error {
	resp, err := c.do(ctx, http.MethodPost, "/v1/sprites/"+url.PathEscape(name)+"/suspend", nil, nil, controlTimeout)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return c.apiError(resp)
	}
	return nil
}

// Delete destroys the sandbox.
func (c *Client) Delete(ctx context.Context, name string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/sprites/"+url.PathEscape(name), nil, nil, controlTimeout)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return c.apiError(resp)
	}
	return nil
}

// Exec runs argv in the sandbox and blocks until the framed output stream
// ends. Each argv element travels as its own cmd query parameter.
func (c *Client) Exec(ctx context.Context, name string, argv []string, opts ExecOpts) (*ExecResult, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("exec: empty argv: %w", cerrors.ErrInvalidInput)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.execTimeout
	}

	q := url.Values{}
	for _, arg := range argv {
		q.Add("cmd", arg)
	}
	for k, v := range opts.Env {
		q.Add("env", k+"="+v)
	}

	started := time.Now()
	resp, err := c.do(ctx, http.MethodPost, "/v1/sprites/"+url.PathEscape(name)+"/exec", q, nil, timeout)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp)
	}

	res, err := frame.DecodeAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("exec %q: %w", argv[0], err)
	}

	c.logger.Debug().
		Str("sprite", name).
		Str("cmd", argv[0]).
		Int("exit_code", res.ExitCode).
		Dur("duration", time.Since(started)).
		Msg("exec completed")

	output := string(res.Stdout)
	if len(res.Stderr) > 0 {
		output += string(res.Stderr)
	}
	return &ExecResult{Output: output, ExitCode: res.ExitCode}, nil
}

// ExecShell runs a shell string via /bin/sh -c.
func (c *Client) ExecShell(ctx context.Context, name, script string, opts ExecOpts) (*ExecResult, error) {
	return c.Exec(ctx, name, []string{"/bin/sh", "-c", script}, opts)
}

// StreamURL builds the WebSocket exec URL for argv. It has no side effects;
// the caller dials it with AuthHeader.
func (c *Client) StreamURL(name string, argv []string, opts StreamOpts) string {
	q := url.Values{}
	for _, arg := range argv {
		q.Add("cmd", arg)
	}
	if opts.TTY {
		q.Set("tty", "true")
	}
	if opts.Stdin {
		q.Set("stdin", "true")
	}
	if opts.Cols > 0 {
		q.Set("cols", strconv.Itoa(opts.Cols))
	}
	if opts.Rows > 0 {
		q.Set("rows", strconv.Itoa(opts.Rows))
	}

	ws := c.baseURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return ws + "/v1/sprites/" + url.PathEscape(name) + "/exec?" + q.Encode()
}

// do issues one authenticated request with a per-call timeout. The caller
// owns the response body.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body io.Reader, timeout time.Duration) (*http.Response, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(started)
	if err != nil {
		cancel()
		if c.metrics != nil {
			c.metrics.RecordSpriteRequest(method, "error", elapsed.Seconds())
		}
		return nil, fmt.Errorf("sprite API %s %s: %w", method, path, err)
	}
	if c.metrics != nil {
		c.metrics.RecordSpriteRequest(method, strconv.Itoa(resp.StatusCode), elapsed.Seconds())
	}

	// Tie the context's lifetime to the body so streaming reads stay bounded.
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *Client) apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return cerrors.NewAPIError("sprite", resp.StatusCode, msg)
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	b.cancel()
	return b.ReadCloser.Close()
}

// ShellQuote wraps s in single quotes for safe embedding in a shell string.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
