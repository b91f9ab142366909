package sprite

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/conductorhq/conductor/internal/errors"
	"github.com/conductorhq/conductor/internal/frame"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
	return NewClient(srv.URL, "test-token", nil, logger)
}

func framedBody(stdout, stderr string, exitCode int) []byte {
	var body []byte
	if stdout != "" {
		body = append(body, frame.Encode(frame.Stdout, []byte(stdout))...)
	}
	if stderr != "" {
		body = append(body, frame.Encode(frame.Stderr, []byte(stderr))...)
	}
	return append(body, byte(frame.Exit), byte(exitCode))
}

func TestCreate(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/sprites", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "conductor", body["name"])
		settings := body["url_settings"].(map[string]any)
		assert.Equal(t, "public", settings["auth"])

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Sprite{Name: "conductor", Status: "running"})
	}))

	s, err := c.Create(context.Background(), "conductor", true)
	require.NoError(t, err)
	assert.Equal(t, "conductor", s.Name)
	assert.Equal(t, "running", s.Status)
}

func TestCreate_ConflictFallsBackToGet(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusConflict)
		case http.MethodGet:
			assert.Equal(t, "/v1/sprites/conductor", r.URL.Path)
			json.NewEncoder(w).Encode(Sprite{Name: "conductor", Status: "suspended"})
		}
	}))

	s, err := c.Create(context.Background(), "conductor", false)
	require.NoError(t, err)
	assert.Equal(t, "suspended", s.Status)
}

func TestGet_NotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such sprite", http.StatusNotFound)
	}))

	_, err := c.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrNotFound)

	var apiErr *cerrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)
}

func TestList(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Sprite{{Name: "a"}, {Name: "b"}})
	}))

	sprites, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, sprites, 2)
	assert.Equal(t, "a", sprites[0].Name)
}

func TestSuspendAndDelete(t *testing.T) {
	var gotPaths []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, c.Suspend(context.Background(), "conductor"))
	require.NoError(t, c.Delete(context.Background(), "conductor"))
	assert.Equal(t, []string{
		"POST /v1/sprites/conductor/suspend",
		"DELETE /v1/sprites/conductor",
	}, gotPaths)
}

func TestExec(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/sprites/conductor/exec", r.URL.Path)

		q := r.URL.Query()
		assert.Equal(t, []string{"git", "status"}, q["cmd"])
		assert.Equal(t, []string{"GIT_TERMINAL_PROMPT=0"}, q["env"])

		w.Write(framedBody("clean\n", "", 0))
	}))

	res, err := c.Exec(context.Background(), "conductor", []string{"git", "status"},
		ExecOpts{Env: map[string]string{"GIT_TERMINAL_PROMPT": "0"}})
	require.NoError(t, err)
	assert.Equal(t, "clean\n", res.Output)
	assert.Equal(t, 0, res.ExitCode)
}

func TestExec_CombinesStderrAndExitCode(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(framedBody("partial", "fatal: repository not found\n", 128))
	}))

	res, err := c.Exec(context.Background(), "conductor", []string{"git", "clone", "x"}, ExecOpts{})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "partial")
	assert.Contains(t, res.Output, "repository not found")
	assert.Equal(t, 128, res.ExitCode)
}

func TestExec_EmptyArgv(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	_, err := c.Exec(context.Background(), "conductor", nil, ExecOpts{})
	assert.ErrorIs(t, err, cerrors.ErrInvalidInput)
}

func TestExec_Timeout(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))

	_, err := c.Exec(context.Background(), "conductor", []string{"sleep", "10"},
		ExecOpts{Timeout: 50 * time.Millisecond})
	require.Error(t, err)
}

func TestExecShell(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, []string{"/bin/sh", "-c", "echo hi && echo bye"}, r.URL.Query()["cmd"])
		w.Write(framedBody("hi\nbye\n", "", 0))
	}))

	res, err := c.ExecShell(context.Background(), "conductor", "echo hi && echo bye", ExecOpts{})
	require.NoError(t, err)
	assert.Equal(t, "hi\nbye\n", res.Output)
}

func TestStreamURL(t *testing.T) {
	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
	c := NewClient("https://api.example.dev", "tok", nil, logger)

	u := c.StreamURL("conductor", []string{"/bin/sh", "-c", "agent --print"}, StreamOpts{Stdin: true})
	assert.True(t, len(u) > 0)
	assert.Contains(t, u, "wss://api.example.dev/v1/sprites/conductor/exec?")
	assert.Contains(t, u, "stdin=true")
	assert.NotContains(t, u, "tty=")
	// Every query value is percent-encoded.
	assert.Contains(t, u, "cmd=%2Fbin%2Fsh")
	assert.Contains(t, u, "agent+--print")
}

func TestStreamURL_TTYWithDimensions(t *testing.T) {
	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
	c := NewClient("http://localhost:8080", "tok", nil, logger)

	u := c.StreamURL("dev", []string{"bash"}, StreamOpts{TTY: true, Stdin: true, Cols: 120, Rows: 40})
	assert.Contains(t, u, "ws://localhost:8080/")
	assert.Contains(t, u, "tty=true")
	assert.Contains(t, u, "cols=120")
	assert.Contains(t, u, "rows=40")
}

func TestAuthHeader(t *testing.T) {
	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
	c := NewClient("https://api.example.dev", "secret", nil, logger)
	assert.Equal(t, "Bearer secret", c.AuthHeader().Get("Authorization"))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'plain'", ShellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, ShellQuote("it's"))
	assert.Equal(t, "'a b;c'", ShellQuote("a b;c"))
}
