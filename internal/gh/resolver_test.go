package gh

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	gogithub "github.com/google/go-github/v60/github"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/conductorhq/conductor/internal/errors"
	"github.com/conductorhq/conductor/internal/lru"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
}

type mockReposAPI struct {
	mu    sync.Mutex
	repos map[string]*gogithub.Repository // "owner/name" → response
	err   error
	calls []string
}

func (m *mockReposAPI) Get(_ context.Context, owner, repo string) (*gogithub.Repository, *gogithub.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, owner+"/"+repo)
	if m.err != nil {
		return nil, nil, m.err
	}
	if r, ok := m.repos[owner+"/"+repo]; ok {
		return r, nil, nil
	}
	return nil, nil, fmt.Errorf("repo %s/%s not found", owner, repo)
}

func newTestResolver(api reposAPI) *Resolver {
	return &Resolver{
		repos:  api,
		cache:  lru.New[string, RepoInfo](cacheSize, lru.WithTTL[string, RepoInfo](time.Hour)),
		logger: testLogger(),
	}
}

func ghRepo(owner, name, branch string) *gogithub.Repository {
	return &gogithub.Repository{
		Name:          gogithub.String(name),
		DefaultBranch: gogithub.String(branch),
		Owner:         &gogithub.User{Login: gogithub.String(owner)},
	}
}

func TestParseRemote(t *testing.T) {
	cases := []struct {
		in    string
		host  string
		owner string
		name  string
	}{
		{"https://github.com/Acme/Widgets.git", "github.com", "Acme", "Widgets"},
		{"https://github.com/Acme/Widgets", "github.com", "Acme", "Widgets"},
		{"https://github.com/Acme/Widgets/tree/main", "github.com", "Acme", "Widgets"},
		{"git@github.com:Acme/Widgets.git", "github.com", "Acme", "Widgets"},
		{"git@github.com:Acme/Widgets", "github.com", "Acme", "Widgets"},
		{"ssh://git@github.com/Acme/Widgets.git", "github.com", "Acme", "Widgets"},
		{"github.com/Acme/Widgets", "github.com", "Acme", "Widgets"},
		{"acme/widgets", "github.com", "acme", "widgets"},
		{"https://gitlab.com/group/project.git", "gitlab.com", "group", "project"},
		{"git@bitbucket.org:team/repo.git", "bitbucket.org", "team", "repo"},
		{"example.com/foo/bar", "example.com", "foo", "bar"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			host, owner, name, err := parseRemote(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.host, host)
			assert.Equal(t, tc.owner, owner)
			assert.Equal(t, tc.name, name)
		})
	}
}

func TestParseRemote_Invalid(t *testing.T) {
	for _, in := range []string{"", "   ", "nonsense", "https://github.com/onlyowner"} {
		t.Run(fmt.Sprintf("%q", in), func(t *testing.T) {
			_, _, _, err := parseRemote(in)
			assert.ErrorIs(t, err, cerrors.ErrInvalidInput)
		})
	}
}

func TestResolve_GitHubLookup(t *testing.T) {
	api := &mockReposAPI{repos: map[string]*gogithub.Repository{
		"acme/widgets": ghRepo("Acme", "Widgets", "trunk"),
	}}
	r := newTestResolver(api)

	info, err := r.Resolve(context.Background(), "git@github.com:acme/widgets.git")
	require.NoError(t, err)

	// Canonical casing and the real default branch come from the API.
	assert.Equal(t, "Acme", info.Owner)
	assert.Equal(t, "Widgets", info.Name)
	assert.Equal(t, "Acme/Widgets", info.DisplayName)
	assert.Equal(t, "trunk", info.DefaultBranch)
	assert.Equal(t, []string{"acme/widgets"}, api.calls)
}

func TestResolve_NonGitHubIsLexical(t *testing.T) {
	api := &mockReposAPI{}
	r := newTestResolver(api)

	info, err := r.Resolve(context.Background(), "https://gitlab.example.com/group/project.git")
	require.NoError(t, err)

	assert.Equal(t, "group", info.Owner)
	assert.Equal(t, "project", info.Name)
	assert.Equal(t, "group/project", info.DisplayName)
	assert.Equal(t, "main", info.DefaultBranch)
	assert.Empty(t, api.calls, "non-GitHub remotes must not hit the API")
}

func TestResolve_CacheSharedAcrossSpellings(t *testing.T) {
	api := &mockReposAPI{repos: map[string]*gogithub.Repository{
		"acme/widgets": ghRepo("Acme", "Widgets", "main"),
	}}
	r := newTestResolver(api)

	_, err := r.Resolve(context.Background(), "https://github.com/acme/widgets")
	require.NoError(t, err)
	assert.Len(t, api.calls, 1)

	// Every spelling of the same repo hits the same cache entry.
	for _, remote := range []string{
		"https://github.com/acme/widgets",
		"git@github.com:acme/widgets.git",
		"https://github.com/Acme/Widgets",
	} {
		_, err = r.Resolve(context.Background(), remote)
		require.NoError(t, err)
	}
	assert.Len(t, api.calls, 1)
}

func TestResolve_APIFailureFallsBack(t *testing.T) {
	api := &mockReposAPI{err: fmt.Errorf("rate limited")}
	r := newTestResolver(api)

	info, err := r.Resolve(context.Background(), "https://github.com/Acme/Widgets")
	require.NoError(t, err)
	assert.Equal(t, "Acme/Widgets", info.DisplayName)
	assert.Equal(t, "main", info.DefaultBranch)

	// Degraded results are not cached; the next call retries the API.
	_, err = r.Resolve(context.Background(), "https://github.com/Acme/Widgets")
	require.NoError(t, err)
	assert.Len(t, api.calls, 2)
}

func TestResolve_APIFailureSurfacesWhenAuthed(t *testing.T) {
	api := &mockReposAPI{err: fmt.Errorf("rate limited")}
	r := newTestResolver(api)
	r.authed = true

	_, err := r.Resolve(context.Background(), "https://github.com/Acme/Widgets")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Acme/Widgets")
}

func TestResolve_NotFoundWhenAuthedIsInvalidInput(t *testing.T) {
	api := &mockReposAPI{err: &gogithub.ErrorResponse{
		Response: &http.Response{StatusCode: http.StatusNotFound},
	}}
	r := newTestResolver(api)
	r.authed = true

	_, err := r.Resolve(context.Background(), "https://github.com/Acme/Gone")
	assert.ErrorIs(t, err, cerrors.ErrInvalidInput)
}

func TestResolve_InvalidURL(t *testing.T) {
	r := newTestResolver(&mockReposAPI{})
	_, err := r.Resolve(context.Background(), "not a url at all")
	assert.ErrorIs(t, err, cerrors.ErrInvalidInput)
}
