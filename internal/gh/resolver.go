// Package gh resolves git remote URLs into repository metadata used when
// registering repositories.
package gh

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v60/github"
	"github.com/rs/zerolog"

	cerrors "github.com/conductorhq/conductor/internal/errors"
	"github.com/conductorhq/conductor/internal/lru"
)

const (
	cacheSize = 256
	cacheTTL  = time.Hour
)

// RepoInfo is the resolved identity of a remote repository.
type RepoInfo struct {
	Owner         string
	Name          string
	DisplayName   string // "owner/name"
	DefaultBranch string
}

// reposAPI is the slice of the GitHub API the resolver needs.
type reposAPI interface {
	Get(ctx context.Context, owner, repo string) (*gogithub.Repository, *gogithub.Response, error)
}

// Resolver turns remote URLs into repository metadata. GitHub remotes are
// looked up through the API for the canonical name and real default branch;
// anything else is parsed lexically with branch main.
type Resolver struct {
	repos  reposAPI
	authed bool
	cache  *lru.Cache[string, RepoInfo]
	logger zerolog.Logger
}

// NewResolver builds a resolver. The token is optional: without it private
// GitHub repositories fall back to lexical parsing.
func NewResolver(githubToken string, logger zerolog.Logger) *Resolver {
	client := gogithub.NewClient(nil)
	if githubToken != "" {
		client = client.WithAuthToken(githubToken)
	}
	return &Resolver{
		repos:  client.Repositories,
		authed: githubToken != "",
		cache:  lru.New[string, RepoInfo](cacheSize, lru.WithTTL[string, RepoInfo](cacheTTL)),
		logger: logger.With().Str("component", "gh").Logger(),
	}
}

// Resolve parses a remote URL and, for GitHub remotes, enriches the result
// through the API. The cache keys on host/owner/name, so ssh and https
// spellings of one repo share an entry.
//
// Without a token, lookup failures degrade to the lexical parse so repo
// registration keeps working offline; degraded results are not cached.
// With a token, lookup failures surface to the caller rather than silently
// recording a guess.
func (r *Resolver) Resolve(ctx context.Context, remoteURL string) (RepoInfo, error) {
	host, owner, name, err := parseRemote(remoteURL)
	if err != nil {
		return RepoInfo{}, err
	}

	key := host + "/" + strings.ToLower(owner) + "/" + strings.ToLower(name)
	if info, ok := r.cache.Get(key); ok {
		return info, nil
	}

	info := RepoInfo{
		Owner:         owner,
		Name:          name,
		DisplayName:   owner + "/" + name,
		DefaultBranch: "main",
	}

	if host == "github.com" {
		repo, _, err := r.repos.Get(ctx, owner, name)
		if err != nil {
			if r.authed {
				var ghErr *gogithub.ErrorResponse
				if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == 404 {
					return RepoInfo{}, fmt.Errorf("github repo %s not found or not accessible: %w", info.DisplayName, cerrors.ErrInvalidInput)
				}
				return RepoInfo{}, fmt.Errorf("github lookup %s: %w", info.DisplayName, err)
			}
			r.logger.Warn().Err(err).Str("repo", info.DisplayName).Msg("github lookup failed, using lexical parse")
			return info, nil
		}
		if repo.GetDefaultBranch() != "" {
			info.DefaultBranch = repo.GetDefaultBranch()
		}
		// Prefer the canonical casing GitHub reports.
		if repo.GetOwner().GetLogin() != "" && repo.GetName() != "" {
			info.Owner = repo.GetOwner().GetLogin()
			info.Name = repo.GetName()
			info.DisplayName = info.Owner + "/" + info.Name
		}
	}

	r.cache.Put(key, info)
	return info, nil
}

// scpRemote matches scp-like git remotes: [user@]host:owner/name[.git]
var scpRemote = regexp.MustCompile(`^(?:[\w.-]+@)?([\w][\w.-]*\.[\w.-]+):([\w.-]+)/([\w.-]+?)(?:\.git)?/?$`)

// parseRemote extracts host, owner and repo name from the remote URL forms
// git produces: https, ssh, scp-like, scheme-less, and the bare owner/name
// shorthand (assumed to mean github.com).
func parseRemote(remote string) (host, owner, name string, err error) {
	s := strings.TrimSpace(remote)
	if s == "" {
		return "", "", "", fmt.Errorf("empty remote url: %w", cerrors.ErrInvalidInput)
	}

	if !strings.Contains(s, "://") {
		if m := scpRemote.FindStringSubmatch(s); m != nil {
			return strings.ToLower(m[1]), m[2], m[3], nil
		}
		parts := strings.Split(strings.Trim(s, "/"), "/")
		if len(parts) == 2 && !strings.Contains(parts[0], ".") && !strings.Contains(parts[0], ":") {
			return "github.com", parts[0], strings.TrimSuffix(parts[1], ".git"), nil
		}
		s = "https://" + s
	}

	u, perr := url.Parse(s)
	if perr != nil || u.Hostname() == "" {
		return "", "", "", fmt.Errorf("unparseable remote url %q: %w", remote, cerrors.ErrInvalidInput)
	}

	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segs) < 2 || segs[0] == "" || segs[1] == "" {
		return "", "", "", fmt.Errorf("remote url %q missing owner/name: %w", remote, cerrors.ErrInvalidInput)
	}
	return strings.ToLower(u.Hostname()), segs[0], strings.TrimSuffix(segs[1], ".git"), nil
}
