package alloc

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	cerrors "github.com/conductorhq/conductor/internal/errors"
	"github.com/conductorhq/conductor/internal/sprite"
	"github.com/conductorhq/conductor/internal/store"
)

const (
	homeDir  = "/home/sprite"
	reposDir = homeDir + "/repos"

	gitConfigTimeout = 30 * time.Second
	cloneTimeout     = 300 * time.Second
	pullTimeout      = 120 * time.Second
)

// setupResult is what one completed setup hands to the allocator loop.
type setupResult struct {
	spriteName string
	workingDir string
}

// workingDirFor maps a task to its deterministic working directory. Repo
// tasks live under the repos tree keyed by display name (owner/name);
// everything else gets the sprite home.
func workingDirFor(task *store.Task) string {
	if task.Repo == nil {
		return homeDir
	}
	return path.Join(reposDir, task.Repo.DisplayName)
}

// setupSprite prepares the sandbox for a task: the sprite itself, git
// credentials, and the task's working copy. Safe to run concurrently for
// different tasks; the repo lock keeps two tasks off the same working copy.
func (a *Allocator) setupSprite(ctx context.Context, task *store.Task) (setupResult, error) {
	name := a.cfg.SpriteName

	if _, err := a.sprites.Create(ctx, name, false); err != nil {
		return setupResult{}, fmt.Errorf("%w: %v", cerrors.ErrSandboxCreate, err)
	}

	if err := a.ensureGitConfig(ctx, name); err != nil {
		return setupResult{}, err
	}

	wd := workingDirFor(task)
	if task.Repo != nil {
		if err := a.setupWorkingCopy(ctx, name, task.Repo, wd); err != nil {
			return setupResult{}, err
		}
	}

	return setupResult{spriteName: name, workingDir: wd}, nil
}

// ensureGitConfig installs the stored credential helper once per sandbox.
// The probe-before-write makes it idempotent; concurrent setups racing on
// .gitconfig surface as a "could not lock config file" transient, resolved
// by sleeping and re-probing.
func (a *Allocator) ensureGitConfig(ctx context.Context, name string) error {
	if a.gitConfigured.Load() {
		return nil
	}
	if a.cfg.GitHubToken == "" {
		a.logger.Debug().Msg("no github token, skipping git credential setup")
		a.gitConfigured.Store(true)
		return nil
	}

	configured, err := a.gitConfigProbe(ctx, name)
	if err != nil {
		return err
	}
	if configured {
		a.gitConfigured.Store(true)
		return nil
	}

	credLine := fmt.Sprintf("https://x-access-token:%s@github.com", a.cfg.GitHubToken)
	script := fmt.Sprintf(
		`printf '%%s\n' %s > $HOME/.git-credentials && chmod 600 $HOME/.git-credentials && git config --global credential.helper store`,
		sprite.ShellQuote(credLine),
	)

	res, err := a.sprites.ExecShell(ctx, name, script, sprite.ExecOpts{Timeout: gitConfigTimeout})
	if err != nil {
		return fmt.Errorf("%w: %v", cerrors.ErrGitConfig, err)
	}
	if res.ExitCode != 0 {
		if strings.Contains(strings.ToLower(res.Output), "could not lock config file") {
			// Another setup is writing .gitconfig right now. Let it finish
			// and take its result.
			a.logger.Debug().Str("sprite", name).Msg("gitconfig locked, re-probing")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
			configured, err := a.gitConfigProbe(ctx, name)
			if err != nil {
				return err
			}
			if configured {
				a.gitConfigured.Store(true)
				return nil
			}
		}
		return fmt.Errorf("%w: %s", cerrors.ErrGitConfig, tail(res.Output, 200))
	}

	a.gitConfigured.Store(true)
	a.logger.Info().Str("sprite", name).Msg("git credentials configured")
	return nil
}

func (a *Allocator) gitConfigProbe(ctx context.Context, name string) (bool, error) {
	res, err := a.sprites.Exec(ctx, name,
		[]string{"git", "config", "--global", "credential.helper"},
		sprite.ExecOpts{Timeout: gitConfigTimeout})
	if err != nil {
		return false, fmt.Errorf("%w: %v", cerrors.ErrGitConfig, err)
	}
	return res.ExitCode == 0 && strings.Contains(res.Output, "store"), nil
}

// setupWorkingCopy ensures wd holds a clone of repo. An existing clone of
// the same remote gets a pull (failure tolerated, the copy may be mid-work);
// anything else is wiped and cloned fresh.
func (a *Allocator) setupWorkingCopy(ctx context.Context, name string, repo *store.Repo, wd string) error {
	probe, err := a.sprites.ExecShell(ctx, name,
		fmt.Sprintf(`test -d %s/.git && git -C %s remote get-url origin`, sprite.ShellQuote(wd), sprite.ShellQuote(wd)),
		sprite.ExecOpts{})
	if err != nil {
		return fmt.Errorf("%w: %v", cerrors.ErrCloneFailed, err)
	}

	if probe.ExitCode == 0 {
		if sameRemote(strings.TrimSpace(probe.Output), repo.RemoteURL) {
			pull, err := a.sprites.Exec(ctx, name,
				[]string{"git", "-C", wd, "pull"},
				sprite.ExecOpts{Timeout: pullTimeout})
			if err != nil || pull.ExitCode != 0 {
				// Stale working copies are acceptable; the clone is intact.
				a.logger.Warn().
					Str("repo", repo.DisplayName).
					Err(err).
					Msg("git pull failed, continuing with existing clone")
			}
			return nil
		}
		a.logger.Info().
			Str("repo", repo.DisplayName).
			Str("found", strings.TrimSpace(probe.Output)).
			Msg("working dir holds a different remote, recloning")
	}

	return a.clone(ctx, name, repo, wd)
}

func (a *Allocator) clone(ctx context.Context, name string, repo *store.Repo, wd string) error {
	prep := fmt.Sprintf(`mkdir -p %s && rm -rf %s`,
		sprite.ShellQuote(path.Dir(wd)), sprite.ShellQuote(wd))
	res, err := a.sprites.ExecShell(ctx, name, prep, sprite.ExecOpts{})
	if err != nil {
		return fmt.Errorf("%w: %v", cerrors.ErrCloneFailed, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: preparing %s: %s", cerrors.ErrCloneFailed, wd, tail(res.Output, 200))
	}

	res, err = a.sprites.Exec(ctx, name,
		[]string{"git", "clone", repo.RemoteURL, wd},
		sprite.ExecOpts{Timeout: cloneTimeout})
	if err != nil {
		return fmt.Errorf("%w: %v", cerrors.ErrCloneFailed, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: %s: %s", cerrors.ErrCloneFailed, repo.DisplayName, tail(res.Output, 400))
	}

	a.logger.Info().Str("repo", repo.DisplayName).Str("dir", wd).Msg("repository cloned")
	return nil
}

// sameRemote compares two remote URLs ignoring case, a trailing slash and a
// trailing .git.
func sameRemote(a, b string) bool {
	return normalizeRemote(a) == normalizeRemote(b)
}

func normalizeRemote(u string) string {
	u = strings.TrimSpace(u)
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, ".git")
	return strings.ToLower(u)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
