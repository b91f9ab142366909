package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// CreateRepo resolves a git remote and registers it.
func (c *Client) CreateRepo(ctx context.Context, remoteURL string) (*Repo, error) {
	body := struct {
		RemoteURL string `json:"remote_url"`
	}{RemoteURL: remoteURL}

	var r Repo
	if err := c.do(ctx, http.MethodPost, "/v1/repos", body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRepos returns all registered repositories.
func (c *Client) ListRepos(ctx context.Context) ([]Repo, error) {
	var rs []Repo
	if err := c.do(ctx, http.MethodGet, "/v1/repos", nil, &rs); err != nil {
		return nil, err
	}
	return rs, nil
}

// DeleteRepo removes a repository. Fails while a task holds its lock.
func (c *Client) DeleteRepo(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/repos/%d", id), nil, nil)
}

// ListSandboxes returns the sandbox fleet.
func (c *Client) ListSandboxes(ctx context.Context) ([]Sandbox, error) {
	var sbs []Sandbox
	if err := c.do(ctx, http.MethodGet, "/v1/sandboxes", nil, &sbs); err != nil {
		return nil, err
	}
	return sbs, nil
}

// SuspendSandbox suspends a sandbox by name.
func (c *Client) SuspendSandbox(ctx context.Context, name string) error {
	path := fmt.Sprintf("/v1/sandboxes/%s/suspend", url.PathEscape(name))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// DeleteSandbox destroys a sandbox by name.
func (c *Client) DeleteSandbox(ctx context.Context, name string) error {
	path := fmt.Sprintf("/v1/sandboxes/%s", url.PathEscape(name))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// SeedToken installs an agent OAuth credential.
func (c *Client) SeedToken(ctx context.Context, req SeedTokenRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/token", req, nil)
}

// RefreshToken forces a credential refresh and returns the new status.
func (c *Client) RefreshToken(ctx context.Context) (*TokenStatus, error) {
	var ts TokenStatus
	if err := c.do(ctx, http.MethodPost, "/v1/token/refresh", nil, &ts); err != nil {
		return nil, err
	}
	return &ts, nil
}

// TokenStatus reports whether an agent credential is installed.
func (c *Client) TokenStatus(ctx context.Context) (*TokenStatus, error) {
	var ts TokenStatus
	if err := c.do(ctx, http.MethodGet, "/v1/token", nil, &ts); err != nil {
		return nil, err
	}
	return &ts, nil
}
