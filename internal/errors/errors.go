// Package errors provides structured error types for the conductor service.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout      = errors.New("operation timed out")
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimit    = errors.New("rate limit exceeded")
	ErrUnavailable  = errors.New("service unavailable")
	ErrInvalidInput = errors.New("invalid input")

	// Allocator failures, one per phase so callers can dispatch.
	ErrSandboxCreate = errors.New("sandbox creation failed")
	ErrGitConfig     = errors.New("git config failed")
	ErrCloneFailed   = errors.New("clone failed")
	ErrRepoNotFound  = errors.New("repo not found")
	ErrPrewarmFailed = errors.New("prewarm failed")

	// Agent channel failures.
	ErrChannelGone   = errors.New("sandbox stream gone")
	ErrChannelClosed = errors.New("channel closed")

	// Token manager failures.
	ErrNoToken                = errors.New("no oauth token configured")
	ErrRefreshFailed          = errors.New("token refresh failed")
	ErrInvalidRefreshResponse = errors.New("invalid refresh response")
)

// RepoLockedError is returned when a repo is exclusively held by another task.
type RepoLockedError struct {
	RepoID int64
	HeldBy int64
}

func (e *RepoLockedError) Error() string {
	return fmt.Sprintf("repo %d locked by task %d", e.RepoID, e.HeldBy)
}

// ErrRepoLocked lets callers match with errors.Is without the holder details.
var ErrRepoLocked = errors.New("repo locked")

func (e *RepoLockedError) Unwrap() error { return ErrRepoLocked }

// APIError represents an error from an external API call.
type APIError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	switch e.StatusCode {
	case 401, 403:
		return ErrUnauthorized
	case 404:
		return ErrNotFound
	case 429:
		return ErrRateLimit
	}
	return nil
}

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrUnavailable)
}
