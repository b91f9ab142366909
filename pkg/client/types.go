package client

// Resource types mirroring the service's v1 API. Timestamps are unix
// milliseconds.

type Task struct {
	ID        int64        `json:"id"`
	Title     string       `json:"title"`
	Status    string       `json:"status"`
	RepoID    int64        `json:"repo_id,omitempty"`
	Repo      *Repo        `json:"repo,omitempty"`
	Session   *SessionInfo `json:"session,omitempty"`
	CreatedAt int64        `json:"created_at"`
	UpdatedAt int64        `json:"updated_at"`
}

// SessionInfo is the live supervisor state of a task, present only while
// a session is running.
type SessionInfo struct {
	Live   bool   `json:"live"`
	Status string `json:"status,omitempty"`
}

type Repo struct {
	ID             int64  `json:"id"`
	RemoteURL      string `json:"remote_url"`
	DisplayName    string `json:"display_name"`
	DefaultBranch  string `json:"default_branch"`
	LockedByTaskID int64  `json:"locked_by_task_id,omitempty"`
	LastUsedAt     int64  `json:"last_used_at,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

type Message struct {
	ID                 int64          `json:"id"`
	TaskID             int64          `json:"task_id"`
	ExecutionSessionID int64          `json:"execution_session_id,omitempty"`
	Kind               string         `json:"kind"`
	Content            string         `json:"content,omitempty"`
	ToolData           map[string]any `json:"tool_data,omitempty"`
	InsertedAt         int64          `json:"inserted_at"`
}

type Sandbox struct {
	Name   string `json:"name"`
	URL    string `json:"url,omitempty"`
	Status string `json:"status,omitempty"`
}

type TokenStatus struct {
	Configured       bool   `json:"configured"`
	ExpiresAt        int64  `json:"expires_at,omitempty"`
	SubscriptionTier string `json:"subscription_tier,omitempty"`
}

type StreamToken struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

type CreateTaskRequest struct {
	Title   string `json:"title,omitempty"`
	RepoID  int64  `json:"repo_id,omitempty"`
	Prewarm bool   `json:"prewarm,omitempty"`
}

type SeedTokenRequest struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresAt        int64  `json:"expires_at"`
	Scopes           string `json:"scopes,omitempty"`
	SubscriptionTier string `json:"subscription_tier,omitempty"`
}
