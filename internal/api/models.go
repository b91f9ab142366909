package api

// Request and response bodies for the v1 API. Timestamps are unix
// milliseconds throughout, matching the store.

type createTaskRequest struct {
	Title   string `json:"title"`
	RepoID  int64  `json:"repo_id"`
	Prewarm bool   `json:"prewarm"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type createRepoRequest struct {
	RemoteURL string `json:"remote_url"`
}

type seedTokenRequest struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresAt        int64  `json:"expires_at"`
	Scopes           string `json:"scopes"`
	SubscriptionTier string `json:"subscription_tier"`
}

type taskResponse struct {
	ID        int64         `json:"id"`
	Title     string        `json:"title"`
	Status    string        `json:"status"`
	RepoID    int64         `json:"repo_id,omitempty"`
	Repo      *repoResponse `json:"repo,omitempty"`
	Session   *sessionInfo  `json:"session,omitempty"`
	CreatedAt int64         `json:"created_at"`
	UpdatedAt int64         `json:"updated_at"`
}

// sessionInfo reports live supervisor state. Absent when no supervisor is
// running for the task.
type sessionInfo struct {
	Live   bool   `json:"live"`
	Status string `json:"status,omitempty"`
}

type repoResponse struct {
	ID             int64  `json:"id"`
	RemoteURL      string `json:"remote_url"`
	DisplayName    string `json:"display_name"`
	DefaultBranch  string `json:"default_branch"`
	LockedByTaskID int64  `json:"locked_by_task_id,omitempty"`
	LastUsedAt     int64  `json:"last_used_at,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

type messageResponse struct {
	ID                 int64          `json:"id"`
	TaskID             int64          `json:"task_id"`
	ExecutionSessionID int64          `json:"execution_session_id,omitempty"`
	Kind               string         `json:"kind"`
	Content            string         `json:"content,omitempty"`
	ToolData           map[string]any `json:"tool_data,omitempty"`
	InsertedAt         int64          `json:"inserted_at"`
}

type tokenStatusResponse struct {
	Configured       bool   `json:"configured"`
	ExpiresAt        int64  `json:"expires_at,omitempty"`
	SubscriptionTier string `json:"subscription_tier,omitempty"`
}

type streamTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}
