package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables,
// optionally overlaid by a YAML file (CONDUCTOR_CONFIG).
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development" yaml:"environment"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" yaml:"log_level"`
	LogPretty   bool   `envconfig:"LOG_PRETTY" default:"false" yaml:"log_pretty"`

	// API listener
	Host            string `envconfig:"HOST" default:"0.0.0.0" yaml:"host"`
	Port            int    `envconfig:"PORT" default:"8080" yaml:"port"`
	ServicePassword string `envconfig:"SERVICE_PASSWORD" yaml:"service_password"`
	SecretKeyBase   string `envconfig:"SECRET_KEY_BASE" yaml:"secret_key_base"`
	CORSOrigins     string `envconfig:"CORS_ORIGINS" yaml:"cors_origins"`
	RateLimitRPS    int    `envconfig:"RATE_LIMIT_RPS" default:"100" yaml:"rate_limit_rps"`

	// Database (SQLite DSN)
	DatabaseURL string `envconfig:"DATABASE_URL" default:"file:conductor.db" yaml:"database_url"`

	// Sandbox provider
	SandboxAPIURL string `envconfig:"SANDBOX_API_URL" default:"https://api.sprites.dev" yaml:"sandbox_api_url"`
	SandboxToken  string `envconfig:"SANDBOX_TOKEN" yaml:"sandbox_token"`
	SandboxName   string `envconfig:"SANDBOX_NAME" default:"conductor" yaml:"sandbox_name"`

	// Agent credentials
	AgentOAuthToken string `envconfig:"AGENT_OAUTH_TOKEN" yaml:"agent_oauth_token"`
	GitHubToken     string `envconfig:"GITHUB_TOKEN" yaml:"github_token"`
	AgentCommand    string `envconfig:"AGENT_COMMAND" default:"agent" yaml:"agent_command"`

	// OAuth refresh
	OAuthTokenURL      string        `envconfig:"OAUTH_TOKEN_URL" yaml:"oauth_token_url"`
	OAuthClientID      string        `envconfig:"OAUTH_CLIENT_ID" yaml:"oauth_client_id"`
	TokenRefreshBuffer time.Duration `envconfig:"TOKEN_REFRESH_BUFFER" default:"5m" yaml:"token_refresh_buffer"`
	RefreshTimeout     time.Duration `envconfig:"REFRESH_TIMEOUT" default:"30s" yaml:"refresh_timeout"`

	// Session lifecycle
	IdleTimeout     time.Duration `envconfig:"IDLE_TIMEOUT" default:"2m" yaml:"idle_timeout"`
	AllocateTimeout time.Duration `envconfig:"ALLOCATE_TIMEOUT" default:"120s" yaml:"allocate_timeout"`
	ExecTimeout     time.Duration `envconfig:"EXEC_TIMEOUT" default:"60s" yaml:"exec_timeout"`

	// Agent channel reconnect policy
	ReconnectInterval    time.Duration `envconfig:"RECONNECT_INTERVAL" default:"1s" yaml:"reconnect_interval"`
	MaxReconnectInterval time.Duration `envconfig:"MAX_RECONNECT_INTERVAL" default:"30s" yaml:"max_reconnect_interval"`
	MaxReconnectAttempts int           `envconfig:"MAX_RECONNECT_ATTEMPTS" default:"5" yaml:"max_reconnect_attempts"`

	// Allocator maintenance
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"10m" yaml:"sweep_interval"`

	// Notifications (optional)
	SlackBotToken string `envconfig:"SLACK_BOT_TOKEN" yaml:"slack_bot_token"`
	SlackChannel  string `envconfig:"SLACK_CHANNEL" yaml:"slack_channel"`
}

// Addr returns the API listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AuthEnabled returns true if the API requires a bearer password.
func (c *Config) AuthEnabled() bool {
	return c.ServicePassword != ""
}

// StreamSigningEnabled returns true if stream tokens can be signed.
func (c *Config) StreamSigningEnabled() bool {
	return c.SecretKeyBase != ""
}

// SlackEnabled returns true if the completion notifier is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackChannel != ""
}

// GitHubEnabled returns true if a GitHub token is configured.
func (c *Config) GitHubEnabled() bool {
	return c.GitHubToken != ""
}

// Validate checks the configuration required at startup.
func (c *Config) Validate() error {
	if c.SandboxToken == "" {
		return fmt.Errorf("SANDBOX_TOKEN is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}
	return nil
}

// Load reads configuration from environment variables and, when
// CONDUCTOR_CONFIG is set, overlays values from that YAML file.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if path := overlayPath(); path != "" {
		if err := applyOverlay(&cfg, path); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}
