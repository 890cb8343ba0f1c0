// Package config holds the gateway configuration: a json5 file overlaid
// with AGW_* environment variables. Secrets (API keys, DSNs, provider
// keys) come from the environment only and are never written back.
package config

import "time"

// Config is the root configuration for the Agent Gateway.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Policy    PolicyConfig    `json:"policy"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Run       RunConfig       `json:"run"`
	LLM       LLMConfig       `json:"llm"`
	Storage   StorageConfig   `json:"storage"`
	Plugins   PluginsConfig   `json:"plugins,omitempty"`
	Channels  ChannelsConfig  `json:"channels,omitempty"`
	Schedules []ScheduleSpec  `json:"schedules,omitempty"`
	Log       LogConfig       `json:"log,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// GatewayConfig configures the control-plane listener.
type GatewayConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	InstanceID string `json:"instance_id"`

	// APIKeys come from AGW_API_KEYS (comma separated) only.
	APIKeys           []string `json:"-"`
	RequireClientAuth bool     `json:"require_client_auth"`
	AllowedOrigins    []string `json:"allowed_origins,omitempty"`

	PingIntervalS int `json:"ping_interval_s,omitempty"` // default 20
	PingTimeoutS  int `json:"ping_timeout_s,omitempty"`  // default 60
}

// PolicyConfig is the deny-by-default security policy. It is the persisted
// unit behind config.get/config.set.
type PolicyConfig struct {
	// ChannelAllowlist maps channel_id to permitted sender_ids.
	// An empty or missing set denies every sender on that channel.
	ChannelAllowlist map[string][]string `json:"channel_allowlist,omitempty"`

	// ToolAllowlist maps tool name to allowed. Tools absent or false are denied.
	ToolAllowlist map[string]bool `json:"tool_allowlist,omitempty"`

	RequireApprovalForWrite bool `json:"require_approval_for_write"`

	DMPolicy    string `json:"dm_policy,omitempty"`    // "allow" or "deny" (default deny)
	GroupPolicy string `json:"group_policy,omitempty"` // "allow" or "deny" (default deny)
}

// RateLimitConfig configures the per-principal token buckets.
type RateLimitConfig struct {
	RPS   float64 `json:"rps"`
	Burst int     `json:"burst"`
}

// RunConfig bounds agent runs.
type RunConfig struct {
	MaxSteps           int `json:"max_steps"`            // default 20
	TimeoutS           int `json:"timeout_s"`            // default 300
	ToolTimeoutS       int `json:"tool_timeout_s"`       // default 30
	ApprovalTimeoutS   int `json:"approval_timeout_s"`   // default 300
	MaxContextMessages int `json:"max_context_messages"` // default 50
}

// Timeout helpers.
func (r RunConfig) Timeout() time.Duration         { return time.Duration(r.TimeoutS) * time.Second }
func (r RunConfig) ToolTimeout() time.Duration     { return time.Duration(r.ToolTimeoutS) * time.Second }
func (r RunConfig) ApprovalTimeout() time.Duration { return time.Duration(r.ApprovalTimeoutS) * time.Second }

// LLMConfig selects and tunes the planner provider.
type LLMConfig struct {
	Provider string `json:"provider"` // "mock", "openai", "anthropic"
	Model    string `json:"model,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
	// APIKey from AGW_LLM_API_KEY only.
	APIKey   string `json:"-"`
	TimeoutS int    `json:"timeout_s,omitempty"` // default 60

	BreakerThreshold int `json:"breaker_threshold,omitempty"`  // default 5
	BreakerCooldownS int `json:"breaker_cooldown_s,omitempty"` // default 30
}

func (l LLMConfig) Timeout() time.Duration         { return time.Duration(l.TimeoutS) * time.Second }
func (l LLMConfig) BreakerCooldown() time.Duration { return time.Duration(l.BreakerCooldownS) * time.Second }

// StorageConfig selects the repository backend.
// PostgresDSN is read from AGW_POSTGRES_DSN only; when set it wins over sqlite.
type StorageConfig struct {
	DataDir     string `json:"data_dir"`
	SQLitePath  string `json:"sqlite_path,omitempty"` // default <data_dir>/gateway.sqlite
	PostgresDSN string `json:"-"`
}

// PluginsConfig configures the external tool plugin directory.
type PluginsConfig struct {
	Dir   string `json:"dir,omitempty"`
	Watch bool   `json:"watch,omitempty"` // reload registry on manifest changes
}

// ChannelsConfig enables the channel adapters created at startup.
type ChannelsConfig struct {
	Webchat  WebchatConfig  `json:"webchat,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
	WhatsApp WhatsAppConfig `json:"whatsapp,omitempty"`
}

// WebchatConfig configures the in-process webchat channel.
type WebchatConfig struct {
	Enabled   bool   `json:"enabled"`
	ChannelID string `json:"channel_id,omitempty"` // default "webchat-1"
}

// TelegramConfig configures the telegram adapter. Token from AGW_TELEGRAM_TOKEN.
type TelegramConfig struct {
	Enabled   bool   `json:"enabled"`
	ChannelID string `json:"channel_id,omitempty"` // default "telegram-1"
	Token     string `json:"-"`
}

// WhatsAppConfig configures the whatsapp bridge adapter.
type WhatsAppConfig struct {
	Enabled   bool   `json:"enabled"`
	ChannelID string `json:"channel_id,omitempty"` // default "whatsapp-1"
	BridgeURL string `json:"bridge_url,omitempty"`
}

// ScheduleSpec starts an agent run when its cron expression fires.
type ScheduleSpec struct {
	Name      string `json:"name"`
	Cron      string `json:"cron"` // standard 5-field cron expression
	ChannelID string `json:"channel_id"`
	ChatID    string `json:"chat_id"`
	Prompt    string `json:"prompt"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `json:"level,omitempty"`  // debug, info, warn, error
	Format string `json:"format,omitempty"` // "json" (default) or "text"
}

// TelemetryConfig configures optional OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"` // e.g. "localhost:4317"
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}
