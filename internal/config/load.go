package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with working defaults. Deny-by-default: no
// allowlisted senders, no allowlisted tools, approvals required for writes.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:              "127.0.0.1",
			Port:              8787,
			InstanceID:        "agw-1",
			RequireClientAuth: true,
			PingIntervalS:     20,
			PingTimeoutS:      60,
		},
		Policy: PolicyConfig{
			RequireApprovalForWrite: true,
			DMPolicy:                "deny",
			GroupPolicy:             "deny",
		},
		RateLimit: RateLimitConfig{RPS: 2.0, Burst: 6},
		Run: RunConfig{
			MaxSteps:           20,
			TimeoutS:           300,
			ToolTimeoutS:       30,
			ApprovalTimeoutS:   300,
			MaxContextMessages: 50,
		},
		LLM: LLMConfig{
			Provider:         "mock",
			TimeoutS:         60,
			BreakerThreshold: 5,
			BreakerCooldownS: 30,
		},
		Storage: StorageConfig{DataDir: "./data"},
		Channels: ChannelsConfig{
			Webchat: WebchatConfig{Enabled: true},
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads config from a json5 file, then overlays env vars.
// A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.normalize()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.normalize()
}

// applyEnvOverrides overlays AGW_* env vars; env wins over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}

	envStr("AGW_HOST", &c.Gateway.Host)
	envInt("AGW_PORT", &c.Gateway.Port)
	envStr("AGW_INSTANCE_ID", &c.Gateway.InstanceID)
	envBool("AGW_REQUIRE_CLIENT_AUTH", &c.Gateway.RequireClientAuth)

	// Secrets: environment only.
	if v := os.Getenv("AGW_API_KEYS"); v != "" {
		keys := strings.Split(v, ",")
		c.Gateway.APIKeys = c.Gateway.APIKeys[:0]
		for _, k := range keys {
			if k = strings.TrimSpace(k); k != "" {
				c.Gateway.APIKeys = append(c.Gateway.APIKeys, k)
			}
		}
	}
	envStr("AGW_POSTGRES_DSN", &c.Storage.PostgresDSN)
	envStr("AGW_LLM_API_KEY", &c.LLM.APIKey)
	envStr("AGW_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)

	envFloat("AGW_RATE_LIMIT_RPS", &c.RateLimit.RPS)
	envInt("AGW_RATE_LIMIT_BURST", &c.RateLimit.Burst)
	envInt("AGW_RUN_MAX_STEPS", &c.Run.MaxSteps)
	envInt("AGW_RUN_TIMEOUT_S", &c.Run.TimeoutS)
	envBool("AGW_REQUIRE_APPROVAL_FOR_WRITE", &c.Policy.RequireApprovalForWrite)

	envStr("AGW_DATA_DIR", &c.Storage.DataDir)
	envStr("AGW_PLUGIN_DIR", &c.Plugins.Dir)
	envStr("AGW_LLM_PROVIDER", &c.LLM.Provider)
	envStr("AGW_LLM_MODEL", &c.LLM.Model)
	envStr("AGW_LLM_BASE_URL", &c.LLM.BaseURL)
	envStr("AGW_LOG_LEVEL", &c.Log.Level)
	envStr("AGW_LOG_FORMAT", &c.Log.Format)
}

// normalize fills derived defaults and validates the few fields whose zero
// value would be unusable.
func (c *Config) normalize() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port %d", c.Gateway.Port)
	}
	if c.Gateway.PingIntervalS <= 0 {
		c.Gateway.PingIntervalS = 20
	}
	if c.Gateway.PingTimeoutS <= 0 {
		c.Gateway.PingTimeoutS = 60
	}
	if c.Run.MaxSteps <= 0 {
		c.Run.MaxSteps = 20
	}
	if c.Run.TimeoutS <= 0 {
		c.Run.TimeoutS = 300
	}
	if c.Run.ToolTimeoutS <= 0 {
		c.Run.ToolTimeoutS = 30
	}
	if c.Run.ApprovalTimeoutS <= 0 {
		c.Run.ApprovalTimeoutS = 300
	}
	if c.Run.MaxContextMessages <= 0 {
		c.Run.MaxContextMessages = 50
	}
	if c.RateLimit.RPS <= 0 {
		c.RateLimit.RPS = 2.0
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 6
	}
	if c.LLM.TimeoutS <= 0 {
		c.LLM.TimeoutS = 60
	}
	if c.LLM.BreakerThreshold <= 0 {
		c.LLM.BreakerThreshold = 5
	}
	if c.LLM.BreakerCooldownS <= 0 {
		c.LLM.BreakerCooldownS = 30
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = filepath.Join(c.Storage.DataDir, "gateway.sqlite")
	}
	if c.Channels.Webchat.ChannelID == "" {
		c.Channels.Webchat.ChannelID = "webchat-1"
	}
	if c.Channels.Telegram.ChannelID == "" {
		c.Channels.Telegram.ChannelID = "telegram-1"
	}
	if c.Channels.WhatsApp.ChannelID == "" {
		c.Channels.WhatsApp.ChannelID = "whatsapp-1"
	}
	if c.Policy.DMPolicy == "" {
		c.Policy.DMPolicy = "deny"
	}
	if c.Policy.GroupPolicy == "" {
		c.Policy.GroupPolicy = "deny"
	}
	return nil
}
