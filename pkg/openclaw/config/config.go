// Package config defines all configuration structures for the OpenClaw
// gateway. Structs follow the Default/Effective convention: DefaultConfig
// returns the full default tree, and each sub-config's Effective() fills
// zero values so partially-written YAML files behave predictably.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the full gateway configuration.
type Config struct {
	// DefaultAgent is the agent id used when no binding matches.
	DefaultAgent string `yaml:"default_agent"`

	// DataDir is the root directory for stores (sessions, cron, profiles).
	DataDir string `yaml:"data_dir"`

	// Bindings route inbound peers to agents (most specific wins).
	Bindings []Binding `yaml:"bindings"`

	// Agent configures run loop timeouts and fallback.
	Agent AgentConfig `yaml:"agent"`

	// LLM configures the model endpoint.
	LLM LLMConfig `yaml:"llm"`

	// Queue configures the per-session follow-up queue.
	Queue QueueConfig `yaml:"queue"`

	// Dispatch configures reply delivery (prefix, pacing).
	Dispatch DispatchConfig `yaml:"dispatch"`

	// BlockStream configures progressive block emission from deltas.
	BlockStream BlockStreamConfig `yaml:"block_stream"`

	// Scheduler configures the cron scheduler.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Gateway configures the RPC surface.
	Gateway GatewayConfig `yaml:"gateway"`

	// Channels configures channel adapters.
	Channels ChannelsConfig `yaml:"channels"`

	// Profiles configures the auth-profile store.
	Profiles ProfilesConfig `yaml:"profiles"`

	// Mesh configures the workflow executor.
	Mesh MeshConfig `yaml:"mesh"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// Binding maps a channel peer to an agent id.
type Binding struct {
	// Agent is the target agent id.
	Agent string `yaml:"agent"`

	// Channel restricts the binding to one channel (empty = any).
	Channel string `yaml:"channel"`

	// AccountID restricts the binding to one channel account.
	AccountID string `yaml:"account_id"`

	// PeerKind is "user", "group" or "channel" (empty = any).
	PeerKind string `yaml:"peer_kind"`

	// PeerID is the platform peer identifier (empty = any).
	PeerID string `yaml:"peer_id"`

	// Topic restricts a group binding to one forum topic.
	Topic int `yaml:"topic"`
}

// AgentConfig configures the agent run loop.
type AgentConfig struct {
	// TimeoutSeconds is the per-run deadline (default: 1200).
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// MaxCompactions caps history compactions per run (default: 3).
	MaxCompactions int `yaml:"max_compactions"`

	// CooldownMinutes is the auth-profile cooldown after a rate limit
	// (default: 60).
	CooldownMinutes int `yaml:"cooldown_minutes"`

	// FallbackModels is the ordered list of models tried after the
	// primary fails with a failover-class error.
	FallbackModels []string `yaml:"fallback_models"`
}

// Effective returns a copy with defaults filled in for zero fields.
func (a AgentConfig) Effective() AgentConfig {
	out := a
	if out.TimeoutSeconds == 0 {
		out.TimeoutSeconds = 1200
	}
	if out.MaxCompactions == 0 {
		out.MaxCompactions = 3
	}
	if out.CooldownMinutes == 0 {
		out.CooldownMinutes = 60
	}
	return out
}

// LLMConfig configures the model endpoint.
type LLMConfig struct {
	// Provider names the credential pool in the profile store
	// (default: "openai").
	Provider string `yaml:"provider"`

	// BaseURL is the chat-completions API root
	// (default: "https://api.openai.com/v1").
	BaseURL string `yaml:"base_url"`

	// Model is the default model id (default: "gpt-4o").
	Model string `yaml:"model"`

	// SystemPrompt is prepended to every run.
	SystemPrompt string `yaml:"system_prompt"`
}

// Effective returns a copy with defaults filled in for zero fields.
func (l LLMConfig) Effective() LLMConfig {
	out := l
	if out.Provider == "" {
		out.Provider = "openai"
	}
	if out.BaseURL == "" {
		out.BaseURL = "https://api.openai.com/v1"
	}
	if out.Model == "" {
		out.Model = "gpt-4o"
	}
	return out
}

// QueueMode controls how queued messages are drained.
type QueueMode string

const (
	// QueueModeCollect merges same-target items into one prompt.
	QueueModeCollect QueueMode = "collect"

	// QueueModeFollowup runs items one-by-one.
	QueueModeFollowup QueueMode = "followup"
)

// DropPolicy controls behavior when a queue exceeds its cap.
type DropPolicy string

const (
	DropSummarize DropPolicy = "summarize"
	DropNewest    DropPolicy = "drop-newest"
	DropOldest    DropPolicy = "drop-oldest"
)

// QueueConfig configures the follow-up queue.
type QueueConfig struct {
	// Mode is the drain mode (default: "collect").
	Mode QueueMode `yaml:"mode"`

	// DebounceMs is the quiet period before draining (default: 200).
	DebounceMs int `yaml:"debounce_ms"`

	// Cap is the max queued items per session (default: 20).
	Cap int `yaml:"cap"`

	// DropPolicy applies when Cap is exceeded (default: "summarize").
	DropPolicy DropPolicy `yaml:"drop_policy"`

	// DedupeByPrompt additionally dedupes on (channel, to, prompt)
	// when a message id is absent.
	DedupeByPrompt bool `yaml:"dedupe_by_prompt"`

	// ByChannel overrides Mode per channel name.
	ByChannel map[string]QueueMode `yaml:"by_channel"`
}

// Effective returns a copy with defaults filled in for zero fields.
func (q QueueConfig) Effective() QueueConfig {
	out := q
	if out.Mode == "" {
		out.Mode = QueueModeCollect
	}
	if out.DebounceMs == 0 {
		out.DebounceMs = 200
	}
	if out.Cap == 0 {
		out.Cap = 20
	}
	if out.DropPolicy == "" {
		out.DropPolicy = DropSummarize
	}
	return out
}

// DispatchConfig configures outbound reply delivery.
type DispatchConfig struct {
	// ResponsePrefix is prepended to non-empty reply text.
	ResponsePrefix string `yaml:"response_prefix"`

	// HumanDelay paces block replies after the first.
	HumanDelay HumanDelayConfig `yaml:"human_delay"`
}

// HumanDelayConfig configures human-like pacing between block replies.
type HumanDelayConfig struct {
	// Mode is "off", "uniform" or "natural" (default: "off").
	Mode string `yaml:"mode"`

	// MinMs is the lower delay bound (natural default: 800).
	MinMs int `yaml:"min_ms"`

	// MaxMs is the upper delay bound. When MaxMs <= MinMs the delay
	// is exactly MinMs.
	MaxMs int `yaml:"max_ms"`
}

// Effective returns a copy with defaults filled in for zero fields.
func (h HumanDelayConfig) Effective() HumanDelayConfig {
	out := h
	if out.Mode == "" {
		out.Mode = "off"
	}
	if out.Mode == "natural" && out.MinMs == 0 {
		out.MinMs = 800
	}
	return out
}

// BlockStreamConfig configures chunked block emission from text deltas.
type BlockStreamConfig struct {
	// Enabled turns progressive emission on (default: false; a single
	// block is emitted per text_end when disabled).
	Enabled bool `yaml:"enabled"`

	// MinChars is the minimum buffered size before a break is taken
	// (default: 200).
	MinChars int `yaml:"min_chars"`

	// MaxChars forces a flush regardless of breaks (default: 1200).
	MaxChars int `yaml:"max_chars"`

	// BreakPreference is the preferred break point ("newline").
	BreakPreference string `yaml:"break_preference"`
}

// Effective returns a copy with defaults filled in for zero fields.
func (b BlockStreamConfig) Effective() BlockStreamConfig {
	out := b
	if out.MinChars == 0 {
		out.MinChars = 200
	}
	if out.MaxChars == 0 {
		out.MaxChars = 1200
	}
	if out.MaxChars < out.MinChars {
		out.MaxChars = out.MinChars
	}
	if out.BreakPreference == "" {
		out.BreakPreference = "newline"
	}
	return out
}

// SchedulerConfig configures the cron scheduler.
type SchedulerConfig struct {
	// Enabled turns the scheduler on/off (default: true when a store
	// path is set).
	Enabled bool `yaml:"enabled"`

	// StorePath is the JSON job store file (default: <data>/cron.json).
	StorePath string `yaml:"store_path"`

	// MaxConcurrentRuns caps jobs started from one tick batch
	// (0 = unbounded).
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`
}

// GatewayConfig configures the RPC surface.
type GatewayConfig struct {
	// Enabled turns the gateway on/off (default: false).
	Enabled bool `yaml:"enabled"`

	// Address is the listen address (default: ":8088").
	Address string `yaml:"address"`

	// AuthToken is the shared bearer token. Stored hashed in memory;
	// empty disables auth.
	AuthToken string `yaml:"auth_token"`

	// CORSOrigins lists allowed origins (empty = no CORS headers).
	CORSOrigins []string `yaml:"cors_origins"`
}

// Effective returns a copy with defaults filled in for zero fields.
func (g GatewayConfig) Effective() GatewayConfig {
	out := g
	if out.Address == "" {
		out.Address = ":8088"
	}
	return out
}

// ChannelsConfig holds adapter configuration.
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Discord  DiscordConfig  `yaml:"discord"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// WhatsAppConfig configures the WhatsApp adapter.
type WhatsAppConfig struct {
	// Enabled turns the adapter on.
	Enabled bool `yaml:"enabled"`

	// StorePath is the whatsmeow sqlite device store
	// (default: <data>/whatsapp.db).
	StorePath string `yaml:"store_path"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	// Enabled turns the adapter on.
	Enabled bool `yaml:"enabled"`

	// Token is the bot token (env DISCORD_BOT_TOKEN overrides).
	Token string `yaml:"token"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	// Enabled turns the adapter on.
	Enabled bool `yaml:"enabled"`

	// Token is the bot token (env TELEGRAM_BOT_TOKEN overrides).
	Token string `yaml:"token"`

	// PollTimeoutSeconds is the long-poll timeout (default: 30).
	PollTimeoutSeconds int `yaml:"poll_timeout_seconds"`
}

// ProfilesConfig configures the auth-profile store.
type ProfilesConfig struct {
	// StorePath is the JSON profile store (default: <data>/profiles.json).
	StorePath string `yaml:"store_path"`

	// UseKeyring stores credentials in the OS keyring instead of the
	// JSON file (the file then keeps only ids and usage stats).
	UseKeyring bool `yaml:"use_keyring"`
}

// MeshConfig configures the workflow executor.
type MeshConfig struct {
	// MaxParallel caps concurrently running steps (1-16, default: 2).
	MaxParallel int `yaml:"max_parallel"`
}

// Effective returns a copy with defaults filled and bounds applied.
func (m MeshConfig) Effective() MeshConfig {
	out := m
	if out.MaxParallel == 0 {
		out.MaxParallel = 2
	}
	if out.MaxParallel < 1 {
		out.MaxParallel = 1
	}
	if out.MaxParallel > 16 {
		out.MaxParallel = 16
	}
	return out
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error" (default: "info").
	Level string `yaml:"level"`

	// Format is "json" or "text" (default: "text").
	Format string `yaml:"format"`
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() *Config {
	return &Config{
		DefaultAgent: "main",
		DataDir:      "./data",
		Agent:        AgentConfig{}.Effective(),
		LLM:          LLMConfig{}.Effective(),
		Queue:        QueueConfig{}.Effective(),
		BlockStream:  BlockStreamConfig{}.Effective(),
		Scheduler: SchedulerConfig{
			Enabled: true,
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Address: ":8088",
		},
		Mesh: MeshConfig{}.Effective(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML config at path, applies .env overrides from the
// same directory, and fills defaults. A missing file yields defaults.
func Load(path string) (*Config, error) {
	// Best effort: secrets commonly live next to the config file.
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			cfg.fillPaths()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.Agent = cfg.Agent.Effective()
	cfg.LLM = cfg.LLM.Effective()
	cfg.Queue = cfg.Queue.Effective()
	cfg.BlockStream = cfg.BlockStream.Effective()
	cfg.Gateway = cfg.Gateway.Effective()
	cfg.Mesh = cfg.Mesh.Effective()
	cfg.Dispatch.HumanDelay = cfg.Dispatch.HumanDelay.Effective()
	cfg.applyEnv()
	cfg.fillPaths()

	return cfg, nil
}

// applyEnv overrides secrets from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("OPENCLAW_GATEWAY_TOKEN"); v != "" {
		c.Gateway.AuthToken = v
	}
	if v := os.Getenv("DISCORD_BOT_TOKEN"); v != "" {
		c.Channels.Discord.Token = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Channels.Telegram.Token = v
	}
	if v := os.Getenv("OPENCLAW_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
}

// fillPaths resolves store paths relative to DataDir.
func (c *Config) fillPaths() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Scheduler.StorePath == "" {
		c.Scheduler.StorePath = filepath.Join(c.DataDir, "cron.json")
	}
	if c.Profiles.StorePath == "" {
		c.Profiles.StorePath = filepath.Join(c.DataDir, "profiles.json")
	}
	if c.Channels.WhatsApp.StorePath == "" {
		c.Channels.WhatsApp.StorePath = filepath.Join(c.DataDir, "whatsapp.db")
	}
}

// SessionsDir is the directory holding transcripts and the session store.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}
