package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/ranya-agent/pkg/agent"
	"github.com/harun/ranya-agent/pkg/compaction"
	"github.com/harun/ranya-agent/pkg/failover"
	"github.com/harun/ranya-agent/pkg/hooks"
	"github.com/harun/ranya-agent/pkg/moderation"
	"github.com/harun/ranya-agent/pkg/toolexecutor"
)

// Store backends.
const (
	StoreJSONL  = "jsonl"
	StoreSQLite = "sqlite"
)

// Token estimators.
const (
	EstimatorHeuristic = "heuristic"
	EstimatorTiktoken  = "tiktoken"
)

// Config represents the main configuration
type Config struct {
	// AI provider profiles, tried in order
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Agent run loop
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Compaction
	Compaction CompactionConfig `json:"compaction" mapstructure:"compaction"`

	// Hooks
	Hooks HooksConfig `json:"hooks" mapstructure:"hooks"`

	// Tools
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Content moderation
	Moderation moderation.Config `json:"moderation" mapstructure:"moderation"`

	// Conversation store
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles  []AIProfile `json:"profiles" mapstructure:"profiles"`
	MaxTokens int         `json:"max_tokens" mapstructure:"max_tokens"`
}

// AIProfile represents one provider endpoint
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	// APIKeyEnv names an environment variable holding the key. Used when
	// APIKey is empty.
	APIKeyEnv string `json:"api_key_env" mapstructure:"api_key_env"`
	Model     string `json:"model" mapstructure:"model"`
	Protocol  string `json:"protocol" mapstructure:"protocol"` // openai, anthropic, or empty to infer
	Priority  int    `json:"priority" mapstructure:"priority"`
	Disabled  bool   `json:"disabled" mapstructure:"disabled"`
}

// AgentConfig holds run loop settings
type AgentConfig struct {
	SystemPrompt       string `json:"system_prompt" mapstructure:"system_prompt"`
	MaxToolCalls       int    `json:"max_tool_calls" mapstructure:"max_tool_calls"`
	Streaming          bool   `json:"streaming" mapstructure:"streaming"`
	ChunkSize          int    `json:"chunk_size" mapstructure:"chunk_size"`
	ToolTimeoutSeconds int    `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"` // model call timeout with tools
	ChatTimeoutSeconds int    `json:"chat_timeout_seconds" mapstructure:"chat_timeout_seconds"` // model call timeout without tools
}

// CompactionConfig holds history compaction settings
type CompactionConfig struct {
	Threshold         int    `json:"threshold" mapstructure:"threshold"`
	KeepRecent        int    `json:"keep_recent" mapstructure:"keep_recent"`
	ArchivalThreshold int    `json:"archival_threshold" mapstructure:"archival_threshold"`
	Estimator         string `json:"estimator" mapstructure:"estimator"` // heuristic, tiktoken
	Encoding          string `json:"encoding" mapstructure:"encoding"`
	// Summarize uses the model for archival summaries.
	Summarize bool `json:"summarize" mapstructure:"summarize"`
}

// HooksConfig holds lifecycle hook scripts
type HooksConfig struct {
	Enabled        bool         `json:"enabled" mapstructure:"enabled"`
	TimeoutSeconds int          `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	Entries        []hooks.Hook `json:"entries" mapstructure:"entries"`
}

// ToolsConfig holds tool execution settings
type ToolsConfig struct {
	Policy         toolexecutor.ToolPolicy `json:"policy" mapstructure:"policy"`
	TimeoutSeconds int                     `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxOutput      int                     `json:"max_output" mapstructure:"max_output"` // bytes
	// Workspace enables the file tools rooted at this directory.
	Workspace string `json:"workspace" mapstructure:"workspace"`
}

// StoreConfig selects where conversations are kept
type StoreConfig struct {
	Backend     string `json:"backend" mapstructure:"backend"` // jsonl, sqlite
	Path        string `json:"path" mapstructure:"path"`
	MaxIdleDays int    `json:"max_idle_days" mapstructure:"max_idle_days"`
	// PruneSchedule is a five-field cron expression for deleting idle
	// conversations while the agent runs. Empty disables it.
	PruneSchedule string `json:"prune_schedule" mapstructure:"prune_schedule"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"` // also log to stderr
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`

	MaxSizeMB  int  `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxAgeDays int  `json:"max_age_days" mapstructure:"max_age_days"`
	Audit      bool `json:"audit" mapstructure:"audit"` // tool and run audit trail in DataDir/audit.log
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		Agent: AgentConfig{
			SystemPrompt:       "You are a helpful assistant.",
			MaxToolCalls:       agent.DefaultMaxToolCalls,
			Streaming:          true,
			ChunkSize:          agent.DefaultChunkSize,
			ToolTimeoutSeconds: int(agent.ToolModeTimeout / time.Second),
			ChatTimeoutSeconds: int(agent.ChatModeTimeout / time.Second),
		},
		Compaction: CompactionConfig{
			Threshold:         compaction.DefaultThreshold,
			KeepRecent:        compaction.DefaultKeepRecent,
			ArchivalThreshold: compaction.DefaultArchivalThreshold,
			Estimator:         EstimatorHeuristic,
			Summarize:         true,
		},
		Hooks: HooksConfig{
			Enabled:        false,
			TimeoutSeconds: int(hooks.DefaultTimeout / time.Second),
			Entries:        []hooks.Hook{},
		},
		Tools: ToolsConfig{
			Policy: toolexecutor.ToolPolicy{
				Allow: []string{"*"},
				Deny:  []string{},
			},
			TimeoutSeconds: int(toolexecutor.DefaultTimeout / time.Second),
			MaxOutput:      toolexecutor.DefaultMaxOutput,
		},
		Moderation: moderation.Config{
			Enabled:         false,
			BlockedKeywords: []string{},
			BlockedPatterns: []string{},
		},
		Store: StoreConfig{
			Backend:     StoreJSONL,
			MaxIdleDays: 30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Pretty:     true,
			Redaction:  true,
			MaxSizeMB:  20,
			MaxAgeDays: 14,
			Audit:      true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9090",
		},
	}
}

// String returns a JSON representation of the config with API keys masked
func (c *Config) String() string {
	masked := *c
	masked.AI.Profiles = make([]AIProfile, len(c.AI.Profiles))
	for i, p := range c.AI.Profiles {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		masked.AI.Profiles[i] = p
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Require at least one usable AI profile
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}

	seen := make(map[string]bool)
	enabled := 0
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if seen[profile.ID] {
			return fmt.Errorf("AI profile %s: duplicate ID", profile.ID)
		}
		seen[profile.ID] = true
		if profile.Disabled {
			continue
		}
		enabled++
		if profile.BaseURL == "" {
			return fmt.Errorf("AI profile %s: base_url is required", profile.ID)
		}
		if profile.Model == "" {
			return fmt.Errorf("AI profile %s: model is required", profile.ID)
		}
		if profile.resolveAPIKey() == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		if p := strings.ToLower(profile.Protocol); p != "" && p != "openai" && p != "anthropic" {
			return fmt.Errorf("AI profile %s: invalid protocol %s (must be: openai, anthropic)", profile.ID, profile.Protocol)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("all AI profiles are disabled")
	}

	if c.Agent.MaxToolCalls < 0 {
		return fmt.Errorf("agent max_tool_calls must be >= 0")
	}

	switch c.Store.Backend {
	case "", StoreJSONL, StoreSQLite:
	default:
		return fmt.Errorf("invalid store backend: %s (must be: jsonl, sqlite)", c.Store.Backend)
	}

	switch c.Compaction.Estimator {
	case "", EstimatorHeuristic, EstimatorTiktoken:
	default:
		return fmt.Errorf("invalid compaction estimator: %s (must be: heuristic, tiktoken)", c.Compaction.Estimator)
	}

	return nil
}

func (p AIProfile) resolveAPIKey() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	return ""
}

// FailoverProfiles returns the enabled profiles ordered by priority.
// Profiles with equal priority keep their configured order.
func (c *Config) FailoverProfiles() []failover.Profile {
	enabled := make([]AIProfile, 0, len(c.AI.Profiles))
	for _, p := range c.AI.Profiles {
		if !p.Disabled {
			enabled = append(enabled, p)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].Priority < enabled[j].Priority
	})

	profiles := make([]failover.Profile, 0, len(enabled))
	for _, p := range enabled {
		profiles = append(profiles, failover.Profile{
			ID:       p.ID,
			BaseURL:  p.BaseURL,
			APIKey:   p.resolveAPIKey(),
			Model:    p.Model,
			Protocol: strings.ToLower(p.Protocol),
		})
	}
	return profiles
}

// CompactionOptions builds compaction options. The summarizer is left
// for the caller to attach.
func (c *Config) CompactionOptions(logger zerolog.Logger) (compaction.Options, error) {
	opts := compaction.DefaultOptions()
	opts.Logger = logger
	if c.Compaction.Threshold > 0 {
		opts.Threshold = c.Compaction.Threshold
	}
	if c.Compaction.KeepRecent > 0 {
		opts.KeepRecent = c.Compaction.KeepRecent
	}
	if c.Compaction.ArchivalThreshold > 0 {
		opts.ArchivalThreshold = c.Compaction.ArchivalThreshold
	}

	if c.Compaction.Estimator == EstimatorTiktoken {
		est, err := compaction.NewTiktokenEstimator(c.Compaction.Encoding)
		if err != nil {
			return opts, err
		}
		opts.Estimator = est
	}

	return opts, nil
}

// RunnerSettings returns the run loop settings. Model, tools, hooks and
// store are left for the caller to attach.
func (c *Config) RunnerSettings() agent.Config {
	return agent.Config{
		SystemPrompt:    c.Agent.SystemPrompt,
		MaxToolCalls:    c.Agent.MaxToolCalls,
		Streaming:       c.Agent.Streaming,
		ChunkSize:       c.Agent.ChunkSize,
		ToolModeTimeout: seconds(c.Agent.ToolTimeoutSeconds),
		ChatModeTimeout: seconds(c.Agent.ChatTimeoutSeconds),
	}
}

// HookSettings returns the hook manager configuration.
func (c *Config) HookSettings(logger zerolog.Logger) hooks.Config {
	return hooks.Config{
		Enabled:        c.Hooks.Enabled,
		Hooks:          c.Hooks.Entries,
		Logger:         logger,
		DefaultTimeout: seconds(c.Hooks.TimeoutSeconds),
	}
}

// ToolSettings returns the tool executor configuration.
func (c *Config) ToolSettings(logger zerolog.Logger) toolexecutor.Config {
	policy := c.Tools.Policy
	return toolexecutor.Config{
		Logger:    logger,
		Policy:    &policy,
		Timeout:   seconds(c.Tools.TimeoutSeconds),
		MaxOutput: c.Tools.MaxOutput,
	}
}

// StorePath returns the configured store location, defaulting under DataDir.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	if c.Store.Backend == StoreSQLite {
		return filepath.Join(c.DataDir, "sessions.db")
	}
	return filepath.Join(c.DataDir, "sessions")
}

// AuditPath returns the audit log location, or "" when auditing is off.
func (c *Config) AuditPath() string {
	if !c.Logging.Audit {
		return ""
	}
	return filepath.Join(c.DataDir, "audit.log")
}

// MaxIdle returns how long a conversation may sit idle before cleanup.
func (c *Config) MaxIdle() time.Duration {
	return time.Duration(c.Store.MaxIdleDays) * 24 * time.Hour
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
