package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/harun/ranya-agent/pkg/hooks"
)

// Validator reports questionable configuration values that do not stop
// the agent from starting.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey checks the key format for well-known providers
func (v *Validator) ValidateAPIKey(key string, protocol string) error {
	if key == "" {
		return fmt.Errorf("API key cannot be empty")
	}

	switch protocol {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateBaseURL validates a provider base URL
func (v *Validator) ValidateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid base URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid base URL %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid base URL %q: host is required", raw)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateHookEvent validates a hook event name
func (v *Validator) ValidateHookEvent(event string) error {
	if hooks.IsKnownEvent(event) {
		return nil
	}
	return fmt.Errorf("unknown hook event: %s", event)
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	for i, profile := range cfg.AI.Profiles {
		if profile.Disabled {
			continue
		}
		if profile.BaseURL != "" {
			if err := v.ValidateBaseURL(profile.BaseURL); err != nil {
				errors = append(errors, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
			}
		}
		// Only the official endpoints enforce a key format.
		if host := hostOf(profile.BaseURL); host == "api.openai.com" || host == "api.anthropic.com" {
			protocol := "openai"
			if host == "api.anthropic.com" {
				protocol = "anthropic"
			}
			if err := v.ValidateAPIKey(profile.resolveAPIKey(), protocol); err != nil {
				errors = append(errors, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
			}
		}
	}

	if cfg.Compaction.KeepRecent < 0 {
		errors = append(errors, fmt.Errorf("compaction.keep_recent must be >= 0"))
	}
	if cfg.Compaction.Threshold > 0 && cfg.Compaction.ArchivalThreshold > cfg.Compaction.Threshold {
		errors = append(errors, fmt.Errorf("compaction.archival_threshold should not exceed compaction.threshold"))
	}

	if cfg.Tools.TimeoutSeconds < 0 {
		errors = append(errors, fmt.Errorf("tools.timeout_seconds must be >= 0"))
	}
	if cfg.Tools.MaxOutput < 0 {
		errors = append(errors, fmt.Errorf("tools.max_output must be >= 0"))
	}

	if cfg.Hooks.Enabled {
		for i, hook := range cfg.Hooks.Entries {
			if !hook.Enabled {
				continue
			}
			if err := v.ValidateHookEvent(strings.TrimSpace(hook.Event)); err != nil {
				errors = append(errors, fmt.Errorf("hook %d: %w", i, err))
			}
			if strings.TrimSpace(hook.Script) == "" {
				errors = append(errors, fmt.Errorf("hook %d: script is required", i))
			}
		}
	}

	if cfg.Store.MaxIdleDays < 0 {
		errors = append(errors, fmt.Errorf("store.max_idle_days must be >= 0"))
	}

	// Validate logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
