package config

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/harun/ranya-agent/pkg/hooks"
)

func TestValidator_ValidateAPIKey(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name     string
		key      string
		protocol string
		wantErr  bool
	}{
		{"valid anthropic", "sk-ant-abc", "anthropic", false},
		{"invalid anthropic", "sk-abc", "anthropic", true},
		{"valid openai", "sk-abc", "openai", false},
		{"invalid openai", "abc", "openai", true},
		{"unknown protocol", "anything", "", false},
		{"empty", "", "openai", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateAPIKey(tt.key, tt.protocol)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidator_ValidateBaseURL(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateBaseURL("https://api.openai.com/v1"))
	assert.NoError(t, v.ValidateBaseURL("http://localhost:11434/v1"))
	assert.Error(t, v.ValidateBaseURL("ftp://example.com"))
	assert.Error(t, v.ValidateBaseURL("https://"))
	assert.Error(t, v.ValidateBaseURL("::not a url"))
}

func TestValidator_ValidateLogLevel(t *testing.T) {
	v := NewValidator()

	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level), level)
	}
	assert.Error(t, v.ValidateLogLevel("verbose"))
}

func TestValidator_ValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("should accept a valid config", func(t *testing.T) {
		assert.Empty(t, v.ValidateConfig(validConfig()))
	})

	t.Run("should collect every problem", func(t *testing.T) {
		cfg := validConfig()
		cfg.AI.Profiles = append(cfg.AI.Profiles,
			AIProfile{ID: "bad-url", BaseURL: "localhost", APIKey: "k", Model: "m"},
			AIProfile{ID: "bad-key", BaseURL: "https://api.anthropic.com", APIKey: "sk-wrong", Model: "m"},
			AIProfile{ID: "disabled", BaseURL: "nope", Disabled: true},
		)
		cfg.Hooks.Enabled = true
		cfg.Hooks.Entries = []hooks.Hook{
			{ID: "a", Event: "on_typing", Script: "true", Enabled: true},
			{ID: "b", Event: hooks.EventAgentEnd, Script: "", Enabled: true},
			{ID: "c", Event: "ignored", Enabled: false},
		}
		cfg.Compaction.ArchivalThreshold = cfg.Compaction.Threshold + 1
		cfg.Tools.MaxOutput = -1
		cfg.Logging.Level = "loud"

		errs := v.ValidateConfig(cfg)

		assert.Len(t, errs, 7)
	})
}
