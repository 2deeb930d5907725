package toolexecutor

import "github.com/rs/zerolog"

// ToolPolicy defines which tools an agent can use
type ToolPolicy struct {
	Allow []string `mapstructure:"allow" json:"allow"` // List of allowed tools (* for all)
	Deny  []string `mapstructure:"deny" json:"deny"`   // List of denied tools (overrides allow)
}

// IsToolAllowed checks if a tool is allowed by the policy
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil {
		// No policy means allow all
		return true
	}

	// Check deny list first (overrides allow list)
	for _, denied := range tp.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}

	for _, allowed := range tp.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}

	// If no explicit allow, deny by default
	return false
}

// Validate logs policy shapes that are legal but probably unintended.
func (tp *ToolPolicy) Validate(logger zerolog.Logger) {
	if tp == nil {
		return
	}

	hasAllowWildcard := false
	for _, allowed := range tp.Allow {
		if allowed == "*" {
			hasAllowWildcard = true
			break
		}
	}
	hasDenyWildcard := false
	for _, denied := range tp.Deny {
		if denied == "*" {
			hasDenyWildcard = true
			break
		}
	}

	if hasAllowWildcard && hasDenyWildcard {
		logger.Warn().Msg("Policy has both allow and deny wildcards - deny will override allow")
	}
	if len(tp.Allow) == 0 {
		logger.Warn().Msg("Policy has empty allow list - all tools will be denied by default")
	}
}
