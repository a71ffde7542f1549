// Package policy decides which tools the model may call and which need
// explicit user approval first.
package policy

import (
	"errors"
	"strings"
)

// ErrApprovalRequired signals that a tool call must be confirmed by the
// user before it runs. The orchestrator translates it into an interrupt.
var ErrApprovalRequired = errors.New("tool requires approval")

// Policy is the configured tool allow/deny surface. All four lists hold
// patterns (see Match); an empty Enabled list allows every registered tool.
type Policy struct {
	Enabled             []string `yaml:"enabled" json:"enabled,omitempty"`
	Disabled            []string `yaml:"disabled" json:"disabled,omitempty"`
	RequireConfirmation []string `yaml:"require_confirmation" json:"require_confirmation,omitempty"`
	AutoApprovePatterns []string `yaml:"auto_approve_patterns" json:"auto_approve_patterns,omitempty"`
}

// Allowed reports whether name passes the allow and deny lists. Disabled
// always wins over Enabled.
func (p Policy) Allowed(name string) bool {
	if matchAny(p.Disabled, name) {
		return false
	}
	if len(p.Enabled) == 0 {
		return true
	}
	return matchAny(p.Enabled, name)
}

// RequiresApproval reports whether name needs user confirmation before it
// may run. Auto-approve patterns override the confirmation list.
func (p Policy) RequiresApproval(name string) bool {
	if !matchAny(p.RequireConfirmation, name) {
		return false
	}
	return !matchAny(p.AutoApprovePatterns, name)
}

// Match reports whether one policy pattern covers a tool name. A pattern is
// an exact name, a prefix wildcard such as "fs.*", or the special "mcp:*"
// which covers every MCP-proxied tool.
func Match(pattern, name string) bool {
	if pattern == "" || name == "" {
		return false
	}
	if pattern == "mcp:*" {
		return strings.HasPrefix(name, "mcp:")
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(name, prefix)
	}
	return pattern == name
}

func matchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if Match(pattern, name) {
			return true
		}
	}
	return false
}
