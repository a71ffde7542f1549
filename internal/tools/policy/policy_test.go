package policy

import "testing"

func TestMatch(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		tool    string
		want    bool
	}{
		{"exact", "execute_python", "execute_python", true},
		{"exact mismatch", "execute_python", "execute_shell", false},
		{"prefix wildcard", "fs.*", "fs.read", true},
		{"prefix wildcard nested", "fs.*", "fs.watch.start", true},
		{"prefix wildcard excludes bare prefix", "fs.*", "fs", false},
		{"prefix wildcard excludes other prefix", "fs.*", "fsck", false},
		{"mcp wildcard", "mcp:*", "mcp:github.search", true},
		{"mcp wildcard mismatch", "mcp:*", "github.search", false},
		{"empty pattern", "", "execute_python", false},
		{"empty name", "fs.*", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Match(tt.pattern, tt.tool); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.tool, got, tt.want)
			}
		})
	}
}

func TestAllowed(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		tool   string
		want   bool
	}{
		{"zero policy allows everything", Policy{}, "execute_python", true},
		{"enabled list admits member", Policy{Enabled: []string{"execute_python"}}, "execute_python", true},
		{"enabled list rejects others", Policy{Enabled: []string{"execute_python"}}, "execute_shell", false},
		{"enabled pattern", Policy{Enabled: []string{"fs.*"}}, "fs.read", true},
		{"disabled wins over enabled", Policy{Enabled: []string{"execute_shell"}, Disabled: []string{"execute_shell"}}, "execute_shell", false},
		{"disabled pattern", Policy{Disabled: []string{"mcp:*"}}, "mcp:github.search", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Allowed(tt.tool); got != tt.want {
				t.Errorf("Allowed(%q) = %v, want %v", tt.tool, got, tt.want)
			}
		})
	}
}

func TestRequiresApproval(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		tool   string
		want   bool
	}{
		{"unlisted tool", Policy{RequireConfirmation: []string{"delete_file"}}, "execute_python", false},
		{"listed tool", Policy{RequireConfirmation: []string{"delete_file"}}, "delete_file", true},
		{"listed by pattern", Policy{RequireConfirmation: []string{"fs.*"}}, "fs.delete", true},
		{
			"auto-approve overrides exact",
			Policy{RequireConfirmation: []string{"fs.*"}, AutoApprovePatterns: []string{"fs.read"}},
			"fs.read",
			false,
		},
		{
			"auto-approve leaves siblings gated",
			Policy{RequireConfirmation: []string{"fs.*"}, AutoApprovePatterns: []string{"fs.read"}},
			"fs.delete",
			true,
		},
		{
			"auto-approve pattern",
			Policy{RequireConfirmation: []string{"mcp:*"}, AutoApprovePatterns: []string{"mcp:*"}},
			"mcp:github.search",
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.RequiresApproval(tt.tool); got != tt.want {
				t.Errorf("RequiresApproval(%q) = %v, want %v", tt.tool, got, tt.want)
			}
		})
	}
}
