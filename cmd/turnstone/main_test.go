package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"run", "doctor", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestVersionCommandPrintsBuildInfo(t *testing.T) {
	cmd := buildVersionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "turnstone dev") {
		t.Errorf("output %q should carry the default build version", out.String())
	}
}

func TestDoctorSchemaFlag(t *testing.T) {
	cmd := buildDoctorCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--schema"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("doctor --schema: %v", err)
	}
	for _, field := range []string{"default_model", "max_tool_iterations", "orphan_reclaim"} {
		if !strings.Contains(out.String(), field) {
			t.Errorf("schema output should contain %q", field)
		}
	}
}

func TestDefaultConfigPathHonorsEnv(t *testing.T) {
	t.Setenv("TURNSTONE_CONFIG", "/etc/turnstone/prod.yaml")
	if got := defaultConfigPath(); got != "/etc/turnstone/prod.yaml" {
		t.Errorf("defaultConfigPath() = %q", got)
	}

	t.Setenv("TURNSTONE_CONFIG", "")
	if got := defaultConfigPath(); got != "turnstone.yaml" {
		t.Errorf("defaultConfigPath() = %q, want turnstone.yaml", got)
	}
}
