// Package main provides the CLI entry point for the turnstone agent core.
//
// Turnstone runs agent turns: LLM calls, parallel sandboxed tool execution,
// long-term memory recall and extraction, history compression, and durable
// checkpoints, reported as one ordered event stream per turn.
//
// # Basic Usage
//
// Run one turn:
//
//	turnstone run --config turnstone.yaml --message "summarise the logs"
//
// Check the environment:
//
//	turnstone doctor --config turnstone.yaml
//
// # Environment Variables
//
//   - TURNSTONE_CONFIG: path to the configuration file (default: turnstone.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - DASHSCOPE_API_KEY, DEEPSEEK_API_KEY, VOLCENGINE_API_KEY, ZHIPUAI_API_KEY:
//     keys for the OpenAI-compatible providers
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information populated by ldflags.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Events go to stdout; everything else, including logs, goes to stderr.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "turnstone",
		Short: "Turnstone - agent execution core",
		Long: `Turnstone runs agent turns against LLM providers with sandboxed tool
execution, long-term memory, history compression, and durable checkpoints.
Each turn is reported as an ordered stream of JSON events.

Supported providers: Anthropic, OpenAI, DashScope, DeepSeek, Volcengine, ZhipuAI`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildDoctorCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

func buildRunCmd() *cobra.Command {
	var (
		configPath string
		message    string
		sessionID  string
		userID     string
		agentName  string
		noApprove  bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one agent turn and stream its events as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTurn(cmd, runParams{
				configPath: configPath,
				message:    message,
				sessionID:  sessionID,
				userID:     userID,
				agent:      agentName,
				noApprove:  noApprove,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to the configuration file")
	cmd.Flags().StringVarP(&message, "message", "m", "", "User message for this turn")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID (empty starts a new session)")
	cmd.Flags().StringVar(&userID, "user", "cli", "User ID that owns the session")
	cmd.Flags().StringVar(&agentName, "agent", "", `Named agent from the config (default "default")`)
	cmd.Flags().BoolVar(&noApprove, "no-approve", false, "Never prompt for tool approval, even on a TTY")
	_ = cmd.MarkFlagRequired("message")

	return cmd
}

func buildDoctorCmd() *cobra.Command {
	var (
		configPath  string
		printSchema bool
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Probe the environment: config, provider keys, docker, stores",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd, configPath, printSchema, asJSON)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to the configuration file")
	cmd.Flags().BoolVar(&printSchema, "schema", false, "Print the configuration JSON schema and exit")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")

	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "turnstone %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func defaultConfigPath() string {
	if path := os.Getenv("TURNSTONE_CONFIG"); path != "" {
		return path
	}
	return "turnstone.yaml"
}
