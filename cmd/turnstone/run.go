package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/turnstonelabs/turnstone/internal/config"
	"github.com/turnstonelabs/turnstone/internal/maintenance"
	"github.com/turnstonelabs/turnstone/internal/orchestrator"
	"github.com/turnstonelabs/turnstone/pkg/models"
)

type runParams struct {
	configPath string
	message    string
	sessionID  string
	userID     string
	agent      string
	noApprove  bool
}

// runTurn builds the core, runs one turn, and prints each event as a JSON
// line on stdout. On a TTY an Interrupt becomes a y/N prompt and the turn
// resumes with the answer; otherwise the Interrupt is the final output and
// the session can be resumed later with --session.
func runTurn(cmd *cobra.Command, p runParams) error {
	cfg, err := config.Load(p.configPath)
	if err != nil {
		return err
	}

	agentCfg, ok := cfg.Agent(p.agent)
	if !ok {
		return fmt.Errorf("agent %q is not defined in the config", p.agent)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core, err := newCore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		core.Close(shutdownCtx)
	}()

	// Only the tool policy is hot-swappable; a watch failure costs nothing
	// but live policy edits.
	watcher, err := config.Watch(p.configPath, core.Logger, func(next *config.Config) {
		core.Registry.SetPolicy(next.Tools.Policy)
	})
	if err != nil {
		core.Logger.Warn(ctx, "config watch unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	if cfg.Maintenance.Enabled {
		janitor := maintenance.New(maintenance.Config{
			OrphanReclaim: cfg.Maintenance.OrphanReclaim,
			Compaction:    cfg.Maintenance.Compaction,
			CacheStats:    cfg.Maintenance.CacheStats,
		}, core.Sessions, compactors(core), core.Gateway, core.Logger)
		if err := janitor.Start(); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			janitor.Stop(stopCtx)
		}()
	}

	agent := orchestrator.AgentConfig{
		Name:          p.agent,
		Model:         agentCfg.Model,
		Temperature:   agentCfg.Temperature,
		MaxTokens:     agentCfg.MaxTokens,
		SystemPrompt:  agentCfg.SystemPrompt,
		Tools:         agentCfg.Tools,
		MaxIterations: agentCfg.MaxIterations,
	}

	req := orchestrator.TurnRequest{
		SessionID:   p.sessionID,
		UserID:      p.userID,
		UserMessage: p.message,
		Agent:       agent,
	}

	interactive := !p.noApprove && term.IsTerminal(int(os.Stdin.Fd()))

	for {
		events, err := core.Orchestrator.Turn(ctx, req)
		if err != nil {
			return err
		}

		outcome := printEvents(cmd.OutOrStdout(), events, &req.SessionID)

		if outcome.interrupt == nil || !interactive {
			if outcome.failed != "" {
				return fmt.Errorf("turn failed: %s", outcome.failed)
			}
			return nil
		}

		approved, err := promptApproval(os.Stdin, os.Stderr, outcome.interrupt)
		if err != nil {
			return err
		}
		req = orchestrator.TurnRequest{
			SessionID: req.SessionID,
			UserID:    p.userID,
			Agent:     agent,
			Approve:   approved,
		}
	}
}

type turnOutcome struct {
	interrupt *models.InterruptEvent
	failed    string
}

// printEvents writes one JSON line per event and captures what the caller
// needs afterwards: the session id for resumes and the terminal outcome.
func printEvents(out io.Writer, events <-chan *models.AgentEvent, sessionID *string) turnOutcome {
	enc := json.NewEncoder(out)
	var outcome turnOutcome
	for ev := range events {
		if ev.Type == models.EventSessionCreated && ev.SessionCreated != nil {
			*sessionID = ev.SessionCreated.SessionID
		}
		if err := enc.Encode(ev); err != nil {
			fmt.Fprintf(os.Stderr, "encode event: %v\n", err)
		}
		switch ev.Type {
		case models.EventInterrupt:
			outcome.interrupt = ev.Interrupt
		case models.EventError:
			if ev.Error != nil {
				outcome.failed = ev.Error.Message
			}
		}
	}
	return outcome
}

// promptApproval asks on prompt (stderr in production, so stdout stays
// machine-readable) and reads one line. Anything but y/yes is a rejection.
func promptApproval(in io.Reader, prompt io.Writer, interrupt *models.InterruptEvent) (bool, error) {
	names := make([]string, len(interrupt.ToolCalls))
	for i, call := range interrupt.ToolCalls {
		names[i] = call.Name
	}
	fmt.Fprintf(prompt, "approve tool calls [%s]? y/N: ", strings.Join(names, ", "))

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false, fmt.Errorf("read approval: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// compactors collects the stores that can reclaim space. Backends without
// compaction (in-memory, remote services that self-compact) simply do not
// satisfy the interface.
func compactors(core *Core) []maintenance.Compactor {
	var cs []maintenance.Compactor
	if c, ok := core.Documents.(maintenance.Compactor); ok {
		cs = append(cs, c)
	}
	if c, ok := core.Vectors.(maintenance.Compactor); ok {
		cs = append(cs, c)
	}
	return cs
}
