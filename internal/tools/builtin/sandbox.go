// Package builtin provides the sandbox-backed tools every agent gets:
// execute_python and execute_shell. Both resolve the calling conversation's
// sandbox session through the session manager, so state persists across
// calls within one conversation.
package builtin

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/turnstonelabs/turnstone/internal/sandbox"
	"github.com/turnstonelabs/turnstone/internal/sessions"
	"github.com/turnstonelabs/turnstone/internal/tools"
	"github.com/turnstonelabs/turnstone/pkg/models"
)

// Register adds the sandbox tools to the registry.
func Register(reg *tools.Registry, mgr *sessions.Manager) {
	reg.Register(NewPythonTool(mgr))
	reg.Register(NewShellTool(mgr))
}

// PythonTool runs Python code in the conversation's sandbox session.
type PythonTool struct {
	runner sandboxRunner
	schema json.RawMessage
}

type pythonArgs struct {
	Code string `json:"code" jsonschema:"required,description=Python source to run in the sandbox session"`
}

// NewPythonTool creates the execute_python tool.
func NewPythonTool(mgr *sessions.Manager) *PythonTool {
	return &PythonTool{
		runner: sandboxRunner{sessions: mgr},
		schema: reflectSchema(&pythonArgs{}),
	}
}

func (t *PythonTool) Name() string { return "execute_python" }

func (t *PythonTool) Description() string {
	return "Run Python code in a persistent sandbox. Variables, files and installed packages survive between calls in the same conversation."
}

func (t *PythonTool) Schema() json.RawMessage { return t.schema }

func (t *PythonTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	var in pythonArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return failedResult("invalid arguments: " + err.Error()), nil
	}
	if strings.TrimSpace(in.Code) == "" {
		return failedResult("code is required"), nil
	}
	return t.runner.run(ctx, in.Code, func(ctx context.Context, ex sandbox.Executor) (*models.ExecutionResult, error) {
		return ex.ExecutePython(ctx, in.Code)
	})
}

// ShellTool runs shell commands in the conversation's sandbox session.
type ShellTool struct {
	runner sandboxRunner
	schema json.RawMessage
}

type shellArgs struct {
	Command string `json:"command" jsonschema:"required,description=Shell command to run in the sandbox session"`
}

// NewShellTool creates the execute_shell tool.
func NewShellTool(mgr *sessions.Manager) *ShellTool {
	return &ShellTool{
		runner: sandboxRunner{sessions: mgr},
		schema: reflectSchema(&shellArgs{}),
	}
}

func (t *ShellTool) Name() string { return "execute_shell" }

func (t *ShellTool) Description() string {
	return "Run a shell command in a persistent sandbox. Files and installed packages survive between calls in the same conversation."
}

func (t *ShellTool) Schema() json.RawMessage { return t.schema }

func (t *ShellTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	var in shellArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return failedResult("invalid arguments: " + err.Error()), nil
	}
	if strings.TrimSpace(in.Command) == "" {
		return failedResult("command is required"), nil
	}
	return t.runner.run(ctx, in.Command, func(ctx context.Context, ex sandbox.Executor) (*models.ExecutionResult, error) {
		return ex.ExecuteShell(ctx, in.Command)
	})
}

// sandboxRunner resolves the calling turn's sandbox session and executes
// one command in it.
type sandboxRunner struct {
	sessions *sessions.Manager
}

func (r sandboxRunner) run(ctx context.Context, command string, exec func(context.Context, sandbox.Executor) (*models.ExecutionResult, error)) (*models.ToolResult, error) {
	turn, ok := tools.TurnFromContext(ctx)
	if !ok {
		return failedResult("no conversation is bound to this tool call"), nil
	}

	res, err := r.sessions.GetOrCreate(ctx, turn.UserID, turn.ConversationID, nil)
	if err != nil {
		return failedResult("sandbox unavailable: " + err.Error()), nil
	}
	ex, err := r.sessions.Executor(res.Session.SessionID)
	if err != nil {
		return failedResult("sandbox unavailable: " + err.Error()), nil
	}

	out, err := exec(ctx, ex)
	if err != nil {
		return failedResult("sandbox execution failed: " + err.Error()), nil
	}

	// Command tracking keeps the session counted as active and feeds the
	// package and file inventory used in recreation notices.
	_ = r.sessions.RecordCommand(res.Session.SessionID, command, out.DurationMS)

	notice := ""
	if res.IsRecreated {
		notice = res.Message
	}
	return &models.ToolResult{
		Success: out.Success,
		Output:  resultPayload(out, notice),
		Error:   out.Error,
	}, nil
}

// resultPayload renders an execution result as indented JSON for the model.
// A recreation notice rides along so the model learns that earlier sandbox
// state is gone.
func resultPayload(out *models.ExecutionResult, notice string) string {
	payload := map[string]any{
		"success":     out.Success,
		"stdout":      out.Stdout,
		"stderr":      out.Stderr,
		"exit_code":   out.ExitCode,
		"duration_ms": out.DurationMS,
	}
	if out.Error != "" {
		payload["error"] = out.Error
	}
	if notice != "" {
		payload["notice"] = notice
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return out.Stdout
	}
	return string(data)
}

func failedResult(message string) *models.ToolResult {
	return &models.ToolResult{Success: false, Error: message}
}
