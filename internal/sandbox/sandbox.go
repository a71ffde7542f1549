// Package sandbox executes model-written code in isolated environments.
//
// Three modes exist. Stateless docker spawns one container per call and
// discards it. Session docker keeps a container alive across calls so that
// installed packages and created files persist. Local runs directly on the
// host with a timeout and no isolation, for development only.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/turnstonelabs/turnstone/internal/observability"
	"github.com/turnstonelabs/turnstone/pkg/models"
)

// Executor runs code in one sandbox. The orchestrator and the builtin tools
// see only this capability; lifecycle stays with the session manager.
type Executor interface {
	ExecutePython(ctx context.Context, code string) (*models.ExecutionResult, error)
	ExecuteShell(ctx context.Context, command string) (*models.ExecutionResult, error)
}

// SessionExecutor is an Executor bound to one long-lived sandbox.
type SessionExecutor interface {
	Executor

	// StartSession brings up the sandbox and returns its session id.
	// Calling it on a running session returns the existing id.
	StartSession(ctx context.Context) (string, error)

	// StopSession tears the sandbox down. Idempotent.
	StopSession(ctx context.Context) error

	// IsExpired reports whether the session has been idle longer than
	// maxIdle. A stopped session is always expired.
	IsExpired(maxIdle time.Duration) bool

	// LastActivity is the time of the most recent execution.
	LastActivity() time.Time
}

// New builds the executor selected by cfg.Mode. Remote mode is reserved and
// fails here rather than at first use.
func New(cfg Config, logger *observability.Logger, opts ...Option) (Executor, error) {
	cfg.applyDefaults()
	switch cfg.Mode {
	case ModeDocker:
		if cfg.Docker.SessionEnabled {
			return NewSessionDocker(cfg, logger, opts...), nil
		}
		return NewStatelessDocker(cfg, logger, opts...), nil
	case ModeLocal:
		return NewLocal(cfg, logger, opts...), nil
	case ModeRemote:
		return nil, errors.New("remote sandbox mode is reserved and not implemented")
	default:
		return nil, fmt.Errorf("unknown sandbox mode %q", cfg.Mode)
	}
}

// deps carries the cross-cutting collaborators every executor shares.
type deps struct {
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time
}

func newDeps(logger *observability.Logger, opts ...Option) deps {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	d := deps{logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// Option adjusts executor construction.
type Option func(*deps)

// WithMetrics counts sandbox commands.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *deps) {
		d.metrics = m
	}
}

// WithTracer emits a span per sandbox command.
func WithTracer(t *observability.Tracer) Option {
	return func(d *deps) {
		d.tracer = t
	}
}

// WithNow overrides the clock used for activity tracking.
func WithNow(now func() time.Time) Option {
	return func(d *deps) {
		d.now = now
	}
}

// pipeGrace bounds how long a finished command may keep us waiting on
// descendants that inherited its stdout and stderr.
const pipeGrace = time.Second

// exec runs one host command with the configured timeout and maps its
// outcome to an ExecutionResult. Non-zero exits are results, not errors; a
// deadline hit yields exit code -1 and the canonical timeout message.
func (d deps) exec(ctx context.Context, mode, sessionID string, timeout time.Duration, stdin, name string, args ...string) *models.ExecutionResult {
	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.TraceSandboxExec(ctx, mode, sessionID)
		defer span.End()
	}
	if d.metrics != nil {
		d.metrics.RecordSandboxCommand(mode)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	// A killed command can leave children holding its pipes; without a wait
	// delay Run would block until they exit too.
	cmd.WaitDelay = pipeGrace
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &models.ExecutionResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: time.Since(start).Milliseconds(),
	}

	switch {
	case err == nil:
		result.Success = true
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.ExitCode = -1
		result.Error = fmt.Sprintf("Execution timed out after %ds", int(timeout.Seconds()))
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.Error = err.Error()
		}
	}

	d.logger.Debug(ctx, "sandbox command finished",
		"mode", mode,
		"session_id", sessionID,
		"exit_code", result.ExitCode,
		"duration_ms", result.DurationMS)
	return result
}
