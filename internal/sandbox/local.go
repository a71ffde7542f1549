package sandbox

import (
	"context"

	"github.com/turnstonelabs/turnstone/internal/observability"
	"github.com/turnstonelabs/turnstone/pkg/models"
)

// Local runs code directly on the host with only a timeout between it and
// the machine. Development use only.
type Local struct {
	cfg  Config
	deps deps
}

// NewLocal builds a host-process executor.
func NewLocal(cfg Config, logger *observability.Logger, opts ...Option) *Local {
	cfg.applyDefaults()
	return &Local{cfg: cfg, deps: newDeps(logger, opts...)}
}

// ExecutePython pipes code into the host python3.
func (e *Local) ExecutePython(ctx context.Context, code string) (*models.ExecutionResult, error) {
	return e.deps.exec(ctx, ModeLocal, "", e.cfg.timeout(), code, "python3", "-"), nil
}

// ExecuteShell runs command under the host sh -c.
func (e *Local) ExecuteShell(ctx context.Context, command string) (*models.ExecutionResult, error) {
	return e.deps.exec(ctx, ModeLocal, "", e.cfg.timeout(), "", "sh", "-c", command), nil
}
