package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/turnstonelabs/turnstone/internal/observability"
	"github.com/turnstonelabs/turnstone/pkg/models"
)

// ContainerPrefix names every session container this package starts. The
// orphan reclaimer keys on it, so changing it strands running containers.
const ContainerPrefix = "turnstone-sandbox-"

// createdAtLayout matches docker ps --format {{.CreatedAt}} output.
const createdAtLayout = "2006-01-02 15:04:05 -0700 MST"

// ErrSessionNotStarted is returned when a session executor runs code before
// StartSession or after StopSession.
var ErrSessionNotStarted = errors.New("sandbox session not started")

// StatelessDocker spawns one disposable container per execution. Python code
// is staged in a read-only mount; shell commands run under a single sh -c,
// so callers must not pre-wrap.
type StatelessDocker struct {
	cfg  Config
	deps deps
}

// NewStatelessDocker builds a per-call docker executor.
func NewStatelessDocker(cfg Config, logger *observability.Logger, opts ...Option) *StatelessDocker {
	cfg.applyDefaults()
	e := &StatelessDocker{cfg: cfg, deps: newDeps(logger, opts...)}
	warnUnenforcedHosts(e.deps, cfg)
	return e
}

func warnUnenforcedHosts(d deps, cfg Config) {
	if cfg.Network.Enabled && len(cfg.Network.AllowedHosts) > 0 {
		d.logger.Warn(context.Background(),
			"sandbox allowed_hosts is not enforced by the docker CLI backend",
			"hosts", len(cfg.Network.AllowedHosts))
	}
}

// ExecutePython stages code as main.py in a temporary directory, mounts it
// read-only and runs it.
func (e *StatelessDocker) ExecutePython(ctx context.Context, code string) (*models.ExecutionResult, error) {
	dir, err := os.MkdirTemp("", "turnstone-exec-*")
	if err != nil {
		return nil, fmt.Errorf("failed to stage code: %w", err)
	}
	defer os.RemoveAll(dir)
	if err := os.WriteFile(filepath.Join(dir, "main.py"), []byte(code), 0o644); err != nil {
		return nil, fmt.Errorf("failed to stage code: %w", err)
	}

	args := append([]string{"run", "--rm"}, e.cfg.dockerRunArgs()...)
	args = append(args, "-v", dir+":/sandbox:ro", e.cfg.Docker.Image, "python3", "/sandbox/main.py")
	return e.deps.exec(ctx, ModeDocker, "", e.cfg.timeout(), "", "docker", args...), nil
}

// ExecuteShell runs command in a fresh container under sh -c.
func (e *StatelessDocker) ExecuteShell(ctx context.Context, command string) (*models.ExecutionResult, error) {
	args := append([]string{"run", "--rm"}, e.cfg.dockerRunArgs()...)
	args = append(args, e.cfg.Docker.Image, "sh", "-c", command)
	return e.deps.exec(ctx, ModeDocker, "", e.cfg.timeout(), "", "docker", args...), nil
}

// SessionDocker keeps one container alive across executions. State created
// by one call (installed packages, files under the workspace) is visible to
// the next.
type SessionDocker struct {
	cfg  Config
	deps deps

	mu           sync.Mutex
	sessionID    string
	container    string
	lastActivity time.Time
	running      bool
}

// NewSessionDocker builds a session executor. The container is not started
// until StartSession.
func NewSessionDocker(cfg Config, logger *observability.Logger, opts ...Option) *SessionDocker {
	cfg.applyDefaults()
	e := &SessionDocker{cfg: cfg, deps: newDeps(logger, opts...)}
	warnUnenforcedHosts(e.deps, cfg)
	return e
}

// StartSession starts a detached container parked on tail -f /dev/null and
// returns the generated session id. Starting an already running session
// returns the existing id.
func (e *SessionDocker) StartSession(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return e.sessionID, nil
	}

	id := uuid.NewString()
	name := ContainerPrefix + id

	args := append([]string{"run", "-d", "--name", name}, e.cfg.dockerRunArgs()...)
	workspace := e.cfg.Docker.ContainerWorkspace
	if e.cfg.Docker.WorkspaceVolume != "" {
		args = append(args, "-v", e.cfg.Docker.WorkspaceVolume+":"+workspace)
	} else if !e.cfg.Security.WritableRoot {
		// The read-only root would leave the workspace unwritable.
		args = append(args, "--tmpfs", fmt.Sprintf("%s:rw,size=%dm", workspace, e.cfg.Resources.DiskMB))
	}
	args = append(args, "-w", workspace, e.cfg.Docker.Image, "tail", "-f", "/dev/null")

	result := e.deps.exec(ctx, ModeDocker, id, e.cfg.timeout(), "", "docker", args...)
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = strings.TrimSpace(result.Stderr)
		}
		return "", fmt.Errorf("failed to start sandbox container: %s", msg)
	}

	e.sessionID = id
	e.container = name
	e.running = true
	e.lastActivity = e.deps.now()
	e.deps.logger.Info(ctx, "sandbox session started", "session_id", id, "image", e.cfg.Docker.Image)
	return id, nil
}

// ExecutePython pipes code into python3 inside the session container.
func (e *SessionDocker) ExecutePython(ctx context.Context, code string) (*models.ExecutionResult, error) {
	container, id, err := e.target()
	if err != nil {
		return nil, err
	}
	defer e.touch()

	args := []string{"exec", "-i", "-w", e.cfg.Docker.ContainerWorkspace, container, "python3", "-"}
	return e.deps.exec(ctx, ModeDocker, id, e.cfg.timeout(), code, "docker", args...), nil
}

// ExecuteShell runs command under sh -c inside the session container.
func (e *SessionDocker) ExecuteShell(ctx context.Context, command string) (*models.ExecutionResult, error) {
	container, id, err := e.target()
	if err != nil {
		return nil, err
	}
	defer e.touch()

	args := []string{"exec", "-w", e.cfg.Docker.ContainerWorkspace, container, "sh", "-c", command}
	return e.deps.exec(ctx, ModeDocker, id, e.cfg.timeout(), "", "docker", args...), nil
}

// StopSession force-removes the container. Stopping a stopped session is a
// no-op.
func (e *SessionDocker) StopSession(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}

	result := e.deps.exec(ctx, ModeDocker, e.sessionID, e.cfg.timeout(), "", "docker", "rm", "-f", e.container)
	e.running = false
	if !result.Success {
		return fmt.Errorf("failed to remove sandbox container %s: %s", e.container, strings.TrimSpace(result.Stderr))
	}
	e.deps.logger.Info(ctx, "sandbox session stopped", "session_id", e.sessionID)
	return nil
}

// IsExpired reports whether the session idled past maxIdle. Stopped sessions
// are always expired.
func (e *SessionDocker) IsExpired(maxIdle time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return true
	}
	return e.deps.now().Sub(e.lastActivity) > maxIdle
}

// LastActivity is the time of the most recent execution.
func (e *SessionDocker) LastActivity() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastActivity
}

// SessionID returns the id assigned by StartSession, or "" before it.
func (e *SessionDocker) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

func (e *SessionDocker) target() (container, sessionID string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return "", "", ErrSessionNotStarted
	}
	return e.container, e.sessionID, nil
}

func (e *SessionDocker) touch() {
	e.mu.Lock()
	e.lastActivity = e.deps.now()
	e.mu.Unlock()
}

// ListOrphanedContainers returns sandbox containers older than maxAge,
// including ones started by crashed processes.
func ListOrphanedContainers(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cmd := exec.CommandContext(ctx, "docker", "ps", "-a",
		"--filter", "name="+ContainerPrefix,
		"--format", "{{.Names}}\t{{.CreatedAt}}")
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("failed to list sandbox containers: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseOrphans(stdout.String(), time.Now().Add(-maxAge)), nil
}

// parseOrphans extracts container names created before cutoff from docker ps
// output. Lines that fail to parse are skipped rather than reaped.
func parseOrphans(out string, cutoff time.Time) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		name, created, ok := strings.Cut(strings.TrimSpace(line), "\t")
		if !ok || !strings.HasPrefix(name, ContainerPrefix) {
			continue
		}
		ts, err := time.Parse(createdAtLayout, created)
		if err != nil {
			continue
		}
		if ts.Before(cutoff) {
			names = append(names, name)
		}
	}
	return names
}

// RemoveContainer force-removes a sandbox container by name. Names outside
// ContainerPrefix are refused.
func RemoveContainer(ctx context.Context, name string) error {
	if !strings.HasPrefix(name, ContainerPrefix) {
		return fmt.Errorf("refusing to remove non-sandbox container %q", name)
	}
	var stderr strings.Builder
	cmd := exec.CommandContext(ctx, "docker", "rm", "-f", name)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to remove container %s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
