// Package doctor implements the environment checks behind `turnstone
// doctor`: config strictness and file permissions, provider credentials,
// docker availability, and store reachability. Checks never mutate
// anything; a reachability probe opens a connection, pings, and closes it.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/turnstonelabs/turnstone/internal/config"
	"github.com/turnstonelabs/turnstone/internal/docstore"
	"github.com/turnstonelabs/turnstone/internal/gateway/providers"
	"github.com/turnstonelabs/turnstone/internal/sandbox"
	"github.com/turnstonelabs/turnstone/internal/sessionrepo"
	"github.com/turnstonelabs/turnstone/internal/vectorstore"
	"github.com/turnstonelabs/turnstone/internal/vectorstore/embed"
)

// Status classifies one check's outcome.
type Status string

const (
	StatusOK   Status = "ok"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

// Check is a single named probe result.
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report collects checks in the order they ran.
type Report struct {
	Checks []Check `json:"checks"`
}

// Failed reports whether any check failed outright. Warnings and skips do
// not count; the doctor exit code keys on this.
func (r *Report) Failed() bool {
	for _, c := range r.Checks {
		if c.Status == StatusFail {
			return true
		}
	}
	return false
}

func (r *Report) add(name string, status Status, format string, args ...any) {
	r.Checks = append(r.Checks, Check{Name: name, Status: status, Detail: fmt.Sprintf(format, args...)})
}

// probeTimeout bounds each external probe so one hung backend cannot stall
// the whole report.
const probeTimeout = 5 * time.Second

// Seams for tests. Production never touches these.
var (
	lookPath  = exec.LookPath
	runDocker = func(ctx context.Context) (string, error) {
		out, err := exec.CommandContext(ctx, "docker", "version", "--format", "{{.Server.Version}}").Output()
		return strings.TrimSpace(string(out)), err
	}
)

// Run loads the configuration at configPath and probes the environment it
// describes. A config that fails strict parsing short-circuits the
// dependent checks to skip, since there is nothing trustworthy to probe.
func Run(ctx context.Context, configPath string) *Report {
	r := &Report{}

	cfg, err := config.Load(configPath)
	if err != nil {
		r.add("config", StatusFail, "%v", err)
		r.checkConfigPermissions(configPath)
		for _, name := range []string{"providers", "docker", "documents", "vector", "sessions"} {
			r.add(name, StatusSkip, "config did not load")
		}
		return r
	}
	r.add("config", StatusOK, "%s parsed strictly (version %d)", configPath, cfg.Version)

	r.checkConfigPermissions(configPath)
	r.checkProviders(cfg)
	r.checkDocker(ctx, cfg)
	r.checkDocumentStore(ctx, cfg)
	r.checkVectorStore(ctx, cfg)
	r.checkSessionStore(ctx, cfg)
	return r
}

// checkConfigPermissions flags a config file other users can modify. The
// tool policy lives in this file, so write access to it is execution access.
func (r *Report) checkConfigPermissions(path string) {
	if runtime.GOOS == "windows" {
		r.add("permissions", StatusSkip, "permission bits are not meaningful on windows")
		return
	}
	info, err := os.Lstat(path)
	if err != nil {
		r.add("permissions", StatusSkip, "cannot stat %s: %v", path, err)
		return
	}
	if info.Mode()&os.ModeSymlink != 0 {
		r.add("permissions", StatusWarn, "%s is a symlink; permissions of the target were not checked", path)
		return
	}
	mode := info.Mode().Perm()
	switch {
	case mode&0o002 != 0:
		r.add("permissions", StatusFail, "%s is world-writable (%04o); any user on this host can rewrite the tool policy", path, mode)
	case mode&0o020 != 0:
		r.add("permissions", StatusWarn, "%s is group-writable (%04o)", path, mode)
	default:
		r.add("permissions", StatusOK, "%s mode %04o", path, mode)
	}
}

// checkProviders verifies API keys. Providers listed in the config are
// required; with no list, every known provider is probed and reported
// informationally.
func (r *Report) checkProviders(cfg *config.Config) {
	required := cfg.Gateway.Providers
	if len(required) == 0 {
		var configured []string
		for _, name := range config.KnownProviders {
			if os.Getenv(providers.EnvKeys[name][0]) != "" {
				configured = append(configured, name)
			}
		}
		if len(configured) == 0 {
			r.add("providers", StatusWarn, "no provider API keys found in the environment")
			return
		}
		r.add("providers", StatusOK, "keys configured: %s", strings.Join(configured, ", "))
		return
	}

	var missing []string
	for _, name := range required {
		if os.Getenv(providers.EnvKeys[name][0]) == "" {
			missing = append(missing, fmt.Sprintf("%s (set %s)", name, providers.EnvKeys[name][0]))
		}
	}
	if len(missing) > 0 {
		r.add("providers", StatusFail, "missing keys: %s", strings.Join(missing, ", "))
		return
	}
	r.add("providers", StatusOK, "keys configured: %s", strings.Join(required, ", "))
}

// checkDocker probes the docker CLI and daemon. Local sandbox mode gets a
// skip: nothing containerised will run.
func (r *Report) checkDocker(ctx context.Context, cfg *config.Config) {
	mode := cfg.Sandbox.Execution.Mode
	if mode == sandbox.ModeLocal {
		r.add("docker", StatusSkip, "sandbox mode is local")
		return
	}
	if _, err := lookPath("docker"); err != nil {
		r.add("docker", StatusFail, "docker binary not found in PATH")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	version, err := runDocker(ctx)
	if err != nil {
		r.add("docker", StatusFail, "docker daemon not responding: %v", err)
		return
	}
	r.add("docker", StatusOK, "daemon responding (server %s)", version)
}

func (r *Report) checkDocumentStore(ctx context.Context, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	switch cfg.Stores.Documents.Backend {
	case "memory":
		r.add("documents", StatusOK, "in-memory store (no persistence)")
	default:
		store, err := docstore.NewSQLite(docstore.SQLiteConfig{Path: cfg.Stores.Documents.Path})
		if err != nil {
			r.add("documents", StatusFail, "sqlite open: %v", err)
			return
		}
		defer store.Close()
		if err := store.Setup(ctx); err != nil {
			r.add("documents", StatusFail, "sqlite schema: %v", err)
			return
		}
		path := cfg.Stores.Documents.Path
		if path == "" {
			path = ":memory:"
		}
		r.add("documents", StatusOK, "sqlite reachable at %s", path)
	}
}

func (r *Report) checkVectorStore(ctx context.Context, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	// The probe never embeds anything, so a deterministic fake provider
	// avoids spending real API calls on a health check.
	provider := embed.NewFake(cfg.Stores.Vector.Dimension)
	store, err := vectorstore.New(cfg.Stores.Vector, provider)
	if err != nil {
		r.add("vector", StatusFail, "%s open: %v", backendName(cfg.Stores.Vector.Backend), err)
		return
	}
	defer store.Close()
	if err := store.CreateCollection(ctx, "doctor_probe", provider.Dimension()); err != nil {
		r.add("vector", StatusFail, "%s not reachable: %v", backendName(cfg.Stores.Vector.Backend), err)
		return
	}
	r.add("vector", StatusOK, "%s reachable", backendName(cfg.Stores.Vector.Backend))
}

func (r *Report) checkSessionStore(ctx context.Context, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	switch cfg.Stores.Sessions.Backend {
	case "", "memory":
		r.add("sessions", StatusOK, "in-memory repository (no persistence)")
	case "sqlite":
		repo, err := openSQLiteRepo(cfg)
		if err != nil {
			r.add("sessions", StatusFail, "sqlite open: %v", err)
			return
		}
		defer repo.Close()
		r.add("sessions", StatusOK, "sqlite reachable at %s", cfg.Stores.Sessions.Path)
	case "postgres":
		repo, err := openPostgresRepo(ctx, cfg)
		if err != nil {
			r.add("sessions", StatusFail, "postgres not reachable: %v", err)
			return
		}
		defer repo.Close()
		r.add("sessions", StatusOK, "postgres reachable at %s:%d", cfg.Stores.Sessions.Postgres.Host, cfg.Stores.Sessions.Postgres.Port)
	}
}

func backendName(backend string) string {
	if backend == "" {
		return "sqlite"
	}
	return backend
}

func openSQLiteRepo(cfg *config.Config) (*sessionrepo.SQLiteRepository, error) {
	return sessionrepo.NewSQLite(sessionrepo.SQLiteConfig{Path: cfg.Stores.Sessions.Path})
}

func openPostgresRepo(ctx context.Context, cfg *config.Config) (*sessionrepo.PostgresRepository, error) {
	pg := cfg.Stores.Sessions.Postgres
	repoCfg := sessionrepo.DefaultPostgresConfig()
	if pg.Host != "" {
		repoCfg.Host = pg.Host
	}
	if pg.Port != 0 {
		repoCfg.Port = pg.Port
	}
	if pg.User != "" {
		repoCfg.User = pg.User
	}
	if pg.Password != "" {
		repoCfg.Password = pg.Password
	}
	if pg.Database != "" {
		repoCfg.Database = pg.Database
	}
	if pg.SSLMode != "" {
		repoCfg.SSLMode = pg.SSLMode
	}
	if deadline, ok := ctx.Deadline(); ok {
		repoCfg.ConnectTimeout = time.Until(deadline)
	}
	return sessionrepo.NewPostgres(repoCfg)
}
