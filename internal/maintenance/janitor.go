// Package maintenance runs the periodic housekeeping jobs: reclaiming
// orphaned sandbox containers, compacting the local stores, and logging
// prompt-cache statistics.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/turnstonelabs/turnstone/internal/gateway"
	"github.com/turnstonelabs/turnstone/internal/observability"
)

// cronParser accepts standard five-field specs, six-field specs with
// seconds, and descriptors such as @hourly and @every 5m.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

const jobTimeout = 2 * time.Minute

// Config holds the job schedules. An empty schedule disables that job.
type Config struct {
	// OrphanReclaim schedules sandbox container reclaim.
	OrphanReclaim string

	// Compaction schedules store compaction.
	Compaction string

	// CacheStats schedules the prompt-cache statistics log line.
	CacheStats string

	// OrphanMaxAge is how old a container must be before reclaim considers
	// it abandoned. Defaults to one hour.
	OrphanMaxAge time.Duration
}

// SessionReaper reclaims sandbox containers that no live session owns.
type SessionReaper interface {
	CleanupOrphaned(ctx context.Context, maxAge time.Duration) (int, error)
}

// Compactor is any store that can reclaim space in place.
type Compactor interface {
	Compact(ctx context.Context) error
}

// StatsSource exposes the gateway's prompt-cache counters.
type StatsSource interface {
	Stats() gateway.CacheStatsSnapshot
}

// Janitor owns the cron runner. Jobs whose dependency is nil are never
// registered, so a partially wired core (no sandbox, no gateway) still runs
// the rest.
type Janitor struct {
	cfg        Config
	reaper     SessionReaper
	compactors []Compactor
	stats      StatsSource
	logger     *observability.Logger

	mu      sync.Mutex
	runner  *cron.Cron
	running bool
}

// New builds a janitor. Any of reaper, compactors, and stats may be nil.
func New(cfg Config, reaper SessionReaper, compactors []Compactor, stats StatsSource, logger *observability.Logger) *Janitor {
	if cfg.OrphanMaxAge <= 0 {
		cfg.OrphanMaxAge = time.Hour
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Janitor{
		cfg:        cfg,
		reaper:     reaper,
		compactors: compactors,
		stats:      stats,
		logger:     logger,
	}
}

// Start parses the schedules, registers the jobs, and starts the runner.
// A bad schedule fails startup rather than silently skipping the job.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}

	log := cronLogger{j.logger}
	runner := cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)

	type job struct {
		name string
		spec string
		fn   func()
		skip bool
	}
	jobs := []job{
		{"orphan_reclaim", j.cfg.OrphanReclaim, j.reapOrphans, j.reaper == nil},
		{"compaction", j.cfg.Compaction, j.compactStores, len(j.compactors) == 0},
		{"cache_stats", j.cfg.CacheStats, j.logCacheStats, j.stats == nil},
	}
	for _, jb := range jobs {
		if jb.skip || jb.spec == "" {
			continue
		}
		if _, err := runner.AddFunc(jb.spec, jb.fn); err != nil {
			return fmt.Errorf("maintenance schedule %s (%q): %w", jb.name, jb.spec, err)
		}
		j.logger.Debug(context.Background(), "maintenance job scheduled", "job", jb.name, "spec", jb.spec)
	}

	runner.Start()
	j.runner = runner
	j.running = true
	j.logger.Info(context.Background(), "maintenance janitor started")
	return nil
}

// Stop halts scheduling and waits for running jobs to finish, bounded by ctx.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = false
	runner := j.runner
	j.runner = nil
	j.mu.Unlock()

	select {
	case <-runner.Stop().Done():
		j.logger.Info(ctx, "maintenance janitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Janitor) reapOrphans() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	removed, err := j.reaper.CleanupOrphaned(ctx, j.cfg.OrphanMaxAge)
	if err != nil {
		j.logger.Warn(ctx, "orphan reclaim failed", "error", err.Error())
		return
	}
	if removed > 0 {
		j.logger.Info(ctx, "orphaned sandbox containers reclaimed", "count", removed)
	}
}

func (j *Janitor) compactStores() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	for _, c := range j.compactors {
		if err := c.Compact(ctx); err != nil {
			j.logger.Warn(ctx, "store compaction failed", "error", err.Error())
		}
	}
}

func (j *Janitor) logCacheStats() {
	snap := j.stats.Stats()
	j.logger.Info(context.Background(), "prompt cache stats",
		"hits", snap.Hits,
		"misses", snap.Misses,
		"saved_tokens", snap.SavedTokens,
	)
}

// cronLogger adapts the structured logger to the cron.Logger interface used
// by the recovery and overlap-skip wrappers.
type cronLogger struct {
	l *observability.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(context.Background(), "cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	kv := append([]interface{}{"error", err.Error()}, keysAndValues...)
	c.l.Error(context.Background(), "cron: "+msg, kv...)
}
