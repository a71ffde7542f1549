package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/turnstonelabs/turnstone/internal/checkpoint"
	"github.com/turnstonelabs/turnstone/internal/compress"
	"github.com/turnstonelabs/turnstone/internal/config"
	"github.com/turnstonelabs/turnstone/internal/docstore"
	"github.com/turnstonelabs/turnstone/internal/gateway"
	"github.com/turnstonelabs/turnstone/internal/gateway/providers"
	"github.com/turnstonelabs/turnstone/internal/memory"
	"github.com/turnstonelabs/turnstone/internal/observability"
	"github.com/turnstonelabs/turnstone/internal/orchestrator"
	"github.com/turnstonelabs/turnstone/internal/ratelimit"
	"github.com/turnstonelabs/turnstone/internal/sessionrepo"
	"github.com/turnstonelabs/turnstone/internal/sessions"
	"github.com/turnstonelabs/turnstone/internal/simplemem"
	"github.com/turnstonelabs/turnstone/internal/tokens"
	"github.com/turnstonelabs/turnstone/internal/tools"
	"github.com/turnstonelabs/turnstone/internal/tools/builtin"
	"github.com/turnstonelabs/turnstone/internal/vectorstore"
	"github.com/turnstonelabs/turnstone/internal/vectorstore/embed"
	"github.com/turnstonelabs/turnstone/pkg/models"
)

// Core is the dependency root: every long-lived component, built once from
// configuration and never reassigned afterwards.
type Core struct {
	Config  *config.Config
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	Gateway      *gateway.Gateway
	Documents    docstore.Store
	Vectors      vectorstore.Store
	Memory       *memory.Manager
	Ingestor     *simplemem.Ingestor
	Compressor   *compress.Compressor
	Checkpointer *checkpoint.Checkpointer
	Repo         sessionrepo.Repository
	Sessions     *sessions.Manager
	Registry     *tools.Registry
	Orchestrator *orchestrator.Orchestrator

	tracerShutdown func(context.Context) error
}

// newCore assembles the core in dependency order: observability, gateway,
// stores, memory, then the orchestrator on top. On error the partially
// built core is torn down before returning.
func newCore(ctx context.Context, cfg *config.Config) (*Core, error) {
	c := &Core{Config: cfg}
	built := false
	defer func() {
		if !built {
			c.Close(context.Background())
		}
	}()

	c.Logger = observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	c.Metrics = observability.NewMetrics()
	c.Tracer, c.tracerShutdown = observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	provs, err := buildProviders(cfg)
	if err != nil {
		return nil, err
	}
	gatewayOpts := []gateway.Option{gateway.WithTracer(c.Tracer)}
	if cfg.Gateway.RateLimit.Enabled {
		gatewayOpts = append(gatewayOpts, gateway.WithRateLimiter(ratelimit.New(cfg.Gateway.RateLimit)))
	}
	c.Gateway = gateway.New(provs, c.Logger, c.Metrics, gatewayOpts...)

	c.Documents, err = buildDocumentStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("document store: %w", err)
	}
	if err := c.Documents.Setup(ctx); err != nil {
		return nil, fmt.Errorf("document store: %w", err)
	}

	embedder, err := embed.New(cfg.Stores.Embedding)
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	c.Vectors, err = vectorstore.New(cfg.Stores.Vector, embedder)
	if err != nil {
		return nil, fmt.Errorf("vector store: %w", err)
	}

	c.Memory = memory.NewManager(c.Vectors, c.Documents, memory.Config{
		Dimension:    embedder.Dimension(),
		DefaultLimit: cfg.Memory.DefaultLimit,
	}, c.Logger, c.Metrics)
	if err := c.Memory.Setup(ctx); err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}

	smCfg := cfg.Memory.SimpleMem
	if smCfg.ExtractionModel == "" {
		smCfg.ExtractionModel = cfg.Gateway.DefaultModel
	}
	c.Ingestor = simplemem.NewIngestor(c.Memory, c.Gateway, smCfg, c.Logger, c.Metrics)

	counter := tokens.NewCounter(cfg.Gateway.DefaultModel)
	compressOpts := []compress.Option{compress.WithMetrics(c.Metrics)}
	if cfg.Compression.SummaryModel != "" {
		compressOpts = append(compressOpts, compress.WithSummarizer(c.Gateway, cfg.Compression.SummaryModel))
	}
	c.Compressor = compress.New(counter, c.Logger, compressOpts...)

	c.Checkpointer = checkpoint.New(c.Documents, c.Logger,
		checkpoint.WithMetrics(c.Metrics),
		checkpoint.WithTracer(c.Tracer))

	c.Repo, err = buildSessionRepo(cfg)
	if err != nil {
		return nil, fmt.Errorf("session repository: %w", err)
	}

	c.Sessions = sessions.New(cfg.Sandbox.Pool, cfg.Sandbox.Execution, c.Logger,
		sessions.WithMetrics(c.Metrics))
	c.Sessions.Start()

	c.Registry = tools.NewRegistry(cfg.Tools.Policy, c.Logger,
		tools.WithMetrics(c.Metrics),
		tools.WithTracer(c.Tracer))
	c.Registry.Register(builtin.NewPythonTool(c.Sessions))
	c.Registry.Register(builtin.NewShellTool(c.Sessions))

	c.Orchestrator = orchestrator.New(c.Gateway, c.Registry, c.Checkpointer, c.Repo, c.Logger,
		orchestrator.WithMetrics(c.Metrics),
		orchestrator.WithTracer(c.Tracer),
		orchestrator.WithCompressor(c.Compressor),
		orchestrator.WithTokenCounter(counter),
		orchestrator.WithRetriever(c.Ingestor),
		orchestrator.WithExtractor(c.Ingestor),
		orchestrator.WithLimits(orchestrator.Limits{
			MaxToolIterations: *cfg.Turns.MaxToolIterations,
			TotalTimeout:      time.Duration(cfg.Turns.TotalTimeoutSeconds) * time.Second,
			HistoryBudget:     cfg.Compression.HistoryBudgetTokens,
		}),
		orchestrator.WithToolConcurrency(cfg.Turns.ToolConcurrency),
		orchestrator.WithRecallLimit(cfg.Memory.RecallLimit),
	)

	built = true
	return c, nil
}

// Close tears the core down in reverse dependency order. Safe on a
// partially built core; every field is nil-checked.
func (c *Core) Close(ctx context.Context) {
	if c.Orchestrator != nil {
		c.Orchestrator.WaitBackground()
	}
	if c.Sessions != nil {
		c.Sessions.Stop(ctx, models.CleanupShutdown)
	}
	if closer, ok := c.Repo.(io.Closer); ok {
		closer.Close()
	}
	if c.Vectors != nil {
		c.Vectors.Close()
	}
	if c.Documents != nil {
		c.Documents.Close()
	}
	if c.tracerShutdown != nil {
		c.tracerShutdown(ctx)
	}
}

// buildProviders constructs adapters from the environment. Providers named
// in the config are required: a missing key fails startup. With no list,
// whatever keys exist decide, and routing errors surface at call time.
func buildProviders(cfg *config.Config) ([]gateway.Provider, error) {
	if len(cfg.Gateway.Providers) == 0 {
		return providers.FromEnv(), nil
	}

	ctors := map[string]func() (gateway.Provider, error){
		"anthropic":  func() (gateway.Provider, error) { return providers.NewAnthropic() },
		"openai":     func() (gateway.Provider, error) { return providers.NewOpenAI() },
		"dashscope":  func() (gateway.Provider, error) { return providers.NewDashScope() },
		"deepseek":   func() (gateway.Provider, error) { return providers.NewDeepSeek() },
		"volcengine": func() (gateway.Provider, error) { return providers.NewVolcengine() },
		"zhipuai":    func() (gateway.Provider, error) { return providers.NewZhipuAI() },
	}

	var provs []gateway.Provider
	for _, name := range cfg.Gateway.Providers {
		ctor, ok := ctors[name]
		if !ok {
			return nil, fmt.Errorf("unknown provider %q", name)
		}
		p, err := ctor()
		if err != nil {
			return nil, fmt.Errorf("provider %s is listed in the config but not configured: %w", name, err)
		}
		provs = append(provs, p)
	}
	return provs, nil
}

func buildDocumentStore(cfg *config.Config) (docstore.Store, error) {
	switch cfg.Stores.Documents.Backend {
	case "memory":
		return docstore.NewMemory(), nil
	default:
		return docstore.NewSQLite(docstore.SQLiteConfig{Path: cfg.Stores.Documents.Path})
	}
}

func buildSessionRepo(cfg *config.Config) (sessionrepo.Repository, error) {
	switch cfg.Stores.Sessions.Backend {
	case "sqlite":
		return sessionrepo.NewSQLite(sessionrepo.SQLiteConfig{Path: cfg.Stores.Sessions.Path})
	case "postgres":
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
		return sessionrepo.NewPostgres(repoCfg)
	default:
		return sessionrepo.NewMemory(), nil
	}
}
