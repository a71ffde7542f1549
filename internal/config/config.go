// Package config loads and validates the turnstone configuration file.
// Files may be YAML or JSON5 (by extension), may pull in other files with
// $include, and have environment variables expanded before parsing. Decoding
// is strict: unknown keys are errors.
package config

import (
	"fmt"
	"strings"

	"github.com/turnstonelabs/turnstone/internal/ratelimit"
	"github.com/turnstonelabs/turnstone/internal/sandbox"
	"github.com/turnstonelabs/turnstone/internal/sessions"
	"github.com/turnstonelabs/turnstone/internal/simplemem"
	"github.com/turnstonelabs/turnstone/internal/tools/policy"
	"github.com/turnstonelabs/turnstone/internal/vectorstore"
	"github.com/turnstonelabs/turnstone/internal/vectorstore/embed"
)

// Config is the root of the configuration file.
type Config struct {
	Version     int                    `yaml:"version"`
	Logging     LoggingConfig          `yaml:"logging"`
	Tracing     TracingConfig          `yaml:"tracing"`
	Gateway     GatewayConfig          `yaml:"gateway"`
	Stores      StoresConfig           `yaml:"stores"`
	Memory      MemoryConfig           `yaml:"memory"`
	Compression CompressionConfig      `yaml:"compression"`
	Sandbox     SandboxConfig          `yaml:"sandbox"`
	Tools       ToolsConfig            `yaml:"tools"`
	Agents      map[string]AgentConfig `yaml:"agents"`
	Turns       TurnConfig             `yaml:"turns"`
	Maintenance MaintenanceConfig      `yaml:"maintenance"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

type TracingConfig struct {
	ServiceName  string  `yaml:"service_name"`
	Endpoint     string  `yaml:"endpoint"` // OTLP gRPC; empty disables export
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// GatewayConfig selects the LLM provider adapters. Keys and base URLs come
// from the environment (ANTHROPIC_API_KEY and friends); listing a provider
// here makes a missing key a startup error instead of a skipped adapter.
type GatewayConfig struct {
	Providers    []string         `yaml:"providers"`
	DefaultModel string           `yaml:"default_model"`
	RateLimit    ratelimit.Config `yaml:"rate_limit"`
}

type StoresConfig struct {
	Documents DocumentStoreConfig `yaml:"documents"`
	Vector    vectorstore.Config  `yaml:"vector"`
	Embedding embed.Config        `yaml:"embedding"`
	Sessions  SessionStoreConfig  `yaml:"sessions"`
}

type DocumentStoreConfig struct {
	Backend string `yaml:"backend"` // sqlite, memory
	Path    string `yaml:"path"`    // sqlite only; empty means in-memory
}

type SessionStoreConfig struct {
	Backend  string         `yaml:"backend"` // memory, sqlite, postgres
	Path     string         `yaml:"path"`    // sqlite only
	Postgres PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

type MemoryConfig struct {
	// DefaultLimit is the search result count when a caller passes none.
	DefaultLimit int `yaml:"default_limit"`

	// RecallLimit is how many memories a turn recalls into its prompt.
	RecallLimit int `yaml:"recall_limit"`

	SimpleMem simplemem.Config `yaml:"simplemem"`
}

type CompressionConfig struct {
	HistoryBudgetTokens int `yaml:"history_budget_tokens"`

	// SummaryModel enables LLM summaries of compressed-away history.
	// Empty disables summarisation.
	SummaryModel string `yaml:"summary_model"`
}

type SandboxConfig struct {
	Execution sandbox.Config  `yaml:"execution"`
	Pool      sessions.Policy `yaml:"pool"`
}

// ToolsConfig is the hot-swappable section: the watcher re-reads it on file
// change and hands the new policy to the registry.
type ToolsConfig struct {
	Policy policy.Policy `yaml:"policy"`
}

// AgentConfig is one named agent. An empty model inherits
// gateway.default_model.
type AgentConfig struct {
	Model         string   `yaml:"model"`
	Temperature   float32  `yaml:"temperature"`
	MaxTokens     int      `yaml:"max_tokens"`
	SystemPrompt  string   `yaml:"system_prompt"`
	Tools         []string `yaml:"tools"`
	MaxIterations int      `yaml:"max_iterations"`
}

// TurnConfig bounds a single orchestrator turn. MaxToolIterations is a
// pointer because zero is meaningful: it forbids tool rounds entirely.
type TurnConfig struct {
	MaxToolIterations   *int `yaml:"max_tool_iterations"`
	TotalTimeoutSeconds int  `yaml:"total_timeout_seconds"`
	ToolConcurrency     int  `yaml:"tool_concurrency"`
}

// MaintenanceConfig schedules the background janitor. Schedules use cron
// syntax (standard five fields or descriptors such as @hourly).
type MaintenanceConfig struct {
	Enabled       bool   `yaml:"enabled"`
	OrphanReclaim string `yaml:"orphan_reclaim"`
	Compaction    string `yaml:"compaction"`
	CacheStats    string `yaml:"cache_stats"`
}

// KnownProviders are the adapter names accepted in gateway.providers.
var KnownProviders = []string{"anthropic", "openai", "dashscope", "deepseek", "volcengine", "zhipuai"}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "turnstone"
	}
	if cfg.Tracing.SamplingRate <= 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
	if cfg.Memory.RecallLimit <= 0 {
		cfg.Memory.RecallLimit = 5
	}
	if cfg.Compression.HistoryBudgetTokens <= 0 {
		cfg.Compression.HistoryBudgetTokens = 8192
	}
	if cfg.Turns.MaxToolIterations == nil {
		n := 10
		cfg.Turns.MaxToolIterations = &n
	}
	if cfg.Turns.TotalTimeoutSeconds <= 0 {
		cfg.Turns.TotalTimeoutSeconds = 300
	}
	if cfg.Turns.ToolConcurrency <= 0 {
		cfg.Turns.ToolConcurrency = 5
	}
	if cfg.Maintenance.OrphanReclaim == "" {
		cfg.Maintenance.OrphanReclaim = "*/10 * * * *"
	}
	if cfg.Maintenance.Compaction == "" {
		cfg.Maintenance.Compaction = "@hourly"
	}
	if cfg.Maintenance.CacheStats == "" {
		cfg.Maintenance.CacheStats = "*/5 * * * *"
	}
	if len(cfg.Agents) == 0 {
		cfg.Agents = map[string]AgentConfig{"default": {}}
	}
	for name, agent := range cfg.Agents {
		if agent.Model == "" {
			agent.Model = cfg.Gateway.DefaultModel
			cfg.Agents[name] = agent
		}
	}
	// Pool, sandbox, simplemem, rate limit, vector and embedding defaults
	// live in their packages; their constructors fill the zero values left
	// here.
}

// Validate reports the first configuration error. It runs after defaults, so
// only genuinely wrong values fail; empty backend names resolve to each
// constructor's default.
func (c *Config) Validate() error {
	if err := ValidateVersion(c.Version); err != nil {
		return err
	}
	if !oneOf(c.Logging.Level, "debug", "info", "warn", "error") {
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if !oneOf(c.Logging.Format, "json", "text") {
		return fmt.Errorf("logging.format %q is not json or text", c.Logging.Format)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate %v is outside [0, 1]", c.Tracing.SamplingRate)
	}
	for _, name := range c.Gateway.Providers {
		if !oneOf(name, KnownProviders...) {
			return fmt.Errorf("gateway.providers: unknown provider %q (known: %s)", name, strings.Join(KnownProviders, ", "))
		}
	}
	if c.Gateway.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("gateway.rate_limit.requests_per_second %v is negative", c.Gateway.RateLimit.RequestsPerSecond)
	}
	if c.Gateway.RateLimit.Burst < 0 {
		return fmt.Errorf("gateway.rate_limit.burst %d is negative", c.Gateway.RateLimit.Burst)
	}
	if !oneOf(c.Stores.Documents.Backend, "", "sqlite", "memory") {
		return fmt.Errorf("stores.documents.backend %q is not sqlite or memory", c.Stores.Documents.Backend)
	}
	if !oneOf(c.Stores.Vector.Backend, "", "sqlite", "pgvector", "qdrant") {
		return fmt.Errorf("stores.vector.backend %q is not sqlite, pgvector, or qdrant", c.Stores.Vector.Backend)
	}
	if !oneOf(c.Stores.Embedding.Provider, "", "openai", "ollama", "fake") {
		return fmt.Errorf("stores.embedding.provider %q is not openai, ollama, or fake", c.Stores.Embedding.Provider)
	}
	if !oneOf(c.Stores.Sessions.Backend, "", "memory", "sqlite", "postgres") {
		return fmt.Errorf("stores.sessions.backend %q is not memory, sqlite, or postgres", c.Stores.Sessions.Backend)
	}
	if !oneOf(c.Sandbox.Execution.Mode, "", sandbox.ModeDocker, sandbox.ModeLocal, sandbox.ModeRemote) {
		return fmt.Errorf("sandbox.execution.mode %q is not docker, local, or remote", c.Sandbox.Execution.Mode)
	}
	for name, agent := range c.Agents {
		if agent.Model == "" {
			return fmt.Errorf("agents.%s: model is required (set it or gateway.default_model)", name)
		}
	}
	return nil
}

// Agent returns the named agent, defaulting the name to "default".
func (c *Config) Agent(name string) (AgentConfig, bool) {
	if name == "" {
		name = "default"
	}
	agent, ok := c.Agents[name]
	return agent, ok
}

func oneOf(value string, allowed ...string) bool {
	for _, candidate := range allowed {
		if value == candidate {
			return true
		}
	}
	return false
}
