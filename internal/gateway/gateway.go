package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/turnstonelabs/turnstone/internal/observability"
	"github.com/turnstonelabs/turnstone/internal/ratelimit"
)

var (
	// ErrNoKeyConfigured means the model routed to a provider whose API key
	// is absent from the environment.
	ErrNoKeyConfigured = errors.New("no API key configured for provider")

	// ErrModelNotFound means no provider claims the requested model.
	ErrModelNotFound = errors.New("model not found")
)

// maxTokensCeilings are the per-provider max_tokens caps. Requests above the
// ceiling are clamped with a warning; requests <= 0 are clamped to 1.
var maxTokensCeilings = map[string]int{
	"openai":     4096,
	"anthropic":  4096,
	"deepseek":   65536,
	"dashscope":  8192,
	"volcengine": 8192,
	"zhipuai":    8192,
}

const defaultMaxTokensCeiling = 8192

// modelRoutes maps model-name prefixes to provider names. First match wins;
// matching is case-insensitive.
var modelRoutes = []struct {
	prefix   string
	provider string
}{
	{"gpt", "openai"},
	{"chatgpt", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"o4", "openai"},
	{"text-embedding", "openai"},
	{"claude", "anthropic"},
	{"qwen", "dashscope"},
	{"qwq", "dashscope"},
	{"qvq", "dashscope"},
	{"deepseek", "deepseek"},
	{"doubao", "volcengine"},
	{"ep-", "volcengine"},
	{"glm", "zhipuai"},
	{"chatglm", "zhipuai"},
}

// knownModels are representative model listings per provider, reported by
// Models for doctor output. Routing accepts any model with a known prefix.
var knownModels = map[string][]string{
	"openai":     {"gpt-4o", "gpt-4o-mini", "gpt-4.1", "o3-mini"},
	"anthropic":  {"claude-sonnet-4-20250514", "claude-opus-4-20250514", "claude-3-5-haiku-20241022"},
	"dashscope":  {"qwen-max", "qwen-plus", "qwen-turbo", "qwq-32b"},
	"deepseek":   {"deepseek-chat", "deepseek-reasoner"},
	"volcengine": {"doubao-1-5-pro-32k", "doubao-1-5-lite-32k"},
	"zhipuai":    {"glm-4-plus", "glm-4-flash"},
}

// Route resolves a model name to its provider name.
func Route(model string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(model))
	for _, r := range modelRoutes {
		if strings.HasPrefix(lower, r.prefix) {
			return r.provider, nil
		}
	}
	return "", fmt.Errorf("%q: %w", model, ErrModelNotFound)
}

// Gateway fronts every configured provider behind one Chat/ChatStream pair.
// It routes by model prefix, clamps max_tokens, shapes prompts for caching,
// and keeps cache accounting. Safe for concurrent use.
type Gateway struct {
	providers map[string]Provider
	policy    *CachePolicy
	stats     CacheStats
	limiter   *ratelimit.Limiter
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
}

// Option adjusts gateway construction.
type Option func(*Gateway)

// WithCachePolicy overrides the default cache shaping rules.
func WithCachePolicy(policy *CachePolicy) Option {
	return func(g *Gateway) {
		if policy != nil {
			g.policy = policy
		}
	}
}

// WithTracer enables spans around provider calls.
func WithTracer(tracer *observability.Tracer) Option {
	return func(g *Gateway) {
		g.tracer = tracer
	}
}

// WithRateLimiter throttles dispatch per provider. Calls past the burst wait
// for a token instead of failing, bounded by the request context.
func WithRateLimiter(limiter *ratelimit.Limiter) Option {
	return func(g *Gateway) {
		g.limiter = limiter
	}
}

// New builds a gateway over the given providers. Providers are typically
// constructed from the environment by the providers package; a model routed
// to a provider not in the list fails with ErrNoKeyConfigured.
func New(provs []Provider, logger *observability.Logger, metrics *observability.Metrics, opts ...Option) *Gateway {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	g := &Gateway{
		providers: make(map[string]Provider, len(provs)),
		policy:    NewCachePolicy(),
		logger:    logger,
		metrics:   metrics,
	}
	for _, p := range provs {
		g.providers[p.Name()] = p
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Chat routes one blocking completion to the provider owning the model.
func (g *Gateway) Chat(ctx context.Context, req *Request) (*Response, error) {
	provider, err := g.provider(req.Model)
	if err != nil {
		g.recordError("routing")
		return nil, err
	}
	if err := g.throttle(ctx, provider.Name()); err != nil {
		return nil, err
	}
	prepared := g.prepare(ctx, req, provider.Name())

	var span trace.Span
	if g.tracer != nil {
		ctx, span = g.tracer.TraceLLMRequest(ctx, provider.Name(), req.Model)
		defer span.End()
	}

	start := time.Now()
	resp, err := provider.Chat(ctx, prepared)
	duration := time.Since(start)
	if err != nil {
		if g.tracer != nil {
			g.tracer.RecordError(span, err)
		}
		g.record(provider.Name(), req.Model, "error", duration, Usage{})
		return nil, err
	}

	g.record(provider.Name(), req.Model, "ok", duration, resp.Usage)
	g.account(provider.Name(), resp.Usage)
	return resp, nil
}

// ChatStream routes one streaming completion. The returned channel relays
// the provider's chunks unchanged; accounting happens once the final chunk
// (carrying usage) has passed through.
func (g *Gateway) ChatStream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	provider, err := g.provider(req.Model)
	if err != nil {
		g.recordError("routing")
		return nil, err
	}
	if err := g.throttle(ctx, provider.Name()); err != nil {
		return nil, err
	}
	prepared := g.prepare(ctx, req, provider.Name())

	start := time.Now()
	upstream, err := provider.ChatStream(ctx, prepared)
	if err != nil {
		g.record(provider.Name(), req.Model, "error", time.Since(start), Usage{})
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		status := "ok"
		var usage Usage
		for chunk := range upstream {
			if chunk.Err != nil {
				status = "error"
			}
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			out <- chunk
		}
		g.record(provider.Name(), req.Model, status, time.Since(start), usage)
		if status == "ok" {
			g.account(provider.Name(), usage)
		}
	}()
	return out, nil
}

// Stats returns a snapshot of the prompt-cache accounting.
func (g *Gateway) Stats() CacheStatsSnapshot {
	return g.stats.Snapshot()
}

// Providers lists the configured provider names, sorted.
func (g *Gateway) Providers() []string {
	names := make([]string, 0, len(g.providers))
	for name := range g.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Models lists representative models for each configured provider.
func (g *Gateway) Models() map[string][]string {
	out := make(map[string][]string, len(g.providers))
	for name := range g.providers {
		out[name] = append([]string(nil), knownModels[name]...)
	}
	return out
}

func (g *Gateway) provider(model string) (Provider, error) {
	name, err := Route(model)
	if err != nil {
		return nil, err
	}
	p, ok := g.providers[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNoKeyConfigured)
	}
	return p, nil
}

func (g *Gateway) throttle(ctx context.Context, providerName string) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Wait(ctx, providerName); err != nil {
		g.recordError("ratelimit")
		return fmt.Errorf("rate limit wait for %s: %w", providerName, err)
	}
	return nil
}

// prepare returns a shallow copy of the request with max_tokens clamped to
// the provider ceiling and the cache plan computed.
func (g *Gateway) prepare(ctx context.Context, req *Request, providerName string) *Request {
	prepared := *req

	ceiling, ok := maxTokensCeilings[providerName]
	if !ok {
		ceiling = defaultMaxTokensCeiling
	}
	switch {
	case prepared.MaxTokens > ceiling:
		g.logger.Warn(ctx, "max_tokens above provider ceiling, clamping",
			"provider", providerName,
			"requested", prepared.MaxTokens,
			"ceiling", ceiling)
		prepared.MaxTokens = ceiling
	case prepared.MaxTokens <= 0:
		prepared.MaxTokens = 1
	}

	prepared.CachePlan = g.policy.Plan(providerName, &prepared)
	return &prepared
}

func (g *Gateway) account(provider string, usage Usage) {
	if usage.CacheReadInputTokens > 0 {
		saved := g.stats.recordHit(provider, usage.CacheReadInputTokens)
		if g.metrics != nil {
			g.metrics.RecordCacheHit(provider, float64(saved))
		}
	}
	if usage.CacheCreationInputTokens > 0 {
		g.stats.recordMiss()
		if g.metrics != nil {
			g.metrics.RecordCacheMiss(provider)
		}
	}
}

func (g *Gateway) record(provider, model, status string, duration time.Duration, usage Usage) {
	if g.metrics == nil {
		return
	}
	g.metrics.RecordLLMRequest(provider, model, status, duration,
		usage.PromptTokens, usage.CompletionTokens)
}

func (g *Gateway) recordError(errorType string) {
	if g.metrics == nil {
		return
	}
	g.metrics.RecordError("gateway", errorType)
}
