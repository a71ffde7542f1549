package gateway

import (
	"sync/atomic"

	"github.com/turnstonelabs/turnstone/pkg/models"
)

// CachePolicy decides which system messages receive prompt-cache breakpoints
// before dispatch. Anthropic honours up to 4 explicit breakpoints, DeepSeek
// one; OpenAI caches automatically and gets none. Only system messages long
// enough to be worth caching are marked.
type CachePolicy struct {
	rules map[string]cacheRule
}

type cacheRule struct {
	maxBreakpoints int
	minChars       int
}

// NewCachePolicy returns the default per-provider shaping rules.
func NewCachePolicy() *CachePolicy {
	return &CachePolicy{
		rules: map[string]cacheRule{
			"anthropic": {maxBreakpoints: 4, minChars: 1024},
			"deepseek":  {maxBreakpoints: 1, minChars: 1024},
		},
	}
}

// Plan computes breakpoint positions for one request. It returns nil when
// the provider takes no markers or no system message meets the length bar.
func (p *CachePolicy) Plan(provider string, req *Request) *CachePlan {
	rule, ok := p.rules[provider]
	if !ok || rule.maxBreakpoints == 0 {
		return nil
	}

	var indexes []int
	for i, msg := range req.Messages {
		if msg.Role != models.RoleSystem {
			continue
		}
		if len(msg.Content) < rule.minChars {
			continue
		}
		indexes = append(indexes, i)
		if len(indexes) == rule.maxBreakpoints {
			break
		}
	}
	if len(indexes) == 0 {
		return nil
	}
	return &CachePlan{SystemIndexes: indexes}
}

// cacheDiscounts estimate the fraction of input cost avoided when tokens are
// served from the provider's prompt cache.
var cacheDiscounts = map[string]float64{
	"anthropic": 0.90,
	"deepseek":  0.50,
	"openai":    0.50,
}

// CacheStats accumulates prompt-cache accounting across requests. All
// methods are safe for concurrent use.
type CacheStats struct {
	hits        atomic.Int64
	misses      atomic.Int64
	savedTokens atomic.Int64
}

// CacheStatsSnapshot is a point-in-time copy of the cache counters.
type CacheStatsSnapshot struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	SavedTokens int64 `json:"saved_tokens"`
}

// recordHit counts a cache read and returns the estimated tokens saved,
// discounted by the provider's cache pricing.
func (s *CacheStats) recordHit(provider string, readTokens int) int64 {
	s.hits.Add(1)
	discount, ok := cacheDiscounts[provider]
	if !ok {
		discount = 0.5
	}
	saved := int64(float64(readTokens) * discount)
	if saved > 0 {
		s.savedTokens.Add(saved)
	}
	return saved
}

// recordMiss counts a cache creation (the prompt was newly cached).
func (s *CacheStats) recordMiss() {
	s.misses.Add(1)
}

// Snapshot copies the counters.
func (s *CacheStats) Snapshot() CacheStatsSnapshot {
	return CacheStatsSnapshot{
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		SavedTokens: s.savedTokens.Load(),
	}
}
