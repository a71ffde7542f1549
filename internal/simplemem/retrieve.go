package simplemem

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/turnstonelabs/turnstone/pkg/models"
)

// Tokens that signal a query reaches across time.
var timeTokens = wordSet(
	"today", "yesterday", "tomorrow", "now", "ago", "recently", "recent",
	"last", "next", "earlier", "later", "week", "month", "year", "date",
	"morning", "afternoon", "evening", "tonight",
)

// WH-words and logical connectives that signal a reasoning query.
var reasoningTokens = wordSet(
	"why", "how", "what", "which", "who", "whom", "where", "when",
	"because", "therefore", "thus", "hence", "if", "unless", "whether",
	"compare", "versus", "vs", "difference",
)

func wordSet(words ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(words))
	for _, w := range words {
		s[w] = struct{}{}
	}
	return s
}

// queryComplexity estimates how demanding a query is on recall, in [0,1].
// Length, named entities, time references, and reasoning words each
// contribute; the first word is skipped for entity counting since it is
// capitalised regardless.
func queryComplexity(query string) float64 {
	words := strings.Fields(query)
	if len(words) == 0 {
		return 0
	}
	c := 0.0
	switch {
	case len(words) >= 15:
		c += 0.3
	case len(words) >= 8:
		c += 0.15
	}

	entityBonus := 0.1 * float64(countEntities(strings.Join(words[1:], " ")))
	if entityBonus > 0.3 {
		entityBonus = 0.3
	}
	c += entityBonus

	toks := tokenize(query)
	if containsAny(toks, timeTokens) {
		c += 0.2
	}
	if containsAny(toks, reasoningTokens) {
		c += 0.15
	}

	if c > 1 {
		c = 1
	}
	return c
}

func containsAny(tokens []string, set map[string]struct{}) bool {
	for _, t := range tokens {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}

// adaptiveK maps complexity to a result count: below 0.5 the minimum, then
// linear up to the maximum at complexity 1.
func adaptiveK(complexity float64, kMin, kMax int) int {
	if complexity < 0.5 {
		return kMin
	}
	t := (complexity - 0.5) / 0.5
	return kMin + int(math.Round(t*float64(kMax-kMin)))
}

// AdaptiveRetrieve recalls atoms for a query. k <= 0 lets the query's
// complexity choose k. Semantic (vector) and lexical (BM25) rankings are
// fused by reciprocal rank; ties keep the semantic order.
func (ing *Ingestor) AdaptiveRetrieve(ctx context.Context, sessionID, query string, k int) ([]models.Memory, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if k <= 0 {
		k = adaptiveK(queryComplexity(query), ing.cfg.KMin, ing.cfg.KMax)
	}

	semantic, err := ing.mem.Search(ctx, sessionID, query, k, models.MemoryTypeAtom)
	if err != nil {
		return nil, fmt.Errorf("semantic retrieval: %w", err)
	}

	st := ing.session(sessionID)
	lexical := st.index.Search(query, k)

	// Rank lists share atom ids as keys; memories that predate atom
	// tagging fall back to their record id.
	semanticIDs := make([]string, len(semantic))
	byKey := make(map[string]models.Memory, len(semantic)+len(lexical))
	for i, m := range semantic {
		key := m.ID
		if aid, ok := m.Metadata["atom_id"].(string); ok && aid != "" {
			key = aid
		}
		semanticIDs[i] = key
		byKey[key] = m
	}
	lexicalIDs := make([]string, len(lexical))
	for i, hit := range lexical {
		lexicalIDs[i] = hit.ID
		if _, ok := byKey[hit.ID]; ok {
			continue
		}
		ing.mu.Lock()
		atom, ok := st.atoms[hit.ID]
		ing.mu.Unlock()
		if !ok {
			continue
		}
		byKey[hit.ID] = models.Memory{
			ID:         atom.ID,
			SessionID:  sessionID,
			Type:       models.MemoryTypeAtom,
			Content:    atom.Content,
			Importance: atom.Importance,
			CreatedAt:  atom.Timestamp,
			Metadata:   map[string]any{"atom_id": atom.ID},
		}
	}

	fused := reciprocalRankFusion(semanticIDs, lexicalIDs)
	out := make([]models.Memory, 0, k)
	for _, hit := range fused {
		m, ok := byKey[hit.id]
		if !ok {
			continue
		}
		m.Score = hit.score
		out = append(out, m)
		if len(out) == k {
			break
		}
	}
	return out, nil
}
