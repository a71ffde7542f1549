// Package compress fits conversation history into a token budget. Messages
// are scored and mapped to importance tiers, the head and tail of the
// conversation are protected, and the low-value middle is dropped or, when a
// gateway is configured, replaced by an LLM-generated summary.
package compress

import (
	"strings"

	"github.com/turnstonelabs/turnstone/pkg/models"
)

// Importance is a message's tier after scoring. Higher tiers survive
// compression longer.
type Importance int

const (
	Trivial Importance = iota
	Low
	Medium
	High
	Critical
)

// String returns the tier name.
func (i Importance) String() string {
	switch i {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	default:
		return "trivial"
	}
}

const (
	// protectFirst head messages are promoted to Critical; they anchor the
	// task statement.
	protectFirst = 4

	// protectLast tail messages are promoted to at least High; they carry
	// the active exchange.
	protectLast = 6

	headBonus       = 30
	tailBonus       = 25
	userBonus       = 10
	assistantBonus  = 8
	toolCallBonus   = 20
	toolResultBonus = 15

	criticalKeywordBonus  = 15
	importantKeywordBonus = 8

	codeBlockBonus = 12
	listBonus      = 8
	questionBonus  = 5

	shortPenalty = -10
	longBonus    = 5
	shortLength  = 20
	longLength   = 500

	// overlapThreshold is the Jaccard similarity above which a message is
	// treated as redundant with already-recalled memories.
	overlapThreshold = 0.5
	overlapPenalty   = 15
)

// Tier score thresholds.
const (
	criticalScore = 50
	highScore     = 35
	mediumScore   = 20
	lowScore      = 10
)

// criticalKeywords mark messages recording decisions or outcomes. A single
// match earns the bonus; further matches do not stack.
var criticalKeywords = []string{
	"decision", "decided", "must remember", "remember this", "conclusion",
	"final answer", "confirmed", "agreed", "deadline",
}

// importantKeywords mark messages carrying reasoning or preferences.
var importantKeywords = []string{
	"plan", "reason", "because", "prefer", "goal", "constraint",
	"requirement", "important", "note that", "keep in mind",
}

// Score computes the additive score for messages[i]. recalled may be nil.
// The function is pure; identical inputs always produce identical scores.
func Score(messages []models.Message, i int, recalled []models.Memory) float64 {
	msg := messages[i]
	score := 0.0

	if i < protectFirst {
		score += headBonus
	}
	if i >= len(messages)-protectLast {
		score += tailBonus
	}

	switch msg.Role {
	case models.RoleUser:
		score += userBonus
	case models.RoleAssistant:
		score += assistantBonus
	}
	if len(msg.ToolCalls) > 0 {
		score += toolCallBonus
	}
	if msg.Role == models.RoleTool {
		score += toolResultBonus
	}

	lower := strings.ToLower(msg.Content)
	if containsAny(lower, criticalKeywords) {
		score += criticalKeywordBonus
	}
	if containsAny(lower, importantKeywords) {
		score += importantKeywordBonus
	}

	if strings.Contains(msg.Content, "```") {
		score += codeBlockBonus
	}
	if startsMarkdownList(msg.Content) {
		score += listBonus
	}
	if strings.Contains(msg.Content, "?") {
		score += questionBonus
	}

	switch n := len(msg.Content); {
	case n < shortLength:
		score += shortPenalty
	case n > longLength:
		score += longBonus
	}

	if overlap := maxOverlap(lower, recalled); overlap > overlapThreshold {
		score -= overlapPenalty * overlap
	}

	return score
}

// Tier maps a score to its importance tier.
func Tier(score float64) Importance {
	switch {
	case score >= criticalScore:
		return Critical
	case score >= highScore:
		return High
	case score >= mediumScore:
		return Medium
	case score >= lowScore:
		return Low
	default:
		return Trivial
	}
}

func containsAny(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func startsMarkdownList(content string) bool {
	trimmed := strings.TrimSpace(content)
	for _, prefix := range []string{"- ", "* ", "+ "} {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	if len(trimmed) >= 3 && trimmed[0] >= '0' && trimmed[0] <= '9' &&
		(trimmed[1] == '.' || trimmed[1] == ')') && trimmed[2] == ' ' {
		return true
	}
	return false
}

// maxOverlap returns the largest Jaccard word-set overlap between the
// message content and any recalled memory.
func maxOverlap(lower string, recalled []models.Memory) float64 {
	best := 0.0
	for _, mem := range recalled {
		if o := jaccard(lower, strings.ToLower(mem.Content)); o > best {
			best = o
		}
	}
	return best
}

func jaccard(a, b string) float64 {
	aset := wordSet(a)
	bset := wordSet(b)
	if len(aset) == 0 || len(bset) == 0 {
		return 0
	}
	inter := 0
	for w := range aset {
		if _, ok := bset[w]; ok {
			inter++
		}
	}
	union := len(aset) + len(bset) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{}, 16)
	for _, w := range strings.Fields(s) {
		set[w] = struct{}{}
	}
	return set
}
