package compress

import (
	"context"
	"fmt"
	"strings"

	"github.com/turnstonelabs/turnstone/internal/gateway"
	"github.com/turnstonelabs/turnstone/pkg/models"
)

// SummaryClient is the slice of the LLM gateway the compressor needs.
type SummaryClient interface {
	Chat(ctx context.Context, req *gateway.Request) (*gateway.Response, error)
}

const (
	// summaryTrigger is the fraction of the budget above which a summary is
	// attempted.
	summaryTrigger = 0.7

	// minSummarizable is the minimum number of candidate messages worth a
	// gateway call.
	minSummarizable = 3

	summaryMaxTokens   = 500
	summaryTemperature = 0.3
)

const summaryInstruction = "Summarize the following conversation excerpt in no more than " +
	"200 characters. Keep decisions, facts, constraints, and open questions. " +
	"Write plain prose, no preamble."

const summaryPrefix = "Summary of earlier conversation: "

type summarizer struct {
	client SummaryClient
	model  string
}

// summarize produces a summary of the low-importance middle of the
// conversation. Candidates sit outside the protected head and tail and rank
// at most Medium. It returns the summary text, how many messages it covers,
// and whether the attempt degraded (LLM failure; compression proceeds
// without a summary).
func (c *Compressor) summarize(ctx context.Context, messages []models.Message, entries []scored, budgetTokens int) (string, int, bool) {
	if c.summarizer == nil {
		return "", 0, false
	}

	total := 0
	for _, e := range entries {
		total += e.tokens
	}
	if float64(total) <= summaryTrigger*float64(budgetTokens) {
		return "", 0, false
	}

	var candidates []models.Message
	for _, e := range entries {
		if e.index < protectFirst || e.index >= len(messages)-protectLast {
			continue
		}
		if e.tier > Medium {
			continue
		}
		candidates = append(candidates, messages[e.index])
	}
	if len(candidates) < minSummarizable {
		return "", 0, false
	}

	summary, err := c.summarizer.generate(ctx, candidates)
	if err != nil {
		c.logger.Warn(ctx, "summary generation failed, compressing without it", "error", err)
		return "", 0, true
	}
	return summary, len(candidates), false
}

func (s *summarizer) generate(ctx context.Context, candidates []models.Message) (string, error) {
	resp, err := s.client.Chat(ctx, &gateway.Request{
		Model: s.model,
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: summaryInstruction},
			{Role: models.RoleUser, Content: transcript(candidates)},
		},
		MaxTokens:   summaryMaxTokens,
		Temperature: summaryTemperature,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", fmt.Errorf("summary model returned no content")
	}
	return summaryPrefix + text, nil
}

// transcript flattens candidate messages into role-tagged lines for the
// summary prompt.
func transcript(messages []models.Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		sb.WriteString("[")
		sb.WriteString(string(msg.Role))
		sb.WriteString("]: ")
		sb.WriteString(msg.Content)
		sb.WriteString("\n\n")
	}
	return sb.String()
}
