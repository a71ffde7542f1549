package models

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Memory is a long-term memory record. It lives in two places that must
// agree on ID: the vector index (content plus a filterable payload) and the
// document store (the full record).
type Memory struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Type       string         `json:"type"`
	Content    string         `json:"content"`
	Importance float64        `json:"importance"`
	CreatedAt  time.Time      `json:"created_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	// Score is the retrieval similarity, set only on search results.
	Score float64 `json:"score,omitempty"`
}

// MemoryTypeAtom is the memory type under which SimpleMem atoms are stored.
const MemoryTypeAtom = "simplemem_atom"

// MemoryAtom is a distilled unit of long-term memory produced from a window
// of conversation. A window produces zero or one atom.
type MemoryAtom struct {
	ID            string    `json:"id"`
	Content       string    `json:"content"`
	Entities      []string  `json:"entities,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	SourceSession string    `json:"source_session"`
	Importance    float64   `json:"importance"`
	Tokens        int       `json:"tokens"`
}

// AtomID derives the stable identifier for an atom from its summary and
// entity set. Re-extracting the same window yields the same ID, so repeated
// ingestion upserts instead of duplicating.
func AtomID(summary string, entities []string) string {
	norm := make([]string, 0, len(entities))
	for _, e := range entities {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			norm = append(norm, e)
		}
	}
	sort.Strings(norm)
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(summary)))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(norm, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// ClampImportance bounds an importance value to the valid [1,10] range.
func ClampImportance(v float64) float64 {
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}
