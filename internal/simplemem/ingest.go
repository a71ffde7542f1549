// Package simplemem distils conversations into memory atoms and retrieves
// them with a hybrid of semantic search and per-session BM25, fused by
// reciprocal rank.
package simplemem

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/turnstonelabs/turnstone/internal/gateway"
	"github.com/turnstonelabs/turnstone/internal/observability"
	"github.com/turnstonelabs/turnstone/pkg/models"
)

// Completer is the slice of the LLM gateway used for atom extraction.
type Completer interface {
	Chat(ctx context.Context, req *gateway.Request) (*gateway.Response, error)
}

// MemoryStore is the slice of the long-term memory manager the ingestor
// persists to and retrieves from.
type MemoryStore interface {
	Put(ctx context.Context, sessionID, memoryType, content string, importance float64, metadata map[string]any) (string, error)
	Search(ctx context.Context, sessionID, query string, limit int, memoryType string) ([]models.Memory, error)
}

// Config tunes the ingestion pipeline. Zero values fall back to defaults.
type Config struct {
	WindowSize            int     `yaml:"window_size" json:"window_size"`
	Stride                int     `yaml:"stride" json:"stride"`
	NoveltyThreshold      float64 `yaml:"novelty_threshold" json:"novelty_threshold"`
	MinContentChars       int     `yaml:"min_content_chars" json:"min_content_chars"`
	ConsolidationInterval int     `yaml:"consolidation_interval" json:"consolidation_interval"`
	ExtractionModel       string  `yaml:"extraction_model" json:"extraction_model"`
	ExtractionMaxTokens   int     `yaml:"extraction_max_tokens" json:"extraction_max_tokens"`
	KMin                  int     `yaml:"k_min" json:"k_min"`
	KMax                  int     `yaml:"k_max" json:"k_max"`
}

func (c *Config) applyDefaults() {
	if c.WindowSize <= 0 {
		c.WindowSize = 10
	}
	if c.Stride <= 0 {
		c.Stride = 5
	}
	if c.NoveltyThreshold <= 0 {
		c.NoveltyThreshold = 0.35
	}
	if c.MinContentChars <= 0 {
		c.MinContentChars = 20
	}
	if c.ConsolidationInterval <= 0 {
		c.ConsolidationInterval = 50
	}
	if c.ExtractionModel == "" {
		c.ExtractionModel = "gpt-4o-mini"
	}
	if c.ExtractionMaxTokens <= 0 {
		c.ExtractionMaxTokens = 300
	}
	if c.KMin <= 0 {
		c.KMin = 3
	}
	if c.KMax <= 0 {
		c.KMax = 15
	}
}

// sessionState is the in-process corpus for one session. The BM25 index and
// the atom cache are rebuilt from scratch each process lifetime; the vector
// store remains the durable side.
type sessionState struct {
	index     *BM25Index
	atoms     map[string]models.MemoryAtom
	atomCount int
}

// Ingestor slices conversations into windows, filters them by novelty,
// extracts memory atoms through the LLM, and persists the survivors.
type Ingestor struct {
	mem     MemoryStore
	llm     Completer
	cfg     Config
	logger  *observability.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	sessions map[string]*sessionState
}

func NewIngestor(mem MemoryStore, llm Completer, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Ingestor {
	cfg.applyDefaults()
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Ingestor{
		mem:      mem,
		llm:      llm,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[string]*sessionState),
	}
}

func (ing *Ingestor) session(sessionID string) *sessionState {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	st, ok := ing.sessions[sessionID]
	if !ok {
		st = &sessionState{index: NewBM25Index(), atoms: make(map[string]models.MemoryAtom)}
		ing.sessions[sessionID] = st
	}
	return st
}

const extractionSystemPrompt = `You distil conversation fragments into durable memories.
Respond with exactly one JSON object and nothing else:
{"summary": "one or two sentences of facts worth remembering", "entities": ["named things mentioned"], "importance": 1-10}`

// ProcessAndStore slides a window across messages, extracts an atom per
// sufficiently novel window, and persists each new atom. Windows whose
// extraction fails are dropped without retry; persistence failures skip the
// atom but do not abort the run. The returned slice holds the atoms stored
// during this call.
func (ing *Ingestor) ProcessAndStore(ctx context.Context, sessionID, userID string, messages []models.Message) ([]models.MemoryAtom, error) {
	windows := slideWindows(messages, ing.cfg.WindowSize, ing.cfg.Stride)
	if len(windows) == 0 {
		return nil, nil
	}
	st := ing.session(sessionID)

	var stored []models.MemoryAtom
	for _, win := range windows {
		if err := ctx.Err(); err != nil {
			return stored, err
		}
		content := windowContent(win)
		if len(content) < ing.cfg.MinContentChars {
			continue
		}
		if novelty := noveltyScore(content); novelty < ing.cfg.NoveltyThreshold {
			continue
		}

		atom, ok := ing.extract(ctx, content)
		if !ok {
			ing.recordOp("extract", "dropped")
			continue
		}
		atom.SourceSession = sessionID
		atom.Timestamp = time.Now().UTC()

		ing.mu.Lock()
		_, dup := st.atoms[atom.ID]
		if !dup {
			st.atoms[atom.ID] = atom
		}
		ing.mu.Unlock()
		if dup {
			continue
		}

		_, err := ing.mem.Put(ctx, sessionID, models.MemoryTypeAtom, atom.Content, atom.Importance, map[string]any{
			"atom_id":   atom.ID,
			"entities":  atom.Entities,
			"user_id":   userID,
			"timestamp": atom.Timestamp.Format(time.RFC3339),
		})
		if err != nil {
			ing.logger.Warn(ctx, "failed to persist memory atom",
				"session_id", sessionID, "atom_id", atom.ID, "error", err)
			ing.recordOp("ingest", "error")
			ing.mu.Lock()
			delete(st.atoms, atom.ID)
			ing.mu.Unlock()
			continue
		}

		st.index.Add(atom.ID, atom.Content)
		ing.recordOp("ingest", "success")
		stored = append(stored, atom)

		ing.mu.Lock()
		st.atomCount++
		if st.atomCount >= ing.cfg.ConsolidationInterval {
			ing.consolidate(ctx, sessionID, st)
		}
		ing.mu.Unlock()
	}
	return stored, nil
}

// consolidate is the merge hook, called every ConsolidationInterval atoms
// with ing.mu held. Merging is not implemented yet; the counter reset keeps
// the cadence in place for when it is.
func (ing *Ingestor) consolidate(ctx context.Context, sessionID string, st *sessionState) {
	st.atomCount = 0
	ing.logger.Debug(ctx, "atom consolidation checkpoint",
		"session_id", sessionID, "indexed_atoms", st.index.Len())
}

func (ing *Ingestor) extract(ctx context.Context, content string) (models.MemoryAtom, bool) {
	resp, err := ing.llm.Chat(ctx, &gateway.Request{
		Model: ing.cfg.ExtractionModel,
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: extractionSystemPrompt},
			{Role: models.RoleUser, Content: content},
		},
		Temperature: 0.1,
		MaxTokens:   ing.cfg.ExtractionMaxTokens,
	})
	if err != nil {
		ing.logger.Warn(ctx, "atom extraction call failed", "error", err)
		return models.MemoryAtom{}, false
	}
	return parseAtomExtraction(resp.Content)
}

// parseAtomExtraction pulls {summary, entities, importance} out of a model
// response. Anything that does not contain a JSON object with a non-empty
// summary fails the parse.
func parseAtomExtraction(raw string) (models.MemoryAtom, bool) {
	s := strings.TrimSpace(raw)
	i, j := strings.Index(s, "{"), strings.LastIndex(s, "}")
	if i < 0 || j <= i {
		return models.MemoryAtom{}, false
	}
	s = s[i : j+1]
	if !gjson.Valid(s) {
		return models.MemoryAtom{}, false
	}
	root := gjson.Parse(s)

	summary := strings.TrimSpace(root.Get("summary").String())
	if summary == "" {
		return models.MemoryAtom{}, false
	}
	var entities []string
	for _, e := range root.Get("entities").Array() {
		if v := strings.TrimSpace(e.String()); v != "" {
			entities = append(entities, v)
		}
	}
	importance := root.Get("importance").Float()
	if importance == 0 {
		importance = 5
	}

	atom := models.MemoryAtom{
		ID:         models.AtomID(summary, entities),
		Content:    summary,
		Entities:   entities,
		Importance: models.ClampImportance(importance),
	}
	return atom, true
}

// slideWindows cuts messages into overlapping slices of size with the given
// stride. The final window absorbs the tail, so short inputs produce exactly
// one window.
func slideWindows(msgs []models.Message, size, stride int) [][]models.Message {
	if len(msgs) == 0 {
		return nil
	}
	var out [][]models.Message
	for start := 0; ; start += stride {
		end := start + size
		if end >= len(msgs) {
			out = append(out, msgs[start:])
			break
		}
		out = append(out, msgs[start:end])
	}
	return out
}

// windowContent renders the dialogue text of a window. System and tool
// plumbing messages are left out; role labels stay lowercase so they never
// count as entities.
func windowContent(msgs []models.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			continue
		}
		if m.Content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// noveltyScore blends lexical diversity with entity density: 0.4 times the
// unique-token ratio plus 0.6 times unique entities over ten, capped at one.
func noveltyScore(content string) float64 {
	toks := tokenize(content)
	if len(toks) == 0 {
		return 0
	}
	uniq := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		uniq[t] = struct{}{}
	}
	ratio := float64(len(uniq)) / float64(len(toks))

	ents := float64(countEntities(content)) / 10
	if ents > 1 {
		ents = 1
	}
	return 0.4*ratio + 0.6*ents
}

// countEntities counts distinct capital-initial words of at least two runes.
func countEntities(text string) int {
	seen := make(map[string]struct{})
	for _, w := range strings.Fields(text) {
		w = strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if utf8.RuneCountInString(w) < 2 {
			continue
		}
		r, _ := utf8.DecodeRuneInString(w)
		if unicode.IsUpper(r) {
			seen[strings.ToLower(w)] = struct{}{}
		}
	}
	return len(seen)
}

func (ing *Ingestor) recordOp(op, status string) {
	if ing.metrics != nil {
		ing.metrics.RecordMemoryOperation(op, status)
	}
}
