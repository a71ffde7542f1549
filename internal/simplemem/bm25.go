package simplemem

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

type bm25Doc struct {
	id    string
	terms map[string]int
	len   int
}

// BM25Index is an in-memory lexical index over atom summaries. One index
// exists per session; writes append under the lock, reads score against a
// consistent snapshot of the corpus.
type BM25Index struct {
	mu       sync.RWMutex
	docs     []bm25Doc
	byID     map[string]int
	df       map[string]int
	totalLen int
}

func NewBM25Index() *BM25Index {
	return &BM25Index{
		byID: make(map[string]int),
		df:   make(map[string]int),
	}
}

// Add indexes text under id. Re-adding a known id is a no-op: atom ids are
// content-derived, so the same id always carries the same text.
func (ix *BM25Index) Add(id, text string) {
	terms := termFrequencies(tokenize(text))
	if len(terms) == 0 {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.byID[id]; ok {
		return
	}
	doc := bm25Doc{id: id, terms: terms}
	for t, n := range terms {
		ix.df[t]++
		doc.len += n
	}
	ix.byID[id] = len(ix.docs)
	ix.docs = append(ix.docs, doc)
	ix.totalLen += doc.len
}

// Len reports the number of indexed documents.
func (ix *BM25Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// ScoredDoc is one lexical search hit.
type ScoredDoc struct {
	ID    string
	Score float64
}

// Search ranks the corpus against query with Okapi BM25 and returns up to
// limit hits with positive scores, best first. Ties keep insertion order.
func (ix *BM25Index) Search(query string, limit int) []ScoredDoc {
	qTerms := tokenize(query)
	if len(qTerms) == 0 || limit <= 0 {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if len(ix.docs) == 0 {
		return nil
	}

	n := float64(len(ix.docs))
	avgLen := float64(ix.totalLen) / n

	var hits []ScoredDoc
	for _, doc := range ix.docs {
		score := 0.0
		for _, t := range qTerms {
			tf := doc.terms[t]
			if tf == 0 {
				continue
			}
			df := float64(ix.df[t])
			idf := math.Log((n-df+0.5)/(df+0.5) + 1)
			num := float64(tf) * (bm25K1 + 1)
			den := float64(tf) + bm25K1*(1-bm25B+bm25B*float64(doc.len)/avgLen)
			score += idf * num / den
		}
		if score > 0 {
			hits = append(hits, ScoredDoc{ID: doc.id, Score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func termFrequencies(tokens []string) map[string]int {
	if len(tokens) == 0 {
		return nil
	}
	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	return tf
}
