// Package retrieval embeds a query, searches the vector store and assembles
// a bounded context for generation. It is synchronous and latency-sensitive:
// a hard timeout covers embed+search so a slow provider fails the call fast
// instead of stalling a chat turn.
package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tundrax/kbase/internal/core"
	"github.com/tundrax/kbase/internal/models"
)

type Config struct {
	TopK            int
	MaxContextChars int
	MinSimilarity   float64
	DedupeThreshold float64 // word-set Jaccard above which two chunks count as near-identical
	Timeout         time.Duration
}

type Engine struct {
	db       core.Store
	embedder core.Embedder
	cfg      Config
}

// Result is the assembled context. ChunksUsed == 0 with an empty Context
// means "no relevant knowledge", which is a successful outcome, not an
// error.
type Result struct {
	Context    string               `json:"context"`
	ChunksUsed int                  `json:"chunks_used"`
	Chunks     []models.ScoredChunk `json:"chunks,omitempty"`
}

const chunkSeparator = "\n\n---\n\n"

func NewEngine(db core.Store, embedder core.Embedder, cfg Config) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = 8000
	}
	if cfg.DedupeThreshold <= 0 {
		cfg.DedupeThreshold = 0.85
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Engine{db: db, embedder: embedder, cfg: cfg}
}

// Retrieve embeds queryText, searches knowledgeBaseID and assembles a ranked,
// deduplicated, budget-bounded context. topK and maxContextChars override the
// configured defaults when positive. Errors are reserved for infrastructure
// failure; an empty knowledge base or a query nothing matches returns an
// empty Result and a nil error.
func (e *Engine) Retrieve(ctx context.Context, knowledgeBaseID, queryText string, topK, maxContextChars int) (*Result, error) {
	if topK <= 0 {
		topK = e.cfg.TopK
	}
	if maxContextChars <= 0 {
		maxContextChars = e.cfg.MaxContextChars
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	queryVec, err := e.embedder.EmbedQuery(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	hits, err := e.db.SearchChunks(ctx, knowledgeBaseID, queryVec, topK, e.cfg.MinSimilarity)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}

	hits = dedupe(hits, e.cfg.DedupeThreshold)
	return assemble(hits, maxContextChars), nil
}

// dedupe drops chunks whose text is near-identical to an earlier (higher-
// similarity) hit. hits arrive ranked, so keeping the first occurrence keeps
// the best one.
func dedupe(hits []models.ScoredChunk, threshold float64) []models.ScoredChunk {
	var (
		kept     []models.ScoredChunk
		keptSets []map[string]struct{}
	)
	for _, h := range hits {
		set := wordSet(h.Text)
		dup := false
		for _, ks := range keptSets {
			if jaccard(set, ks) >= threshold {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		kept = append(kept, h)
		keptSets = append(keptSets, set)
	}
	return kept
}

// assemble concatenates chunks in ranked order under the rune budget. A
// chunk that would overflow is dropped whole, never sliced mid-chunk, and
// later smaller chunks may still fit.
func assemble(hits []models.ScoredChunk, maxContextChars int) *Result {
	var (
		sb   strings.Builder
		used []models.ScoredChunk
		size int
	)
	for _, h := range hits {
		chunkLen := len([]rune(h.Text))
		sepLen := 0
		if len(used) > 0 {
			sepLen = len([]rune(chunkSeparator))
		}
		if size+sepLen+chunkLen > maxContextChars {
			continue
		}
		if len(used) > 0 {
			sb.WriteString(chunkSeparator)
		}
		sb.WriteString(h.Text)
		size += sepLen + chunkLen
		used = append(used, h)
	}
	return &Result{Context: sb.String(), ChunksUsed: len(used), Chunks: used}
}

func wordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if w != "" {
			set[w] = struct{}{}
		}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
