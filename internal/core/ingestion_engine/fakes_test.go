package ingestion_engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/tundrax/kbase/internal/core"
	"github.com/tundrax/kbase/internal/models"
)

// memStore mirrors the Postgres store's semantics in memory, including the
// compare-and-set claim, so pipeline tests exercise the same single-flight
// behavior the data layer provides.
type memStore struct {
	mu          sync.Mutex
	docs        map[string]*models.Document
	chunks      map[string][]models.DocumentChunk
	progressLog map[string][]int
}

var _ core.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		docs:        make(map[string]*models.Document),
		chunks:      make(map[string][]models.DocumentChunk),
		progressLog: make(map[string][]int),
	}
}

func (s *memStore) CreateDocument(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.ContentHash != "" {
		for _, d := range s.docs {
			if d.KnowledgeBaseID == doc.KnowledgeBaseID && d.ContentHash == doc.ContentHash {
				return core.ErrDuplicateDocument
			}
		}
	}
	cp := *doc
	s.docs[doc.ID] = &cp
	return nil
}

func (s *memStore) GetDocumentByID(_ context.Context, id string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, core.ErrDocumentNotFound
	}
	cp := *doc
	return &cp, nil
}

func (s *memStore) FindDocumentByHash(_ context.Context, kbID, hash string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.docs {
		if d.KnowledgeBaseID == kbID && d.ContentHash == hash {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return core.ErrDocumentNotFound
	}
	delete(s.docs, id)
	delete(s.chunks, id)
	return nil
}

func (s *memStore) ClaimDocument(_ context.Context, id string, from, to models.ProcessingStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok || doc.Status != from {
		return false, nil
	}
	doc.Status = to
	doc.UpdatedAt = time.Now()
	return true, nil
}

func (s *memStore) SetExtracted(_ context.Context, id, rawText string, totalChunks int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok || doc.Status != models.StatusExtracting {
		return fmt.Errorf("document %s not in extracting", id)
	}
	doc.RawText = &rawText
	doc.TotalChunks = totalChunks
	doc.ProcessedChunks = 0
	doc.Status = models.StatusEmbedding
	doc.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) AdvanceProgress(_ context.Context, id string, processed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok || doc.Status != models.StatusEmbedding || processed < doc.ProcessedChunks {
		return nil
	}
	doc.ProcessedChunks = processed
	doc.UpdatedAt = time.Now()
	s.progressLog[id] = append(s.progressLog[id], processed)
	return nil
}

func (s *memStore) MarkCompleted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok || doc.Status != models.StatusEmbedding {
		return fmt.Errorf("document %s not in embedding", id)
	}
	doc.Status = models.StatusCompleted
	doc.ErrorMessage = nil
	doc.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, id, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return core.ErrDocumentNotFound
	}
	if doc.Status != models.StatusExtracting && doc.Status != models.StatusEmbedding {
		return nil
	}
	doc.Status = models.StatusFailed
	doc.ErrorMessage = &msg
	doc.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) ResetForRetry(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok || doc.Status != models.StatusFailed {
		return false, nil
	}
	doc.Status = models.StatusPending
	doc.ErrorMessage = nil
	doc.TotalChunks = 0
	doc.ProcessedChunks = 0
	doc.RawText = nil
	doc.UpdatedAt = time.Now()
	delete(s.chunks, id)
	return true, nil
}

func (s *memStore) ListStuck(_ context.Context, olderThan time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []string
	for id, d := range s.docs {
		if (d.Status == models.StatusExtracting || d.Status == models.StatusEmbedding) && d.UpdatedAt.Before(cutoff) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) ListPending(_ context.Context, olderThan time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []string
	for id, d := range s.docs {
		if d.Status == models.StatusPending && d.UpdatedAt.Before(cutoff) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) InsertChunks(_ context.Context, chunks []models.DocumentChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range chunks {
		s.chunks[ch.DocumentID] = append(s.chunks[ch.DocumentID], ch)
	}
	return nil
}

func (s *memStore) DeleteChunks(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, documentID)
	return nil
}

func (s *memStore) SearchChunks(_ context.Context, kbID string, queryVec []float32, topK int, minSim float64) ([]models.ScoredChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScoredChunk
	for _, chs := range s.chunks {
		for _, ch := range chs {
			if ch.KnowledgeBaseID != kbID {
				continue
			}
			sim := cosine(queryVec, ch.Embedding)
			if sim < minSim {
				continue
			}
			out = append(out, models.ScoredChunk{
				DocumentID: ch.DocumentID,
				ChunkIndex: ch.ChunkIndex,
				Text:       ch.Text,
				Similarity: sim,
				Metadata:   ch.Metadata,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].ChunkIndex < out[j].ChunkIndex
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) chunkCount(docID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks[docID])
}

func (s *memStore) chunkIndices(docID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := make([]int, 0, len(s.chunks[docID]))
	for _, ch := range s.chunks[docID] {
		idx = append(idx, ch.ChunkIndex)
	}
	sort.Ints(idx)
	return idx
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// memObjects is a map-backed object store.
type memObjects struct {
	mu    sync.Mutex
	files map[string][]byte
}

var _ core.ObjectClient = (*memObjects)(nil)

func newMemObjects() *memObjects {
	return &memObjects{files: make(map[string][]byte)}
}

func (o *memObjects) UploadFile(_ context.Context, key string, data []byte, _ string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files[key] = data
	return nil
}

func (o *memObjects) GetFile(_ context.Context, key string) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.files[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return data, nil
}

func (o *memObjects) DeleteFile(_ context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.files, key)
	return nil
}

// stubExtractor returns scripted text or a scripted error and counts calls.
type stubExtractor struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

var _ core.DocumentExtractor = (*stubExtractor)(nil)

func (e *stubExtractor) Extract(_ models.FileType, raw []byte) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return "", e.err
	}
	if e.text != "" {
		return e.text, nil
	}
	return string(raw), nil
}

// stubEmbedder satisfies core.Embedder with deterministic vectors; errs are
// consumed one per EmbedBatch call.
type stubEmbedder struct {
	mu    sync.Mutex
	dim   int
	errs  []error
	calls int
}

var _ core.Embedder = (*stubEmbedder)(nil)

func (e *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	call := e.calls
	e.calls++
	if call < len(e.errs) && e.errs[call] != nil {
		return nil, e.errs[call]
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = unitVector(t, e.dim)
	}
	return out, nil
}

func (e *stubEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *stubEmbedder) Dimension() int { return e.dim }

// unitVector hashes text into a stable direction so identical texts embed
// identically across runs.
func unitVector(text string, dim int) []float32 {
	vec := make([]float64, dim)
	h := 1469598103934665603.0
	for _, r := range text {
		h = math.Mod(h*1.000193+float64(r), 1e9)
		vec[int(math.Mod(h, float64(dim)))] += 1
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, dim)
	for i, v := range vec {
		if norm > 0 {
			out[i] = float32(v / norm)
		}
	}
	return out
}
