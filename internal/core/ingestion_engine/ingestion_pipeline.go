// Package ingestion_engine orchestrates extract -> chunk -> embed -> persist
// for one document at a time, updating the persisted state machine as it
// goes. It is the sole writer of processing_status and error_message.
package ingestion_engine

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tundrax/kbase/internal/core"
	"github.com/tundrax/kbase/internal/core/chunker"
	"github.com/tundrax/kbase/internal/models"
)

var _ Ingestor = (*DocumentIngestor)(nil)

// DocumentIngestor runs a bounded worker pool over a job channel. Per-
// document single-flight comes from the data-layer claim, not from the pool:
// two workers (or two instances) racing on the same id resolve at the
// compare-and-set.
type DocumentIngestor struct {
	db        core.Store
	obj       core.ObjectClient
	embedder  core.Embedder
	extractor core.DocumentExtractor
	cfg       *IngestConfig
	jobs      chan string
	workers   *errgroup.Group
}

// processTimeout bounds one document's whole pipeline run. Deliberately
// generous: it covers the embedding retry budget across all batches.
const processTimeout = 10 * time.Minute

// NewDocumentIngestor constructs the ingestor with a bounded job queue (64).
func NewDocumentIngestor(db core.Store, obj core.ObjectClient, emb core.Embedder, extractor core.DocumentExtractor, cfg *IngestConfig) *DocumentIngestor {
	return &DocumentIngestor{
		db: db, obj: obj, embedder: emb, extractor: extractor, cfg: cfg,
		jobs: make(chan string, 64),
	}
}

// Start runs the reconciliation sweep, then numWorkers goroutines reading
// from the jobs channel until ctx is done. The sweep repeats every
// StaleAfter so documents whose enqueue was lost (restart, full queue)
// always have a recovery path.
func (i *DocumentIngestor) Start(ctx context.Context, numWorkers int) {
	if err := i.reconcile(ctx); err != nil {
		log.Printf("ingestor: reconciliation sweep failed: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	i.workers = g

	g.Go(func() error {
		interval := i.cfg.StaleAfter
		if interval <= 0 {
			interval = 15 * time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := i.reconcile(gctx); err != nil {
					log.Printf("ingestor: reconciliation sweep failed: %v", err)
				}
			}
		}
	})

	for w := 1; w <= numWorkers; w++ {
		w := w
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					log.Printf("ingestor: worker %d shutting down", w)
					return nil
				case docID := <-i.jobs:
					log.Printf("ingestor: worker %d processing document %s", w, docID)
					if err := i.ProcessOne(gctx, docID); err != nil {
						log.Printf("ingestor: document %s: %v", docID, err)
					}
				}
			}
		})
	}
}

// Wait blocks until every worker has exited after the Start context is
// cancelled. Failed documents never stop the pool, so the error is always nil
// in practice.
func (i *DocumentIngestor) Wait() error {
	if i.workers == nil {
		return nil
	}
	return i.workers.Wait()
}

// Enqueue schedules a document ID for ingestion without blocking the caller.
// Reports false when the queue is full; the document stays pending and the
// reconciliation sweep requeues it, so registration never stalls on a busy
// pipeline.
func (i *DocumentIngestor) Enqueue(docID string) bool {
	select {
	case i.jobs <- docID:
		return true
	default:
		log.Printf("ingestor: job queue full, document %s left pending for the sweep", docID)
		return false
	}
}

// reconcile is the crash-recovery path for runs that died without reaching a
// terminal state. Documents stuck in extracting/embedding beyond the
// staleness threshold are failed (and stay eligible for retry); documents
// stuck in pending beyond it lost their enqueue and are requeued. The claim
// compare-and-set makes requeueing a live document harmless.
func (i *DocumentIngestor) reconcile(ctx context.Context) error {
	stuck, err := i.db.ListStuck(ctx, i.cfg.StaleAfter)
	if err != nil {
		return err
	}
	for _, id := range stuck {
		log.Printf("ingestor: document %s stuck in-flight beyond %s, marking failed", id, i.cfg.StaleAfter)
		if err := i.db.MarkFailed(ctx, id, "processing interrupted; retry to reprocess"); err != nil {
			return err
		}
	}

	pending, err := i.db.ListPending(ctx, i.cfg.StaleAfter)
	if err != nil {
		return err
	}
	for _, id := range pending {
		log.Printf("ingestor: requeueing stale pending document %s", id)
		if !i.Enqueue(id) {
			// Queue full; the rest wait for the next sweep.
			break
		}
	}
	return nil
}

// ProcessOne runs the full pipeline for one document. It returns nil without
// doing anything when the single-flight claim is lost.
func (i *DocumentIngestor) ProcessOne(ctx context.Context, docID string) error {
	procCtx, cancel := context.WithTimeout(ctx, processTimeout)
	defer cancel()

	claimed, err := i.db.ClaimDocument(procCtx, docID, models.StatusPending, models.StatusExtracting)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if !claimed {
		log.Printf("ingestor: document %s not claimable (already in-flight or terminal), skipping", docID)
		return nil
	}

	if err := i.runPipeline(procCtx, docID); err != nil {
		// Status writes use a fresh context so a pipeline timeout still
		// lands the document in failed rather than leaking it in-flight.
		failCtx, cancelFail := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelFail()
		if dbErr := i.db.MarkFailed(failCtx, docID, err.Error()); dbErr != nil {
			log.Printf("ingestor: could not mark %s failed: %v", docID, dbErr)
		}
		return err
	}
	return nil
}

func (i *DocumentIngestor) runPipeline(ctx context.Context, docID string) error {
	doc, err := i.db.GetDocumentByID(ctx, docID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}

	raw, err := i.obj.GetFile(ctx, doc.StorageKey)
	if err != nil {
		return fmt.Errorf("fetch raw bytes: %w", err)
	}

	text, err := i.extractor.Extract(doc.FileType, raw)
	if err != nil {
		return fmt.Errorf("extract %s: %w", doc.FileType, err)
	}

	// Chunking is cheap and local, so it runs inside the extracting ->
	// embedding transition.
	pieces, err := chunker.Chunk(text, i.cfg.MaxChunkChars, i.cfg.OverlapChars)
	if err != nil {
		return fmt.Errorf("chunk: %w", err)
	}
	if len(pieces) == 0 {
		return core.ErrEmptyContent
	}

	// Reprocessing is delete-then-recreate: any rows from an earlier run go
	// first so a completed document's indices are exactly 0..total-1.
	if err := i.db.DeleteChunks(ctx, docID); err != nil {
		return fmt.Errorf("clear stale chunks: %w", err)
	}
	if err := i.db.SetExtracted(ctx, docID, text, len(pieces)); err != nil {
		return fmt.Errorf("record extraction: %w", err)
	}

	if err := i.embedAndPersist(ctx, doc, pieces); err != nil {
		return err
	}

	if err := i.db.MarkCompleted(ctx, docID); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	log.Printf("ingestor: document %s completed with %d chunks", docID, len(pieces))
	return nil
}

// embedAndPersist embeds pieces in fixed-size batches, sequentially, and
// advances processed_chunks after each batch commits so callers polling the
// document see live progress.
func (i *DocumentIngestor) embedAndPersist(ctx context.Context, doc *models.Document, pieces []chunker.Piece) error {
	batchSize := i.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 16
	}

	processed := 0
	for start := 0; start < len(pieces); start += batchSize {
		end := min(start+batchSize, len(pieces))
		batch := pieces[start:end]

		texts := make([]string, len(batch))
		for j, p := range batch {
			texts[j] = p.Text
		}

		vecs, err := i.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed batch %d-%d: %w", start, end, err)
		}

		rows := make([]models.DocumentChunk, len(batch))
		now := time.Now()
		for j, p := range batch {
			rows[j] = models.DocumentChunk{
				ID:              uuid.NewString(),
				DocumentID:      doc.ID,
				KnowledgeBaseID: doc.KnowledgeBaseID,
				ChunkIndex:      p.Index,
				Text:            p.Text,
				Embedding:       vecs[j],
				Metadata: map[string]string{
					"start_offset": strconv.Itoa(p.Start),
					"end_offset":   strconv.Itoa(p.End),
				},
				CreatedAt: now,
			}
		}
		if err := i.db.InsertChunks(ctx, rows); err != nil {
			return fmt.Errorf("persist batch %d-%d: %w", start, end, err)
		}

		processed += len(batch)
		if err := i.db.AdvanceProgress(ctx, doc.ID, processed); err != nil {
			return fmt.Errorf("advance progress: %w", err)
		}
	}
	return nil
}

// Retry moves a failed document back to pending and re-enqueues it. Prior
// chunk rows are deleted inside the reset so a retried document ends up
// byte-identical to one that succeeded first try.
func (i *DocumentIngestor) Retry(ctx context.Context, docID string) error {
	ok, err := i.db.ResetForRetry(ctx, docID)
	if err != nil {
		return err
	}
	if !ok {
		return core.ErrNotRetryable
	}
	i.Enqueue(docID)
	return nil
}
