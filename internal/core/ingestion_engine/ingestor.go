package ingestion_engine

import (
	"context"
	"time"
)

// Ingestor is what the HTTP layer sees of the pipeline.
type Ingestor interface {
	Start(ctx context.Context, numWorkers int)

	// Enqueue schedules a document without blocking; false means the queue
	// was full and the document stays pending until the reconciliation
	// sweep requeues it.
	Enqueue(docID string) bool

	ProcessOne(ctx context.Context, docID string) error
	Retry(ctx context.Context, docID string) error
}

// IngestConfig tunes the pipeline.
//
// MaxChunkChars:  upper bound on chunk size in runes.
// OverlapChars:   runes shared between consecutive chunks.
// BatchSize:      chunks embedded and persisted per batch.
// StaleAfter:     how long a document may sit in extracting/embedding before
//                 the reconciliation sweep fails it.
type IngestConfig struct {
	MaxChunkChars int
	OverlapChars  int
	BatchSize     int
	StaleAfter    time.Duration
}
