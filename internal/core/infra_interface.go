package core

import (
	"context"
	"time"

	"github.com/tundrax/kbase/internal/models"
)

// Store defines all persistence the pipeline and the API need. It abstracts
// Postgres/pgvector so higher layers never depend on a specific DB, and it is
// the single place document status and progress are written through.
type Store interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
	FindDocumentByHash(ctx context.Context, knowledgeBaseID, contentHash string) (*models.Document, error)
	DeleteDocument(ctx context.Context, id string) error

	// ClaimDocument is the single-flight gate: a compare-and-set that moves
	// the document from `from` to `to` and reports whether this caller won.
	// Correct across multiple coordinator instances because the check runs in
	// the database, not in process memory.
	ClaimDocument(ctx context.Context, id string, from, to models.ProcessingStatus) (bool, error)

	// SetExtracted records the normalized text and chunk total, resets
	// processed_chunks to zero and moves the document into embedding.
	SetExtracted(ctx context.Context, id, rawText string, totalChunks int) error

	// AdvanceProgress sets processed_chunks after a batch commits.
	AdvanceProgress(ctx context.Context, id string, processedChunks int) error

	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errorMessage string) error

	// ResetForRetry moves failed -> pending, clears the error and progress
	// counters and deletes any chunk rows left from the failed run. Returns
	// false when the document was not in failed.
	ResetForRetry(ctx context.Context, id string) (bool, error)

	// ListStuck returns ids of documents sitting in extracting/embedding for
	// longer than olderThan; the reconciliation sweep fails them.
	ListStuck(ctx context.Context, olderThan time.Duration) ([]string, error)

	// ListPending returns ids of documents sitting in pending for longer than
	// olderThan. A document lands here when its enqueue was lost (process
	// restart after registration, or a full queue); the reconciliation sweep
	// requeues them.
	ListPending(ctx context.Context, olderThan time.Duration) ([]string, error)

	InsertChunks(ctx context.Context, chunks []models.DocumentChunk) error
	DeleteChunks(ctx context.Context, documentID string) error

	// SearchChunks runs cosine similarity search strictly scoped to one
	// knowledge base, descending by similarity with (document_id, chunk_index)
	// tie-breaks, excluding anything below minSimilarity.
	SearchChunks(ctx context.Context, knowledgeBaseID string, queryVec []float32, topK int, minSimilarity float64) ([]models.ScoredChunk, error)

	Close() error
}

// ObjectClient defines interactions with S3 or any object storage holding the
// original uploaded bytes between registration and asynchronous processing.
type ObjectClient interface {
	UploadFile(ctx context.Context, key string, data []byte, contentType string) error
	GetFile(ctx context.Context, key string) ([]byte, error)
	DeleteFile(ctx context.Context, key string) error
}

// EmbeddingProvider is the raw provider call: one batch in, one vector per
// text out. Implementations (Gemini, OpenAI) do no retrying themselves.
type EmbeddingProvider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Embedder is the provider wrapped with batching, retry and dimension
// validation; this is what the pipeline and the retrieval engine consume.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// LLMProvider generates a grounded answer for the chat endpoint.
type LLMProvider interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// DocumentExtractor converts raw uploaded bytes into normalized plain text.
type DocumentExtractor interface {
	Extract(fileType models.FileType, raw []byte) (string, error)
}
