package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tundrax/kbase/internal/config"
	"github.com/tundrax/kbase/internal/core"
	"github.com/tundrax/kbase/internal/models"
)

var _ core.Store = (*DatabaseClient)(nil)

type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db, cfg.EmbedModel, cfg.EmbedDim); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *DatabaseClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	const q = `
		INSERT INTO documents
			(id, knowledge_base_id, file_name, file_type, byte_size, content_hash,
			 storage_key, processing_status, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, now()), COALESCE($10, now()))
	`
	_, err := c.db.ExecContext(ctx, q,
		doc.ID, doc.KnowledgeBaseID, doc.FileName, doc.FileType, doc.ByteSize,
		doc.ContentHash, doc.StorageKey, doc.Status, doc.CreatedAt, doc.UpdatedAt)
	if isUniqueViolation(err) {
		return core.ErrDuplicateDocument
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const documentColumns = `
	id, knowledge_base_id, file_name, file_type, byte_size, content_hash,
	storage_key, raw_text, processing_status, total_chunks, processed_chunks,
	error_message, created_at, updated_at`

func scanDocument(row *sql.Row) (*models.Document, error) {
	var d models.Document
	err := row.Scan(
		&d.ID, &d.KnowledgeBaseID, &d.FileName, &d.FileType, &d.ByteSize, &d.ContentHash,
		&d.StorageKey, &d.RawText, &d.Status, &d.TotalChunks, &d.ProcessedChunks,
		&d.ErrorMessage, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, core.ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *DatabaseClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	return scanDocument(c.db.QueryRowContext(ctx, q, id))
}

func (c *DatabaseClient) FindDocumentByHash(ctx context.Context, knowledgeBaseID, contentHash string) (*models.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents WHERE knowledge_base_id = $1 AND content_hash = $2`
	doc, err := scanDocument(c.db.QueryRowContext(ctx, q, knowledgeBaseID, contentHash))
	if errors.Is(err, core.ErrDocumentNotFound) {
		return nil, nil
	}
	return doc, err
}

func (c *DatabaseClient) DeleteDocument(ctx context.Context, id string) error {
	// Chunk rows go with it via ON DELETE CASCADE.
	res, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrDocumentNotFound
	}
	return nil
}

// ClaimDocument is the compare-and-set behind single-flight processing: the
// transition happens only if the row is still in `from`, so concurrent
// workers (or instances) cannot both win.
func (c *DatabaseClient) ClaimDocument(ctx context.Context, id string, from, to models.ProcessingStatus) (bool, error) {
	const q = `
		UPDATE documents
		SET processing_status = $3, updated_at = now()
		WHERE id = $1 AND processing_status = $2
	`
	res, err := c.db.ExecContext(ctx, q, id, from, to)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (c *DatabaseClient) SetExtracted(ctx context.Context, id, rawText string, totalChunks int) error {
	const q = `
		UPDATE documents
		SET raw_text = $2, total_chunks = $3, processed_chunks = 0,
		    processing_status = 'embedding', updated_at = now()
		WHERE id = $1 AND processing_status = 'extracting'
	`
	res, err := c.db.ExecContext(ctx, q, id, rawText, totalChunks)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s not in extracting", id)
	}
	return nil
}

func (c *DatabaseClient) AdvanceProgress(ctx context.Context, id string, processedChunks int) error {
	// processed_chunks only moves forward within a run.
	const q = `
		UPDATE documents
		SET processed_chunks = $2, updated_at = now()
		WHERE id = $1 AND processing_status = 'embedding' AND processed_chunks <= $2
	`
	_, err := c.db.ExecContext(ctx, q, id, processedChunks)
	return err
}

func (c *DatabaseClient) MarkCompleted(ctx context.Context, id string) error {
	const q = `
		UPDATE documents
		SET processing_status = 'completed', error_message = NULL, updated_at = now()
		WHERE id = $1 AND processing_status = 'embedding'
	`
	res, err := c.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s not in embedding", id)
	}
	return nil
}

func (c *DatabaseClient) MarkFailed(ctx context.Context, id, errorMessage string) error {
	const q = `
		UPDATE documents
		SET processing_status = 'failed', error_message = $2, updated_at = now()
		WHERE id = $1 AND processing_status IN ('extracting', 'embedding')
	`
	_, err := c.db.ExecContext(ctx, q, id, errorMessage)
	return err
}

func (c *DatabaseClient) ResetForRetry(ctx context.Context, id string) (bool, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}

	const q = `
		UPDATE documents
		SET processing_status = 'pending', error_message = NULL,
		    total_chunks = 0, processed_chunks = 0, raw_text = NULL, updated_at = now()
		WHERE id = $1 AND processing_status = 'failed'
	`
	res, err := tx.ExecContext(ctx, q, id)
	if err != nil {
		_ = tx.Rollback()
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		_ = tx.Rollback()
		return false, nil
	}

	// Reprocessing is delete-then-recreate, never partial update in place.
	if _, err := tx.ExecContext(ctx, `DELETE FROM vector_embeddings WHERE document_id = $1`, id); err != nil {
		_ = tx.Rollback()
		return false, err
	}
	return true, tx.Commit()
}

func (c *DatabaseClient) ListStuck(ctx context.Context, olderThan time.Duration) ([]string, error) {
	const q = `
		SELECT id FROM documents
		WHERE processing_status IN ('extracting', 'embedding') AND updated_at < $1
	`
	return c.listIDs(ctx, q, time.Now().Add(-olderThan))
}

func (c *DatabaseClient) ListPending(ctx context.Context, olderThan time.Duration) ([]string, error) {
	const q = `
		SELECT id FROM documents
		WHERE processing_status = 'pending' AND updated_at < $1
		ORDER BY updated_at ASC
	`
	return c.listIDs(ctx, q, time.Now().Add(-olderThan))
}

func (c *DatabaseClient) listIDs(ctx context.Context, query string, cutoff time.Time) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// InsertChunks inserts one batch of chunk rows in a single transaction.
func (c *DatabaseClient) InsertChunks(ctx context.Context, chunks []models.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO vector_embeddings
			(id, document_id, knowledge_base_id, chunk_index, text_content, embedding, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, now()))
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range chunks {
		ch := &chunks[i]
		meta, err := json.Marshal(ch.Metadata)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("marshal metadata for chunk %d: %w", ch.ChunkIndex, err)
		}
		vec := pgvector.NewVector(ch.Embedding)

		if _, err := stmt.ExecContext(ctx,
			ch.ID, ch.DocumentID, ch.KnowledgeBaseID, ch.ChunkIndex, ch.Text, vec, meta, ch.CreatedAt,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (c *DatabaseClient) DeleteChunks(ctx context.Context, documentID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM vector_embeddings WHERE document_id = $1`, documentID)
	return err
}

// SearchChunks runs cosine similarity search scoped to one knowledge base.
// The tenant filter lives in the query itself; nothing is filtered after the
// fact. Ordering is similarity descending with (document_id, chunk_index)
// tie-breaks for determinism, and rows below minSimilarity are excluded
// rather than padded in.
func (c *DatabaseClient) SearchChunks(ctx context.Context, knowledgeBaseID string, queryVec []float32, topK int, minSimilarity float64) ([]models.ScoredChunk, error) {
	const q = `
		SELECT document_id, chunk_index, text_content, metadata,
		       1 - (embedding <=> $2) AS similarity
		FROM vector_embeddings
		WHERE knowledge_base_id = $1
		  AND 1 - (embedding <=> $2) >= $4
		ORDER BY similarity DESC, document_id ASC, chunk_index ASC
		LIMIT $3
	`
	vec := pgvector.NewVector(queryVec)
	rows, err := c.db.QueryContext(ctx, q, knowledgeBaseID, vec, topK, minSimilarity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ScoredChunk
	for rows.Next() {
		var (
			sc   models.ScoredChunk
			meta []byte
		)
		if err := rows.Scan(&sc.DocumentID, &sc.ChunkIndex, &sc.Text, &meta, &sc.Similarity); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &sc.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
