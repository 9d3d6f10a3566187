package models

import (
	"time"
)

// ProcessingStatus is the document state machine. Transitions only move
// forward except into failed, and failed is re-enterable into pending on an
// explicit retry.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusExtracting ProcessingStatus = "extracting"
	StatusEmbedding  ProcessingStatus = "embedding"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// FileType enumerates the upload formats the extractor understands.
type FileType string

const (
	FileTypeText     FileType = "txt"
	FileTypeMarkdown FileType = "md"
	FileTypePDF      FileType = "pdf"
	FileTypeDocx     FileType = "docx"
	FileTypeHTML     FileType = "html"
)

// Document represents one uploaded file inside a knowledge base.
// ProcessedChunks <= TotalChunks always; both reset on retry.
type Document struct {
	ID              string           `db:"id" json:"id"`
	KnowledgeBaseID string           `db:"knowledge_base_id" json:"knowledge_base_id"`
	FileName        string           `db:"file_name" json:"file_name"`
	FileType        FileType         `db:"file_type" json:"file_type"`
	ByteSize        int64            `db:"byte_size" json:"byte_size"`
	ContentHash     string           `db:"content_hash" json:"content_hash"`
	StorageKey      string           `db:"storage_key" json:"-"`
	RawText         *string          `db:"raw_text" json:"-"`
	Status          ProcessingStatus `db:"processing_status" json:"processing_status"`
	TotalChunks     int              `db:"total_chunks" json:"total_chunks"`
	ProcessedChunks int              `db:"processed_chunks" json:"processed_chunks"`
	ErrorMessage    *string          `db:"error_message" json:"error_message,omitempty"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updated_at"`
}

// DocumentChunk is one embedded passage. Rows for a completed document cover
// chunk indices 0..TotalChunks-1 with no gaps; they are immutable once written
// and only ever deleted en masse (document delete or reprocess).
type DocumentChunk struct {
	ID              string            `db:"id" json:"id"`
	DocumentID      string            `db:"document_id" json:"document_id"`
	KnowledgeBaseID string            `db:"knowledge_base_id" json:"knowledge_base_id"`
	ChunkIndex      int               `db:"chunk_index" json:"chunk_index"`
	Text            string            `db:"text_content" json:"text_content"`
	Embedding       []float32         `db:"embedding" json:"-"`
	Metadata        map[string]string `db:"metadata" json:"metadata,omitempty"`
	CreatedAt       time.Time         `db:"created_at" json:"created_at"`
}

// ScoredChunk is a similarity-search hit.
type ScoredChunk struct {
	DocumentID string            `json:"document_id"`
	ChunkIndex int               `json:"chunk_index"`
	Text       string            `json:"text_content"`
	Similarity float64           `json:"similarity"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
