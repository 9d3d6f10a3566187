package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tundrax/kbase/internal/core"
	"github.com/tundrax/kbase/internal/core/extract"
	"github.com/tundrax/kbase/internal/core/ingestion_engine"
	"github.com/tundrax/kbase/internal/models"
)

const maxUploadBytes = 64 << 20

type DocumentHandler struct {
	db       core.Store
	obj      core.ObjectClient
	ingestor ingestion_engine.Ingestor
}

func NewDocumentHandler(db core.Store, obj core.ObjectClient, ing ingestion_engine.Ingestor) *DocumentHandler {
	return &DocumentHandler{db: db, obj: obj, ingestor: ing}
}

// RegisterDocument handles upload registration: hash, store raw bytes, insert
// the document as pending and enqueue it for background processing. The
// upload response never waits on the pipeline.
//
// Registration is idempotent per (knowledge base, content hash): re-uploading
// identical bytes returns the existing document instead of re-ingesting.
func (h *DocumentHandler) RegisterDocument(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}

	kbID := r.FormValue("knowledge_base_id")
	if _, err := uuid.Parse(kbID); err != nil {
		http.Error(w, "knowledge_base_id must be a UUID", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "invalid file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "could not read file", http.StatusBadRequest)
		return
	}

	contentType := header.Header.Get("Content-Type")
	fileType, err := extract.DetectFileType(header.Filename, contentType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}

	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	if existing, err := h.db.FindDocumentByHash(ctx, kbID, hash); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	} else if existing != nil {
		writeJSON(w, http.StatusOK, existing)
		return
	}

	docID := uuid.NewString()
	// Base strips any path components a client smuggles into the filename.
	storageKey := fmt.Sprintf("%s/%s/%s", kbID, docID, filepath.Base(header.Filename))

	if err := h.obj.UploadFile(ctx, storageKey, raw, contentType); err != nil {
		http.Error(w, fmt.Sprintf("upload failed: %v", err), http.StatusInternalServerError)
		return
	}

	doc := &models.Document{
		ID:              docID,
		KnowledgeBaseID: kbID,
		FileName:        header.Filename,
		FileType:        fileType,
		ByteSize:        int64(len(raw)),
		ContentHash:     hash,
		StorageKey:      storageKey,
		Status:          models.StatusPending,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	if err := h.db.CreateDocument(ctx, doc); err != nil {
		if errors.Is(err, core.ErrDuplicateDocument) {
			// Lost a race with an identical concurrent upload: return the
			// winner's document and drop our orphaned object.
			existing, ferr := h.db.FindDocumentByHash(ctx, kbID, hash)
			if ferr == nil && existing != nil {
				if derr := h.obj.DeleteFile(ctx, storageKey); derr != nil {
					log.Printf("register: orphaned object %s not removed: %v", storageKey, derr)
				}
				writeJSON(w, http.StatusOK, existing)
				return
			}
		}
		log.Printf("DB insert failed for doc %s: %v", docID, err)
		http.Error(w, "failed to store document metadata", http.StatusInternalServerError)
		return
	}

	h.ingestor.Enqueue(doc.ID)

	writeJSON(w, http.StatusCreated, doc)
}

type documentStatusResponse struct {
	ID              string                  `json:"id"`
	Status          models.ProcessingStatus `json:"processing_status"`
	TotalChunks     int                     `json:"total_chunks"`
	ProcessedChunks int                     `json:"processed_chunks"`
	ErrorMessage    *string                 `json:"error_message,omitempty"`
}

// GetDocument reports status and progress for polling callers.
func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.loadDocument(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, documentStatusResponse{
		ID:              doc.ID,
		Status:          doc.Status,
		TotalChunks:     doc.TotalChunks,
		ProcessedChunks: doc.ProcessedChunks,
		ErrorMessage:    doc.ErrorMessage,
	})
}

// RetryDocument requeues a failed document. Valid only in failed; anything
// else is a conflict.
func (h *DocumentHandler) RetryDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.loadDocument(w, r)
	if !ok {
		return
	}

	if err := h.ingestor.Retry(r.Context(), doc.ID); err != nil {
		if errors.Is(err, core.ErrNotRetryable) {
			http.Error(w, fmt.Sprintf("document is %s, only failed documents can be retried", doc.Status), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": doc.ID, "processing_status": string(models.StatusPending)})
}

// DeleteDocument removes the document row (chunk rows cascade) and the stored
// raw bytes. The S3 delete is best effort; an orphaned object is recoverable,
// a dangling DB row is not.
func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.loadDocument(w, r)
	if !ok {
		return
	}

	if err := h.db.DeleteDocument(r.Context(), doc.ID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := h.obj.DeleteFile(r.Context(), doc.StorageKey); err != nil {
		log.Printf("delete: stored object %s not removed: %v", doc.StorageKey, err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DocumentHandler) loadDocument(w http.ResponseWriter, r *http.Request) (*models.Document, bool) {
	id := chi.URLParam(r, "id")
	doc, err := h.db.GetDocumentByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrDocumentNotFound) {
			http.Error(w, "document not found", http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return nil, false
	}
	return doc, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
