package handlers

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/tundrax/kbase/internal/core"
	"github.com/tundrax/kbase/internal/core/retrieval"
)

type RetrieveHandler struct {
	engine *retrieval.Engine
	llm    core.LLMProvider
}

func NewRetrieveHandler(engine *retrieval.Engine, llm core.LLMProvider) *RetrieveHandler {
	return &RetrieveHandler{engine: engine, llm: llm}
}

type retrieveRequest struct {
	KnowledgeBaseID string `json:"knowledge_base_id"`
	Query           string `json:"query"`
	TopK            int    `json:"top_k,omitempty"`
	MaxContextChars int    `json:"max_context_chars,omitempty"`
}

// Retrieve returns the assembled context for a query. Zero chunks used is a
// 200 with an empty context: "nothing relevant" is not an error, "couldn't
// check" is.
func (h *RetrieveHandler) Retrieve(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRetrieveRequest(w, r)
	if !ok {
		return
	}

	result, err := h.engine.Retrieve(r.Context(), req.KnowledgeBaseID, req.Query, req.TopK, req.MaxContextChars)
	if err != nil {
		log.Printf("retrieve: kb %s: %v", req.KnowledgeBaseID, err)
		http.Error(w, "retrieval failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Chat retrieves context then generates a grounded answer. When retrieval
// times out or errors the turn proceeds without context rather than failing.
func (h *RetrieveHandler) Chat(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRetrieveRequest(w, r)
	if !ok {
		return
	}

	contextText := ""
	chunksUsed := 0
	result, err := h.engine.Retrieve(r.Context(), req.KnowledgeBaseID, req.Query, req.TopK, req.MaxContextChars)
	if err != nil {
		log.Printf("chat: retrieval unavailable for kb %s, answering without context: %v", req.KnowledgeBaseID, err)
	} else {
		contextText = result.Context
		chunksUsed = result.ChunksUsed
	}

	systemPrompt := "You are an assistant answering from the provided knowledge-base excerpts. " +
		"If the excerpts do not contain the answer, say you cannot find it in the knowledge base."
	userPrompt := fmt.Sprintf("Context:\n%s\n\nQuestion: %s", contextText, req.Query)
	if contextText == "" {
		userPrompt = fmt.Sprintf("No knowledge-base context was found for this question.\n\nQuestion: %s", req.Query)
	}

	answer, err := h.llm.Generate(r.Context(), systemPrompt, userPrompt)
	if err != nil {
		log.Printf("chat: generation failed for kb %s: %v", req.KnowledgeBaseID, err)
		http.Error(w, "generation failed", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"answer":      answer,
		"chunks_used": chunksUsed,
	})
}

func decodeRetrieveRequest(w http.ResponseWriter, r *http.Request) (*retrieveRequest, bool) {
	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return nil, false
	}
	if _, err := uuid.Parse(req.KnowledgeBaseID); err != nil {
		http.Error(w, "knowledge_base_id must be a UUID", http.StatusBadRequest)
		return nil, false
	}
	if req.Query == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}
