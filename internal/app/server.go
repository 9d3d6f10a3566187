package app

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/tundrax/kbase/internal/api/handlers"
	"github.com/tundrax/kbase/internal/config"
	"github.com/tundrax/kbase/internal/core"
	"github.com/tundrax/kbase/internal/core/ingestion_engine"
	"github.com/tundrax/kbase/internal/core/retrieval"
)

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
}

// NewServer builds and wires all routes.
func NewServer(cfg *config.Config, db core.Store, obj core.ObjectClient, ing ingestion_engine.Ingestor, engine *retrieval.Engine, llm core.LLMProvider) *Server {
	docHandler := handlers.NewDocumentHandler(db, obj, ing)
	retrieveHandler := handlers.NewRetrieveHandler(engine, llm)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8888"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(api chi.Router) {
		api.Post("/documents", docHandler.RegisterDocument)
		api.Get("/documents/{id}", docHandler.GetDocument)
		api.Post("/documents/{id}/retry", docHandler.RetryDocument)
		api.Delete("/documents/{id}", docHandler.DeleteDocument)

		api.Post("/retrieve", retrieveHandler.Retrieve)
		api.Post("/chat/query", retrieveHandler.Chat)
	})

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	return &Server{httpServer: httpSrv}
}

// Start runs the HTTP server.
func (s *Server) Start() {
	log.Printf("HTTP server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}
