package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tundrax/kbase/internal/config"
	"github.com/tundrax/kbase/internal/core"
	db "github.com/tundrax/kbase/internal/core/database"
	"github.com/tundrax/kbase/internal/core/extract"
	"github.com/tundrax/kbase/internal/core/ingestion_engine"
	"github.com/tundrax/kbase/internal/core/llm"
	"github.com/tundrax/kbase/internal/core/objectclient"
	"github.com/tundrax/kbase/internal/core/retrieval"
	"github.com/tundrax/kbase/internal/core/retry"
)

type App struct {
	DBClient     *db.DatabaseClient
	ObjectClient *objectclient.S3Client
	Ingestor     *ingestion_engine.DocumentIngestor
	Server       *Server
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	initCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	dbClient, err := db.NewDatabaseClient(initCtx, cfg)
	if err != nil {
		return nil, err
	}
	log.Println("Database initialized and ready.")

	objClient, err := objectclient.NewS3Client(initCtx, cfg)
	if err != nil {
		return nil, err
	}

	provider, err := newEmbeddingProvider(initCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init embedding provider: %w", err)
	}
	embedder := llm.NewClient(provider, cfg.EmbedDim, cfg.EmbedBatchSize, retry.DefaultPolicy(llm.IsTransient))

	llmProvider, err := llm.NewGeminiLLM(initCtx, cfg.GeminiAPIKey, cfg.GenModel)
	if err != nil {
		return nil, fmt.Errorf("init llm provider: %w", err)
	}

	extractor := extract.New()

	ingCfg := &ingestion_engine.IngestConfig{
		MaxChunkChars: cfg.MaxChunkChars,
		OverlapChars:  cfg.OverlapChars,
		BatchSize:     cfg.EmbedBatchSize,
		StaleAfter:    cfg.StaleAfter,
	}
	ingestor := ingestion_engine.NewDocumentIngestor(dbClient, objClient, embedder, extractor, ingCfg)
	ingestor.Start(ctx, cfg.IngestWorkers)

	engine := retrieval.NewEngine(dbClient, embedder, retrieval.Config{
		TopK:            cfg.TopK,
		MaxContextChars: cfg.MaxContextChars,
		MinSimilarity:   cfg.MinSimilarity,
		DedupeThreshold: cfg.DedupeThreshold,
		Timeout:         cfg.RetrievalTimeout,
	})

	server := NewServer(cfg, dbClient, objClient, ingestor, engine, llmProvider)

	return &App{
		DBClient:     dbClient,
		ObjectClient: objClient,
		Ingestor:     ingestor,
		Server:       server,
	}, nil
}

func newEmbeddingProvider(ctx context.Context, cfg *config.Config) (core.EmbeddingProvider, error) {
	switch cfg.EmbedProvider {
	case "openai":
		return llm.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbedModel)
	case "gemini":
		return llm.NewGeminiEmbedder(ctx, cfg.GeminiAPIKey, cfg.EmbedModel)
	default:
		return nil, fmt.Errorf("unknown EMBED_PROVIDER %q", cfg.EmbedProvider)
	}
}

func (a *App) Close() {
	if a.DBClient != nil {
		_ = a.DBClient.Close()
	}
}
