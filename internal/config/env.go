package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config enumerates every recognized option with a typed default. Unknown
// environment variables are simply ignored.
type Config struct {
	DatabaseURL  string
	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	BucketName   string

	EmbedProvider string // "gemini" or "openai"
	GeminiAPIKey  string
	OpenAIAPIKey  string
	EmbedModel    string
	EmbedDim      int
	GenModel      string

	MaxChunkChars  int
	OverlapChars   int
	EmbedBatchSize int

	IngestWorkers    int
	StaleAfter       time.Duration
	RetrievalTimeout time.Duration

	TopK            int
	MinSimilarity   float64
	MaxContextChars int
	DedupeThreshold float64

	Port string
}

// LoadConfig loads the environment variables and returns config.
func LoadConfig() *Config {

	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		AwsAccessKey: getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey: getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:    getEnv("AWS_REGION", "us-east-2"),
		BucketName:   getEnv("BUCKET_NAME", "kbase-docs"),

		EmbedProvider: getEnv("EMBED_PROVIDER", "gemini"),
		GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		EmbedModel:    getEnv("EMBED_MODEL", "text-embedding-004"),
		EmbedDim:      getEnvInt("EMBED_DIM", 768),
		GenModel:      getEnv("GEN_MODEL", "gemini-1.5-flash"),

		MaxChunkChars:  getEnvInt("MAX_CHUNK_CHARS", 2000),
		OverlapChars:   getEnvInt("OVERLAP_CHARS", 200),
		EmbedBatchSize: getEnvInt("EMBED_BATCH_SIZE", 16),

		IngestWorkers:    getEnvInt("INGEST_WORKERS", 4),
		StaleAfter:       getEnvDuration("STALE_AFTER", 15*time.Minute),
		RetrievalTimeout: getEnvDuration("RETRIEVAL_TIMEOUT", 10*time.Second),

		TopK:            getEnvInt("TOP_K", 5),
		MinSimilarity:   getEnvFloat("MIN_SIMILARITY", 0.3),
		MaxContextChars: getEnvInt("MAX_CONTEXT_CHARS", 8000),
		DedupeThreshold: getEnvFloat("DEDUPE_THRESHOLD", 0.85),

		Port: getEnv("PORT", "8080"),
	}

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL not set")
	}
	if cfg.OverlapChars >= cfg.MaxChunkChars {
		log.Fatalf("OVERLAP_CHARS (%d) must be smaller than MAX_CHUNK_CHARS (%d)", cfg.OverlapChars, cfg.MaxChunkChars)
	}

	return cfg
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("WARN: %s=%q not an int, using default %d", key, v, def)
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("WARN: %s=%q not a float, using default %g", key, v, def)
		return def
	}
	return f
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("WARN: %s=%q not a duration, using default %s", key, v, def)
		return def
	}
	return d
}
