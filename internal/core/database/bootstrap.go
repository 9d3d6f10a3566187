package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strconv"
	"strings"
	"time"
)

//go:embed scripts/initdb.sql
var bootstrapFS embed.FS

// EnsureBootstrapped creates the schema on first run and pins the embedding
// model/dimension in kb_meta. On later runs a model or dimension change is an
// error: stored vectors are never silently reinterpreted, re-embedding is an
// explicit operator action (delete and retry the affected documents).
func EnsureBootstrapped(ctx context.Context, db *sql.DB, embedModel string, embedDim int) error {

	ctxBoot, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	var exists bool
	err := db.QueryRowContext(ctxBoot, `
		SELECT EXISTS (
		  SELECT 1 FROM information_schema.tables
		  WHERE table_name = 'kb_meta'
		)`).
		Scan(&exists)
	if err != nil {
		return fmt.Errorf("meta table check failed: %w", err)
	}

	if !exists {
		return runBootstrap(ctxBoot, db, embedModel, embedDim)
	}

	var storedModel string
	var storedDim int
	err = db.QueryRowContext(ctxBoot, `SELECT embed_model, embed_dim FROM kb_meta WHERE version = 1`).
		Scan(&storedModel, &storedDim)
	if err == sql.ErrNoRows {
		return runBootstrap(ctxBoot, db, embedModel, embedDim)
	}
	if err != nil {
		return fmt.Errorf("meta version check failed: %w", err)
	}

	if storedModel != embedModel || storedDim != embedDim {
		return fmt.Errorf(
			"configured embedding model %s (dim %d) does not match stored vectors for %s (dim %d); re-embedding requires deleting and retrying documents explicitly",
			embedModel, embedDim, storedModel, storedDim)
	}
	return nil
}

func runBootstrap(ctx context.Context, db *sql.DB, embedModel string, embedDim int) error {
	sqlBytes, err := bootstrapFS.ReadFile("scripts/initdb.sql")
	if err != nil {
		return fmt.Errorf("read initdb.sql: %w", err)
	}

	ddl := string(sqlBytes)
	ddl = strings.ReplaceAll(ddl, "{{EMBED_DIM}}", strconv.Itoa(embedDim))
	ddl = strings.ReplaceAll(ddl, "{{EMBED_MODEL}}", embedModel)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("exec bootstrap: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bootstrap: %w", err)
	}
	return nil
}
