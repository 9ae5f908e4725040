// Package repomanager provides RepositoryManager implementations for
// PostgreSQL and for process memory, and runs the database migrations (via goose).
package repomanager

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/dbx"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/migrations"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/repositories/batches"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/repositories/keys"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/repositories/tokens"
)

// PostgresRepositoryManager vends PostgreSQL-backed repository implementations
// and exposes a schema migration hook.
type PostgresRepositoryManager struct {
	publishRetries int
}

// Tokens returns a tokens.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Tokens(db dbx.DBTX) tokens.Repository {
	return tokens.NewPostgresRepository(db)
}

// Keys returns a keys.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Keys(db dbx.DBTX) keys.Repository {
	return keys.NewPostgresRepository(db)
}

// Batches returns a batches.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Batches(db dbx.DBTX) batches.Repository {
	return batches.NewPostgresRepository(db, m.publishRetries)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations sets up goose with the embedded migrations and runs them
// against the provided database connection.
func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}

// NewPostgresRepositoryManager constructs a PostgreSQL-backed RepositoryManager.
// publishRetries bounds the batch-id contention retries.
func NewPostgresRepositoryManager(publishRetries int) RepositoryManager {
	return &PostgresRepositoryManager{publishRetries: publishRetries}
}
