package repomanager

import (
	"context"
	"database/sql"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/dbx"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/repositories/batches"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/repositories/keys"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/repositories/tokens"
)

// RepositoryManager vends repositories bound to a DBTX, so services can run
// several repositories inside one transaction.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Tokens(db dbx.DBTX) tokens.Repository
	Keys(db dbx.DBTX) keys.Repository
	Batches(db dbx.DBTX) batches.Repository
}

type ledgerOverride struct {
	RepositoryManager
	ledger tokens.Repository
}

func (m *ledgerOverride) Tokens(dbx.DBTX) tokens.Repository { return m.ledger }

// WithTokenLedger serves tokens from ledger instead of m, e.g. a Redis
// ledger next to Postgres key storage.
func WithTokenLedger(m RepositoryManager, ledger tokens.Repository) RepositoryManager {
	return &ledgerOverride{RepositoryManager: m, ledger: ledger}
}
