package repomanager

import (
	"context"
	"database/sql"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/dbx"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/repositories/batches"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/repositories/keys"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/repositories/tokens"
)

// MemoryRepositoryManager serves one shared in-memory repository of each
// kind and ignores the DBTX. There are no transactions: each repository
// call is atomic on its own.
type MemoryRepositoryManager struct {
	TokenRepo *tokens.MemoryRepository
	KeyRepo   *keys.MemoryRepository
	BatchRepo *batches.MemoryRepository
}

func NewMemoryRepositoryManager() *MemoryRepositoryManager {
	return &MemoryRepositoryManager{
		TokenRepo: tokens.NewMemoryRepository(),
		KeyRepo:   keys.NewMemoryRepository(),
		BatchRepo: batches.NewMemoryRepository(),
	}
}

func (m *MemoryRepositoryManager) RunMigrations(context.Context, *sql.DB) error { return nil }

func (m *MemoryRepositoryManager) Tokens(dbx.DBTX) tokens.Repository   { return m.TokenRepo }
func (m *MemoryRepositoryManager) Keys(dbx.DBTX) keys.Repository       { return m.KeyRepo }
func (m *MemoryRepositoryManager) Batches(dbx.DBTX) batches.Repository { return m.BatchRepo }
