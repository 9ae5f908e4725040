package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/common"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/blobstore"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/export"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/repositories/repomanager"
)

const (
	DefaultIndexPage = 100
	MaxIndexPage     = 1000
)

// FeedService serves the batch index and batch content to the
// distribution service.
type FeedService struct {
	db       *sql.DB
	repos    repomanager.RepositoryManager
	blobs    blobstore.Store
	exporter *export.Exporter
}

func NewFeedService(db *sql.DB, m repomanager.RepositoryManager, blobs blobstore.Store, exporter *export.Exporter) *FeedService {
	return &FeedService{db: db, repos: m, blobs: blobs, exporter: exporter}
}

// ListBatches returns published batches after afterID in id order.
func (s *FeedService) ListBatches(ctx context.Context, afterID uint64, limit int) ([]models.IndexEntry, error) {
	switch {
	case limit <= 0:
		limit = DefaultIndexPage
	case limit > MaxIndexPage:
		limit = MaxIndexPage
	}
	return s.repos.Batches(s.db).Index(ctx, afterID, limit)
}

// GetBatchContent returns the archive of a published batch after checking
// it against the recorded digest.
func (s *FeedService) GetBatchContent(ctx context.Context, batchID uint64) (*models.Batch, []byte, error) {
	b, err := s.repos.Batches(s.db).Get(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	content, err := s.blobs.Get(ctx, blobstore.BatchKey(b.Digest))
	if err != nil {
		return nil, nil, err
	}
	if export.Digest(content) != b.Digest {
		return nil, nil, fmt.Errorf("%w: content of batch %d does not match its digest", common.ErrInvariantViolation, batchID)
	}
	return b, content, nil
}

// GetBatch returns a published batch with its keys decoded.
func (s *FeedService) GetBatch(ctx context.Context, batchID uint64) (*models.Batch, []models.DiagnosisKey, error) {
	b, content, err := s.GetBatchContent(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	a, _, err := s.exporter.Decode(content)
	if err != nil {
		return nil, nil, err
	}
	return b, a.Keys, nil
}
