// Package batches stores batch records and serves the published index.
// A batch is written first (content durable, no id) and published later,
// when it receives the next gapless batch id.
package batches

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
)

type Repository interface {
	// Create records a written batch for b.RunID. A second call for the
	// same run returns the existing record unchanged.
	Create(ctx context.Context, b *models.Batch) (*models.Batch, error)

	// FindByRun returns common.ErrorNotFound when the run wrote nothing.
	FindByRun(ctx context.Context, runID uuid.UUID) (*models.Batch, error)

	// ListUnpublished returns written batches created before t.
	ListUnpublished(ctx context.Context, before time.Time) ([]*models.Batch, error)

	// Publish assigns the next batch id to the run's batch. Publishing an
	// already published batch returns its id.
	Publish(ctx context.Context, runID uuid.UUID, now time.Time) (uint64, error)

	// Index lists published batches with ids greater than afterID, ascending.
	Index(ctx context.Context, afterID uint64, limit int) ([]models.IndexEntry, error)

	Get(ctx context.Context, batchID uint64) (*models.Batch, error)

	// LastPublishedAt returns the latest publication time; ok is false
	// when nothing was published yet.
	LastPublishedAt(ctx context.Context) (t time.Time, ok bool, err error)

	// DeleteBefore drops published batches created before t and returns
	// their digests so content can be removed too.
	DeleteBefore(ctx context.Context, t time.Time) ([]string, error)
}
