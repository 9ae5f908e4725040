package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/dbx"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/logging"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/blobstore"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/metrics"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/repositories/repomanager"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/timex"
)

// RetentionService removes keys, batches and token records older than the
// retention window.
type RetentionService struct {
	db      *sql.DB
	repos   repomanager.RepositoryManager
	blobs   blobstore.Store
	days    int
	metrics *metrics.Metrics
	log     logging.Logger
	now     func() time.Time
}

func NewRetentionService(db *sql.DB, m repomanager.RepositoryManager, blobs blobstore.Store, days int,
	met *metrics.Metrics, log logging.Logger) *RetentionService {
	return &RetentionService{
		db:      db,
		repos:   m,
		blobs:   blobs,
		days:    days,
		metrics: met,
		log:     log.With("module", "retention"),
		now:     time.Now,
	}
}

// RetentionResult counts what one run removed.
type RetentionResult struct {
	Keys    int64
	Batches int
	Tokens  int64
}

// Cutoff is the first day kept.
func (s *RetentionService) Cutoff() time.Time {
	return timex.Day(s.now()).AddDate(0, 0, -s.days)
}

func (s *RetentionService) Run(ctx context.Context) (*RetentionResult, error) {
	cutoff := s.Cutoff()

	unprocessed, err := s.repos.Keys(s.db).PendingBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if unprocessed {
		s.log.Warn(ctx, "deleting keys that were never batched", "cutoff", cutoff)
	}

	res := &RetentionResult{}
	var digests []string
	err = dbx.WithOptionalTx(ctx, s.db, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		if res.Keys, err = s.repos.Keys(tx).DeleteBefore(ctx, cutoff); err != nil {
			return fmt.Errorf("error deleting keys: %w", err)
		}
		if digests, err = s.repos.Batches(tx).DeleteBefore(ctx, cutoff); err != nil {
			return fmt.Errorf("error deleting batches: %w", err)
		}
		if res.Tokens, err = s.repos.Tokens(tx).DeleteExpiredBefore(ctx, cutoff); err != nil {
			return fmt.Errorf("error deleting tokens: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Batches = len(digests)

	// Blobs go after the records so no indexed batch loses its content.
	for _, d := range digests {
		if err := s.blobs.Delete(ctx, blobstore.BatchKey(d)); err != nil {
			s.log.Warn(ctx, "batch content not deleted", "digest", d, "error", err)
		}
	}

	s.metrics.RetentionDeleted.WithLabelValues("keys").Add(float64(res.Keys))
	s.metrics.RetentionDeleted.WithLabelValues("batches").Add(float64(res.Batches))
	s.metrics.RetentionDeleted.WithLabelValues("tokens").Add(float64(res.Tokens))
	s.log.Info(ctx, "retention done", "cutoff", cutoff, "keys", res.Keys, "batches", res.Batches, "tokens", res.Tokens)
	return res, nil
}

// Job adapts Run to the scheduler.
func (s *RetentionService) Job() {
	ctx := context.Background()
	if _, err := s.Run(ctx); err != nil {
		s.log.Error(ctx, "retention failed", "error", err)
	}
}
