package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/logging"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/blobstore"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/metrics"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/repositories/repomanager"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/timex"
)

func TestRetention_DeletesOldData(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	m := repomanager.NewMemoryRepositoryManager()
	blobs := blobstore.NewMemoryStore()
	now := clock.Now()
	old := now.AddDate(0, 0, -20)

	// an old batched key set with its published batch
	run := uuid.New()
	_, err := m.KeyRepo.Insert(ctx, uuid.New(), timex.Day(old), validKeys(2, now))
	require.NoError(t, err)
	_, err = m.KeyRepo.Claim(ctx, run, 10, old)
	require.NoError(t, err)
	_, err = m.KeyRepo.MarkBatched(ctx, run)
	require.NoError(t, err)
	_, err = m.BatchRepo.Create(ctx, &models.Batch{RunID: run, Digest: "old", KeyCount: 2, CreatedAt: old})
	require.NoError(t, err)
	_, err = m.BatchRepo.Publish(ctx, run, old)
	require.NoError(t, err)
	require.NoError(t, blobs.Put(ctx, blobstore.BatchKey("old"), []byte("zip")))

	// an old key that was never batched, and a fresh one
	_, err = m.KeyRepo.Insert(ctx, uuid.New(), timex.Day(old), validKeys(1, now))
	require.NoError(t, err)
	_, err = m.KeyRepo.Insert(ctx, uuid.New(), timex.Day(now), validKeys(3, now))
	require.NoError(t, err)

	_, err = m.TokenRepo.Provision(ctx, []models.AuthorizationToken{
		{ID: "gone", ValidFrom: old.Add(-time.Hour), ValidUntil: old},
		{ID: "live", ValidFrom: now, ValidUntil: now.Add(time.Hour)},
	})
	require.NoError(t, err)

	met := metrics.NewNop()
	svc := NewRetentionService(nil, m, blobs, 14, met, logging.Nop{})
	svc.now = clock.Now

	res, err := svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Keys)
	assert.Equal(t, 1, res.Batches)
	assert.Equal(t, int64(1), res.Tokens)

	assert.Len(t, m.KeyRepo.All(), 3)
	assert.Zero(t, blobs.Len())
	_, err = m.TokenRepo.Peek(ctx, "live")
	assert.NoError(t, err)
	assert.Equal(t, 3.0, testutil.ToFloat64(met.RetentionDeleted.WithLabelValues("keys")))
}

func TestRetention_Cutoff(t *testing.T) {
	svc := NewRetentionService(nil, repomanager.NewMemoryRepositoryManager(), blobstore.NewMemoryStore(), 14, metrics.NewNop(), logging.Nop{})
	svc.now = func() time.Time { return time.Date(2026, 3, 20, 15, 4, 0, 0, time.UTC) }
	assert.Equal(t, time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC), svc.Cutoff())
}
