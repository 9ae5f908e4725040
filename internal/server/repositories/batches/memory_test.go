package batches

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/common"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func written(run uuid.UUID, keys uint32, at time.Time) *models.Batch {
	return &models.Batch{
		RunID:       run,
		Digest:      run.String(),
		KeyCount:    keys,
		PeriodStart: at.Add(-time.Hour),
		PeriodEnd:   at,
		CreatedAt:   at,
	}
}

func TestMemory_CreateIsIdempotentPerRun(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	run := uuid.New()

	first, err := r.Create(ctx, written(run, 3, t0))
	require.NoError(t, err)
	assert.Equal(t, models.BatchWritten, first.State)
	assert.Zero(t, first.ID)

	again := written(run, 99, t0.Add(time.Minute))
	second, err := r.Create(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), second.KeyCount, "existing record must win")

	_, err = r.FindByRun(ctx, uuid.New())
	assert.True(t, errors.Is(err, common.ErrorNotFound))
}

func TestMemory_PublishAssignsGaplessIDs(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()

	const n = 40
	runs := make([]uuid.UUID, n)
	for i := range runs {
		runs[i] = uuid.New()
		_, err := r.Create(ctx, written(runs[i], 1, t0))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	ids := make([]uint64, n)
	for i := range runs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := r.Publish(ctx, runs[i], t0)
			if err != nil {
				t.Errorf("publish: %v", err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	for id := uint64(1); id <= n; id++ {
		assert.True(t, seen[id], "missing id %d", id)
	}

	// republishing returns the same id
	id, err := r.Publish(ctx, runs[0], t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ids[0], id)
}

func TestMemory_IndexAndGet(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()

	_, ok, err := r.LastPublishedAt(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	var runs []uuid.UUID
	for i := 0; i < 3; i++ {
		run := uuid.New()
		runs = append(runs, run)
		_, err := r.Create(ctx, written(run, uint32(i+1), t0))
		require.NoError(t, err)
	}
	// the third stays unpublished and must not be listed
	for i, run := range runs[:2] {
		_, err := r.Publish(ctx, run, t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	idx, err := r.Index(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, idx, 2)
	assert.Equal(t, uint64(1), idx[0].BatchID)
	assert.Equal(t, uint64(2), idx[1].BatchID)

	idx, err = r.Index(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, idx, 1)
	assert.Equal(t, uint64(2), idx[0].BatchID)

	b, err := r.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, runs[1], b.RunID)
	_, err = r.Get(ctx, 3)
	assert.True(t, errors.Is(err, common.ErrorNotFound))

	last, ok, err := r.LastPublishedAt(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, last.Equal(t0.Add(time.Minute)))

	pending, err := r.ListUnpublished(ctx, t0.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, runs[2], pending[0].RunID)
}

func TestMemory_DeleteBeforeKeepsUnpublished(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()

	old, fresh, unpublished := uuid.New(), uuid.New(), uuid.New()
	for _, b := range []*models.Batch{
		written(old, 1, t0.Add(-48*time.Hour)),
		written(fresh, 1, t0),
		written(unpublished, 1, t0.Add(-48*time.Hour)),
	} {
		_, err := r.Create(ctx, b)
		require.NoError(t, err)
	}
	_, err := r.Publish(ctx, old, t0)
	require.NoError(t, err)
	_, err = r.Publish(ctx, fresh, t0)
	require.NoError(t, err)

	digests, err := r.DeleteBefore(ctx, t0.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{old.String()}, digests)

	_, err = r.FindByRun(ctx, unpublished)
	assert.NoError(t, err)
	_, err = r.FindByRun(ctx, old)
	assert.True(t, errors.Is(err, common.ErrorNotFound))
}

func TestMemory_IDsSurviveDeletingEveryBatch(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()

	for i := 0; i < 3; i++ {
		run := uuid.New()
		_, err := r.Create(ctx, written(run, 1, t0))
		require.NoError(t, err)
		_, err = r.Publish(ctx, run, t0)
		require.NoError(t, err)
	}
	digests, err := r.DeleteBefore(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, digests, 3)

	idx, err := r.Index(ctx, 0, 0)
	require.NoError(t, err)
	require.Empty(t, idx)

	run := uuid.New()
	_, err = r.Create(ctx, written(run, 1, t0.Add(2*time.Hour)))
	require.NoError(t, err)
	id, err := r.Publish(ctx, run, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), id, "a client holding id 3 must see the new batch")

	idx, err = r.Index(ctx, 3, 0)
	require.NoError(t, err)
	require.Len(t, idx, 1)
	assert.Equal(t, uint64(4), idx[0].BatchID)
}
