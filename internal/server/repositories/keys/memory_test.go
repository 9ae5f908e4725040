package keys

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
)

func sampleKeys(n int) []models.DiagnosisKey {
	out := make([]models.DiagnosisKey, n)
	for i := range out {
		out[i] = models.DiagnosisKey{
			KeyData:       []byte(fmt.Sprintf("key-%012d", i)),
			RollingPeriod: uint32(2650000 + 144*i),
			RiskLevel:     uint8(i % 8),
		}
	}
	return out
}

var day = time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)

func TestMemoryRepository_InsertIsIdempotentPerUpload(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	upload := uuid.New()

	n, err := r.Insert(ctx, upload, day, sampleKeys(3))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = r.Insert(ctx, upload, day, sampleKeys(3))
	require.NoError(t, err)
	assert.Zero(t, n)

	// same keys under another upload are separate records
	n, err = r.Insert(ctx, uuid.New(), day, sampleKeys(1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err := r.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), pending)
}

func TestMemoryRepository_ConcurrentClaimsAreDisjoint(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	_, err := r.Insert(ctx, uuid.New(), day, sampleKeys(100))
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		owner = map[int64]uuid.UUID{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run := uuid.New()
			claimed, err := r.Claim(ctx, run, 30, time.Now())
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, k := range claimed {
				if prev, dup := owner[k.ID]; dup {
					t.Errorf("key %d claimed by %s and %s", k.ID, prev, run)
				}
				owner[k.ID] = run
			}
		}()
	}
	wg.Wait()
	assert.Len(t, owner, 100)
}

func TestMemoryRepository_ClaimOldestFirst(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	_, err := r.Insert(ctx, uuid.New(), day, sampleKeys(5))
	require.NoError(t, err)

	claimed, err := r.Claim(ctx, uuid.New(), 2, time.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, int64(1), claimed[0].ID)
	assert.Equal(t, int64(2), claimed[1].ID)
}

func TestMemoryRepository_ReclaimStaleOnly(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	_, err := r.Insert(ctx, uuid.New(), day, sampleKeys(4))
	require.NoError(t, err)

	t0 := time.Date(2020, 6, 1, 10, 0, 0, 0, time.UTC)
	crashed, fresh := uuid.New(), uuid.New()
	_, err = r.Claim(ctx, crashed, 2, t0)
	require.NoError(t, err)
	_, err = r.Claim(ctx, fresh, 2, t0.Add(20*time.Minute))
	require.NoError(t, err)

	threshold := t0.Add(10 * time.Minute)
	runs, err := r.StaleRuns(ctx, threshold)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{crashed}, runs)

	next := uuid.New()
	moved, err := r.Reclaim(ctx, crashed, next, threshold, t0.Add(25*time.Minute))
	require.NoError(t, err)
	assert.Len(t, moved, 2)

	// a second reclaimer finds nothing left
	again, err := r.Reclaim(ctx, crashed, uuid.New(), threshold, t0.Add(25*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, again)

	n, err := r.MarkBatched(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	batched, err := r.CountByRun(ctx, next, models.KeyBatched)
	require.NoError(t, err)
	assert.Equal(t, int64(2), batched)

	left, err := r.CountByRun(ctx, fresh, models.KeyClaimed)
	require.NoError(t, err)
	assert.Equal(t, int64(2), left)
}

func TestMemoryRepository_Retention(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	oldDay := day.AddDate(0, 0, -20)
	_, err := r.Insert(ctx, uuid.New(), oldDay, sampleKeys(3))
	require.NoError(t, err)
	_, err = r.Insert(ctx, uuid.New(), day, sampleKeys(1))
	require.NoError(t, err)

	_, err = r.Claim(ctx, uuid.New(), 1, time.Now())
	require.NoError(t, err)

	pending, err := r.PendingBefore(ctx, day.AddDate(0, 0, -14))
	require.NoError(t, err)
	assert.True(t, pending)

	n, err := r.DeleteBefore(ctx, day.AddDate(0, 0, -14))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "claimed keys survive retention")
	assert.Len(t, r.All(), 2)

	_, ok, err := r.OldestPendingAt(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDiscardRepository_Insert(t *testing.T) {
	d := NewDiscardRepository()
	n, err := d.Insert(context.Background(), uuid.New(), day, sampleKeys(4))
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Insert(ctx, uuid.New(), day, sampleKeys(1))
	assert.ErrorIs(t, err, context.Canceled)
}
