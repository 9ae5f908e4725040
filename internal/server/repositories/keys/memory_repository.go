package keys

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
)

// MemoryRepository keeps keys in insertion order; ids grow monotonically so
// "oldest first" is slice order.
type MemoryRepository struct {
	mu     sync.Mutex
	nextID int64
	keys   []models.StoredKey
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func cloneKey(k models.StoredKey) models.StoredKey {
	k.KeyData = bytes.Clone(k.KeyData)
	return k
}

func (r *MemoryRepository) Insert(_ context.Context, uploadID uuid.UUID, day time.Time, keys []models.DiagnosisKey) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	now := time.Now().UTC()
outer:
	for _, k := range keys {
		for _, s := range r.keys {
			if s.UploadID == uploadID && s.RollingPeriod == k.RollingPeriod && bytes.Equal(s.KeyData, k.KeyData) {
				continue outer
			}
		}
		r.nextID++
		r.keys = append(r.keys, models.StoredKey{
			ID:       r.nextID,
			UploadID: uploadID,
			DiagnosisKey: models.DiagnosisKey{
				KeyData:       bytes.Clone(k.KeyData),
				RollingPeriod: k.RollingPeriod,
				RiskLevel:     k.RiskLevel,
			},
			SubmittedDay: day,
			Status:       models.KeyPending,
			CreatedAt:    now,
		})
		n++
	}
	return n, nil
}

func (r *MemoryRepository) Claim(_ context.Context, runID uuid.UUID, limit int, now time.Time) ([]models.StoredKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.StoredKey
	for i := range r.keys {
		if len(out) >= limit {
			break
		}
		if r.keys[i].Status != models.KeyPending {
			continue
		}
		r.keys[i].Status = models.KeyClaimed
		r.keys[i].ClaimRun = runID
		r.keys[i].ClaimedAt = now
		out = append(out, cloneKey(r.keys[i]))
	}
	return out, nil
}

func (r *MemoryRepository) StaleRuns(_ context.Context, claimedBefore time.Time) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := map[uuid.UUID]bool{}
	var runs []uuid.UUID
	for _, k := range r.keys {
		if k.Status == models.KeyClaimed && k.ClaimedAt.Before(claimedBefore) && !seen[k.ClaimRun] {
			seen[k.ClaimRun] = true
			runs = append(runs, k.ClaimRun)
		}
	}
	return runs, nil
}

func (r *MemoryRepository) Reclaim(_ context.Context, oldRun, newRun uuid.UUID, claimedBefore, now time.Time) ([]models.StoredKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.StoredKey
	for i := range r.keys {
		k := &r.keys[i]
		if k.ClaimRun != oldRun || k.Status != models.KeyClaimed || !k.ClaimedAt.Before(claimedBefore) {
			continue
		}
		k.ClaimRun = newRun
		k.ClaimedAt = now
		out = append(out, cloneKey(*k))
	}
	return out, nil
}

func (r *MemoryRepository) MarkBatched(_ context.Context, runID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for i := range r.keys {
		if r.keys[i].ClaimRun == runID && r.keys[i].Status == models.KeyClaimed {
			r.keys[i].Status = models.KeyBatched
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) CountByRun(_ context.Context, runID uuid.UUID, status models.KeyStatus) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, k := range r.keys {
		if k.ClaimRun == runID && k.Status == status {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) CountPending(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, k := range r.keys {
		if k.Status == models.KeyPending {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) OldestPendingAt(_ context.Context) (time.Time, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range r.keys {
		if k.Status == models.KeyPending {
			return k.CreatedAt, true, nil
		}
	}
	return time.Time{}, false, nil
}

func (r *MemoryRepository) PendingBefore(_ context.Context, day time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range r.keys {
		if k.Status == models.KeyPending && k.SubmittedDay.Before(day) {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepository) DeleteBefore(_ context.Context, day time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.keys[:0]
	var n int64
	for _, k := range r.keys {
		if k.SubmittedDay.Before(day) && k.Status != models.KeyClaimed {
			n++
			continue
		}
		kept = append(kept, k)
	}
	r.keys = kept
	return n, nil
}

// All returns a snapshot of every stored key.
func (r *MemoryRepository) All() []models.StoredKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.StoredKey, len(r.keys))
	for i, k := range r.keys {
		out[i] = cloneKey(k)
	}
	return out
}
