package batches

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/common"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
)

// MemoryRepository keeps batch records in process memory.
type MemoryRepository struct {
	mu     sync.Mutex
	byRun  map[uuid.UUID]*models.Batch
	lastID uint64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byRun: make(map[uuid.UUID]*models.Batch)}
}

func clone(b *models.Batch) *models.Batch {
	c := *b
	if b.PublishedAt != nil {
		p := *b.PublishedAt
		c.PublishedAt = &p
	}
	return &c
}

func (r *MemoryRepository) Create(ctx context.Context, b *models.Batch) (*models.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byRun[b.RunID]; ok {
		return clone(existing), nil
	}
	stored := clone(b)
	stored.ID = 0
	stored.State = models.BatchWritten
	stored.PublishedAt = nil
	r.byRun[b.RunID] = stored
	return clone(stored), nil
}

func (r *MemoryRepository) FindByRun(ctx context.Context, runID uuid.UUID) (*models.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.byRun[runID]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return clone(b), nil
}

func (r *MemoryRepository) ListUnpublished(ctx context.Context, before time.Time) ([]*models.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.Batch
	for _, b := range r.byRun {
		if b.State == models.BatchWritten && b.CreatedAt.Before(before) {
			out = append(out, clone(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) Publish(ctx context.Context, runID uuid.UUID, now time.Time) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.byRun[runID]
	if !ok {
		return 0, common.ErrorNotFound
	}
	if b.State == models.BatchPublished {
		return b.ID, nil
	}
	r.lastID++
	b.ID = r.lastID
	b.State = models.BatchPublished
	published := now
	b.PublishedAt = &published
	return b.ID, nil
}

func (r *MemoryRepository) published() []*models.Batch {
	var out []*models.Batch
	for _, b := range r.byRun {
		if b.State == models.BatchPublished {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *MemoryRepository) Index(ctx context.Context, afterID uint64, limit int) ([]models.IndexEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.IndexEntry
	for _, b := range r.published() {
		if b.ID <= afterID {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, b.IndexEntry())
	}
	return out, nil
}

func (r *MemoryRepository) Get(ctx context.Context, batchID uint64) (*models.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.byRun {
		if b.State == models.BatchPublished && b.ID == batchID {
			return clone(b), nil
		}
	}
	return nil, common.ErrorNotFound
}

func (r *MemoryRepository) LastPublishedAt(ctx context.Context) (time.Time, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		last time.Time
		ok   bool
	)
	for _, b := range r.byRun {
		if b.PublishedAt != nil && (!ok || b.PublishedAt.After(last)) {
			last, ok = *b.PublishedAt, true
		}
	}
	return last, ok, nil
}

func (r *MemoryRepository) DeleteBefore(ctx context.Context, t time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var digests []string
	for run, b := range r.byRun {
		if b.State == models.BatchPublished && b.CreatedAt.Before(t) {
			digests = append(digests, b.Digest)
			delete(r.byRun, run)
		}
	}
	sort.Strings(digests)
	return digests, nil
}
