package tokens

import (
	"context"
	"sync"
	"time"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/common"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
)

// MemoryRepository keeps the ledger in process memory. The mutex makes the
// check and the flip of Redeem one step.
type MemoryRepository struct {
	mu     sync.Mutex
	tokens map[string]models.AuthorizationToken
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tokens: make(map[string]models.AuthorizationToken)}
}

func clone(t models.AuthorizationToken) *models.AuthorizationToken {
	if t.RedeemedAt != nil {
		r := *t.RedeemedAt
		t.RedeemedAt = &r
	}
	return &t
}

func (r *MemoryRepository) Redeem(_ context.Context, tokenID string, now time.Time) (models.RedeemOutcome, *models.AuthorizationToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tokens[tokenID]
	if !ok {
		return models.RedeemUnknown, nil, nil
	}
	if outcome := models.Classify(&t, now); outcome != models.RedeemGranted {
		return outcome, clone(t), nil
	}
	redeemed := now
	t.RedeemedAt = &redeemed
	r.tokens[tokenID] = t
	return models.RedeemGranted, clone(t), nil
}

func (r *MemoryRepository) Peek(_ context.Context, tokenID string) (*models.AuthorizationToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tokens[tokenID]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return clone(t), nil
}

func (r *MemoryRepository) Provision(_ context.Context, tokens []models.AuthorizationToken) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, t := range tokens {
		if _, exists := r.tokens[t.ID]; exists {
			continue
		}
		t.RedeemedAt = nil
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now().UTC()
		}
		r.tokens[t.ID] = t
		n++
	}
	return n, nil
}

func (r *MemoryRepository) DeleteExpiredBefore(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, t := range r.tokens {
		if t.ValidUntil.Before(before) {
			delete(r.tokens, id)
			n++
		}
	}
	return n, nil
}
