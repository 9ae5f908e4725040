// Package tokens implements the token ledger: durable redemption state of
// single-use upload tokens. Every backend redeems with one atomic
// conditional transition, never with a read followed by a write.
package tokens

import (
	"context"
	"time"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
)

// Repository is the token ledger contract.
type Repository interface {
	// Redeem atomically flips an unredeemed token whose validity window
	// contains now to redeemed. For any number of concurrent callers with
	// the same id exactly one gets RedeemGranted. When the transition does
	// not happen the outcome explains why and nothing is written. The token
	// is returned when known.
	Redeem(ctx context.Context, tokenID string, now time.Time) (models.RedeemOutcome, *models.AuthorizationToken, error)

	// Peek reads a token without side effects. Missing tokens yield common.ErrorNotFound.
	Peek(ctx context.Context, tokenID string) (*models.AuthorizationToken, error)

	// Provision stores tokens issued by the authority. Existing ids are left
	// untouched; the number of newly stored tokens is returned.
	Provision(ctx context.Context, tokens []models.AuthorizationToken) (int64, error)

	// DeleteExpiredBefore drops audit records whose validity ended before t.
	DeleteExpiredBefore(ctx context.Context, t time.Time) (int64, error)
}
