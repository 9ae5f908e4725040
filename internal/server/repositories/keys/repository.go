// Package keys is the key store: durable diagnosis keys partitioned by
// submission day. A key moves pending → claimed → batched; a claim is a
// per-key conditional update so two cutter runs never own the same key.
package keys

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
)

type Repository interface {
	// Insert stores keys as pending. Repeating an insert with the same
	// upload id stores nothing new.
	Insert(ctx context.Context, uploadID uuid.UUID, day time.Time, keys []models.DiagnosisKey) (int64, error)

	// Claim marks up to limit of the oldest pending keys as claimed by runID.
	Claim(ctx context.Context, runID uuid.UUID, limit int, now time.Time) ([]models.StoredKey, error)

	// StaleRuns lists runs still holding claims taken before claimedBefore.
	StaleRuns(ctx context.Context, claimedBefore time.Time) ([]uuid.UUID, error)

	// Reclaim moves the stale claims of oldRun to newRun, key by key.
	Reclaim(ctx context.Context, oldRun, newRun uuid.UUID, claimedBefore, now time.Time) ([]models.StoredKey, error)

	// MarkBatched flips the claimed keys of runID to batched.
	MarkBatched(ctx context.Context, runID uuid.UUID) (int64, error)

	CountByRun(ctx context.Context, runID uuid.UUID, status models.KeyStatus) (int64, error)
	CountPending(ctx context.Context) (int64, error)

	// OldestPendingAt returns the creation time of the oldest pending key;
	// ok is false when nothing is pending.
	OldestPendingAt(ctx context.Context) (t time.Time, ok bool, err error)

	// PendingBefore reports whether pending keys were submitted before day.
	PendingBefore(ctx context.Context, day time.Time) (bool, error)

	// DeleteBefore removes keys submitted before day, except claimed ones.
	DeleteBefore(ctx context.Context, day time.Time) (int64, error)
}
