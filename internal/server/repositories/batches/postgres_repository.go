package batches

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/common"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/dbx"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
)

const batchColumns = `run_id, batch_id, digest, key_count, period_start, period_end, state, created_at, published_at`

type PostgresRepository struct {
	db dbx.DBTX
	// publishRetries bounds the unique-violation retries of Publish.
	publishRetries int
}

func NewPostgresRepository(db dbx.DBTX, publishRetries int) *PostgresRepository {
	if publishRetries < 1 {
		publishRetries = 1
	}
	return &PostgresRepository{db: db, publishRetries: publishRetries}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*models.Batch, error) {
	var (
		b         models.Batch
		batchID   sql.NullInt64
		keyCount  int64
		state     string
		published sql.NullTime
	)
	if err := row.Scan(&b.RunID, &batchID, &b.Digest, &keyCount, &b.PeriodStart, &b.PeriodEnd, &state, &b.CreatedAt, &published); err != nil {
		return nil, err
	}
	b.ID = uint64(batchID.Int64)
	b.KeyCount = uint32(keyCount)
	b.State = models.BatchState(state)
	if published.Valid {
		p := published.Time
		b.PublishedAt = &p
	}
	return &b, nil
}

func (r *PostgresRepository) findOne(ctx context.Context, query string, args ...any) (*models.Batch, error) {
	b, err := scanBatch(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("%w: %v", common.ErrStorageUnavailable, err)
	}
	return b, nil
}

func (r *PostgresRepository) Create(ctx context.Context, b *models.Batch) (*models.Batch, error) {
	query := `
		INSERT INTO batches (run_id, digest, key_count, period_start, period_end, state, created_at)
		VALUES ($1, $2, $3, $4, $5, 'written', $6)
		ON CONFLICT (run_id) DO NOTHING
		RETURNING ` + batchColumns
	created, err := r.findOne(ctx, query, b.RunID, b.Digest, int64(b.KeyCount), b.PeriodStart, b.PeriodEnd, b.CreatedAt)
	if errors.Is(err, common.ErrorNotFound) {
		return r.FindByRun(ctx, b.RunID)
	}
	return created, err
}

func (r *PostgresRepository) FindByRun(ctx context.Context, runID uuid.UUID) (*models.Batch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM batches
		WHERE run_id = $1
	`
	return r.findOne(ctx, query, runID)
}

func (r *PostgresRepository) ListUnpublished(ctx context.Context, before time.Time) ([]*models.Batch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM batches
		WHERE state = 'written' AND created_at < $1
		ORDER BY created_at
	`
	rows, err := r.db.QueryContext(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []*models.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrStorageUnavailable, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Publish draws the next id from the batch_counter row, which retention never
// touches, so ids keep increasing after every published batch is deleted.
// The counter only advances when the run is still written; the row lock on
// batch_counter serialises concurrent publishers and keeps ids gapless.
func (r *PostgresRepository) Publish(ctx context.Context, runID uuid.UUID, now time.Time) (uint64, error) {
	query := `
		WITH target AS (
			SELECT run_id FROM batches
			WHERE run_id = $1 AND state = 'written'
			FOR UPDATE
		), next AS (
			UPDATE batch_counter SET last_id = last_id + 1
			WHERE EXISTS (SELECT 1 FROM target)
			RETURNING last_id
		)
		UPDATE batches
		SET batch_id = next.last_id,
		    state = 'published',
		    published_at = $2
		FROM next
		WHERE batches.run_id = $1 AND batches.state = 'written'
		RETURNING batches.batch_id
	`
	var lastErr error
	for attempt := 0; attempt < r.publishRetries; attempt++ {
		var id int64
		err := r.db.QueryRowContext(ctx, query, runID, now).Scan(&id)
		switch {
		case err == nil:
			return uint64(id), nil
		case errors.Is(err, sql.ErrNoRows):
			b, err := r.FindByRun(ctx, runID)
			if err != nil {
				return 0, err
			}
			if b.State != models.BatchPublished {
				return 0, fmt.Errorf("%w: batch of run %s neither written nor published", common.ErrInvariantViolation, runID)
			}
			return b.ID, nil
		case dbx.IsUniqueViolation(err):
			lastErr = err
			continue
		default:
			return 0, fmt.Errorf("%w: publish: %v", common.ErrStorageUnavailable, err)
		}
	}
	return 0, fmt.Errorf("%w: publish contention: %v", common.ErrStorageUnavailable, lastErr)
}

func (r *PostgresRepository) Index(ctx context.Context, afterID uint64, limit int) ([]models.IndexEntry, error) {
	query := `
		SELECT batch_id, created_at, key_count, digest
		FROM batches
		WHERE state = 'published' AND batch_id > $1
		ORDER BY batch_id
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, int64(afterID), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []models.IndexEntry
	for rows.Next() {
		var (
			e        models.IndexEntry
			id       int64
			keyCount int64
		)
		if err := rows.Scan(&id, &e.CreatedAt, &keyCount, &e.Digest); err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrStorageUnavailable, err)
		}
		e.BatchID = uint64(id)
		e.KeyCount = uint32(keyCount)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Get(ctx context.Context, batchID uint64) (*models.Batch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM batches
		WHERE batch_id = $1 AND state = 'published'
	`
	return r.findOne(ctx, query, int64(batchID))
}

func (r *PostgresRepository) LastPublishedAt(ctx context.Context) (time.Time, bool, error) {
	query := `
		SELECT MAX(published_at)
		FROM batches
		WHERE state = 'published'
	`
	var t sql.NullTime
	if err := r.db.QueryRowContext(ctx, query).Scan(&t); err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", common.ErrStorageUnavailable, err)
	}
	return t.Time, t.Valid, nil
}

func (r *PostgresRepository) DeleteBefore(ctx context.Context, t time.Time) ([]string, error) {
	query := `
		DELETE FROM batches
		WHERE state = 'published' AND created_at < $1
		RETURNING digest
	`
	rows, err := r.db.QueryContext(ctx, query, t)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var digests []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		digests = append(digests, d)
	}
	return digests, rows.Err()
}
