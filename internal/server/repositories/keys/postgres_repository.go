package keys

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/common"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/dbx"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
)

const keyColumns = `id, upload_id, key_data, rolling_period, risk_level, submitted_day, status, claim_run, claimed_at, created_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", common.ErrStorageUnavailable, op, err)
}

func scanKeys(rows *sql.Rows) ([]models.StoredKey, error) {
	defer rows.Close()

	var out []models.StoredKey
	for rows.Next() {
		var (
			k             models.StoredKey
			rollingPeriod int64
			riskLevel     int16
			status        string
			claimRun      uuid.NullUUID
			claimedAt     sql.NullTime
		)
		if err := rows.Scan(&k.ID, &k.UploadID, &k.KeyData, &rollingPeriod, &riskLevel, &k.SubmittedDay,
			&status, &claimRun, &claimedAt, &k.CreatedAt); err != nil {
			return nil, err
		}
		k.RollingPeriod = uint32(rollingPeriod)
		k.RiskLevel = uint8(riskLevel)
		k.Status = models.KeyStatus(status)
		k.ClaimRun = claimRun.UUID
		k.ClaimedAt = claimedAt.Time
		out = append(out, k)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) queryKeys(ctx context.Context, op, query string, args ...any) ([]models.StoredKey, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	out, err := scanKeys(rows)
	if err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, uploadID uuid.UUID, day time.Time, keys []models.DiagnosisKey) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var sb strings.Builder
	sb.WriteString("INSERT INTO diagnosis_keys (upload_id, key_data, rolling_period, risk_level, submitted_day) VALUES ")
	args := make([]any, 0, len(keys)*5)
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 5
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5)
		args = append(args, uploadID, k.KeyData, int64(k.RollingPeriod), int16(k.RiskLevel), day)
	}
	sb.WriteString(" ON CONFLICT (upload_id, key_data, rolling_period) DO NOTHING")

	res, err := r.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, unavailable("insert keys", err)
	}
	return res.RowsAffected()
}

// Claim relies on FOR UPDATE SKIP LOCKED: concurrent runs pick disjoint
// rows instead of waiting on each other.
func (r *PostgresRepository) Claim(ctx context.Context, runID uuid.UUID, limit int, now time.Time) ([]models.StoredKey, error) {
	query := `
		UPDATE diagnosis_keys
		SET status = 'claimed', claim_run = $1, claimed_at = $2
		WHERE id IN (
			SELECT id FROM diagnosis_keys
			WHERE status = 'pending'
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + keyColumns
	return r.queryKeys(ctx, "claim keys", query, runID, now, limit)
}

func (r *PostgresRepository) StaleRuns(ctx context.Context, claimedBefore time.Time) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT claim_run
		FROM diagnosis_keys
		WHERE status = 'claimed' AND claimed_at < $1
	`
	rows, err := r.db.QueryContext(ctx, query, claimedBefore)
	if err != nil {
		return nil, unavailable("stale runs", err)
	}
	defer rows.Close()

	var runs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("stale runs", err)
		}
		runs = append(runs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("stale runs", err)
	}
	return runs, nil
}

func (r *PostgresRepository) Reclaim(ctx context.Context, oldRun, newRun uuid.UUID, claimedBefore, now time.Time) ([]models.StoredKey, error) {
	query := `
		UPDATE diagnosis_keys
		SET claim_run = $2, claimed_at = $4
		WHERE claim_run = $1 AND status = 'claimed' AND claimed_at < $3
		RETURNING ` + keyColumns
	return r.queryKeys(ctx, "reclaim keys", query, oldRun, newRun, claimedBefore, now)
}

func (r *PostgresRepository) MarkBatched(ctx context.Context, runID uuid.UUID) (int64, error) {
	query := `
		UPDATE diagnosis_keys
		SET status = 'batched'
		WHERE claim_run = $1 AND status = 'claimed'
	`
	res, err := r.db.ExecContext(ctx, query, runID)
	if err != nil {
		return 0, unavailable("mark batched", err)
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) count(ctx context.Context, op, query string, args ...any) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, unavailable(op, err)
	}
	return n, nil
}

func (r *PostgresRepository) CountByRun(ctx context.Context, runID uuid.UUID, status models.KeyStatus) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM diagnosis_keys
		WHERE claim_run = $1 AND status = $2
	`
	return r.count(ctx, "count by run", query, runID, string(status))
}

func (r *PostgresRepository) CountPending(ctx context.Context) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM diagnosis_keys
		WHERE status = 'pending'
	`
	return r.count(ctx, "count pending", query)
}

func (r *PostgresRepository) OldestPendingAt(ctx context.Context) (time.Time, bool, error) {
	query := `
		SELECT MIN(created_at)
		FROM diagnosis_keys
		WHERE status = 'pending'
	`
	var t sql.NullTime
	if err := r.db.QueryRowContext(ctx, query).Scan(&t); err != nil {
		return time.Time{}, false, unavailable("oldest pending", err)
	}
	return t.Time, t.Valid, nil
}

func (r *PostgresRepository) PendingBefore(ctx context.Context, day time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM diagnosis_keys
			WHERE status = 'pending' AND submitted_day < $1
		)
	`
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, day).Scan(&exists); err != nil {
		return false, unavailable("pending before", err)
	}
	return exists, nil
}

func (r *PostgresRepository) DeleteBefore(ctx context.Context, day time.Time) (int64, error) {
	query := `
		DELETE FROM diagnosis_keys
		WHERE submitted_day < $1 AND status <> 'claimed'
	`
	res, err := r.db.ExecContext(ctx, query, day)
	if err != nil {
		return 0, unavailable("delete keys", err)
	}
	return res.RowsAffected()
}
