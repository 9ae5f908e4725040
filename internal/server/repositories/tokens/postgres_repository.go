package tokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/common"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/dbx"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
)

// provisionChunk keeps one INSERT well below the 65535 bind parameter limit.
const provisionChunk = 1000

// PostgresRepository implements the ledger over dbx.DBTX
// (satisfied by *sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*models.AuthorizationToken, error) {
	t := &models.AuthorizationToken{}
	var redeemed sql.NullTime
	if err := row.Scan(&t.ID, &t.ValidFrom, &t.ValidUntil, &t.MaxKeys, &redeemed, &t.CreatedAt); err != nil {
		return nil, err
	}
	if redeemed.Valid {
		r := redeemed.Time
		t.RedeemedAt = &r
	}
	return t, nil
}

// Redeem runs the single conditional UPDATE; only when it matches no row is
// the token read back to classify the refusal.
func (r *PostgresRepository) Redeem(ctx context.Context, tokenID string, now time.Time) (models.RedeemOutcome, *models.AuthorizationToken, error) {
	query := `
		UPDATE auth_tokens
		SET redeemed_at = $2
		WHERE token_id = $1 AND redeemed_at IS NULL AND valid_from <= $2 AND valid_until > $2
		RETURNING token_id, valid_from, valid_until, max_keys, redeemed_at, created_at
	`
	t, err := scanToken(r.db.QueryRowContext(ctx, query, tokenID, now))
	if err == nil {
		return models.RedeemGranted, t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", nil, fmt.Errorf("%w: redeem: %v", common.ErrStorageUnavailable, err)
	}

	t, err = r.Peek(ctx, tokenID)
	if errors.Is(err, common.ErrorNotFound) {
		return models.RedeemUnknown, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	outcome := models.Classify(t, now)
	if outcome == models.RedeemGranted {
		// provisioned after the update ran; the update is the only grant path
		outcome = models.RedeemUnknown
	}
	return outcome, t, nil
}

// Peek returns the token row or common.ErrorNotFound.
func (r *PostgresRepository) Peek(ctx context.Context, tokenID string) (*models.AuthorizationToken, error) {
	query := `
		SELECT token_id, valid_from, valid_until, max_keys, redeemed_at, created_at
		FROM auth_tokens
		WHERE token_id = $1
	`
	t, err := scanToken(r.db.QueryRowContext(ctx, query, tokenID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("%w: peek: %v", common.ErrStorageUnavailable, err)
	}
	return t, nil
}

// Provision inserts tokens in chunks with ON CONFLICT DO NOTHING. Run it
// inside dbx.WithTx to make a large load all-or-nothing.
func (r *PostgresRepository) Provision(ctx context.Context, tokens []models.AuthorizationToken) (int64, error) {
	var total int64
	for start := 0; start < len(tokens); start += provisionChunk {
		end := min(start+provisionChunk, len(tokens))
		chunk := tokens[start:end]

		var sb strings.Builder
		sb.WriteString("INSERT INTO auth_tokens (token_id, valid_from, valid_until, max_keys) VALUES ")
		args := make([]any, 0, len(chunk)*4)
		for i, t := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			n := i * 4
			fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4)
			args = append(args, t.ID, t.ValidFrom, t.ValidUntil, t.MaxKeys)
		}
		sb.WriteString(" ON CONFLICT (token_id) DO NOTHING")

		res, err := r.db.ExecContext(ctx, sb.String(), args...)
		if err != nil {
			return total, fmt.Errorf("error performing sql request: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("db error: %w", err)
		}
		total += n
	}
	return total, nil
}

func (r *PostgresRepository) DeleteExpiredBefore(ctx context.Context, t time.Time) (int64, error) {
	query := `
		DELETE FROM auth_tokens
		WHERE valid_until < $1
	`
	res, err := r.db.ExecContext(ctx, query, t)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.RowsAffected()
}
