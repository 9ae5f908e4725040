package services

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/dbx"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/logging"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/repositories/repomanager"
)

var tokenIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// TokenService loads tokens issued by the token authority into the ledger.
type TokenService struct {
	db    *sql.DB
	repos repomanager.RepositoryManager
	log   logging.Logger
	now   func() time.Time
}

func NewTokenService(db *sql.DB, m repomanager.RepositoryManager, log logging.Logger) *TokenService {
	return &TokenService{db: db, repos: m, log: log.With("module", "tokens"), now: time.Now}
}

// Provision stores tokens in one transaction and returns how many were new.
// The whole request is refused when any token is malformed.
func (s *TokenService) Provision(ctx context.Context, tokens []models.AuthorizationToken) (int64, error) {
	now := s.now()
	for i := range tokens {
		t := &tokens[i]
		if !tokenIDPattern.MatchString(t.ID) {
			return 0, &ValidationError{Reason: models.ReasonInvalidRequest, Detail: fmt.Sprintf("token %d: malformed id", i)}
		}
		if !t.ValidUntil.After(t.ValidFrom) {
			return 0, &ValidationError{Reason: models.ReasonInvalidRequest, Detail: fmt.Sprintf("token %d: empty validity window", i)}
		}
		if t.MaxKeys < 0 {
			return 0, &ValidationError{Reason: models.ReasonInvalidRequest, Detail: fmt.Sprintf("token %d: negative max keys", i)}
		}
		t.RedeemedAt = nil
		t.CreatedAt = now
	}

	var stored int64
	err := dbx.WithOptionalTx(ctx, s.db, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		stored, err = s.repos.Tokens(tx).Provision(ctx, tokens)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("error provisioning tokens: %w", err)
	}
	s.log.Info(ctx, "tokens provisioned", "received", len(tokens), "stored", stored)
	return stored, nil
}
