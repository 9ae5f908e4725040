// Package services contains the server-side business logic: upload
// ingestion, token provisioning, batch cutting, the batch feed and data
// retention.
package services

import (
	"context"
	"database/sql"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/common"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/logging"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/config"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/metrics"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/repositories/keys"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/repositories/repomanager"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/timex"
)

// shadowTokenBytes matches the size of real token ids (64 hex characters).
const shadowTokenBytes = 32

// IngestionService handles uploads. Real and decoy uploads take the same
// steps against different collaborators, under the same equalizer.
type IngestionService struct {
	db        *sql.DB
	repos     repomanager.RepositoryManager
	shadow    keys.Repository
	validator *Validator
	equalizer *Equalizer
	admission *semaphore.Weighted
	storage   storagePolicy
	cfg       config.IngestionConfig
	metrics   *metrics.Metrics
	log       logging.Logger

	now     func() time.Time
	random  func(int) []byte
	percent func() int
}

// NewIngestionService wires the ingestion path. db may be nil when the
// repositories live in memory.
func NewIngestionService(db *sql.DB, m repomanager.RepositoryManager, cfg config.IngestionConfig, met *metrics.Metrics, log logging.Logger) *IngestionService {
	return &IngestionService{
		db:        db,
		repos:     m,
		shadow:    keys.NewDiscardRepository(),
		validator: NewValidator(cfg),
		equalizer: NewEqualizer(cfg.FloorDelay, cfg.Jitter),
		admission: semaphore.NewWeighted(int64(cfg.MaxConcurrentUploads)),
		storage: storagePolicy{
			timeout:   cfg.StorageTimeout,
			retries:   uint64(cfg.StorageRetries),
			baseDelay: cfg.RetryBaseDelay,
		},
		cfg:     cfg,
		metrics: met,
		log:     log.With("module", "ingestion"),
		now:     time.Now,
		random:  common.GenerateRandByteArray,
		percent: func() int { return rand.IntN(100) },
	}
}

// Ingest redeems the token, validates the keys and stores them as pending.
// Decoys perform the same steps against shadow collaborators and never
// change durable state.
func (s *IngestionService) Ingest(ctx context.Context, req models.UploadRequest) models.Outcome {
	var out models.Outcome
	s.equalizer.Do(ctx, func(ctx context.Context) {
		release, ok := s.admit(ctx)
		if !ok {
			out = models.RetryLater(models.ReasonOverloaded)
			return
		}
		defer release()

		if req.Kind == models.UploadDecoy {
			out = s.ingestDecoy(ctx, req)
		} else {
			out = s.ingestReal(ctx, req)
		}
	})
	return out
}

// RejectMalformed answers a request that could not be parsed, with the
// same timing as every other upload.
func (s *IngestionService) RejectMalformed(ctx context.Context) models.Outcome {
	s.equalizer.Do(ctx, func(context.Context) {})
	return models.Reject(models.ReasonInvalidRequest)
}

// CheckToken reports whether token could be redeemed now, without
// redeeming it.
func (s *IngestionService) CheckToken(ctx context.Context, kind models.UploadKind, token string) models.Outcome {
	var out models.Outcome
	s.equalizer.Do(ctx, func(ctx context.Context) {
		release, ok := s.admit(ctx)
		if !ok {
			out = models.RetryLater(models.ReasonOverloaded)
			return
		}
		defer release()

		if kind == models.UploadDecoy {
			_, _ = s.peek(ctx, s.shadowTokenID())
			out = s.decoyOutcome()
			return
		}

		t, err := s.peek(ctx, token)
		if err != nil {
			out = models.RetryLater(models.ReasonStorageUnavailable)
			return
		}
		if o := models.Classify(t, s.now()); o != models.RedeemGranted {
			out = models.Reject((&AuthorizationError{Outcome: o}).Reason())
			return
		}
		out = models.Accept()
	})
	return out
}

func (s *IngestionService) admit(ctx context.Context) (func(), bool) {
	wait := s.cfg.AdmissionWait
	if wait <= 0 {
		wait = time.Second
	}
	actx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := s.admission.Acquire(actx, 1); err != nil {
		s.log.Warn(ctx, "upload not admitted", "error", err)
		return nil, false
	}
	return func() { s.admission.Release(1) }, true
}

func (s *IngestionService) ingestReal(ctx context.Context, req models.UploadRequest) models.Outcome {
	now := s.now()
	// Ledgers keep millisecond precision; the stamp read back must match it.
	stamp := now.Truncate(time.Millisecond)
	ledger := s.repos.Tokens(s.db)

	var (
		outcome models.RedeemOutcome
		token   *models.AuthorizationToken
		failed  bool
	)
	err := s.storage.do(ctx, func(ctx context.Context) error {
		var err error
		outcome, token, err = ledger.Redeem(ctx, req.Token, stamp)
		if err != nil {
			failed = true
		}
		return err
	})
	if err != nil {
		if failed {
			// An attempt may have committed before its reply was lost.
			s.log.Error(ctx, "token redemption outcome unknown",
				"event", "key_loss", "keys", len(req.Keys), "error", err)
			s.metrics.KeyLoss.Inc()
		}
		return models.RetryLater(models.ReasonStorageUnavailable)
	}
	if outcome == models.RedeemAlreadyRedeemed && failed && redeemedAt(token, stamp) {
		s.log.Warn(ctx, "redeem reply lost, redemption recovered")
		outcome = models.RedeemGranted
	}
	if outcome != models.RedeemGranted {
		if failed && outcome == models.RedeemAlreadyRedeemed {
			s.log.Error(ctx, "token already redeemed after a failed redeem attempt",
				"event", "key_loss", "keys", len(req.Keys))
			s.metrics.KeyLoss.Inc()
		}
		return models.Reject((&AuthorizationError{Outcome: outcome}).Reason())
	}

	// The token is spent from here on.
	if err := s.validator.Validate(token, req.Keys, now); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			s.log.Debug(ctx, "upload rejected", "reason", ve.Reason)
			return models.Reject(ve.Reason)
		}
		return models.Reject(models.ReasonInvalidRequest)
	}

	uploadID := uuid.New()
	store := s.repos.Keys(s.db)
	err = s.storage.do(ctx, func(ctx context.Context) error {
		_, err := store.Insert(ctx, uploadID, timex.Day(now), req.Keys)
		return err
	})
	if err != nil {
		s.log.Error(ctx, "keys lost after token redemption",
			"event", "key_loss", "upload_id", uploadID, "keys", len(req.Keys), "error", err)
		s.metrics.KeyLoss.Inc()
		return models.RetryLater(models.ReasonKeyPersistenceFailed)
	}

	s.metrics.KeysIngested.Add(float64(len(req.Keys)))
	return models.Accept()
}

// redeemedAt reports whether token was redeemed by the request that stamped it.
func redeemedAt(token *models.AuthorizationToken, stamp time.Time) bool {
	return token != nil && token.RedeemedAt != nil && token.RedeemedAt.Equal(stamp)
}

func (s *IngestionService) ingestDecoy(ctx context.Context, req models.UploadRequest) models.Outcome {
	now := s.now()

	_, _ = s.peek(ctx, s.shadowTokenID())
	token := &models.AuthorizationToken{ValidFrom: now, ValidUntil: now.Add(time.Hour)}

	n := len(req.Keys)
	if bound := s.validator.MaxKeys(token); n > bound {
		n = bound
	}
	if n < 1 {
		n = 1
	}
	synthetic := s.validator.SyntheticKeys(n, now, s.random)
	_ = s.validator.Validate(token, synthetic, now)

	_ = s.storage.do(ctx, func(ctx context.Context) error {
		_, err := s.shadow.Insert(ctx, uuid.New(), timex.Day(now), synthetic)
		return err
	})
	return s.decoyOutcome()
}

func (s *IngestionService) decoyOutcome() models.Outcome {
	if p := s.cfg.DecoyRejectPercent; p > 0 && s.percent() < p {
		return models.Reject(models.ReasonUnknownToken)
	}
	return models.Accept()
}

// peek reads a token; a missing token is not an error.
func (s *IngestionService) peek(ctx context.Context, id string) (*models.AuthorizationToken, error) {
	ledger := s.repos.Tokens(s.db)
	var t *models.AuthorizationToken
	err := s.storage.do(ctx, func(ctx context.Context) error {
		var err error
		t, err = ledger.Peek(ctx, id)
		if errors.Is(err, common.ErrorNotFound) {
			t = nil
			return nil
		}
		return err
	})
	return t, err
}

func (s *IngestionService) shadowTokenID() string {
	id, err := common.MakeRandHexString(shadowTokenBytes)
	if err != nil {
		return ""
	}
	return id
}
