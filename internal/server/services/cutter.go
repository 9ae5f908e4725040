package services

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/common"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/logging"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/blobstore"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/config"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/export"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/metrics"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/repositories/repomanager"
)

// CutterState is the phase a tick is in. It is reported for logging only;
// progress itself lives in the claim and batch records.
type CutterState string

const (
	CutterIdle       CutterState = "idle"
	CutterSelecting  CutterState = "selecting"
	CutterWriting    CutterState = "writing"
	CutterPublishing CutterState = "publishing"
)

// TickResult summarizes one tick.
type TickResult struct {
	// Published lists batch ids published by this tick, in order.
	Published []uint64
	// Recovered counts batches finished on behalf of interrupted runs.
	Recovered int
}

// Cutter groups pending keys into batches. Any number of cutters may run
// against the same store; they coordinate only through per-key claims and
// the conditional publish.
type Cutter struct {
	db       *sql.DB
	repos    repomanager.RepositoryManager
	blobs    blobstore.Store
	exporter *export.Exporter
	cfg      config.CutterConfig
	metrics  *metrics.Metrics
	log      logging.Logger

	state  atomic.Value
	halted atomic.Bool

	now    func() time.Time
	newRun func() uuid.UUID
}

func NewCutter(db *sql.DB, m repomanager.RepositoryManager, blobs blobstore.Store, exporter *export.Exporter,
	cfg config.CutterConfig, met *metrics.Metrics, log logging.Logger) *Cutter {
	c := &Cutter{
		db:       db,
		repos:    m,
		blobs:    blobs,
		exporter: exporter,
		cfg:      cfg,
		metrics:  met,
		log:      log.With("module", "cutter"),
		now:      time.Now,
		newRun:   uuid.New,
	}
	c.state.Store(CutterIdle)
	return c
}

func (c *Cutter) State() CutterState { return c.state.Load().(CutterState) }

func (c *Cutter) Halted() bool { return c.halted.Load() }

func (c *Cutter) enter(s CutterState) { c.state.Store(s) }

// Run is the scheduler entry point.
func (c *Cutter) Run() {
	ctx := context.Background()
	res, err := c.Tick(ctx)
	if err != nil {
		if !errors.Is(err, common.ErrCutterHalted) {
			c.log.Error(ctx, "tick failed", "error", err)
		}
		return
	}
	if len(res.Published) > 0 || res.Recovered > 0 {
		c.log.Info(ctx, "tick done", "published", res.Published, "recovered", res.Recovered)
	}
}

// Tick recovers interrupted runs, then cuts at most one new batch.
func (c *Cutter) Tick(ctx context.Context) (*TickResult, error) {
	if c.halted.Load() {
		return nil, common.ErrCutterHalted
	}
	if c.cfg.TickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.TickTimeout)
		defer cancel()
	}
	defer c.enter(CutterIdle)

	res := &TickResult{}
	if err := c.recoverRuns(ctx, res); err != nil {
		return res, c.fail(ctx, err)
	}

	run, claimed, ok, err := c.selectKeys(ctx)
	if err != nil {
		return res, c.fail(ctx, err)
	}
	if !ok {
		return res, nil
	}

	b, err := c.write(ctx, run, claimed)
	if err != nil {
		return res, c.fail(ctx, err)
	}
	id, err := c.publish(ctx, b)
	if err != nil {
		return res, c.fail(ctx, err)
	}
	res.Published = append(res.Published, id)
	return res, nil
}

func (c *Cutter) fail(ctx context.Context, err error) error {
	if errors.Is(err, common.ErrInvariantViolation) {
		c.halted.Store(true)
		c.metrics.InvariantViolation.Inc()
		c.log.Error(ctx, "batch cutter halted", "event", "invariant_violation", "error", err)
	}
	return err
}

// recoverRuns finishes work left by runs whose claims went stale: a run
// that wrote its batch is published, a run that did not has its keys
// claimed again under a new run id.
func (c *Cutter) recoverRuns(ctx context.Context, res *TickResult) error {
	c.enter(CutterSelecting)
	now := c.now()
	staleBefore := now.Add(-c.cfg.StaleClaimAfter)
	batchRepo := c.repos.Batches(c.db)
	keyRepo := c.repos.Keys(c.db)

	written, err := batchRepo.ListUnpublished(ctx, staleBefore)
	if err != nil {
		return err
	}
	for _, b := range written {
		id, err := c.publish(ctx, b)
		if err != nil {
			return err
		}
		res.Published = append(res.Published, id)
		res.Recovered++
	}

	runs, err := keyRepo.StaleRuns(ctx, staleBefore)
	if err != nil {
		return err
	}
	for _, run := range runs {
		b, err := batchRepo.FindByRun(ctx, run)
		switch {
		case err == nil:
			c.log.Warn(ctx, "resuming interrupted run", "run", run)
		case errors.Is(err, common.ErrorNotFound):
			newRun := c.newRun()
			claimed, err := keyRepo.Reclaim(ctx, run, newRun, staleBefore, now)
			if err != nil {
				return err
			}
			if len(claimed) == 0 {
				// another cutter got there first
				continue
			}
			c.log.Warn(ctx, "re-claimed keys of interrupted run", "run", run, "new_run", newRun, "keys", len(claimed))
			if b, err = c.write(ctx, newRun, claimed); err != nil {
				return err
			}
		default:
			return err
		}

		id, err := c.publish(ctx, b)
		if err != nil {
			return err
		}
		res.Published = append(res.Published, id)
		res.Recovered++
	}
	return nil
}

// due decides whether a batch is cut now: enough keys are pending, or the
// last batch (or, before any batch, the oldest pending key) is older than
// MaxBatchInterval. An overdue cut happens even with no keys pending.
func (c *Cutter) due(ctx context.Context, pending int64, now time.Time) (bool, error) {
	if pending > 0 && pending >= int64(c.cfg.MinBatchSize) {
		return true, nil
	}
	if c.cfg.MaxBatchInterval <= 0 {
		return false, nil
	}

	anchor, ok, err := c.repos.Batches(c.db).LastPublishedAt(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		if anchor, ok, err = c.repos.Keys(c.db).OldestPendingAt(ctx); err != nil || !ok {
			return false, err
		}
	}
	return now.Sub(anchor) >= c.cfg.MaxBatchInterval, nil
}

func (c *Cutter) selectKeys(ctx context.Context) (uuid.UUID, []models.StoredKey, bool, error) {
	c.enter(CutterSelecting)
	now := c.now()
	keyRepo := c.repos.Keys(c.db)

	pending, err := keyRepo.CountPending(ctx)
	if err != nil {
		return uuid.Nil, nil, false, err
	}
	c.metrics.KeysPending.Set(float64(pending))

	ok, err := c.due(ctx, pending, now)
	if err != nil || !ok {
		return uuid.Nil, nil, false, err
	}

	run := c.newRun()
	claimed, err := keyRepo.Claim(ctx, run, c.cfg.MaxBatchSize, now)
	if err != nil {
		return uuid.Nil, nil, false, err
	}
	c.log.Debug(ctx, "keys claimed", "run", run, "keys", len(claimed))
	return run, claimed, true, nil
}

// write stores the archive for the run's keys and records the batch. Both
// steps are idempotent for a run.
func (c *Cutter) write(ctx context.Context, run uuid.UUID, claimed []models.StoredKey) (*models.Batch, error) {
	c.enter(CutterWriting)
	now := c.now()

	dks := make([]models.DiagnosisKey, len(claimed))
	start := now
	for i, k := range claimed {
		dks[i] = k.DiagnosisKey
		if k.CreatedAt.Before(start) {
			start = k.CreatedAt
		}
	}
	// Sorting by key bytes drops any trace of upload order.
	slices.SortFunc(dks, func(a, b models.DiagnosisKey) int { return bytes.Compare(a.KeyData, b.KeyData) })

	content, err := c.exporter.Build(start, now, dks)
	if err != nil {
		return nil, fmt.Errorf("error building export: %w", err)
	}
	digest := export.Digest(content)
	if err := c.blobs.Put(ctx, blobstore.BatchKey(digest), content); err != nil {
		return nil, err
	}

	return c.repos.Batches(c.db).Create(ctx, &models.Batch{
		RunID:       run,
		Digest:      digest,
		KeyCount:    uint32(len(dks)),
		PeriodStart: start,
		PeriodEnd:   now,
		CreatedAt:   now,
	})
}

// publish marks the run's keys batched, checks that exactly the batch's
// keys are batched under the run and assigns the next batch id.
func (c *Cutter) publish(ctx context.Context, b *models.Batch) (uint64, error) {
	c.enter(CutterPublishing)
	keyRepo := c.repos.Keys(c.db)

	if _, err := keyRepo.MarkBatched(ctx, b.RunID); err != nil {
		return 0, err
	}
	n, err := keyRepo.CountByRun(ctx, b.RunID, models.KeyBatched)
	if err != nil {
		return 0, err
	}
	if n != int64(b.KeyCount) {
		return 0, fmt.Errorf("%w: run %s has %d batched keys, batch records %d",
			common.ErrInvariantViolation, b.RunID, n, b.KeyCount)
	}

	id, err := c.repos.Batches(c.db).Publish(ctx, b.RunID, c.now())
	if err != nil {
		return 0, err
	}
	if b.State != models.BatchPublished {
		c.metrics.BatchesCreated.Inc()
		c.metrics.KeysBatched.Add(float64(b.KeyCount))
	}
	c.log.Info(ctx, "batch published", "batch_id", id, "run", b.RunID, "keys", b.KeyCount, "digest", b.Digest)
	return id, nil
}
