package services

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/dbx"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/logging"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/blobstore"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/config"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/export"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/metrics"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/repositories/keys"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/repositories/repomanager"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/timex"
)

// testClock is a settable clock shared by services under test.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock { return &testClock{t: time.Now().UTC()} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testConfig() *config.Config {
	var c config.Config
	c.LoadDefaults()
	c.Ingestion.FloorDelay = 0
	c.Ingestion.Jitter = 0
	c.Ingestion.RetryBaseDelay = time.Millisecond
	c.Ingestion.StorageRetries = 2
	c.Ingestion.DecoyRejectPercent = 0
	return &c
}

// validKeys returns n keys on consecutive days ending today.
func validKeys(n int, now time.Time) []models.DiagnosisKey {
	today := timex.IntervalNumber(now)
	today -= today % 144
	out := make([]models.DiagnosisKey, n)
	for i := range out {
		out[i] = models.DiagnosisKey{
			KeyData:       bytes.Repeat([]byte{byte(n), byte(i + 1)}, 8),
			RollingPeriod: today - uint32(i)*144,
			RiskLevel:     uint8(i % 8),
		}
	}
	return out
}

func provision(t *testing.T, m repomanager.RepositoryManager, now time.Time, ids ...string) {
	t.Helper()
	toks := make([]models.AuthorizationToken, len(ids))
	for i, id := range ids {
		toks[i] = models.AuthorizationToken{ID: id, ValidFrom: now.Add(-time.Hour), ValidUntil: now.Add(time.Hour)}
	}
	if _, err := m.Tokens(nil).Provision(context.Background(), toks); err != nil {
		t.Fatalf("provision: %v", err)
	}
}

func newIngestion(cfg *config.Config, m repomanager.RepositoryManager, clock *testClock) (*IngestionService, *metrics.Metrics) {
	met := metrics.NewNop()
	s := NewIngestionService(nil, m, cfg.Ingestion, met, logging.Nop{})
	s.now = clock.Now
	return s, met
}

func newTestExporter(t *testing.T) *export.Exporter {
	t.Helper()
	e, err := export.NewExporter(export.Options{Header: "EK Export v1", Region: "222"})
	if err != nil {
		t.Fatalf("NewExporter: %v", err)
	}
	return e
}

func newCutter(t *testing.T, cfg *config.Config, m repomanager.RepositoryManager, blobs blobstore.Store, clock *testClock) (*Cutter, *metrics.Metrics) {
	t.Helper()
	met := metrics.NewNop()
	c := NewCutter(nil, m, blobs, newTestExporter(t), cfg.Cutter, met, logging.Nop{})
	c.now = clock.Now
	return c, met
}

// keysOverride replaces the key store of a memory manager.
type keysOverride struct {
	*repomanager.MemoryRepositoryManager
	keys keys.Repository
}

func (m *keysOverride) Keys(dbx.DBTX) keys.Repository { return m.keys }
