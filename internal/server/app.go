// Package server wires the ingestion service together: storage backends,
// the upload API, the batch feed and the scheduled jobs.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/logging"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/blobstore"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/config"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/export"
	gs "github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/grpc"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/metrics"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/repositories/repomanager"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/repositories/tokens"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/rest"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/scheduler"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/services"
)

type App struct {
	config    *config.Config
	logger    logging.Logger
	db        *sql.DB
	redis     *redis.Client
	registry  *prometheus.Registry
	ingestion *services.IngestionService
	tokens    *services.TokenService
	cutter    *services.Cutter
	retention *services.RetentionService
	feed      *services.FeedService
	metrics   *metrics.Metrics
}

var openDB = func(dsn string) (*sql.DB, error) { return sql.Open("pgx", dsn) }

// NewApp opens the configured backends, runs the migrations and builds
// the services.
func NewApp(ctx context.Context, c *config.Config, logger logging.Logger) (*App, error) {
	app := &App{config: c, logger: logger, registry: prometheus.NewRegistry()}
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics = metrics.New(app.registry)

	repos, err := app.initRepositories(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}

	blobs, err := app.initBlobStore(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}

	exporter, err := newExporter(c.Export, c.Ingestion.RollingPeriodLength)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.ingestion = services.NewIngestionService(app.db, repos, c.Ingestion, app.metrics, logger)
	app.tokens = services.NewTokenService(app.db, repos, logger)
	app.cutter = services.NewCutter(app.db, repos, blobs, exporter, c.Cutter, app.metrics, logger)
	app.retention = services.NewRetentionService(app.db, repos, blobs, c.Retention.Days, app.metrics, logger)
	app.feed = services.NewFeedService(app.db, repos, blobs, exporter)
	return app, nil
}

func (app *App) initRepositories(ctx context.Context) (repomanager.RepositoryManager, error) {
	c := app.config

	var repos repomanager.RepositoryManager
	switch c.StorageBackend {
	case config.BackendPostgres:
		db, err := openDB(c.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("db init error: %w", err)
		}
		app.db = db
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("db ping error: %w", err)
		}
		repos = repomanager.NewPostgresRepositoryManager(c.Cutter.PublishRetries)
		if err := repos.RunMigrations(ctx, db); err != nil {
			return nil, fmt.Errorf("migrations error: %w", err)
		}
	default:
		app.logger.Warn(ctx, "keys and batches are kept in memory and lost on restart")
		repos = repomanager.NewMemoryRepositoryManager()
	}

	switch c.TokenBackend {
	case config.BackendRedis:
		app.redis = redis.NewClient(&redis.Options{Addr: c.RedisAddr, Password: c.RedisPassword})
		if err := app.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping error: %w", err)
		}
		auditTTL := time.Duration(c.Retention.Days) * 24 * time.Hour
		repos = repomanager.WithTokenLedger(repos, tokens.NewRedisRepository(app.redis, auditTTL))
	case config.BackendMemory:
		if c.StorageBackend != config.BackendMemory {
			repos = repomanager.WithTokenLedger(repos, tokens.NewMemoryRepository())
		}
	}
	return repos, nil
}

func (app *App) initBlobStore(ctx context.Context) (blobstore.Store, error) {
	c := app.config
	if c.BlobBackend == config.BackendMemory {
		app.logger.Warn(ctx, "batch archives are kept in memory and lost on restart")
		return blobstore.NewMemoryStore(), nil
	}
	store, err := blobstore.NewS3Store(ctx, blobstore.S3Options{
		Region:       c.S3Region,
		AccessKey:    c.S3RootUser,
		SecretKey:    c.S3RootPassword,
		BaseEndpoint: c.S3BaseEndpoint,
		Bucket:       c.S3Bucket,
	})
	if err != nil {
		return nil, fmt.Errorf("blob store init error: %w", err)
	}
	return store, nil
}

func newExporter(c config.ExportConfig, rollingPeriod uint32) (*export.Exporter, error) {
	opts := export.Options{
		Header:                 c.Header,
		Region:                 c.Region,
		RollingPeriod:          rollingPeriod,
		VerificationKeyID:      c.VerificationKeyID,
		VerificationKeyVersion: c.VerificationKeyVersion,
	}
	if c.SigningKeyPath != "" {
		key, err := export.LoadSigningKey(c.SigningKeyPath)
		if err != nil {
			return nil, fmt.Errorf("signing key: %w", err)
		}
		opts.Signer = key
	}
	return export.NewExporter(opts)
}

// Close releases the backends.
func (app *App) Close() {
	if app.db != nil {
		_ = app.db.Close()
	}
	if app.redis != nil {
		_ = app.redis.Close()
	}
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) newScheduler() (*scheduler.Scheduler, error) {
	s := scheduler.New(app.logger)
	if err := s.Add("batch_cutter", app.config.Cutter.Schedule, app.cutter.Run); err != nil {
		return nil, err
	}
	if err := s.Add("retention", app.config.Retention.Schedule, app.retention.Job); err != nil {
		return nil, err
	}
	return s, nil
}

// Run serves the upload API and the batch feed and runs the scheduled
// jobs until ctx is cancelled or a signal arrives. The first component to
// fail stops the others.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()
	defer app.Close()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	sched, err := app.newScheduler()
	if err != nil {
		return err
	}

	handler := rest.NewHandler(app.ingestion, app.tokens, app.config.Ingestion, app.metrics, app.logger)
	router := rest.NewRouter(handler, app.config.SecretKey, app.registry)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rest.NewHTTPServer(app.config.EndpointAddrHTTP, router, app.logger).Run(ctx)
	})
	g.Go(func() error {
		return gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, app.feed, app.config.SecretKey).Run(ctx)
	})
	g.Go(func() error {
		return sched.Run(ctx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		app.logger.Error(ctx, "app stopped", "error", err)
		return err
	}
	app.logger.Info(ctx, "App stopped")
	return nil
}
