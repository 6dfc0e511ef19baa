// Package main wires together the orphan calculation service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	gcpstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmcateer/orphancalc/internal/api"
	"github.com/pmcateer/orphancalc/internal/clock/system"
	"github.com/pmcateer/orphancalc/internal/config"
	"github.com/pmcateer/orphancalc/internal/dispatcher"
	"github.com/pmcateer/orphancalc/internal/hash/sha256"
	"github.com/pmcateer/orphancalc/internal/id/uuid"
	"github.com/pmcateer/orphancalc/internal/logging"
	"github.com/pmcateer/orphancalc/internal/orphan"
	"github.com/pmcateer/orphancalc/internal/policy/ratelimit"
	"github.com/pmcateer/orphancalc/internal/policy/simple"
	"github.com/pmcateer/orphancalc/internal/progress"
	"github.com/pmcateer/orphancalc/internal/progress/sinks"
	memorypublisher "github.com/pmcateer/orphancalc/internal/publisher/memory"
	pubsubpublisher "github.com/pmcateer/orphancalc/internal/publisher/pubsub"
	queuememory "github.com/pmcateer/orphancalc/internal/queue/memory"
	"github.com/pmcateer/orphancalc/internal/runner"
	"github.com/pmcateer/orphancalc/internal/storage/gcs"
	"github.com/pmcateer/orphancalc/internal/storage/local"
	memorystorage "github.com/pmcateer/orphancalc/internal/storage/memory"
	"github.com/pmcateer/orphancalc/internal/storage/postgres"
	"github.com/pmcateer/orphancalc/internal/store"
	"github.com/pmcateer/orphancalc/internal/telemetry"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, _, err := telemetry.InitTelemetry(ctx, telemetry.Config{
		ServiceName:   cfg.Application.ServiceName,
		Version:       cfg.Application.Version,
		ProjectID:     cfg.Application.ProjectID,
		ProjectNumber: cfg.Application.ProjectNumber,
		Region:        cfg.Application.Region,
	}); err != nil {
		logger.Warn("telemetry init failed", zap.Error(err))
	}

	queries := configuredQueries(cfg)

	var (
		repo   store.RunRepository
		source orphan.ConceptSource
		pinger api.Pinger
	)
	if cfg.DB.DSN != "" {
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(cfg.DB.MaxConnLifetimeMin) * time.Minute,
		})
		if err != nil {
			logger.Fatal("postgres init failed", zap.Error(err))
		}
		defer pool.Close()

		runStore, err := postgres.NewRunStore(pool)
		if err != nil {
			logger.Fatal("run store init failed", zap.Error(err))
		}
		conceptStore, err := postgres.NewConceptStore(pool)
		if err != nil {
			logger.Fatal("concept store init failed", zap.Error(err))
		}
		repo = runStore
		source = conceptStore
		pinger = runStore
	} else {
		logger.Warn("db.dsn not set, using in-memory stores")
		repo = memorystorage.NewRunStore()
		excluded := make(map[string][]string, len(queries))
		for _, q := range queries {
			excluded[q.Name] = nil
		}
		source = memorystorage.NewConceptStore(nil, excluded)
	}

	blobStore, err := buildBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}

	publisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}

	latest := sinks.NewLatestSink()
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal("prometheus sink init failed", zap.Error(err))
	}
	hub := progress.NewHub(progress.Config{
		BufferSize:       cfg.Progress.BufferSize,
		MaxPendingRuns:   cfg.Progress.MaxPendingRuns,
		MaxBatchWait:     time.Duration(cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:      time.Duration(cfg.Progress.SinkTimeoutSec) * time.Second,
		SubscriberBuffer: cfg.Progress.SubscriberBuffer,
		Logger:           logging.Component(logger, "hub"),
	},
		sinks.NewLogSink(logging.Component(logger, "progress")),
		latest,
		promSink,
		sinks.NewStoreSink(repo, logging.Component(logger, "store_sink")),
	)

	runQueue := queuememory.NewQueue(cfg.Calc.QueueDepth)
	hasher := sha256.New()
	clock := system.New()
	idGen := uuid.New()
	pacer := ratelimit.New(ratelimit.Config{
		QueriesPerSecond: cfg.Calc.QueriesPerSecond,
		Burst:            cfg.Calc.PaceBurst,
	})
	gate := simple.New(cfg.Calc.DisabledQueries...)
	cancels := runner.NewCancelRegistry()

	runnerCfg := runner.Config{
		ContentType: cfg.Storage.ContentType,
		BlobPrefix:  cfg.Storage.Prefix,
		PageSize:    cfg.Calc.PageSize,
		Queries:     queries,
	}
	var runners []*runner.Runner
	for i := 0; i < cfg.Calc.Concurrency; i++ {
		r, err := runner.New(
			runQueue,
			repo,
			blobStore,
			publisher,
			hasher,
			clock,
			source,
			gate,
			pacer,
			hub,
			cancels,
			runnerCfg,
			logging.Component(logger, "runner").With(zap.Int("index", i)),
		)
		if err != nil {
			logger.Fatal("runner init failed", zap.Error(err))
		}
		runners = append(runners, r)
	}
	dispatch := dispatcher.New(runQueue, runners)

	apiServer := api.NewServer(
		repo,
		dispatch,
		cancels,
		idGen,
		clock,
		latest,
		hub,
		pinger,
		cfg,
		logging.Component(logger, "api"),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("runners", len(runners)))
		dispatch.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	runQueue.Close()
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("hub shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// configuredQueries resolves the exclusion query order, defaulting to every
// query the concept store knows about.
func configuredQueries(cfg config.Config) []orphan.QuerySpec {
	if len(cfg.Calc.Queries) == 0 {
		names := postgres.KnownQueries()
		specs := make([]orphan.QuerySpec, 0, len(names))
		for _, name := range names {
			specs = append(specs, orphan.QuerySpec{Name: name, Enabled: true})
		}
		return specs
	}
	specs := make([]orphan.QuerySpec, 0, len(cfg.Calc.Queries))
	for _, q := range cfg.Calc.Queries {
		specs = append(specs, orphan.QuerySpec{Name: q.Name, Enabled: q.Enabled})
	}
	return specs
}

func buildBlobStore(ctx context.Context, cfg config.Config) (runner.BlobStore, error) {
	switch cfg.Storage.Backend {
	case "gcs":
		client, err := gcpstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		return gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
	case "local":
		return local.New(local.Config{BaseDir: cfg.Storage.LocalDir})
	default:
		return memorystorage.NewBlobStore(), nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (runner.Publisher, error) {
	if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicName == "" {
		return memorypublisher.New(), nil
	}
	client, err := gcppubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return pubsubpublisher.New(client.Publisher(cfg.PubSub.TopicName)), nil
}
