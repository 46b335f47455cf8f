// Command api starts the knowledge-base API service.
//
// The service is the single entry point for operators and collaborators.
// It authenticates requests via API keys (SHA-256 validated against
// PostgreSQL), applies per-key rate limiting, runs the ingestion pipeline
// with its deduplication guard, drives the moderation workflow, and
// exposes index status and audit endpoints. Source-set changes are
// published to Kafka for the index worker.
//
// Usage:
//
//	go run ./cmd/api [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kinetic-kb/kbsync/internal/api"
	"github.com/kinetic-kb/kbsync/internal/audit"
	"github.com/kinetic-kb/kbsync/internal/auth/apikey"
	"github.com/kinetic-kb/kbsync/internal/auth/ratelimit"
	"github.com/kinetic-kb/kbsync/internal/blob"
	"github.com/kinetic-kb/kbsync/internal/catalog"
	"github.com/kinetic-kb/kbsync/internal/index"
	"github.com/kinetic-kb/kbsync/internal/ingest"
	"github.com/kinetic-kb/kbsync/internal/moderation"
	"github.com/kinetic-kb/kbsync/pkg/config"
	"github.com/kinetic-kb/kbsync/pkg/health"
	"github.com/kinetic-kb/kbsync/pkg/kafka"
	"github.com/kinetic-kb/kbsync/pkg/logger"
	"github.com/kinetic-kb/kbsync/pkg/metrics"
	"github.com/kinetic-kb/kbsync/pkg/postgres"
	"github.com/kinetic-kb/kbsync/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting api service", "port", cfg.Server.Port)

	m := metrics.New()

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to postgres")

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.Info("connected to redis")

	blobs := blob.NewRedisStore(redisClient, cfg.Blob, m)

	sourceProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.SourceChanged)
	defer sourceProducer.Close()
	decisionProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.ModerationDecisions)
	defer decisionProducer.Close()
	auditProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.AuditEvents)
	defer auditProducer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recorder := audit.NewRecorder(auditProducer, 50, 5*time.Second)
	recorder.Start(ctx)

	catalogStore := catalog.NewStore(db)
	ingestService := ingest.NewService(catalogStore, blobs, sourceProducer, m, cfg.Ingest)

	submissionStore := moderation.NewStore(db)
	moderationService := moderation.NewService(
		submissionStore, blobs, ingestService,
		decisionProducer, sourceProducer,
		m, cfg.Moderation, cfg.Ingest.AllowedTypes,
	)

	// The API serves index status from the same scheduler logic as the
	// worker; builds triggered here collapse with the worker's through the
	// shared persisted artifact.
	metaStore := index.NewPostgresMetaStore(db)
	manager := index.NewManager(blobs, metaStore, m)
	scheduler := index.NewScheduler(
		ingestService, blobs, index.TextExtractor{},
		index.NewChunkingBuilder(cfg.Index.ChunkSize, cfg.Index.ChunkOverlap),
		manager, m, cfg.Index,
	)

	validator := apikey.NewValidator(db)
	limiter := ratelimit.New(time.Minute)
	defer limiter.Close()

	checker := health.NewChecker()
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
		if err := db.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
		if err := redisClient.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("index", func(ctx context.Context) health.ComponentHealth {
		if manager.Degraded() {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "index persistence is local-only this session"}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	auditStore := audit.NewStore(db)
	handler := api.New(ingestService, moderationService, scheduler, validator, auditStore, recorder)
	chain := api.NewRouter(handler, checker, validator, limiter, m, cfg.Server.RequestTimeout)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var stopMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		stopMetrics = metrics.StartServer(cfg.Metrics.Port)
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		if stopMetrics != nil {
			if err := stopMetrics(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown error", "error", err)
			}
		}
	}()

	slog.Info("api service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	recorder.Close()
	slog.Info("api service stopped")
}
