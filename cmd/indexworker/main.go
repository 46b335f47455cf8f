// Command indexworker runs the background index maintenance loop.
//
// The worker rebuilds the search artifact whenever the source set drifts
// from the persisted fingerprint. It learns about drift two ways: a
// periodic staleness check, and source-set change events consumed from
// Kafka. It also archives audit events from Kafka into PostgreSQL so the
// API's audit endpoint has a durable trail to read.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kinetic-kb/kbsync/internal/audit"
	"github.com/kinetic-kb/kbsync/internal/blob"
	"github.com/kinetic-kb/kbsync/internal/catalog"
	"github.com/kinetic-kb/kbsync/internal/index"
	"github.com/kinetic-kb/kbsync/internal/ingest"
	"github.com/kinetic-kb/kbsync/pkg/config"
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
	slog.Info("starting index worker", "rebuild_interval", cfg.Index.RebuildInterval)

	m := metrics.New()

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	blobs := blob.NewRedisStore(redisClient, cfg.Blob, m)

	// The worker reads the catalog directly; it never mutates sources, so
	// no producers are wired into its ingest service.
	catalogStore := catalog.NewStore(db)
	ingestService := ingest.NewService(catalogStore, blobs, nil, m, cfg.Ingest)

	metaStore := index.NewPostgresMetaStore(db)
	manager := index.NewManager(blobs, metaStore, m)
	scheduler := index.NewScheduler(
		ingestService, blobs, index.TextExtractor{},
		index.NewChunkingBuilder(cfg.Index.ChunkSize, cfg.Index.ChunkOverlap),
		manager, m, cfg.Index,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go scheduler.Run(ctx)

	changeConsumer := kafka.NewConsumer(
		cfg.Kafka,
		cfg.Kafka.Topics.SourceChanged,
		index.NewChangeHandler(scheduler).Handle,
	)

	archiver := audit.NewArchiver(audit.NewStore(db))
	auditConsumer := kafka.NewConsumer(
		cfg.Kafka,
		cfg.Kafka.Topics.AuditEvents,
		archiver.Handle,
	)

	go func() {
		if err := auditConsumer.Start(ctx); err != nil {
			slog.Error("audit consumer error", "error", err)
		}
	}()

	slog.Info("index worker ready, consuming from kafka",
		"topic", cfg.Kafka.Topics.SourceChanged,
		"group", cfg.Kafka.ConsumerGroup,
	)

	if err := changeConsumer.Start(ctx); err != nil {
		slog.Error("consumer error", "error", err)
	}

	slog.Info("index worker stopped")
}
