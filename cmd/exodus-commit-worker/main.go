// Package main wires the commit engine's collaborators together and runs
// the Kafka-driven actor loop, following this codebase's flag-parse,
// validate, construct-clients, run shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/release-engineering/exodus-commit/broker"
	"github.com/release-engineering/exodus-commit/commit"
	"github.com/release-engineering/exodus-commit/flusher"
	"github.com/release-engineering/exodus-commit/kv"
	"github.com/release-engineering/exodus-commit/kvbatch"
	"github.com/release-engineering/exodus-commit/migrations"
	"github.com/release-engineering/exodus-commit/reportuploader"
	"github.com/release-engineering/exodus-commit/settings"
	"github.com/release-engineering/exodus-commit/store"
	"github.com/release-engineering/exodus-commit/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("exodus-commit-worker", flag.ExitOnError)

	configPath := fs.String("config", "/etc/exodus-gw/settings.ini", "path to the settings INI file")
	region := fs.String("region", "", "AWS region (defaults to AWS_REGION env)")
	metricsAddr := fs.String("metrics-addr", ":9090", "address to serve Prometheus metrics on")
	consumerGroup := fs.String("kafka-group", "exodus-commit-worker", "Kafka consumer group id")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	cfg, err := settings.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if cfg.DatabaseDSN == "" {
		return fmt.Errorf("database_dsn must be configured")
	}
	if len(cfg.KafkaBroker) == 0 {
		return fmt.Errorf("kafka_brokers must be configured")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(*region))
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}
	dynamoClient := kv.NewDynamoDBClient(dynamodb.NewFromConfig(awsCfg))
	s3Client := kv.NewS3Client(s3.NewFromConfig(awsCfg))

	relStore, err := store.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to relational store: %w", err)
	}
	defer relStore.Close()

	if err := migrations.Up(relStore.DB().DB); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)
	logger := telemetry.New()

	uploader := reportuploader.New(s3Client)
	vendorClient := flusher.VendorClientFunc(func(ctx context.Context, urls []string) error {
		logger.Info(ctx, "cache flush submitted", map[string]any{"count": len(urls)})
		return nil
	})
	cacheFlusher := flusher.New(vendorClient)

	deps := commit.Deps{
		Store:    relStore,
		Settings: cfg,
		KVBatcherFor: func(tableName, fromDate string) *kvbatch.Batcher {
			return kvbatch.New(dynamoClient, tableName, cfg.WriteBatchSize, cfg.WriteMaxTries, fromDate).WithMetrics(metrics)
		},
		Flusher:        cacheFlusher,
		Autoindex:      nil,
		ReportUploader: uploader,
		Metrics:        metrics,
		Logger:         logger,
	}

	consumer := broker.NewConsumer(cfg.KafkaBroker, cfg.KafkaTopic, *consumerGroup, logger)
	defer consumer.Close()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(context.Background(), "metrics server", err, nil)
		}
	}()

	logger.Info(ctx, "exodus-commit-worker starting", map[string]any{"topic": cfg.KafkaTopic, "group": *consumerGroup})

	return consumer.Run(ctx, func(ctx context.Context, job broker.Job, taskID string) error {
		return commit.Run(ctx, deps, job, taskID)
	})
}
