package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Video-Reason/VBVR-DataFactory/internal/config"
	"github.com/Video-Reason/VBVR-DataFactory/internal/core"
	"github.com/Video-Reason/VBVR-DataFactory/internal/database"
	"github.com/Video-Reason/VBVR-DataFactory/internal/dedup"
	"github.com/Video-Reason/VBVR-DataFactory/internal/messaging"
	"github.com/Video-Reason/VBVR-DataFactory/internal/metrics"
	"github.com/Video-Reason/VBVR-DataFactory/internal/storage"
)

func main() {
	slog.Info("starting worker process")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.OutputBucket == "" {
		log.Fatalf("OUTPUT_BUCKET must be set")
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store, err := storage.NewS3ObjectStore(storage.S3ClientConfig{
		Endpoint:        cfg.S3EndpointURL,
		Region:          cfg.AWSRegion,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	if cfg.MetricsEnabled {
		recorder, err = metrics.NewCloudWatchRecorder(context.Background(), cfg.AWSRegion, cfg.MetricsNamespace)
		if err != nil {
			log.Fatalf("Failed to create cloudwatch recorder: %v", err)
		}
	}

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	processor := core.NewTaskProcessor(
		db,
		store,
		receiver,
		core.NewGeneratorRunner(cfg.GeneratorsPath),
		dedup.NewGormRegistry(db),
		recorder,
		cfg.OutputBucket,
		cfg.UploadNamespace,
		cfg.DedupMaxRounds,
	)

	go processor.Start()

	slog.Info("worker started, waiting for tasks")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutdown signal received")
	processor.Stop()

	slog.Info("worker process stopped")
}
