// Command local runs one generation task end to end on the local machine:
// sqlite registry, filesystem object store, in-memory queue. Useful for
// developing and smoke-testing generators without any infrastructure.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Video-Reason/VBVR-DataFactory/internal/core"
	"github.com/Video-Reason/VBVR-DataFactory/internal/database"
	"github.com/Video-Reason/VBVR-DataFactory/internal/dedup"
	"github.com/Video-Reason/VBVR-DataFactory/internal/messaging"
	"github.com/Video-Reason/VBVR-DataFactory/internal/metrics"
	"github.com/Video-Reason/VBVR-DataFactory/internal/storage"
	"github.com/Video-Reason/VBVR-DataFactory/pkg/models"
	"github.com/caarlos0/env/v11"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type Config struct {
	Root           string `env:"ROOT" envDefault:"./datafactory-local"`
	Generator      string `env:"GENERATOR"`
	NumSamples     int    `env:"NUM_SAMPLES" envDefault:"5"`
	StartIndex     int    `env:"START_INDEX" envDefault:"0"`
	Seed           int64  `env:"SEED" envDefault:"-1"`
	OutputFormat   string `env:"OUTPUT_FORMAT" envDefault:"files"`
	Dedup          bool   `env:"DEDUP" envDefault:"true"`
	GeneratorsPath string `env:"GENERATORS_PATH" envDefault:"./generators"`
	DedupMaxRounds int    `env:"DEDUP_MAX_ROUNDS" envDefault:"3"`
}

const localBucket = "outputs"

func createDatabase(root string) *gorm.DB {
	path := filepath.Join(root, "db", "datafactory.db")
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := database.GetMigrator(db).Migrate(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	return db
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("Failed to parse config: %v", err)
	}

	if cfg.Generator == "" {
		log.Fatalf("GENERATOR must be set")
	}

	db := createDatabase(cfg.Root)

	store, err := storage.NewLocalObjectStore(filepath.Join(cfg.Root, "objects"))
	if err != nil {
		log.Fatalf("Failed to create local object store: %v", err)
	}
	if err := store.CreateBucket(context.Background(), localBucket); err != nil {
		log.Fatalf("Failed to create local bucket: %v", err)
	}

	queue := messaging.NewInMemoryQueue()

	task := models.TaskMessage{
		Type:         cfg.Generator,
		NumSamples:   cfg.NumSamples,
		StartIndex:   cfg.StartIndex,
		OutputFormat: cfg.OutputFormat,
		Dedup:        cfg.Dedup,
	}
	if cfg.Seed >= 0 {
		task.Seed = &cfg.Seed
	}

	if err := queue.PublishGenerateTask(context.Background(), task); err != nil {
		log.Fatalf("Failed to publish task: %v", err)
	}
	queue.Close() // processor exits once the queued task is drained

	processor := core.NewTaskProcessor(
		db,
		store,
		queue,
		core.NewGeneratorRunner(cfg.GeneratorsPath),
		dedup.NewGormRegistry(db),
		metrics.NoopRecorder{},
		localBucket,
		"questions",
		cfg.DedupMaxRounds,
	)

	processor.Start()

	printValidationReport(store, cfg.Generator)
}

// printValidationReport checks every uploaded sample directory against the
// expected per-sample file set. Only meaningful for output_format=files.
func printValidationReport(store *storage.LocalObjectStore, generator string) {
	prefix := "questions/" + generator + "/"
	objects, err := store.ListObjects(context.Background(), localBucket, prefix)
	if err != nil {
		slog.Error("failed to list uploaded objects", "error", err)
		return
	}

	sampleDirs := make(map[string]bool)
	for _, obj := range objects {
		sampleDirs[filepath.Dir(obj.Name)] = true
	}

	if len(sampleDirs) == 0 {
		fmt.Println("no samples uploaded")
		return
	}

	validator := core.NewSampleValidator()
	valid, invalid := 0, 0
	basePath := store.BasePath()
	for dir := range sampleDirs {
		result := validator.ValidateSample(filepath.Join(basePath, localBucket, filepath.FromSlash(dir)))
		if result.Valid {
			valid++
			continue
		}
		invalid++
		fmt.Printf("sample %s: missing %v\n", result.SampleId, result.MissingRequired)
	}

	fmt.Printf("validation: %d valid, %d invalid\n", valid, invalid)
}
