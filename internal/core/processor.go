package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Video-Reason/VBVR-DataFactory/internal/database"
	"github.com/Video-Reason/VBVR-DataFactory/internal/dedup"
	"github.com/Video-Reason/VBVR-DataFactory/internal/messaging"
	"github.com/Video-Reason/VBVR-DataFactory/internal/metrics"
	"github.com/Video-Reason/VBVR-DataFactory/internal/storage"
	"github.com/Video-Reason/VBVR-DataFactory/pkg/models"
	"gorm.io/gorm"
)

const maxSyntheticSeed = 1<<31 - 1

type TaskProcessor struct {
	db       *gorm.DB
	receiver messaging.Receiver
	runner   Runner
	registry dedup.Registry
	metrics  metrics.Recorder
	uploader *Uploader

	outputBucket   string
	maxDedupRounds int
}

func NewTaskProcessor(db *gorm.DB, store storage.ObjectStore, receiver messaging.Receiver, runner Runner, registry dedup.Registry, recorder metrics.Recorder, outputBucket, namespace string, maxDedupRounds int) *TaskProcessor {
	return &TaskProcessor{
		db:             db,
		receiver:       receiver,
		runner:         runner,
		registry:       registry,
		metrics:        recorder,
		uploader:       NewUploader(store, namespace),
		outputBucket:   outputBucket,
		maxDedupRounds: maxDedupRounds,
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor")

	for task := range proc.receiver.Tasks() {
		proc.ProcessTask(task)
	}
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.receiver.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	if task.Type() != messaging.GenerateTasksQueue {
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil { // reject unknown message type
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	// Unknown fields in the message are treated as malformed: they usually
	// mean a submitter/worker schema mismatch, and silently dropping them
	// would run the task with different parameters than requested.
	decoder := json.NewDecoder(bytes.NewReader(task.Payload()))
	decoder.DisallowUnknownFields()

	var msg models.TaskMessage
	if err := decoder.Decode(&msg); err != nil {
		slog.Error("error unmarshalling generate task", "error", err)
		if err := task.Reject(); err != nil { // Dead-letter malformed message
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	err := proc.ProcessGenerateTask(ctx, msg)

	switch {
	case err == nil:
		slog.Info("successfully processed task", "generator", msg.Type)
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	case errors.Is(err, ErrValidation):
		// No retry value in a malformed message; route to the dead-letter queue.
		slog.Error("rejecting invalid task", "generator", msg.Type, "error", err)
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
	default:
		slog.Error("error processing task", "generator", msg.Type, "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	}
}

// ProcessGenerateTask runs one generation task end to end and records the
// outcome in task_runs and the metric stream.
func (proc *TaskProcessor) ProcessGenerateTask(ctx context.Context, task models.TaskMessage) error {
	startTime := time.Now().UTC()

	result, err := proc.runGenerateTask(ctx, task)

	proc.metrics.TaskDuration(ctx, task.Type, time.Since(startTime))

	if err != nil {
		proc.metrics.TaskFailure(ctx, task.Type, ErrorType(err))
		database.SaveTaskRun(ctx, proc.db, task, models.TaskResult{Generator: task.Type}, database.TaskFailed, err.Error(), startTime)
		return err
	}

	proc.metrics.TaskSuccess(ctx, task.Type)
	proc.metrics.SamplesUploaded(ctx, task.Type, result.SamplesUploaded)
	database.SaveTaskRun(ctx, proc.db, task, result, database.TaskSucceeded, "", startTime)

	return nil
}

func (proc *TaskProcessor) runGenerateTask(ctx context.Context, task models.TaskMessage) (models.TaskResult, error) {
	var result models.TaskResult
	result.Generator = task.Type

	if err := task.Validate(); err != nil {
		return result, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	bucket := task.OutputBucket
	if bucket == "" {
		bucket = proc.outputBucket
	}
	if bucket == "" {
		return result, fmt.Errorf("%w: no output bucket configured", ErrValidation)
	}

	if task.Seed == nil {
		// Synthesize a seed so the run is reproducible post-hoc.
		seed := rand.Int64N(maxSyntheticSeed) + 1
		task.Seed = &seed
		slog.Info("assigned random seed", "generator", task.Type, "seed", seed)
	}

	slog.Info("processing generate task",
		"generator", task.Type,
		"num_samples", task.NumSamples,
		"start_index", task.StartIndex,
		"seed", *task.Seed,
		"output_format", task.OutputFormat,
		"dedup", task.Dedup)

	workDir, err := os.MkdirTemp("", "datafactory")
	if err != nil {
		return result, fmt.Errorf("%w: failed to create work dir: %w", ErrStructural, err)
	}
	defer func() {
		// The environment is disposable; reclamation is best-effort.
		if err := os.RemoveAll(workDir); err != nil {
			slog.Warn("failed to clean up work dir", "dir", workDir, "error", err)
		}
	}()

	if _, err := proc.runner.Run(ctx, task.Type, task.NumSamples, *task.Seed, workDir); err != nil {
		return result, err
	}

	base, ok := FindTaskDirBase(workDir)
	if !ok {
		base = workDir
	}
	taskDir := findPrimaryTaskDir(base)

	sampleIds, err := RenameSamples(taskDir, task.StartIndex)
	if err != nil {
		return result, err
	}
	if len(sampleIds) == 0 {
		return result, fmt.Errorf("%w: generator %s produced no usable samples", ErrStructural, task.Type)
	}

	if task.Dedup && proc.registry != nil {
		kept, stats, err := proc.dedupSamples(ctx, task, taskDir, sampleIds)
		if err != nil {
			return result, err
		}
		if stats.duplicatesFound > 0 {
			proc.metrics.DedupDuplicatesFound(ctx, task.Type, stats.duplicatesFound)
		}
		if stats.retryRounds > 0 {
			proc.metrics.DedupRetryRounds(ctx, task.Type, stats.retryRounds)
		}
		if stats.skipped > 0 {
			proc.metrics.DedupSkipped(ctx, task.Type, stats.skipped)
		}
		if stats.dropped > 0 {
			proc.metrics.DedupSamplesDropped(ctx, task.Type, stats.dropped)
		}
		slog.Info("dedup stage finished",
			"generator", task.Type,
			"duplicates_found", stats.duplicatesFound,
			"retry_rounds", stats.retryRounds,
			"skipped", stats.skipped,
			"dropped", stats.dropped)
		sampleIds = kept
	}

	// All duplicates after exhausted rounds is a successful empty result, not
	// an error: the generator did produce output, it just wasn't novel.
	uploaded, tarFiles, err := proc.uploader.Upload(ctx, bucket, task.Type, taskDir, sampleIds, task.OutputFormat)
	if err != nil {
		return result, err
	}

	filesUploaded := 0
	for _, sample := range uploaded {
		filesUploaded += sample.FilesUploaded
	}

	result.SamplesUploaded = len(sampleIds)
	result.SampleIds = sampleIds
	result.TarFiles = tarFiles

	slog.Info("generate task finished",
		"generator", task.Type,
		"samples_uploaded", result.SamplesUploaded,
		"files_uploaded", filesUploaded,
		"tar_files", tarFiles)

	return result, nil
}

// findPrimaryTaskDir picks the domain-task directory under base: the first
// "*_task" subdirectory in lexical order, or base itself when the generator
// wrote samples without the conventional wrapper.
func findPrimaryTaskDir(base string) string {
	entries, err := os.ReadDir(base)
	if err != nil {
		return base
	}

	var taskDirs []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasSuffix(entry.Name(), taskDirSuffix) {
			taskDirs = append(taskDirs, entry.Name())
		}
	}
	if len(taskDirs) == 0 {
		return base
	}

	sort.Strings(taskDirs)
	if len(taskDirs) > 1 {
		// Renaming assigns global IDs within a single task dir; extra dirs
		// would collide on start_index, so they are left behind.
		slog.Warn("generator produced multiple task dirs, using first",
			"chosen", taskDirs[0], "ignored", taskDirs[1:])
	}
	return filepath.Join(base, taskDirs[0])
}
