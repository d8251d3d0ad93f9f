package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Video-Reason/VBVR-DataFactory/pkg/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SaveTaskRun records the outcome of one task. This is an audit trail, not
// part of the exactly-once mechanism, so failures are logged and swallowed.
func SaveTaskRun(ctx context.Context, db *gorm.DB, task models.TaskMessage, result models.TaskResult, status, errorMessage string, startTime time.Time) {
	if db == nil {
		return
	}

	sampleIds, err := json.Marshal(result.SampleIds)
	if err != nil {
		slog.Error("error marshalling sample ids for task run", "generator", task.Type, "error", err)
		return
	}
	tarFiles, err := json.Marshal(result.TarFiles)
	if err != nil {
		slog.Error("error marshalling tar files for task run", "generator", task.Type, "error", err)
		return
	}

	var seed int64
	if task.Seed != nil {
		seed = *task.Seed
	}

	run := TaskRun{
		Id:              uuid.New(),
		Generator:       task.Type,
		Status:          status,
		NumRequested:    task.NumSamples,
		StartIndex:      task.StartIndex,
		Seed:            seed,
		OutputFormat:    task.OutputFormat,
		SamplesUploaded: result.SamplesUploaded,
		SampleIds:       sampleIds,
		TarFiles:        tarFiles,
		Error:           errorMessage,
		StartTime:       startTime,
		CompletionTime:  sqlNullTimeNow(),
	}

	if err := db.WithContext(ctx).Create(&run).Error; err != nil {
		slog.Error("error saving task run", "generator", task.Type, "status", status, "error", err)
	}
}

func sqlNullTimeNow() sql.NullTime {
	return sql.NullTime{Time: time.Now().UTC(), Valid: true}
}
