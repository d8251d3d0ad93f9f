package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	TaskSucceeded string = "SUCCEEDED"
	TaskFailed    string = "FAILED"
)

// DedupEntry is one row of the exactly-once ledger. The composite primary key
// on (generator_name, param_hash) is what makes the conditional insert in the
// dedup registry atomic: identical hashes from different generators never
// collide, and only the first insert for a key can succeed.
type DedupEntry struct {
	GeneratorName string `gorm:"primaryKey;size:255"`
	ParamHash     string `gorm:"primaryKey;size:255"`
	SampleId      string `gorm:"size:64;not null"`
	CreatedAt     time.Time
}

// TaskRun is an audit record for one processed task message.
type TaskRun struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Generator string    `gorm:"size:255;not null;index"`
	Status    string    `gorm:"size:20;not null"`

	NumRequested    int
	StartIndex      int
	Seed            int64
	OutputFormat    string `gorm:"size:10"`
	SamplesUploaded int
	SampleIds       datatypes.JSON
	TarFiles        datatypes.JSON
	Error           string

	StartTime      time.Time
	CompletionTime sql.NullTime
}
