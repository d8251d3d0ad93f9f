package models

import "fmt"

const (
	FormatFiles = "files"
	FormatTar   = "tar"
)

// MaxSamplesPerTask bounds how much work a single queue message may request.
const MaxSamplesPerTask = 1000

// TaskMessage is one unit of work pulled off the generation queue.
type TaskMessage struct {
	Type         string `json:"type"`
	NumSamples   int    `json:"num_samples"`
	StartIndex   int    `json:"start_index"`
	Seed         *int64 `json:"seed,omitempty"`
	OutputFormat string `json:"output_format,omitempty"`
	OutputBucket string `json:"output_bucket,omitempty"`
	Dedup        bool   `json:"dedup,omitempty"`
}

// Validate checks the message at the ingress boundary, before any subprocess
// runs. An empty output format is normalized to FormatFiles.
func (t *TaskMessage) Validate() error {
	if t.Type == "" {
		return fmt.Errorf("task type must not be empty")
	}
	if t.NumSamples <= 0 || t.NumSamples > MaxSamplesPerTask {
		return fmt.Errorf("num_samples must be in range 1..%d, got %d", MaxSamplesPerTask, t.NumSamples)
	}
	if t.StartIndex < 0 {
		return fmt.Errorf("start_index must not be negative, got %d", t.StartIndex)
	}
	if t.Seed != nil && *t.Seed < 0 {
		return fmt.Errorf("seed must not be negative, got %d", *t.Seed)
	}
	switch t.OutputFormat {
	case "":
		t.OutputFormat = FormatFiles
	case FormatFiles, FormatTar:
	default:
		return fmt.Errorf("invalid output_format %q: must be %q or %q", t.OutputFormat, FormatFiles, FormatTar)
	}
	return nil
}

// UploadedSample records how many files were persisted for one sample.
type UploadedSample struct {
	SampleId      string `json:"sample_id"`
	FilesUploaded int    `json:"files_uploaded"`
}

// TaskResult is the outcome of one fully processed task.
type TaskResult struct {
	Generator       string   `json:"generator"`
	SamplesUploaded int      `json:"samples_uploaded"`
	SampleIds       []string `json:"sample_ids"`
	TarFiles        []string `json:"tar_files"`
}

// ValidationResult describes how one sample directory compares against the
// expected per-sample file set.
type ValidationResult struct {
	SampleId        string           `json:"sample_id"`
	Valid           bool             `json:"valid"`
	MissingRequired []string         `json:"missing_required,omitempty"`
	ExtraFiles      []string         `json:"extra_files,omitempty"`
	FileSizes       map[string]int64 `json:"file_sizes,omitempty"`
}
