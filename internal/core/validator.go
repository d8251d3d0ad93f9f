package core

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/Video-Reason/VBVR-DataFactory/pkg/models"
)

// SampleValidator reports on the file-level quality of generator output. It
// is a tooling concern for local runs, not part of the processing path.
type SampleValidator struct {
	required map[string]bool
	optional map[string]bool
}

func NewSampleValidator() *SampleValidator {
	return &SampleValidator{
		required: map[string]bool{
			"first_frame.png": true,
			"prompt.txt":      true,
		},
		optional: map[string]bool{
			"final_frame.png":  true,
			"ground_truth.mp4": true,
			metadataFilename:   true,
		},
	}
}

// ValidateSample checks one sample directory against the expected file set.
// Unknown files are flagged but do not invalidate the sample.
func (v *SampleValidator) ValidateSample(sampleDir string) models.ValidationResult {
	result := models.ValidationResult{
		SampleId:  filepath.Base(sampleDir),
		FileSizes: make(map[string]int64),
	}

	present := make(map[string]bool)
	entries, err := os.ReadDir(sampleDir)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			present[name] = true
			if info, err := entry.Info(); err == nil {
				result.FileSizes[name] = info.Size()
			}
			if !v.required[name] && !v.optional[name] {
				result.ExtraFiles = append(result.ExtraFiles, name)
			}
		}
	}

	for name := range v.required {
		if !present[name] {
			result.MissingRequired = append(result.MissingRequired, name)
		}
	}
	sort.Strings(result.MissingRequired)
	sort.Strings(result.ExtraFiles)

	result.Valid = len(result.MissingRequired) == 0
	return result
}
