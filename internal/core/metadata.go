package core

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const metadataFilename = "metadata.json"

type sampleMetadata struct {
	ParamHash string `json:"param_hash"`
}

// ReadParamHash returns the content fingerprint a generator recorded for a
// sample. A missing file, unparseable JSON, or empty field makes the sample
// dedup-exempt, so all three report false.
func ReadParamHash(sampleDir string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(sampleDir, metadataFilename))
	if err != nil {
		return "", false
	}

	var meta sampleMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return "", false
	}

	return meta.ParamHash, meta.ParamHash != ""
}
