package core

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// File extensions that mark a sample directory as holding real content.
var contentExtensions = map[string]bool{
	".png": true,
	".txt": true,
	".mp4": true,
}

var trailingDigits = regexp.MustCompile(`(\d+)\D*$`)

// FormatSampleId renders a global sample index as its fixed-width ID.
func FormatSampleId(index int) string {
	return fmt.Sprintf("%05d", index)
}

func hasContentFiles(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if !entry.IsDir() && contentExtensions[filepath.Ext(entry.Name())] {
			return true
		}
	}
	return false
}

type sampleSortKey struct {
	name    string
	numeric int
	hasNum  bool
}

func newSampleSortKey(name string) sampleSortKey {
	key := sampleSortKey{name: name}
	if m := trailingDigits.FindStringSubmatch(name); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			key.numeric = n
			key.hasNum = true
		}
	}
	return key
}

// lessSampleKey orders sample directories by the last run of digits in their
// names. Digitless names sort after all numeric ones, lexically among
// themselves; equal numeric keys fall back to lexical order so the result is
// stable regardless of directory listing order.
func lessSampleKey(a, b sampleSortKey) bool {
	switch {
	case a.hasNum && !b.hasNum:
		return true
	case !a.hasNum && b.hasNum:
		return false
	case a.hasNum && b.hasNum && a.numeric != b.numeric:
		return a.numeric < b.numeric
	default:
		return a.name < b.name
	}
}

// RenameSamples maps the local sample directories under taskDir onto the
// global index space starting at startIndex. Directories without content
// files are deleted and never assigned an ID. Returns the assigned IDs in
// order. A rename failure aborts: IDs already assigned would otherwise leave
// the index space half-claimed.
func RenameSamples(taskDir string, startIndex int) ([]string, error) {
	entries, err := os.ReadDir(taskDir)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read task dir %s: %w", ErrStructural, taskDir, err)
	}

	var keys []sampleSortKey
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(taskDir, entry.Name())
		if !hasContentFiles(dir) {
			if err := os.RemoveAll(dir); err != nil {
				return nil, fmt.Errorf("%w: failed to remove empty sample dir %s: %w", ErrStructural, dir, err)
			}
			continue
		}
		keys = append(keys, newSampleSortKey(entry.Name()))
	}

	sort.Slice(keys, func(i, j int) bool { return lessSampleKey(keys[i], keys[j]) })

	sampleIds := make([]string, 0, len(keys))
	for offset, key := range keys {
		sampleId := FormatSampleId(startIndex + offset)
		oldPath := filepath.Join(taskDir, key.name)
		newPath := filepath.Join(taskDir, sampleId)
		if oldPath != newPath {
			if err := os.Rename(oldPath, newPath); err != nil {
				return nil, fmt.Errorf("%w: failed to rename sample %s to %s: %w", ErrStructural, key.name, sampleId, err)
			}
		}
		sampleIds = append(sampleIds, sampleId)
	}

	return sampleIds, nil
}
