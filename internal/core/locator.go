package core

import (
	"io/fs"
	"path/filepath"
	"strings"
)

const (
	taskDirSuffix = "_task"

	// Cap on entries visited during the fallback content scan so pathological
	// trees do not turn location into a full traversal.
	maxFallbackChecks = 100
)

// FindTaskDirBase locates the directory holding the generator's task
// directories: the parent of the first "*_task"-suffixed directory under root.
// If no such directory exists, it falls back to a bounded scan for a
// recognized content file and climbs from there to a "*_task" ancestor.
// Returns false when neither strategy finds anything; callers then treat root
// itself as the base.
func FindTaskDirBase(root string) (string, bool) {
	var base string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && path != root && strings.HasSuffix(d.Name(), taskDirSuffix) {
			base = filepath.Dir(path)
			return filepath.SkipAll
		}
		return nil
	})
	if err == nil && base != "" {
		return base, true
	}

	if contentFile, ok := findContentFile(root); ok {
		if taskDir, ok := climbToTaskDir(contentFile, root); ok {
			return filepath.Dir(taskDir), true
		}
	}

	return "", false
}

func findContentFile(root string) (string, bool) {
	var found string
	checked := 0
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		checked++
		if checked > maxFallbackChecks {
			return filepath.SkipAll
		}
		if !d.IsDir() && contentExtensions[strings.ToLower(filepath.Ext(d.Name()))] {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	return found, found != ""
}

// climbToTaskDir walks up from file until it finds a "*_task" directory,
// stopping at root.
func climbToTaskDir(file, root string) (string, bool) {
	dir := filepath.Dir(file)
	for {
		if strings.HasSuffix(filepath.Base(dir), taskDirSuffix) {
			return dir, true
		}
		if dir == root {
			return "", false
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
