package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/Video-Reason/VBVR-DataFactory/pkg/models"
)

type dedupStats struct {
	duplicatesFound int
	retryRounds     int
	skipped         int
	dropped         int
}

// dedupSamples checks every renamed sample against the registry and drives
// bounded regeneration rounds for the duplicates. It returns the sample IDs
// that survive. Registry errors are fatal for the task; regeneration failures
// only cost the affected slots.
func (proc *TaskProcessor) dedupSamples(ctx context.Context, task models.TaskMessage, taskDir string, sampleIds []string) ([]string, dedupStats, error) {
	var stats dedupStats
	removed := make(map[string]bool)

	duplicates, err := proc.checkSamples(ctx, task.Type, taskDir, sampleIds, removed, &stats)
	if err != nil {
		return nil, stats, err
	}

	for round := 1; len(duplicates) > 0 && round <= proc.maxDedupRounds; round++ {
		stats.retryRounds++
		slog.Info("regenerating duplicate samples", "generator", task.Type, "round", round, "duplicates", len(duplicates))

		replaced := proc.batchRegenerate(ctx, task, taskDir, duplicates, round, removed, &stats)

		duplicates, err = proc.checkSamples(ctx, task.Type, taskDir, replaced, removed, &stats)
		if err != nil {
			return nil, stats, err
		}
	}

	// Rounds exhausted: whatever is still colliding gets dropped rather than
	// looping forever.
	for _, sampleId := range duplicates {
		proc.dropSlot(taskDir, sampleId, removed, &stats)
	}

	kept := make([]string, 0, len(sampleIds))
	for _, sampleId := range sampleIds {
		if !removed[sampleId] {
			kept = append(kept, sampleId)
		}
	}

	return kept, stats, nil
}

// checkSamples runs the registry check over the given slots and returns the
// IDs found to be duplicates. Samples without a param_hash are dedup-exempt.
func (proc *TaskProcessor) checkSamples(ctx context.Context, generator, taskDir string, sampleIds []string, removed map[string]bool, stats *dedupStats) ([]string, error) {
	var duplicates []string
	for _, sampleId := range sampleIds {
		sampleDir := filepath.Join(taskDir, sampleId)
		if _, err := os.Stat(sampleDir); err != nil {
			// Slot vanished, nothing left to register.
			slog.Warn("sample dir missing during dedup check", "sample_id", sampleId)
			removed[sampleId] = true
			stats.dropped++
			continue
		}

		paramHash, ok := ReadParamHash(sampleDir)
		if !ok {
			stats.skipped++
			continue
		}

		unique, err := proc.registry.CheckAndRegister(ctx, generator, paramHash, sampleId)
		if err != nil {
			return nil, fmt.Errorf("%w: dedup check for sample %s: %w", ErrStorage, sampleId, err)
		}
		if !unique {
			stats.duplicatesFound++
			duplicates = append(duplicates, sampleId)
		}
	}
	return duplicates, nil
}

// batchRegenerate produces replacement content for the duplicate slots with a
// single generator run into a scratch directory, then splices the fresh
// sample directories over the duplicate slot names. Failures here are
// absorbed: affected slots are deleted so the rest of the task can still
// succeed.
func (proc *TaskProcessor) batchRegenerate(ctx context.Context, task models.TaskMessage, taskDir string, duplicates []string, round int, removed map[string]bool, stats *dedupStats) []string {
	// Scratch lives next to the task dir so the splice is a plain rename.
	scratch, err := os.MkdirTemp(filepath.Dir(taskDir), "regen")
	if err != nil {
		slog.Error("failed to create regeneration scratch dir", "error", err)
		proc.dropSlots(taskDir, duplicates, removed, stats)
		return nil
	}
	defer os.RemoveAll(scratch)

	// A distinct seed per round, otherwise the generator reproduces the same
	// duplicate content.
	seed := *task.Seed + int64(round)

	if _, err := proc.runner.Run(ctx, task.Type, len(duplicates), seed, scratch); err != nil {
		slog.Error("regeneration run failed, dropping duplicate slots", "generator", task.Type, "round", round, "error", err)
		proc.dropSlots(taskDir, duplicates, removed, stats)
		return nil
	}

	freshDirs := collectSampleDirs(scratch)

	var replaced []string
	for i, sampleId := range duplicates {
		if i >= len(freshDirs) {
			// Shortfall: the generator produced fewer samples than asked.
			proc.dropSlot(taskDir, sampleId, removed, stats)
			continue
		}

		slot := filepath.Join(taskDir, sampleId)
		if err := os.RemoveAll(slot); err != nil {
			slog.Error("failed to clear duplicate slot", "sample_id", sampleId, "error", err)
			proc.dropSlot(taskDir, sampleId, removed, stats)
			continue
		}
		if err := os.Rename(freshDirs[i], slot); err != nil {
			slog.Error("failed to splice regenerated sample", "sample_id", sampleId, "error", err)
			proc.dropSlot(taskDir, sampleId, removed, stats)
			continue
		}
		replaced = append(replaced, sampleId)
	}

	return replaced
}

func (proc *TaskProcessor) dropSlot(taskDir, sampleId string, removed map[string]bool, stats *dedupStats) {
	if removed[sampleId] {
		return
	}
	if err := os.RemoveAll(filepath.Join(taskDir, sampleId)); err != nil {
		slog.Error("failed to remove dropped sample slot", "sample_id", sampleId, "error", err)
	}
	removed[sampleId] = true
	stats.dropped++
}

func (proc *TaskProcessor) dropSlots(taskDir string, sampleIds []string, removed map[string]bool, stats *dedupStats) {
	for _, sampleId := range sampleIds {
		proc.dropSlot(taskDir, sampleId, removed, stats)
	}
}

// collectSampleDirs finds the usable sample directories a generator produced
// under root, in local order.
func collectSampleDirs(root string) []string {
	base, ok := FindTaskDirBase(root)
	searchDirs := []string{root}
	if ok {
		entries, err := os.ReadDir(base)
		if err == nil {
			searchDirs = searchDirs[:0]
			for _, entry := range entries {
				if entry.IsDir() {
					searchDirs = append(searchDirs, filepath.Join(base, entry.Name()))
				}
			}
		}
	}

	type dirKey struct {
		path string
		key  sampleSortKey
	}
	var dirs []dirKey
	for _, searchDir := range searchDirs {
		entries, err := os.ReadDir(searchDir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			path := filepath.Join(searchDir, entry.Name())
			if hasContentFiles(path) {
				dirs = append(dirs, dirKey{path: path, key: newSampleSortKey(entry.Name())})
			}
		}
	}

	sort.Slice(dirs, func(i, j int) bool { return lessSampleKey(dirs[i].key, dirs[j].key) })

	paths := make([]string, len(dirs))
	for i, d := range dirs {
		paths[i] = d.path
	}
	return paths
}
