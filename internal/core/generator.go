package core

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	generatorProgram  = "generate"
	helpProbeTimeout  = 30 * time.Second
	outputDirFlag     = "--output-dir"
	outputFlag        = "--output"
	stderrSnippetSize = 500
)

// Runner executes a generator program and reports how many usable samples it
// produced under outputDir.
type Runner interface {
	Run(ctx context.Context, generator string, numSamples int, seed int64, outputDir string) (int, error)
}

// GeneratorRunner runs generator programs installed under generatorsPath.
// Each generator lives at {generatorsPath}/{name}/generate and follows the
// standard CLI contract: --num-samples N [--seed S] (--output-dir|--output) dir.
type GeneratorRunner struct {
	generatorsPath string
}

var _ Runner = (*GeneratorRunner)(nil)

func NewGeneratorRunner(generatorsPath string) *GeneratorRunner {
	return &GeneratorRunner{generatorsPath: generatorsPath}
}

func (r *GeneratorRunner) programPath(generator string) string {
	return filepath.Join(r.generatorsPath, generator, generatorProgram)
}

// DetectOutputFlag probes the generator's --help text to learn which output
// flag spelling it supports. Generators that fail the probe or mention
// neither spelling get the default --output-dir.
func (r *GeneratorRunner) DetectOutputFlag(ctx context.Context, generator string) string {
	probeCtx, cancel := context.WithTimeout(ctx, helpProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, r.programPath(generator), "--help")
	cmd.Dir = filepath.Dir(r.programPath(generator))
	out, err := cmd.CombinedOutput()
	if err != nil {
		slog.Warn("generator --help probe failed, assuming default output flag", "generator", generator, "error", err)
		return outputDirFlag
	}

	help := string(out)
	if strings.Contains(help, outputDirFlag) {
		return outputDirFlag
	}
	if strings.Contains(help, outputFlag) {
		return outputFlag
	}
	return outputDirFlag
}

func (r *GeneratorRunner) Run(ctx context.Context, generator string, numSamples int, seed int64, outputDir string) (int, error) {
	program := r.programPath(generator)
	if _, err := os.Stat(program); err != nil {
		return 0, fmt.Errorf("%w: generator program %s not found: %w", ErrGenerator, program, err)
	}

	flag := r.DetectOutputFlag(ctx, generator)

	args := []string{
		"--num-samples", strconv.Itoa(numSamples),
		"--seed", strconv.FormatInt(seed, 10),
		flag, outputDir,
	}

	slog.Info("running generator", "generator", generator, "num_samples", numSamples, "seed", seed, "output_flag", flag)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Dir = filepath.Dir(program)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("%w: generator %s failed: %w (stderr: %s)", ErrGenerator, generator, err, firstN(stderr.String(), stderrSnippetSize))
	}

	count := countSampleDirs(outputDir)
	slog.Info("generator finished", "generator", generator, "samples_produced", count)

	return count, nil
}

// countSampleDirs counts directories under root that hold at least one
// recognized content file.
func countSampleDirs(root string) int {
	count := 0
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if d.IsDir() && path != root && hasContentFiles(path) {
			count++
			return filepath.SkipDir
		}
		return nil
	})
	return count
}

func firstN(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}
