// Command submit enqueues generation tasks, splitting a total sample count
// into batches with contiguous, disjoint start_index ranges. Batches can be
// described on the command line for a single generator or in a YAML manifest
// for many.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/Video-Reason/VBVR-DataFactory/internal/config"
	"github.com/Video-Reason/VBVR-DataFactory/internal/messaging"
	"github.com/Video-Reason/VBVR-DataFactory/pkg/models"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

type generatorSpec struct {
	Total        int    `yaml:"total"`
	BatchSize    int    `yaml:"batch_size"`
	StartIndex   int    `yaml:"start_index"`
	OutputFormat string `yaml:"output_format"`
	OutputBucket string `yaml:"output_bucket"`
	Dedup        bool   `yaml:"dedup"`
}

type manifest struct {
	DefaultBatchSize int                      `yaml:"default_batch_size"`
	Generators       map[string]generatorSpec `yaml:"generators"`
}

type submitOptions struct {
	generator    string
	total        int
	batchSize    int
	startIndex   int
	outputFormat string
	outputBucket string
	dedup        bool
	manifestPath string
	dryRun       bool
}

func main() {
	var opts submitOptions

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Enqueue generation tasks in batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVar(&opts.generator, "generator", "", "generator name")
	cmd.Flags().IntVar(&opts.total, "total", 0, "total number of samples to request")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 100, "samples per task message")
	cmd.Flags().IntVar(&opts.startIndex, "start-index", 0, "global index of the first sample")
	cmd.Flags().StringVar(&opts.outputFormat, "output-format", models.FormatFiles, "files or tar")
	cmd.Flags().StringVar(&opts.outputBucket, "output-bucket", "", "destination bucket override")
	cmd.Flags().BoolVar(&opts.dedup, "dedup", true, "enable sample deduplication")
	cmd.Flags().StringVar(&opts.manifestPath, "manifest", "", "YAML manifest of generators to submit")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "print tasks without publishing")

	if err := cmd.Execute(); err != nil {
		log.Fatalf("submit failed: %v", err)
	}
}

func run(ctx context.Context, opts submitOptions) error {
	specs, err := collectSpecs(opts)
	if err != nil {
		return err
	}

	var tasks []models.TaskMessage
	for generator, spec := range specs {
		tasks = append(tasks, batchTasks(generator, spec)...)
	}
	if len(tasks) == 0 {
		return fmt.Errorf("nothing to submit: set --generator/--total or --manifest")
	}

	if opts.dryRun {
		for _, task := range tasks {
			fmt.Printf("%s: num_samples=%d start_index=%d format=%s dedup=%v\n",
				task.Type, task.NumSamples, task.StartIndex, task.OutputFormat, task.Dedup)
		}
		fmt.Printf("dry run: %d tasks not published\n", len(tasks))
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		return err
	}
	defer publisher.Close()

	bar := progressbar.Default(int64(len(tasks)), "publishing tasks")
	for _, task := range tasks {
		if err := publisher.PublishGenerateTask(ctx, task); err != nil {
			return fmt.Errorf("failed to publish task for %s at index %d: %w", task.Type, task.StartIndex, err)
		}
		bar.Add(1) //nolint:errcheck
	}

	fmt.Printf("published %d tasks\n", len(tasks))
	return nil
}

func collectSpecs(opts submitOptions) (map[string]generatorSpec, error) {
	if opts.manifestPath != "" {
		data, err := os.ReadFile(opts.manifestPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest: %w", err)
		}

		var m manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse manifest: %w", err)
		}

		specs := make(map[string]generatorSpec, len(m.Generators))
		for generator, spec := range m.Generators {
			if spec.BatchSize == 0 {
				spec.BatchSize = m.DefaultBatchSize
			}
			if spec.BatchSize == 0 {
				spec.BatchSize = opts.batchSize
			}
			specs[generator] = spec
		}
		return specs, nil
	}

	if opts.generator == "" || opts.total <= 0 {
		return nil, nil
	}
	return map[string]generatorSpec{
		opts.generator: {
			Total:        opts.total,
			BatchSize:    opts.batchSize,
			StartIndex:   opts.startIndex,
			OutputFormat: opts.outputFormat,
			OutputBucket: opts.outputBucket,
			Dedup:        opts.dedup,
		},
	}, nil
}

// batchTasks splits a generator's total into task messages covering
// contiguous, disjoint index ranges.
func batchTasks(generator string, spec generatorSpec) []models.TaskMessage {
	batchSize := spec.BatchSize
	if batchSize <= 0 || batchSize > models.MaxSamplesPerTask {
		batchSize = models.MaxSamplesPerTask
	}

	var tasks []models.TaskMessage
	for offset := 0; offset < spec.Total; offset += batchSize {
		num := batchSize
		if remaining := spec.Total - offset; remaining < num {
			num = remaining
		}
		tasks = append(tasks, models.TaskMessage{
			Type:         generator,
			NumSamples:   num,
			StartIndex:   spec.StartIndex + offset,
			OutputFormat: spec.OutputFormat,
			OutputBucket: spec.OutputBucket,
			Dedup:        spec.Dedup,
		})
	}
	return tasks
}
