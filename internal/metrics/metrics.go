// Package metrics reports pipeline counters to CloudWatch. Reporting is
// best-effort: a metrics outage must never fail a task that otherwise
// succeeded, so errors are logged and dropped.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type Recorder interface {
	TaskSuccess(ctx context.Context, generator string)

	TaskFailure(ctx context.Context, generator, errorType string)

	SamplesUploaded(ctx context.Context, generator string, count int)

	TaskDuration(ctx context.Context, generator string, elapsed time.Duration)

	DedupDuplicatesFound(ctx context.Context, generator string, count int)

	DedupRetryRounds(ctx context.Context, generator string, rounds int)

	DedupSkipped(ctx context.Context, generator string, count int)

	DedupSamplesDropped(ctx context.Context, generator string, count int)
}

type CloudWatchRecorder struct {
	client    *cloudwatch.Client
	namespace string
}

var _ Recorder = (*CloudWatchRecorder)(nil)

func NewCloudWatchRecorder(ctx context.Context, region, namespace string) (*CloudWatchRecorder, error) {
	opts := []func(*aws_config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, aws_config.WithRegion(region))
	}

	awsCfg, err := aws_config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return &CloudWatchRecorder{
		client:    cloudwatch.NewFromConfig(awsCfg),
		namespace: namespace,
	}, nil
}

func (r *CloudWatchRecorder) put(ctx context.Context, name string, value float64, unit cwtypes.StandardUnit, dimensions ...cwtypes.Dimension) {
	_, err := r.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(r.namespace),
		MetricData: []cwtypes.MetricDatum{{
			MetricName: aws.String(name),
			Dimensions: dimensions,
			Value:      aws.Float64(value),
			Unit:       unit,
		}},
	})
	if err != nil {
		slog.Error("failed to put cloudwatch metric", "metric", name, "error", err)
	}
}

func generatorDimension(generator string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String("Generator"), Value: aws.String(generator)}
}

func (r *CloudWatchRecorder) TaskSuccess(ctx context.Context, generator string) {
	r.put(ctx, "TaskSuccess", 1, cwtypes.StandardUnitCount, generatorDimension(generator))
}

func (r *CloudWatchRecorder) TaskFailure(ctx context.Context, generator, errorType string) {
	r.put(ctx, "TaskFailure", 1, cwtypes.StandardUnitCount,
		generatorDimension(generator),
		cwtypes.Dimension{Name: aws.String("ErrorType"), Value: aws.String(errorType)},
	)
}

func (r *CloudWatchRecorder) SamplesUploaded(ctx context.Context, generator string, count int) {
	r.put(ctx, "SamplesUploaded", float64(count), cwtypes.StandardUnitCount, generatorDimension(generator))
}

func (r *CloudWatchRecorder) TaskDuration(ctx context.Context, generator string, elapsed time.Duration) {
	r.put(ctx, "TaskDuration", elapsed.Seconds(), cwtypes.StandardUnitSeconds, generatorDimension(generator))
}

func (r *CloudWatchRecorder) DedupDuplicatesFound(ctx context.Context, generator string, count int) {
	r.put(ctx, "DedupDuplicatesFound", float64(count), cwtypes.StandardUnitCount, generatorDimension(generator))
}

func (r *CloudWatchRecorder) DedupRetryRounds(ctx context.Context, generator string, rounds int) {
	r.put(ctx, "DedupRetryRounds", float64(rounds), cwtypes.StandardUnitCount, generatorDimension(generator))
}

func (r *CloudWatchRecorder) DedupSkipped(ctx context.Context, generator string, count int) {
	r.put(ctx, "DedupSkipped", float64(count), cwtypes.StandardUnitCount, generatorDimension(generator))
}

func (r *CloudWatchRecorder) DedupSamplesDropped(ctx context.Context, generator string, count int) {
	r.put(ctx, "DedupSamplesDropped", float64(count), cwtypes.StandardUnitCount, generatorDimension(generator))
}

// NoopRecorder is used when metrics are disabled.
type NoopRecorder struct{}

var _ Recorder = NoopRecorder{}

func (NoopRecorder) TaskSuccess(ctx context.Context, generator string)                     {}
func (NoopRecorder) TaskFailure(ctx context.Context, generator, errorType string)          {}
func (NoopRecorder) SamplesUploaded(ctx context.Context, generator string, count int)      {}
func (NoopRecorder) TaskDuration(ctx context.Context, generator string, d time.Duration)   {}
func (NoopRecorder) DedupDuplicatesFound(ctx context.Context, generator string, count int) {}
func (NoopRecorder) DedupRetryRounds(ctx context.Context, generator string, rounds int)    {}
func (NoopRecorder) DedupSkipped(ctx context.Context, generator string, count int)         {}
func (NoopRecorder) DedupSamplesDropped(ctx context.Context, generator string, count int)  {}
