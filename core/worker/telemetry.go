package worker

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/dmitrymomot/conveyor/core/worker"

type instruments struct {
	duration   metric.Float64Histogram
	executions metric.Int64Counter
}

// newInstruments never fails: the otel API hands out noop instruments on error.
func newInstruments(meter metric.Meter) *instruments {
	duration, _ := meter.Float64Histogram(
		"conveyor.job.duration",
		metric.WithDescription("Duration of job execution in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"conveyor.job.executions",
		metric.WithDescription("Total number of job executions"),
		metric.WithUnit("{execution}"),
	)
	return &instruments{duration: duration, executions: executions}
}

func (i *instruments) record(ctx context.Context, out Outcome) {
	attrs := metric.WithAttributes(
		attribute.String("queue", out.Job.Queue),
		attribute.String("job_name", out.Job.Name),
		attribute.String("status", out.Kind.String()),
	)
	i.duration.Record(ctx, out.Duration().Seconds(), attrs)
	i.executions.Add(ctx, 1, attrs)
}
