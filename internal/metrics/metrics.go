// Package metrics registers the OTel instruments the meet core reports
// through, following the lazy package-level init pattern used by the
// storage layer's own retry/lock metrics.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const meterName = "github.com/meetsync/meetd"

var Tracer = otel.Tracer(meterName)

var meter = otel.Meter(meterName)

var (
	SequenceGaps    metric.Int64Counter
	UpdatesApplied  metric.Int64Counter
	BatchSize       metric.Int64Histogram
	RecoveryApplied metric.Int64Counter
	CSVSize         metric.Int64Histogram
	AppendRetries   metric.Int64Counter
	SessionEvents   metric.Int64Counter
	PublishCount    metric.Int64Counter
)

func init() {
	var err error
	SequenceGaps, err = meter.Int64Counter("meet.sequence_gaps",
		metric.WithDescription("client sequence gaps detected per meet"))
	must(err)

	UpdatesApplied, err = meter.Int64Counter("meet.updates",
		metric.WithDescription("updates committed per meet"))
	must(err)

	BatchSize, err = meter.Int64Histogram("meet.update.batch_size",
		metric.WithDescription("size of Apply batches"))
	must(err)

	RecoveryApplied, err = meter.Int64Counter("meet.recovery.applied",
		metric.WithDescription("updates applied during recovery"))
	must(err)

	CSVSize, err = meter.Int64Histogram("meet.csv_size",
		metric.WithDescription("size in bytes of published CSV artifacts"))
	must(err)

	AppendRetries, err = meter.Int64Counter("appendlog.retries",
		metric.WithDescription("retry attempts for durable append-log writes"))
	must(err)

	SessionEvents, err = meter.Int64Counter("session.events",
		metric.WithDescription("sessions removed by the session registry's expiry sweep"),
	)
	must(err)

	PublishCount, err = meter.Int64Counter("meet.published",
		metric.WithDescription("terminal publish operations per meet"))
	must(err)
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// StartSpan is a thin convenience wrapper so call sites don't each import
// both otel and otel/trace.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return Tracer.Start(ctx, name)
}
