// Package metrics records low-cardinality probe metrics through OTEL.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "pgprobe"

// Outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeFailure = "failure"
)

// ProbeMetrics holds the instruments recorded by a bootstrap run.
type ProbeMetrics struct {
	stageDuration metric.Float64Histogram
	rows          metric.Int64Counter
	runs          metric.Int64Counter
}

// NewProbeMetrics creates the instruments on mp. A nil mp records nothing.
func NewProbeMetrics(mp metric.MeterProvider) (*ProbeMetrics, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	m := mp.Meter(meterName)

	stageDuration, err := m.Float64Histogram(
		"pgprobe.stage.duration",
		metric.WithDescription("Duration of each bootstrap stage"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	rows, err := m.Int64Counter(
		"pgprobe.probe.rows",
		metric.WithDescription("Rows returned by the introspection query"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, err
	}
	runs, err := m.Int64Counter(
		"pgprobe.probe.runs",
		metric.WithDescription("Probe runs by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	return &ProbeMetrics{
		stageDuration: stageDuration,
		rows:          rows,
		runs:          runs,
	}, nil
}

// Stage records how long stage took and whether it failed.
func (p *ProbeMetrics) Stage(ctx context.Context, stage string, d time.Duration, err error) {
	if p == nil {
		return
	}
	p.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome(err)),
	))
}

// Run records the final outcome of a run and the rows it saw.
func (p *ProbeMetrics) Run(ctx context.Context, transport string, rows int, err error) {
	if p == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.String("outcome", outcome(err)),
	)
	p.runs.Add(ctx, 1, attrs)
	if rows > 0 {
		p.rows.Add(ctx, int64(rows), metric.WithAttributes(attribute.String("transport", transport)))
	}
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeOK
}
