package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all go-arena metric instruments.
type Metrics struct {
	EvaluationDuration metric.Float64Histogram
	JudgeCallDuration  metric.Float64Histogram
	CrownsAwarded      metric.Int64Counter
	JudgeFailures      metric.Int64Counter
	SweepDuration      metric.Float64Histogram
	SandboxStops       metric.Int64Counter
	SandboxStopErrors  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EvaluationDuration, err = meter.Float64Histogram("goarena.crown.evaluation.duration",
		metric.WithDescription("Crown evaluation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.JudgeCallDuration, err = meter.Float64Histogram("goarena.judge.duration",
		metric.WithDescription("Judge oracle call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CrownsAwarded, err = meter.Int64Counter("goarena.crown.awarded",
		metric.WithDescription("Crowns awarded across all tasks"),
	)
	if err != nil {
		return nil, err
	}

	m.JudgeFailures, err = meter.Int64Counter("goarena.judge.failures",
		metric.WithDescription("Judge calls that failed or returned unparseable output"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepDuration, err = meter.Float64Histogram("goarena.sweep.duration",
		metric.WithDescription("Container cleanup sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SandboxStops, err = meter.Int64Counter("goarena.sandbox.stops",
		metric.WithDescription("Sandboxes stopped by the sweeper"),
	)
	if err != nil {
		return nil, err
	}

	m.SandboxStopErrors, err = meter.Int64Counter("goarena.sandbox.stop_errors",
		metric.WithDescription("Sandbox stop attempts that returned an error"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
