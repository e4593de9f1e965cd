package weaver

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	meter  = otel.Meter("betterinject/weaver")
	tracer = otel.Tracer("betterinject/weaver")
)

type instruments struct {
	rewritten metric.Int64Counter
	skipped   metric.Int64Counter
	failed    metric.Int64Counter
	fallback  metric.Int64Counter
	points    metric.Int64Counter
	duration  metric.Float64Histogram
}

func newInstruments() (*instruments, error) {
	var (
		in  instruments
		err error
	)
	counter := func(name, desc string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("1"))
		return c
	}
	in.rewritten = counter("betterinject.classes.rewritten", "Classes rewritten with at least one injection")
	in.skipped = counter("betterinject.classes.skipped", "Classes passed through without injections")
	in.failed = counter("betterinject.classes.failed", "Classes that failed to be rewritten")
	in.fallback = counter("betterinject.classes.fallback", "Classes kept unchanged after failed verification")
	in.points = counter("betterinject.injection.points", "Injection points spliced")
	if err != nil {
		return nil, err
	}
	in.duration, err = meter.Float64Histogram("betterinject.rewrite.duration",
		metric.WithDescription("Time spent rewriting a single class"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return &in, nil
}
