// Package adapter connects the transport to external observability systems.
package adapter

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/srediag/tssx"

// Telemetry records one span and one histogram sample per handshake.
type Telemetry struct {
	tracer    trace.Tracer
	handshake metric.Float64Histogram
	enrolled  metric.Int64Counter
}

// NewTelemetry builds Telemetry on the given providers. Nil providers fall
// back to the global ones, which are no-ops until the application installs
// an SDK.
func NewTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) (*Telemetry, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	hist, err := meter.Float64Histogram(
		"tssx.handshake.duration",
		metric.WithDescription("Duration of the segment handshake."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	enrolled, err := meter.Int64Counter(
		"tssx.connections.enrolled",
		metric.WithDescription("Connections moved to shared memory."),
	)
	if err != nil {
		return nil, err
	}
	return &Telemetry{
		tracer:    tp.Tracer(instrumentationName),
		handshake: hist,
		enrolled:  enrolled,
	}, nil
}

// StartHandshake opens a span for the handshake op ("connect" or "accept")
// on fd. The returned function ends it and records the duration; a nil
// error with enrolled false marks a fallback to the kernel path.
func (t *Telemetry) StartHandshake(ctx context.Context, op string, fd int) (context.Context, func(enrolled bool, err error)) {
	start := time.Now()
	ctx, span := t.tracer.Start(ctx, "tssx."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("tssx.op", op), attribute.Int("tssx.fd", fd)),
	)
	return ctx, func(enrolled bool, err error) {
		attrs := metric.WithAttributes(
			attribute.String("tssx.op", op),
			attribute.Bool("tssx.enrolled", enrolled),
		)
		t.handshake.Record(ctx, time.Since(start).Seconds(), attrs)
		span.SetAttributes(attribute.Bool("tssx.enrolled", enrolled))
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case enrolled:
			t.enrolled.Add(ctx, 1, metric.WithAttributes(attribute.String("tssx.op", op)))
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}
