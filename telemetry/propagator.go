// Package telemetry bridges the bus to OpenTelemetry and Prometheus.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	cbus "github.com/next-trace/scg-rabbit-bus/contract/bus"
)

// Propagator carries W3C trace context and baggage in message headers.
type Propagator struct {
	tmp propagation.TextMapPropagator
}

var _ cbus.HeaderPropagator = Propagator{}

// NewPropagator returns a propagator for W3C traceparent, tracestate and baggage headers.
func NewPropagator() Propagator {
	return Propagator{tmp: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})}
}

// GlobalPropagator uses whatever otel.SetTextMapPropagator installed.
func GlobalPropagator() Propagator {
	return Propagator{tmp: otel.GetTextMapPropagator()}
}

func (p Propagator) Inject(ctx context.Context, headers map[string]string) {
	if headers == nil || p.tmp == nil {
		return
	}

	p.tmp.Inject(ctx, propagation.MapCarrier(headers))
}

func (p Propagator) Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 || p.tmp == nil {
		return ctx
	}

	return p.tmp.Extract(ctx, propagation.MapCarrier(headers))
}
