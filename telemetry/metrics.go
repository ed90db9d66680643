package telemetry

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	cbus "github.com/next-trace/scg-rabbit-bus/contract/bus"
	berr "github.com/next-trace/scg-rabbit-bus/contract/errors"
)

// Metrics holds the bus counters. It is an ErrorReporter for failure counts.
type Metrics struct {
	failures  *prometheus.CounterVec
	published *prometheus.CounterVec
	delivered *prometheus.CounterVec
}

var _ cbus.ErrorReporter = (*Metrics)(nil)

// NewMetrics registers the bus counters with reg. A nil reg means the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	f := promauto.With(reg)

	return &Metrics{
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scgbus_failures_total",
			Help: "Event-path failures by kind, event and handler",
		}, []string{"kind", "event", "handler"}),
		published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scgbus_published_total",
			Help: "Messages handed to the transport by queue and outcome",
		}, []string{"queue", "outcome"}),
		delivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scgbus_delivered_total",
			Help: "Messages received from the transport by queue and settlement",
		}, []string{"queue", "outcome"}),
	}
}

func (m *Metrics) Report(_ context.Context, f cbus.Failure) {
	kind := "unknown"
	if f.Kind != nil {
		kind = f.Kind.Error()
	}

	event := f.Event
	if event == "" {
		event = "unknown"
	}

	m.failures.WithLabelValues(kind, event, f.Handler).Inc()
}

// InstrumentTransport counts publishes and deliveries passing through t.
func (m *Metrics) InstrumentTransport(t cbus.Transport) cbus.Transport {
	return instrumented{Transport: t, m: m}
}

type instrumented struct {
	cbus.Transport
	m *Metrics
}

func (i instrumented) Publish(ctx context.Context, env cbus.Envelope) error {
	err := i.Transport.Publish(ctx, env)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}

	i.m.published.WithLabelValues(env.Queue, outcome).Inc()

	return err
}

func (i instrumented) Consume(ctx context.Context, queue string, deliver cbus.DeliverFunc) (cbus.Subscription, error) {
	return i.Transport.Consume(ctx, queue, func(ctx context.Context, d cbus.Delivery) error {
		err := deliver(ctx, d)

		i.m.delivered.WithLabelValues(queue, settlement(err)).Inc()

		return err
	})
}

func settlement(err error) string {
	switch {
	case err == nil:
		return "ack"
	case errors.Is(err, berr.ErrBusClosed):
		return "requeue"
	default:
		return "reject"
	}
}
