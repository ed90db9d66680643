// Package bootstrap wires a service bus from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/next-trace/scg-rabbit-bus/adapters/inmemory"
	"github.com/next-trace/scg-rabbit-bus/adapters/kafka"
	"github.com/next-trace/scg-rabbit-bus/adapters/nats"
	"github.com/next-trace/scg-rabbit-bus/adapters/rabbitmq"
	"github.com/next-trace/scg-rabbit-bus/config"
	cbus "github.com/next-trace/scg-rabbit-bus/contract/bus"
	"github.com/next-trace/scg-rabbit-bus/servicebus"
	"github.com/next-trace/scg-rabbit-bus/telemetry"
)

type options struct {
	metrics  *telemetry.Metrics
	busOpts  []servicebus.BusOption
	reporter cbus.ErrorReporter
}

// Option customizes New.
type Option func(*options)

// WithMetrics counts publishes, deliveries and failures in m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithReporter adds r to the failure reporters. Failures are always logged.
func WithReporter(r cbus.ErrorReporter) Option {
	return func(o *options) { o.reporter = r }
}

// WithBusOptions passes extra options to servicebus.New.
func WithBusOptions(opts ...servicebus.BusOption) Option {
	return func(o *options) { o.busOpts = append(o.busOpts, opts...) }
}

// New connects the transport named by cfg.Transport and returns a bus over it with
// tracing propagation, the configured reconnect and shutdown policies and failure
// reporting to the logger. The cleanup closes the bus, waiting at most the shutdown timeout.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*servicebus.Bus, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	tr, err := Transport(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	reporters := servicebus.MultiReporter{servicebus.LogReporter{Logger: logger}}
	if o.metrics != nil {
		tr = o.metrics.InstrumentTransport(tr)
		reporters = append(reporters, o.metrics)
	}

	if o.reporter != nil {
		reporters = append(reporters, o.reporter)
	}

	busOpts := []servicebus.BusOption{
		servicebus.WithPropagator(telemetry.GlobalPropagator()),
		servicebus.WithReporter(reporters),
		servicebus.WithShutdown(cfg.ShutdownPolicy()),
		servicebus.WithReconnect(cfg.Reconnect.InitialInterval, cfg.Reconnect.MaxInterval, cfg.Reconnect.MaxElapsedTime),
	}
	busOpts = append(busOpts, o.busOpts...)

	sb := servicebus.New(tr, logger, busOpts...)

	cleanup := func() {
		cctx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
		defer cancel()

		if err := sb.Close(cctx); err != nil {
			logger.Warn("bus close", "err", err)
		}
	}

	logger.Info("service bus ready", "transport", cfg.Transport, "shutdown", cfg.ShutdownPolicy().Policy.String())

	return sb, cleanup, nil
}

// Transport connects the broker named by cfg.Transport.
func Transport(ctx context.Context, cfg config.Config, logger *slog.Logger) (cbus.Transport, error) {
	switch cfg.Transport {
	case config.TransportMemory:
		return inmemory.New(), nil
	case config.TransportRabbitMQ:
		t, err := rabbitmq.NewWithAMQPConn(ctx, rabbitmq.Config{
			URL:            cfg.RabbitMQ.URL,
			ConnectionName: cfg.RabbitMQ.ConnectionName,
			ConnTimeout:    cfg.RabbitMQ.ConnTimeout,
			Prefetch:       cfg.RabbitMQ.Prefetch,
			Durable:        cfg.RabbitMQ.Durable,
		}, logger)
		if err != nil {
			return nil, err
		}

		return t, nil
	case config.TransportNATS:
		t, err := nats.NewWithNATS(nats.Config{
			URL:           cfg.NATS.URL,
			Name:          cfg.NATS.Name,
			ConnTimeout:   cfg.NATS.ConnTimeout,
			MaxReconnects: cfg.NATS.MaxReconnects,
		}, logger)
		if err != nil {
			return nil, err
		}

		return t, nil
	case config.TransportKafka:
		t, err := kafka.NewWithKgo(kafka.Config{
			Brokers:  cfg.Kafka.Brokers,
			Group:    cfg.Kafka.Group,
			ClientID: cfg.Kafka.ClientID,
		}, logger)
		if err != nil {
			return nil, err
		}

		return t, nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown transport %q", cfg.Transport)
	}
}
