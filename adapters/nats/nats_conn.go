package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	berr "github.com/next-trace/scg-rabbit-bus/contract/errors"
)

// Config configures a NATS connection.
type Config struct {
	URL           string
	Name          string
	ConnTimeout   time.Duration
	MaxReconnects int
}

type natsClient struct {
	nc     *nats.Conn
	closed chan struct{}
}

func (c *natsClient) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data

	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	if err := c.nc.PublishMsg(msg); err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); ok {
		return c.nc.FlushWithContext(ctx)
	}

	return c.nc.Flush()
}

func (c *natsClient) QueueSubscribe(subject, group string, handler func(Message)) (Unsubscriber, error) {
	sub, err := c.nc.QueueSubscribe(subject, group, func(m *nats.Msg) {
		var h map[string]string
		if len(m.Header) > 0 {
			h = make(map[string]string, len(m.Header))
			for k := range m.Header {
				h[k] = m.Header.Get(k)
			}
		}

		handler(Message{Subject: m.Subject, Data: m.Data, Headers: h})
	})
	if err != nil {
		return nil, err
	}

	return sub, nil
}

func (c *natsClient) Closed() <-chan struct{} { return c.closed }

// NewWithNATS connects to NATS and returns a transport owning the connection.
func NewWithNATS(cfg Config, logger *slog.Logger) (*Transport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats connect: url required: %w", berr.ErrConnectionFaulted)
	}

	if logger == nil {
		logger = slog.Default()
	}

	log := logger.With("transport", "nats")
	closed := make(chan struct{})

	opts := []nats.Option{
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnTimeout))
	}

	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", errors.Join(berr.ErrConnectionFaulted, err))
	}

	drainTimeout := cfg.ConnTimeout
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}

	t := New(&natsClient{nc: nc, closed: closed}, logger)
	t.closer = func() error { return drainClose(nc, closed, drainTimeout) }

	return t, nil
}

// drainer is the part of *nats.Conn used on shutdown.
type drainer interface {
	IsClosed() bool
	Drain() error
	Close()
}

// drainClose drains nc and waits for closed, forcing the close after timeout.
func drainClose(nc drainer, closed <-chan struct{}, timeout time.Duration) error {
	if nc.IsClosed() {
		return nil
	}

	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("nats drain: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-closed:
	case <-timer.C:
		nc.Close()
	}

	return nil
}
