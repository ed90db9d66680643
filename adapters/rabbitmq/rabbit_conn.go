package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	berr "github.com/next-trace/scg-rabbit-bus/contract/errors"
)

// Config configures the AMQP connection and the queues the transport declares.
type Config struct {
	URL            string
	ConnectionName string
	// ConnTimeout bounds dialing and how long a caller waits for a reconnect in progress.
	ConnTimeout time.Duration
	// Prefetch is the per-consumer unacknowledged message limit.
	Prefetch int
	// Durable declares queues durable and publishes persistent messages.
	Durable bool
	// Reconnect builds the redial policy. The default retries forever, capped at 30s.
	Reconnect func() backoff.BackOff
}

const (
	defaultConnTimeout = 5 * time.Second
	defaultPrefetch    = 16
)

func (c Config) withDefaults() Config {
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = defaultConnTimeout
	}

	if c.Prefetch <= 0 {
		c.Prefetch = defaultPrefetch
	}

	if c.ConnectionName == "" {
		c.ConnectionName = "scg-rabbit-bus"
	}

	if c.Reconnect == nil {
		c.Reconnect = func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = time.Second
			eb.MaxInterval = 30 * time.Second
			eb.MaxElapsedTime = 0
			eb.Reset()

			return eb
		}
	}

	return c
}

// Connection is a self-healing AMQP connection. It is a ChannelSource.
type Connection struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	conn  *amqp.Connection
	ready chan struct{} // closed while conn is usable

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

var _ ChannelSource = (*Connection)(nil)

// Dial connects to cfg.URL and keeps the connection alive until Close.
// The first attempt is made synchronously so a wrong URL fails at startup.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Connection, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbitmq dial: url required: %w", berr.ErrConnectionFaulted)
	}

	if logger == nil {
		logger = slog.Default()
	}

	cfg = cfg.withDefaults()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := dial(cfg)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", errors.Join(berr.ErrConnectionFaulted, err))
	}

	rctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		cfg:    cfg,
		logger: logger.With("transport", "rabbitmq"),
		conn:   conn,
		ready:  make(chan struct{}),
		ctx:    rctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	close(c.ready)

	go c.run(conn)

	return c, nil
}

func dial(cfg Config) (*amqp.Connection, error) {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(cfg.ConnectionName)

	return amqp.DialConfig(cfg.URL, amqp.Config{
		Locale:     "en_US",
		Properties: props,
		Dial:       amqp.DefaultDial(cfg.ConnTimeout),
	})
}

// Channel opens a channel, waiting up to ConnTimeout for a reconnect in progress.
func (c *Connection) Channel(ctx context.Context) (Channel, error) {
	c.mu.RLock()
	conn, ready := c.conn, c.ready
	c.mu.RUnlock()

	if conn == nil {
		timer := time.NewTimer(c.cfg.ConnTimeout)
		defer timer.Stop()

		select {
		case <-ready:
		case <-timer.C:
			return nil, fmt.Errorf("rabbitmq: not connected after %s: %w", c.cfg.ConnTimeout, berr.ErrConnectionLost)
		case <-c.ctx.Done():
			return nil, fmt.Errorf("rabbitmq: connection closed: %w", berr.ErrBusClosed)
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		c.mu.RLock()
		conn = c.conn
		c.mu.RUnlock()

		if conn == nil {
			return nil, fmt.Errorf("rabbitmq: not connected: %w", berr.ErrConnectionLost)
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq open channel: %w", errors.Join(berr.ErrConnectionLost, err))
	}

	return ch, nil
}

// Close stops reconnecting and closes the connection.
func (c *Connection) Close() error {
	c.once.Do(c.cancel)
	<-c.done

	return nil
}

func (c *Connection) run(conn *amqp.Connection) {
	defer close(c.done)

	for {
		notify := conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-c.ctx.Done():
			_ = conn.Close()
			return
		case aerr := <-notify:
			c.logger.Warn("connection lost", "err", aerr)
		}

		c.mu.Lock()
		c.conn = nil
		c.ready = make(chan struct{})
		c.mu.Unlock()

		next, err := c.redial()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Error("reconnect gave up", "err", err)
			}

			return
		}

		c.mu.Lock()
		c.conn = next
		close(c.ready)
		c.mu.Unlock()

		c.logger.Info("connection restored")

		conn = next
	}
}

func (c *Connection) redial() (*amqp.Connection, error) {
	var conn *amqp.Connection

	op := func() error {
		next, err := dial(c.cfg)
		if err != nil {
			c.logger.Debug("redial failed", "err", err)
			return err
		}

		conn = next

		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(c.cfg.Reconnect(), c.ctx)); err != nil {
		return nil, err
	}

	if c.ctx.Err() != nil {
		_ = conn.Close()
		return nil, c.ctx.Err()
	}

	return conn, nil
}
