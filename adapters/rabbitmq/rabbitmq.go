package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	cbus "github.com/next-trace/scg-rabbit-bus/contract/bus"
	berr "github.com/next-trace/scg-rabbit-bus/contract/errors"
)

// Transport maps the bus onto RabbitMQ queues.
type Transport struct {
	source ChannelSource
	cfg    Config
	logger *slog.Logger
	closer func() error
}

var _ cbus.Transport = (*Transport)(nil)

// New builds a transport over an existing channel source. Close does not close the source.
func New(source ChannelSource, cfg Config, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}

	return &Transport{source: source, cfg: cfg.withDefaults(), logger: logger.With("transport", "rabbitmq")}
}

// NewWithAMQPConn dials RabbitMQ and returns a transport owning the connection.
func NewWithAMQPConn(ctx context.Context, cfg Config, logger *slog.Logger) (*Transport, error) {
	conn, err := Dial(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	t := New(conn, cfg, logger)
	t.closer = conn.Close

	return t, nil
}

func (t *Transport) Publish(ctx context.Context, env cbus.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.source == nil {
		return fmt.Errorf("rabbitmq publish %s: no connection: %w", env.Queue, berr.ErrPublishFailed)
	}

	ch, err := t.source.Channel(ctx)
	if err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", env.Queue, err)
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(env.Queue, t.cfg.Durable, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq declare %s: %w", env.Queue, err)
	}

	mode := amqp.Transient
	if t.cfg.Durable {
		mode = amqp.Persistent
	}

	msg := amqp.Publishing{
		Headers:      toTable(env.Headers),
		ContentType:  env.ContentType,
		MessageId:    env.MessageID,
		Timestamp:    time.Now().UTC(),
		DeliveryMode: mode,
		Body:         env.Body,
	}

	if err := ch.PublishWithContext(ctx, "", env.Queue, false, false, msg); err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", env.Queue, err)
	}

	return nil
}

func (t *Transport) Consume(ctx context.Context, queue string, deliver cbus.DeliverFunc) (cbus.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if t.source == nil {
		return nil, fmt.Errorf("rabbitmq consume %s: no connection: %w", queue, berr.ErrSubscribeFailed)
	}

	ch, err := t.source.Channel(ctx)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq consume %s: %w", queue, err)
	}

	msgs, closed, tag, err := t.setupConsumer(ch, queue)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitmq consume %s: %w", queue, err)
	}

	s := &subscription{
		ch:     ch,
		queue:  queue,
		tag:    tag,
		logger: t.logger.With("queue", queue, "consumer", tag),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	go s.loop(msgs, closed, deliver)

	return s, nil
}

func (t *Transport) setupConsumer(ch Channel, queue string) (<-chan amqp.Delivery, chan *amqp.Error, string, error) {
	if err := ch.Qos(t.cfg.Prefetch, 0, false); err != nil {
		return nil, nil, "", fmt.Errorf("qos: %w", err)
	}

	if _, err := ch.QueueDeclare(queue, t.cfg.Durable, false, false, false, nil); err != nil {
		return nil, nil, "", fmt.Errorf("declare: %w", err)
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	tag := consumerTag(queue)

	msgs, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, nil, "", fmt.Errorf("consume: %w", err)
	}

	return msgs, closed, tag, nil
}

// Close releases the connection when the transport owns it.
func (t *Transport) Close() error {
	if t.closer == nil {
		return nil
	}

	if err := t.closer(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("rabbitmq close: %w", err)
	}

	return nil
}

func toTable(h map[string]string) amqp.Table {
	if len(h) == 0 {
		return nil
	}

	t := make(amqp.Table, len(h))
	for k, v := range h {
		t[k] = v
	}

	return t
}

func fromTable(t amqp.Table) map[string]string {
	if len(t) == 0 {
		return nil
	}

	h := make(map[string]string, len(t))
	for k, v := range t {
		switch x := v.(type) {
		case string:
			h[k] = x
		case []byte:
			h[k] = string(x)
		default:
			h[k] = fmt.Sprint(x)
		}
	}

	return h
}
