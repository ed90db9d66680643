// Package nats implements the bus transport over core NATS.
//
// Each event name is a subject; consumers join a queue group named after the subject so
// exactly one consumer of a bus receives each message. Core NATS delivers at most once:
// there is no broker-side requeue, so rejected or refused messages are logged and dropped.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	cbus "github.com/next-trace/scg-rabbit-bus/contract/bus"
	berr "github.com/next-trace/scg-rabbit-bus/contract/errors"
)

// Message is an inbound NATS message.
type Message struct {
	Subject string
	Data    []byte
	Headers map[string]string
}

// Unsubscriber ends a NATS subscription. *nats.Subscription satisfies it.
type Unsubscriber interface {
	Unsubscribe() error
}

// Client is the part of a NATS connection the transport needs.
type Client interface {
	// Publish publishes a message to a subject with optional headers and flushes it.
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error
	// QueueSubscribe delivers messages on subject to handler, one at a time.
	QueueSubscribe(subject, group string, handler func(Message)) (Unsubscriber, error)
	// Closed is closed once the connection is permanently closed.
	Closed() <-chan struct{}
}

// Transport implements cbus.Transport using an injected Client.
type Transport struct {
	Client Client
	logger *slog.Logger
	closer func() error
}

var _ cbus.Transport = (*Transport)(nil)

// New creates a NATS transport over c.
func New(c Client, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}

	return &Transport{Client: c, logger: logger.With("transport", "nats")}
}

func (t *Transport) Publish(ctx context.Context, env cbus.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.Client == nil {
		return fmt.Errorf("nats publish %s: %w", env.Queue, berr.ErrPublishFailed)
	}

	if err := t.Client.Publish(ctx, env.Queue, env.Body, withMessageID(env)); err != nil {
		return fmt.Errorf("nats publish %s: %w", env.Queue, err)
	}

	return nil
}

func (t *Transport) Consume(ctx context.Context, queue string, deliver cbus.DeliverFunc) (cbus.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if t.Client == nil {
		return nil, fmt.Errorf("nats consume %s: %w", queue, berr.ErrSubscribeFailed)
	}

	s := &subscription{queue: queue, done: make(chan struct{}), logger: t.logger.With("subject", queue)}

	u, err := t.Client.QueueSubscribe(queue, queue, func(m Message) { s.handle(deliver, m) })
	if err != nil {
		return nil, fmt.Errorf("nats consume %s: %w", queue, err)
	}

	s.unsub = u

	go s.watch(t.Client.Closed())

	return s, nil
}

// Close drains and closes the connection when the transport owns it.
func (t *Transport) Close() error {
	if t.closer == nil {
		return nil
	}

	return t.closer()
}

// HeaderMessageID carries the envelope id, NATS has no native field for it.
const HeaderMessageID = "x-message-id"

func withMessageID(env cbus.Envelope) map[string]string {
	h := make(map[string]string, len(env.Headers)+2)
	for k, v := range env.Headers {
		h[k] = v
	}

	if env.MessageID != "" {
		h[HeaderMessageID] = env.MessageID
	}

	if env.ContentType != "" {
		h["content-type"] = env.ContentType
	}

	return h
}

type subscription struct {
	queue  string
	unsub  Unsubscriber
	logger *slog.Logger

	once sync.Once
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

func (s *subscription) Cancel() error {
	s.end(nil)

	if s.unsub == nil {
		return nil
	}

	if err := s.unsub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", s.queue, err)
	}

	return nil
}

func (s *subscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *subscription) watch(closed <-chan struct{}) {
	select {
	case <-closed:
		s.end(fmt.Errorf("nats connection closed: %w", berr.ErrConnectionLost))
	case <-s.done:
	}
}

func (s *subscription) handle(deliver cbus.DeliverFunc, m Message) {
	err := deliver(context.Background(), cbus.Delivery{
		Queue:      s.queue,
		RoutingKey: m.Subject,
		MessageID:  m.Headers[HeaderMessageID],
		Body:       m.Data,
		Headers:    m.Headers,
	})

	switch {
	case err == nil:
	case errors.Is(err, berr.ErrBusClosed):
		s.logger.Warn("message refused during shutdown and dropped", "message_id", m.Headers[HeaderMessageID])
	default:
		s.logger.Debug("message rejected", "message_id", m.Headers[HeaderMessageID], "err", err)
	}
}
