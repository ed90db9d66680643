// Package kafka implements the bus transport over Kafka topics.
//
// Each event name is a topic. A subscription is a consumer group member of its own group,
// so every bus consuming a topic sees each record once. Records are committed after the
// bus handled or rejected them; a record refused during shutdown is left uncommitted and
// redelivered to the group later.
//
// Consume returns once a broker answered a request from the new consumer client. The
// group join itself completes on the first poll, so records produced before that join
// are read from the group's committed offset, or from the start of the topic for a new group.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	cbus "github.com/next-trace/scg-rabbit-bus/contract/bus"
	berr "github.com/next-trace/scg-rabbit-bus/contract/errors"
)

// HeaderMessageID carries the envelope id in record headers.
const HeaderMessageID = "x-message-id"

// Writer is a minimal Kafka producer interface.
type Writer interface {
	Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Record is a consumed Kafka record.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string

	raw any
}

// Reader polls one topic as a consumer group member.
type Reader interface {
	// Poll blocks until records are available, ctx is done or the client failed.
	Poll(ctx context.Context) ([]Record, error)
	// Mark records r for commit.
	Mark(r Record)
	// Ping checks that a broker answers the reader's client.
	Ping(ctx context.Context) error
	Close()
}

// ReaderFactory opens a Reader for topic.
type ReaderFactory func(topic string) (Reader, error)

// Transport implements cbus.Transport using an injected Writer and ReaderFactory.
type Transport struct {
	Writer    Writer
	NewReader ReaderFactory

	logger *slog.Logger
	closer func()
}

var _ cbus.Transport = (*Transport)(nil)

// New creates a Kafka transport. Either side may be nil for a publish-only or
// consume-only transport.
func New(w Writer, newReader ReaderFactory, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}

	return &Transport{Writer: w, NewReader: newReader, logger: logger.With("transport", "kafka")}
}

func (t *Transport) Publish(ctx context.Context, env cbus.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.Writer == nil {
		return fmt.Errorf("kafka publish %s: %w", env.Queue, berr.ErrPublishFailed)
	}

	headers := make(map[string]string, len(env.Headers)+1)
	for k, v := range env.Headers {
		headers[k] = v
	}

	headers[HeaderMessageID] = env.MessageID

	if err := t.Writer.Write(ctx, env.Queue, nil, env.Body, headers); err != nil {
		return fmt.Errorf("kafka publish %s: %w", env.Queue, err)
	}

	return nil
}

func (t *Transport) Consume(ctx context.Context, queue string, deliver cbus.DeliverFunc) (cbus.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if t.NewReader == nil {
		return nil, fmt.Errorf("kafka consume %s: %w", queue, berr.ErrSubscribeFailed)
	}

	r, err := t.NewReader(queue)
	if err != nil {
		return nil, fmt.Errorf("kafka consume %s: %w", queue, err)
	}

	if err := r.Ping(ctx); err != nil {
		r.Close()
		return nil, fmt.Errorf("kafka consume %s: %w", queue, errors.Join(berr.ErrConnectionLost, err))
	}

	sctx, cancel := context.WithCancel(context.Background())

	s := &subscription{
		reader: r,
		queue:  queue,
		logger: t.logger.With("topic", queue),
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go s.loop(deliver)

	return s, nil
}

// Close closes the producer when the transport owns it.
func (t *Transport) Close() error {
	if t.closer != nil {
		t.closer()
	}

	return nil
}

type subscription struct {
	reader Reader
	queue  string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

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
	s.cancel()
	return nil
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *subscription) loop(deliver cbus.DeliverFunc) {
	defer close(s.done)
	defer s.reader.Close()
	defer s.cancel()

	for {
		recs, err := s.reader.Poll(s.ctx)
		if s.ctx.Err() != nil {
			return
		}

		if err != nil {
			s.fail(fmt.Errorf("kafka poll %s: %w", s.queue, errors.Join(berr.ErrConnectionLost, err)))
			return
		}

		for _, r := range recs {
			derr := deliver(context.Background(), cbus.Delivery{
				Queue:      s.queue,
				RoutingKey: r.Topic,
				MessageID:  r.Headers[HeaderMessageID],
				Body:       r.Value,
				Headers:    r.Headers,
			})

			if errors.Is(derr, berr.ErrBusClosed) {
				return
			}

			if derr != nil {
				s.logger.Debug("record rejected", "partition", r.Partition, "offset", r.Offset, "err", derr)
			}

			s.reader.Mark(r)
		}
	}
}
