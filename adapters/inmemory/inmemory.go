package inmemory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	cbus "github.com/next-trace/scg-rabbit-bus/contract/bus"
	berr "github.com/next-trace/scg-rabbit-bus/contract/errors"
)

// DefaultBuffer is the per-queue capacity used by New.
const DefaultBuffer = 1024

// ErrClosed is returned by a Transport after Close.
var ErrClosed = errors.New("inmemory: transport closed")

// Transport is a thread-safe in-process broker implementing cbus.Transport.
// Each queue is a buffered channel; consumers on the same queue compete for messages.
// It records what passes through it and can simulate broker faults for tests and examples.
type Transport struct {
	mu        sync.Mutex
	buffer    int
	queues    map[string]chan cbus.Delivery
	subs      map[*subscription]struct{}
	closed    bool
	published []cbus.Envelope
	rejected  []cbus.Delivery

	publishErr error
	consumeErr error
}

// Ensure Transport implements the contract.
var _ cbus.Transport = (*Transport)(nil)

// New creates a new in-memory transport with DefaultBuffer capacity per queue.
func New() *Transport { return NewWithBuffer(DefaultBuffer) }

// NewWithBuffer creates a transport whose queues hold up to n undelivered messages.
// Publish blocks while a queue is full.
func NewWithBuffer(n int) *Transport {
	if n <= 0 {
		n = DefaultBuffer
	}

	return &Transport{
		buffer: n,
		queues: make(map[string]chan cbus.Delivery),
		subs:   make(map[*subscription]struct{}),
	}
}

func (t *Transport) Publish(ctx context.Context, env cbus.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("inmemory publish %s: %w", env.Queue, ErrClosed)
	}

	if t.publishErr != nil {
		err := t.publishErr
		t.mu.Unlock()

		return fmt.Errorf("inmemory publish %s: %w", env.Queue, err)
	}

	q := t.declare(env.Queue)
	t.published = append(t.published, env)
	t.mu.Unlock()

	d := cbus.Delivery{
		Queue:      env.Queue,
		RoutingKey: env.Queue,
		MessageID:  env.MessageID,
		Body:       append([]byte(nil), env.Body...),
		Headers:    maps.Clone(env.Headers),
	}

	select {
	case q <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) Consume(ctx context.Context, queue string, deliver cbus.DeliverFunc) (cbus.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("inmemory consume %s: %w", queue, ErrClosed)
	}

	if t.consumeErr != nil {
		return nil, fmt.Errorf("inmemory consume %s: %w", queue, t.consumeErr)
	}

	s := &subscription{
		t:     t,
		queue: queue,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	t.subs[s] = struct{}{}

	go s.loop(t.declare(queue), deliver)

	return s, nil
}

// Close ends every subscription and rejects further use. Messages still queued are dropped.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}

	t.closed = true
	subs := t.takeSubs("")
	t.mu.Unlock()

	for _, s := range subs {
		s.end(nil)
	}

	return nil
}

// Drop simulates the broker dropping every consumer of queue. Their subscriptions end
// with ErrConnectionLost.
func (t *Transport) Drop(queue string) {
	t.mu.Lock()
	subs := t.takeSubs(queue)
	t.mu.Unlock()

	for _, s := range subs {
		s.end(fmt.Errorf("inmemory: consumer on %s dropped: %w", queue, berr.ErrConnectionLost))
	}
}

// FailPublish makes Publish fail with err until called again with nil.
func (t *Transport) FailPublish(err error) {
	t.mu.Lock()
	t.publishErr = err
	t.mu.Unlock()
}

// FailConsume makes Consume fail with err until called again with nil.
func (t *Transport) FailConsume(err error) {
	t.mu.Lock()
	t.consumeErr = err
	t.mu.Unlock()
}

// Published returns every envelope accepted by Publish.
func (t *Transport) Published() []cbus.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]cbus.Envelope(nil), t.published...)
}

// Rejected returns deliveries a consumer refused without requeue.
func (t *Transport) Rejected() []cbus.Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]cbus.Delivery(nil), t.rejected...)
}

// Depth reports how many messages wait in queue.
func (t *Transport) Depth(queue string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.queues[queue])
}

// declare returns the channel for queue, creating it on first use. Callers hold t.mu.
func (t *Transport) declare(queue string) chan cbus.Delivery {
	q, ok := t.queues[queue]
	if !ok {
		q = make(chan cbus.Delivery, t.buffer)
		t.queues[queue] = q
	}

	return q
}

// takeSubs removes and returns the subscriptions on queue, or all of them for "".
// Callers hold t.mu.
func (t *Transport) takeSubs(queue string) []*subscription {
	var out []*subscription

	for s := range t.subs {
		if queue == "" || s.queue == queue {
			out = append(out, s)
			delete(t.subs, s)
		}
	}

	return out
}

func (t *Transport) reject(d cbus.Delivery) {
	t.mu.Lock()
	t.rejected = append(t.rejected, d)
	t.mu.Unlock()
}

func (t *Transport) forget(s *subscription) {
	t.mu.Lock()
	delete(t.subs, s)
	t.mu.Unlock()
}

type subscription struct {
	t     *Transport
	queue string

	once sync.Once
	stop chan struct{}
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
	s.t.forget(s)
	s.end(nil)

	return nil
}

func (s *subscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.stop)
	})
}

func (s *subscription) loop(q chan cbus.Delivery, deliver cbus.DeliverFunc) {
	defer close(s.done)

	ctx := context.Background()

	for {
		select {
		case <-s.stop:
			return
		case d := <-q:
			select {
			case <-s.stop:
				requeue(q, d)
				return
			default:
			}

			if err := deliver(ctx, d); err != nil {
				if errors.Is(err, berr.ErrBusClosed) {
					requeue(q, d)
					continue
				}

				s.t.reject(d)
			}
		}
	}
}

// requeue puts d back unless the queue is full, in which case d is dropped.
func requeue(q chan cbus.Delivery, d cbus.Delivery) {
	select {
	case q <- d:
	default:
	}
}
