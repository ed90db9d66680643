package servicebus

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	cbus "github.com/next-trace/scg-rabbit-bus/contract/bus"
	berr "github.com/next-trace/scg-rabbit-bus/contract/errors"
)

// consumerLoop owns the subscription of one event queue:
// Inactive -> Subscribing -> Active -> (Faulted | Closed).
type consumerLoop struct {
	bus   *Bus
	event string

	mu    sync.Mutex
	state cbus.SubscriptionState
	sub   cbus.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// ready is closed once the first registration finished; startErr is its outcome.
	ready    chan struct{}
	startErr error
}

func newConsumerLoop(b *Bus, event string) *consumerLoop {
	ctx, cancel := context.WithCancel(context.Background())

	return &consumerLoop{
		bus:    b,
		event:  event,
		state:  cbus.StateInactive,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		ready:  make(chan struct{}),
	}
}

func (l *consumerLoop) State() cbus.SubscriptionState {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.state
}

func (l *consumerLoop) setState(s cbus.SubscriptionState) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == cbus.StateClosed {
		return
	}

	l.state = s
}

// start performs the first consumer registration synchronously. stop aborts a
// registration still in progress.
func (l *consumerLoop) start(ctx context.Context) error {
	defer close(l.ready)

	l.setState(cbus.StateSubscribing)

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unhook := context.AfterFunc(l.ctx, cancel)
	defer unhook()

	sub, err := l.bus.transport.Consume(cctx, l.event, l.deliver)
	if err != nil {
		l.abort(err)
		return err
	}

	l.mu.Lock()
	if l.ctx.Err() != nil {
		l.mu.Unlock()
		_ = sub.Cancel()

		err := fmt.Errorf("consume %s: %w", l.event, berr.ErrBusClosed)
		l.abort(err)

		return err
	}

	l.sub = sub
	l.state = cbus.StateActive
	l.mu.Unlock()

	go l.run(sub)

	return nil
}

// abort ends a loop whose first registration failed.
func (l *consumerLoop) abort(err error) {
	l.mu.Lock()
	l.startErr = err
	if l.state != cbus.StateClosed {
		l.state = cbus.StateInactive
	}
	l.mu.Unlock()

	l.cancel()
	close(l.done)
}

func (l *consumerLoop) run(sub cbus.Subscription) {
	defer close(l.done)

	log := l.bus.logger.With("event", l.event, "queue", l.event)

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-sub.Done():
		}

		if l.ctx.Err() != nil {
			return
		}

		cause := sub.Err()
		if cause == nil {
			cause = berr.ErrConnectionLost
		}

		log.Warn("subscription lost, resubscribing", "err", cause)

		next, err := l.resubscribe()
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}

			l.setState(cbus.StateFaulted)
			log.Error("subscription faulted", "err", err)

			l.bus.report(l.ctx, cbus.Failure{
				Kind:  berr.ErrConnectionFaulted,
				Event: l.event,
				Queue: l.event,
				Err:   fmt.Errorf("resubscribe %s: %w", l.event, errors.Join(berr.ErrConnectionFaulted, cause, err)),
			})

			return
		}

		log.Info("subscription restored")

		sub = next
	}
}

func (l *consumerLoop) resubscribe() (cbus.Subscription, error) {
	l.setState(cbus.StateSubscribing)

	var sub cbus.Subscription

	op := func() error {
		s, err := l.bus.transport.Consume(l.ctx, l.event, l.deliver)
		if err != nil {
			l.bus.logger.Debug("resubscribe attempt failed", "event", l.event, "err", err)
			return err
		}

		sub = s

		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(l.bus.newBackOff(), l.ctx)); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ctx.Err() != nil {
		_ = sub.Cancel()
		return nil, l.ctx.Err()
	}

	l.sub = sub
	l.state = cbus.StateActive

	return sub, nil
}

// stop cancels the subscription and waits for the loop goroutine. Deliveries already
// running are left to the bus shutdown policy.
func (l *consumerLoop) stop() {
	l.mu.Lock()
	l.cancel()
	sub := l.sub
	l.state = cbus.StateClosed
	l.mu.Unlock()

	if sub != nil {
		if err := sub.Cancel(); err != nil {
			l.bus.logger.Warn("cancel subscription", "event", l.event, "err", err)
		}
	}

	<-l.done
}

// deliver decodes one payload and runs every handler registered for it.
// Handler failures are reported and never returned: the delivery still counts as handled.
func (l *consumerLoop) deliver(_ context.Context, d cbus.Delivery) error {
	b := l.bus

	if !b.enter() {
		return fmt.Errorf("deliver %s: %w", l.event, berr.ErrBusClosed)
	}
	defer b.inflight.Done()

	name := d.RoutingKey
	if name == "" {
		name = d.Queue
	}

	if name == "" {
		name = l.event
	}

	ctx := b.propagator.Extract(b.handlerCtx, d.Headers)

	ctx, span := b.tracer.Start(ctx, "servicebus.deliver "+name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", d.Queue),
			attribute.String("messaging.message.id", d.MessageID),
		),
	)
	defer span.End()

	event, err := b.catalog.Decode(b.codec, name, d.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")

		b.report(ctx, cbus.Failure{
			Kind:      berr.ErrDecodeFailed,
			Event:     name,
			Queue:     d.Queue,
			MessageID: d.MessageID,
			Body:      d.Body,
			Err:       err,
		})

		return err
	}

	for _, reg := range b.registry.Handlers(name) {
		if err := b.invoke(ctx, reg, event); err != nil {
			span.RecordError(err)

			b.report(ctx, cbus.Failure{
				Kind:      berr.ErrHandlerFailed,
				Event:     name,
				Queue:     d.Queue,
				Handler:   reg.HandlerID,
				MessageID: d.MessageID,
				Body:      d.Body,
				Err:       err,
			})
		}
	}

	return nil
}

// invoke builds a fresh handler from reg and runs it, turning panics into errors.
func (b *Bus) invoke(ctx context.Context, reg Registration, event any) (err error) {
	ctx, span := b.tracer.Start(ctx, "servicebus.handle "+reg.Event,
		trace.WithAttributes(attribute.String("servicebus.handler", reg.HandlerID)),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			b.logger.ErrorContext(ctx, "handler panic recovered",
				"event", reg.Event, "handler", reg.HandlerID, "panic", r, "stack", string(buf[:n]))
			err = fmt.Errorf("handle %s by %s: panic: %v: %w", reg.Event, reg.HandlerID, r, berr.ErrHandlerFailed)
		}

		if err != nil {
			span.SetStatus(codes.Error, "handler failed")
		}
	}()

	h := reg.NewHandler()
	if h == nil {
		return fmt.Errorf("handle %s by %s: factory returned nil: %w", reg.Event, reg.HandlerID, berr.ErrHandlerFailed)
	}

	if herr := h(ctx, event); herr != nil {
		return fmt.Errorf("handle %s by %s: %w", reg.Event, reg.HandlerID, errors.Join(berr.ErrHandlerFailed, herr))
	}

	return nil
}
