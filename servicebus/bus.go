package servicebus

// revive:disable:max-public-structs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	cbus "github.com/next-trace/scg-rabbit-bus/contract/bus"
	berr "github.com/next-trace/scg-rabbit-bus/contract/errors"
)

const tracerName = "github.com/next-trace/scg-rabbit-bus/servicebus"

// Bus dispatches commands in-process and moves events through a broker Transport.
//
// Bus is concurrency-safe and contains no global state: the handler registry, the event
// type catalog and the consumer loops all belong to the instance and die with Close.
type Bus struct {
	mu sync.RWMutex

	cmd map[reflect.Type][]CommandFunc

	// global command middleware executed in registration order
	cmdMW []CommandMiddleware

	registry *Registry
	catalog  *Catalog
	loops    map[string]*consumerLoop
	closed   bool

	transport  cbus.Transport
	codec      Codec
	reporter   cbus.ErrorReporter
	propagator cbus.HeaderPropagator
	newBackOff func() backoff.BackOff
	shutdown   cbus.Shutdown
	logger     *slog.Logger
	tracer     trace.Tracer

	// gate orders delivery admission against Close.
	gate           sync.RWMutex
	draining       bool
	inflight       sync.WaitGroup
	handlerCtx     context.Context
	cancelHandlers context.CancelFunc
}

var _ cbus.Bus = (*Bus)(nil)

// BusOption configures a Bus instance.
type BusOption func(*Bus)

// New constructs a Bus over transport. A nil transport leaves the bus command-only:
// Publish and Subscribe then fail. A nil logger means slog.Default().
func New(transport cbus.Transport, logger *slog.Logger, opts ...BusOption) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	handlerCtx, cancel := context.WithCancel(context.Background())

	b := &Bus{
		cmd:            make(map[reflect.Type][]CommandFunc),
		registry:       NewRegistry(),
		catalog:        NewCatalog(),
		loops:          make(map[string]*consumerLoop),
		transport:      transport,
		codec:          JSONCodec{},
		propagator:     cbus.NopHeaderPropagator{},
		newBackOff:     DefaultBackOff,
		shutdown:       cbus.Shutdown{Policy: cbus.ShutdownGraceful, Timeout: 30 * time.Second},
		logger:         logger,
		tracer:         otel.Tracer(tracerName),
		handlerCtx:     handlerCtx,
		cancelHandlers: cancel,
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.reporter == nil {
		b.reporter = LogReporter{Logger: b.logger}
	}

	return b
}

// WithCommandMiddleware registers global command middleware via an option.
func WithCommandMiddleware(mw ...CommandMiddleware) BusOption {
	return func(b *Bus) { b.cmdMW = append(b.cmdMW, mw...) }
}

// WithCodec replaces the JSON codec.
func WithCodec(c Codec) BusOption {
	return func(b *Bus) { b.codec = c }
}

// WithReporter sets where event-path failures go. The default logs them.
func WithReporter(r cbus.ErrorReporter) BusOption {
	return func(b *Bus) { b.reporter = r }
}

// WithPropagator sets the header propagator used on publish and delivery.
func WithPropagator(p cbus.HeaderPropagator) BusOption {
	return func(b *Bus) { b.propagator = p }
}

// WithShutdown selects the Close policy.
func WithShutdown(s cbus.Shutdown) BusOption {
	return func(b *Bus) { b.shutdown = s }
}

// WithBackOff sets the policy used to re-establish lost subscriptions. The factory is
// called once per reconnect episode; a policy that returns backoff.Stop ends the episode
// and faults the subscription.
func WithBackOff(newBackOff func() backoff.BackOff) BusOption {
	return func(b *Bus) { b.newBackOff = newBackOff }
}

// WithReconnect is WithBackOff for an exponential policy.
func WithReconnect(initial, maxInterval, maxElapsed time.Duration) BusOption {
	return WithBackOff(func() backoff.BackOff {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = initial
		eb.MaxInterval = maxInterval
		eb.MaxElapsedTime = maxElapsed
		eb.Reset()

		return eb
	})
}

// DefaultBackOff retries for up to two minutes, starting at half a second.
func DefaultBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxInterval = 30 * time.Second
	eb.MaxElapsedTime = 2 * time.Minute
	eb.Reset()

	return eb
}

// Subscribe registers the handler type H for events of type E. newHandler is called for
// every delivery, so each message gets its own handler instance. The first subscription for
// an event starts its consumer; later ones only add handlers.
//
// Registering the same handler type twice for an event fails with ErrDuplicateRegistration.
func Subscribe[E cbus.Event, H cbus.EventHandler[E]](ctx context.Context, b *Bus, newHandler func() H) error {
	et := reflect.TypeFor[E]()
	hid := HandlerID(reflect.TypeFor[H]())

	if newHandler == nil {
		return fmt.Errorf("subscribe %s: nil handler factory: %w", hid, berr.ErrSubscribeFailed)
	}

	if et.Kind() == reflect.Interface {
		return fmt.Errorf("subscribe %s to %s: event must be a concrete type: %w", hid, et, berr.ErrHandlerTypeMismatch)
	}

	name := cbus.NameOf(sampleOf(et))

	reg := Registration{
		Event:     name,
		HandlerID: hid,
		NewHandler: func() cbus.HandlerFunc {
			h := newHandler()

			return func(ctx context.Context, v any) error {
				e, ok := v.(E)
				if !ok {
					return fmt.Errorf("handle %s: %w", reflect.TypeOf(v), berr.ErrHandlerTypeMismatch)
				}

				return h.Handle(ctx, e)
			}
		},
	}

	return b.subscribe(ctx, name, et, reg)
}

// SubscribeOf registers an untyped handler for the event type of sample under handlerID.
// Typed subscriptions use HandlerID of the handler type, so both forms share one namespace.
func (b *Bus) SubscribeOf(
	ctx context.Context,
	sample cbus.Event,
	handlerID string,
	newHandler func() cbus.HandlerFunc,
) error {
	if sample == nil || newHandler == nil || handlerID == "" {
		return fmt.Errorf("subscribe %q: sample, handler id and factory are required: %w", handlerID, berr.ErrSubscribeFailed)
	}

	name := cbus.NameOf(sample)
	reg := Registration{Event: name, HandlerID: handlerID, NewHandler: newHandler}

	return b.subscribe(ctx, name, reflect.TypeOf(sample), reg)
}

// subscribe records reg and, for the first handler of an event, registers the consumer.
// The broker call runs without b.mu so commands and other subscriptions are not held up.
func (b *Bus) subscribe(ctx context.Context, name string, t reflect.Type, reg Registration) error {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("subscribe %s to %s: %w", reg.HandlerID, name, berr.ErrBusClosed)
	}

	if b.transport == nil {
		b.mu.Unlock()
		return fmt.Errorf("subscribe %s to %s: transport not configured: %w", reg.HandlerID, name, berr.ErrSubscribeFailed)
	}

	if err := b.catalog.Add(name, t); err != nil {
		b.mu.Unlock()
		return fmt.Errorf("subscribe %s to %s: %w", reg.HandlerID, name, err)
	}

	if err := b.registry.Add(reg); err != nil {
		b.mu.Unlock()
		return err
	}

	loop, ok := b.loops[name]
	if !ok {
		loop = newConsumerLoop(b, name)
		b.loops[name] = loop
	}
	b.mu.Unlock()

	if ok {
		return b.awaitConsumer(ctx, loop, reg)
	}

	if err := loop.start(ctx); err != nil {
		b.mu.Lock()
		if b.loops[name] == loop {
			delete(b.loops, name)
		}
		b.mu.Unlock()

		b.registry.Remove(name, reg.HandlerID)

		return fmt.Errorf("subscribe %s to %s: %w", reg.HandlerID, name, errors.Join(berr.ErrSubscribeFailed, err))
	}

	b.logger.Info("subscription active", "event", name, "queue", name, "handler", reg.HandlerID)

	return nil
}

// awaitConsumer waits for a consumer registration started by another Subscribe call.
// reg is withdrawn when that registration fails.
func (b *Bus) awaitConsumer(ctx context.Context, loop *consumerLoop, reg Registration) error {
	select {
	case <-loop.ready:
	case <-ctx.Done():
		b.registry.Remove(reg.Event, reg.HandlerID)
		return fmt.Errorf("subscribe %s to %s: %w", reg.HandlerID, reg.Event, errors.Join(berr.ErrSubscribeFailed, ctx.Err()))
	}

	if err := loop.startErr; err != nil {
		b.registry.Remove(reg.Event, reg.HandlerID)
		return fmt.Errorf("subscribe %s to %s: %w", reg.HandlerID, reg.Event, errors.Join(berr.ErrSubscribeFailed, err))
	}

	b.logger.Debug("handler added", "event", reg.Event, "handler", reg.HandlerID)

	return nil
}

// SubscriptionState reports the consumer state for an event name.
func (b *Bus) SubscriptionState(event string) cbus.SubscriptionState {
	b.mu.RLock()
	loop, ok := b.loops[event]
	b.mu.RUnlock()

	if !ok {
		return cbus.StateInactive
	}

	return loop.State()
}

// Close stops every consumer, applies the shutdown policy to in-flight handlers and closes
// the transport. Close is idempotent.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}

	b.closed = true

	loops := make([]*consumerLoop, 0, len(b.loops))
	for _, l := range b.loops {
		loops = append(loops, l)
	}
	b.mu.Unlock()

	for _, l := range loops {
		l.stop()
	}

	b.gate.Lock()
	b.draining = true
	b.gate.Unlock()

	err := b.drain(ctx)
	b.cancelHandlers()

	if b.transport != nil {
		if cerr := b.transport.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close transport: %w", cerr))
		}
	}

	b.logger.Info("bus closed", "policy", b.shutdown.Policy.String(), "subscriptions", len(loops))

	return err
}

func (b *Bus) drain(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		b.inflight.Wait()
		close(done)
	}()

	if b.shutdown.Policy == cbus.ShutdownForced {
		timer := time.NewTimer(b.shutdown.Timeout)
		defer timer.Stop()

		select {
		case <-done:
			return nil
		case <-timer.C:
		case <-ctx.Done():
		}

		b.cancelHandlers()

		return fmt.Errorf("close: handlers still running after %s: %w", b.shutdown.Timeout, berr.ErrShutdownAbandoned)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close: %w", errors.Join(berr.ErrShutdownAbandoned, ctx.Err()))
	}
}

// enter admits one delivery unless Close started draining.
func (b *Bus) enter() bool {
	b.gate.RLock()
	defer b.gate.RUnlock()

	if b.draining {
		return false
	}

	b.inflight.Add(1)

	return true
}

func (b *Bus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.closed
}

func (b *Bus) report(ctx context.Context, f cbus.Failure) {
	b.reporter.Report(ctx, f)
}

// HandlerID returns the registry identity of a handler type: its package path and name,
// with pointer indirections ignored.
func HandlerID(t reflect.Type) string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if t.PkgPath() == "" || t.Name() == "" {
		return t.String()
	}

	return t.PkgPath() + "." + t.Name()
}

// sampleOf returns a non-nil value of t suitable for cbus.NameOf.
func sampleOf(t reflect.Type) any {
	if t.Kind() == reflect.Ptr {
		return reflect.New(t.Elem()).Interface()
	}

	return reflect.Zero(t).Interface()
}
