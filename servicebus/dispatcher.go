package servicebus

import (
	"context"
	"fmt"
	"reflect"

	cbus "github.com/next-trace/scg-rabbit-bus/contract/bus"
	berr "github.com/next-trace/scg-rabbit-bus/contract/errors"
)

// CommandFunc is the type-erased form of a command handler.
type CommandFunc func(ctx context.Context, cmd any) (any, error)

// CommandMiddleware wraps command handler execution. Middlewares are executed in registration order.
type CommandMiddleware func(next CommandFunc) CommandFunc

// BindCommandOf registers a handler for the command type of sample.
// Bindings are not deduplicated here: Send fails when a command type has more than one.
func (b *Bus) BindCommandOf(sample any, handler func(ctx context.Context, cmd any) (any, error)) error {
	if sample == nil || handler == nil {
		return fmt.Errorf("bind command: sample and handler are required: %w", berr.ErrHandlerTypeMismatch)
	}

	b.bindCommand(reflect.TypeOf(sample), handler)

	return nil
}

// BindCommand registers h for command type C producing R.
func BindCommand[C cbus.Command, R any](b *Bus, h cbus.CommandHandler[C, R]) error {
	t := reflect.TypeFor[C]()
	if t.Kind() == reflect.Interface {
		return fmt.Errorf("bind command %s: command must be a concrete type: %w", t, berr.ErrHandlerTypeMismatch)
	}

	b.bindCommand(t, func(ctx context.Context, v any) (any, error) {
		c, ok := v.(C)
		if !ok {
			return nil, fmt.Errorf("send %s: %w", reflect.TypeOf(v), berr.ErrHandlerTypeMismatch)
		}

		return h.Handle(ctx, c)
	})

	return nil
}

func (b *Bus) bindCommand(t reflect.Type, f CommandFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cmd[t] = append(b.cmd[t], f)
}

// Send executes the single handler bound to the command's type and returns its result
// unchanged. It fails with ErrNoHandlerRegistered or ErrMultipleHandlersRegistered when
// the command type is not bound exactly once.
func (b *Bus) Send(ctx context.Context, cmd cbus.Command) (any, error) {
	return b.sendWithMiddleware(ctx, cmd)
}

// SendWithMiddleware executes a command with additional per-call middleware.
func (b *Bus) SendWithMiddleware(ctx context.Context, cmd cbus.Command, mws ...CommandMiddleware) (any, error) {
	return b.sendWithMiddleware(ctx, cmd, mws...)
}

// SendAsync runs Send on its own goroutine. The returned channel receives exactly one Result.
func (b *Bus) SendAsync(ctx context.Context, cmd cbus.Command) <-chan cbus.Result {
	out := make(chan cbus.Result, 1)

	go func() {
		v, err := b.sendWithMiddleware(ctx, cmd)
		out <- cbus.Result{Value: v, Err: err}
	}()

	return out
}

// Send is a typed helper: it dispatches cmd and asserts the result to R.
func Send[C cbus.Command, R any](ctx context.Context, b *Bus, cmd C) (R, error) {
	var zero R

	res, err := b.sendWithMiddleware(ctx, cmd)
	if err != nil {
		return zero, err
	}

	if res == nil {
		return zero, nil
	}

	r, ok := res.(R)
	if !ok {
		return zero, fmt.Errorf("send %s: result %T: %w", reflect.TypeOf(cmd), res, berr.ErrHandlerTypeMismatch)
	}

	return r, nil
}

func (b *Bus) resolveCommand(cmd cbus.Command) (CommandFunc, []CommandMiddleware, error) {
	t := reflect.TypeOf(cmd)

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, nil, fmt.Errorf("send %s: %w", cbus.TypeName(t), berr.ErrBusClosed)
	}

	handlers := b.cmd[t]

	switch len(handlers) {
	case 0:
		return nil, nil, fmt.Errorf("send %s: %w", cbus.TypeName(t), berr.ErrNoHandlerRegistered)
	case 1:
		return handlers[0], append([]CommandMiddleware(nil), b.cmdMW...), nil
	default:
		return nil, nil, fmt.Errorf("send %s: %d handlers bound: %w", cbus.TypeName(t), len(handlers), berr.ErrMultipleHandlersRegistered)
	}
}

func (b *Bus) sendWithMiddleware(ctx context.Context, cmd cbus.Command, mws ...CommandMiddleware) (any, error) {
	f, global, err := b.resolveCommand(cmd)
	if err != nil {
		return nil, err
	}

	// Combine global and per-call middleware
	chain := make([]CommandMiddleware, 0, len(global)+len(mws))
	chain = append(chain, global...)
	chain = append(chain, mws...)

	// Build chain so the first registered middleware runs first
	final := f
	for i := len(chain) - 1; i >= 0; i-- {
		final = chain[i](final)
	}

	return final(ctx, cmd)
}
