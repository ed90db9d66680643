package bus

import "context"

// Bus is the non-generic surface of the service bus.
//
// Typed helpers remain available via generic functions in the servicebus package.
// This interface is intended for consumers that want to depend only on contracts.
type Bus interface {
	// Bind (untyped)
	BindCommandOf(sample any, handler func(ctx context.Context, cmd any) (any, error)) error
	SubscribeOf(ctx context.Context, sample Event, handlerID string, newHandler func() HandlerFunc) error

	// Commands
	Send(ctx context.Context, cmd Command) (any, error)
	SendAsync(ctx context.Context, cmd Command) <-chan Result

	// Events
	Publish(ctx context.Context, event Event) error

	// Lifecycle
	Close(ctx context.Context) error
}
