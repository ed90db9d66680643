package bus

import "context"

// CommandHandler handles commands of type C and returns a result of type R.
// Implementations must be safe for concurrent use by multiple goroutines.
type CommandHandler[C Command, R any] interface {
	Handle(ctx context.Context, c C) (R, error)
}

// EventHandler handles events of type E.
// A fresh handler is built for every delivery, so implementations may keep per-message state.
type EventHandler[E Event] interface {
	Handle(ctx context.Context, e E) error
}

// HandlerFunc is the type-erased form of an event handler.
type HandlerFunc func(ctx context.Context, e any) error
