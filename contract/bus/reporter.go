package bus

import "context"

// Failure describes an event-path error that could not be returned to a caller.
type Failure struct {
	// Kind is one of the contract/errors sentinels (decode, handler, connection).
	Kind      error
	Event     string
	Queue     string
	Handler   string
	MessageID string
	Body      []byte
	Err       error
}

// ErrorReporter receives event-path failures. Report must not block for long:
// it runs on the consumer goroutine.
type ErrorReporter interface {
	Report(ctx context.Context, f Failure)
}

// ReporterFunc adapts a function to ErrorReporter.
type ReporterFunc func(ctx context.Context, f Failure)

func (fn ReporterFunc) Report(ctx context.Context, f Failure) { fn(ctx, f) }
