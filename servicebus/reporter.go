package servicebus

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	cbus "github.com/next-trace/scg-rabbit-bus/contract/bus"
)

// LogReporter writes event-path failures to a slog.Logger at error level.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) Report(ctx context.Context, f cbus.Failure) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.ErrorContext(ctx, "event delivery failed",
		"kind", kindOf(f),
		"event", f.Event,
		"queue", f.Queue,
		"handler", f.Handler,
		"message_id", f.MessageID,
		"err", f.Err,
	)
}

// MultiReporter hands every failure to each of its reporters in order.
type MultiReporter []cbus.ErrorReporter

func (m MultiReporter) Report(ctx context.Context, f cbus.Failure) {
	for _, r := range m {
		if r != nil {
			r.Report(ctx, f)
		}
	}
}

// DeadLetterReporter republishes the raw payload of failed deliveries to
// "<queue><Suffix>". Failures without a payload (connection faults) are skipped.
type DeadLetterReporter struct {
	Transport cbus.Transport
	Suffix    string
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Header keys added to dead-lettered messages.
const (
	HeaderFailureKind    = "x-failure-kind"
	HeaderFailureReason  = "x-failure-reason"
	HeaderFailureHandler = "x-failure-handler"
	HeaderOriginalID     = "x-original-message-id"
)

// NewDeadLetterReporter returns a reporter publishing to "<queue>.dead-letter".
func NewDeadLetterReporter(t cbus.Transport, logger *slog.Logger) *DeadLetterReporter {
	if logger == nil {
		logger = slog.Default()
	}

	return &DeadLetterReporter{Transport: t, Suffix: ".dead-letter", Timeout: 5 * time.Second, Logger: logger}
}

func (r *DeadLetterReporter) Report(ctx context.Context, f cbus.Failure) {
	if f.Body == nil || r.Transport == nil {
		return
	}

	queue := f.Queue
	if queue == "" {
		queue = f.Event
	}

	suffix := r.Suffix
	if suffix == "" {
		suffix = ".dead-letter"
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	reason := ""
	if f.Err != nil {
		reason = f.Err.Error()
	}

	env := cbus.Envelope{
		Queue:       queue + suffix,
		MessageID:   uuid.NewString(),
		ContentType: "application/json",
		Body:        f.Body,
		Headers: map[string]string{
			cbus.HeaderEventName: f.Event,
			HeaderFailureKind:    kindOf(f),
			HeaderFailureReason:  reason,
			HeaderFailureHandler: f.Handler,
			HeaderOriginalID:     f.MessageID,
		},
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := r.Transport.Publish(pctx, env); err != nil {
		logger.ErrorContext(ctx, "dead-letter publish failed",
			"queue", env.Queue, "message_id", f.MessageID, "err", err)
	}
}

func kindOf(f cbus.Failure) string {
	if f.Kind == nil {
		return "unknown"
	}

	return f.Kind.Error()
}
