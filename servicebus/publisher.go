package servicebus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	cbus "github.com/next-trace/scg-rabbit-bus/contract/bus"
	berr "github.com/next-trace/scg-rabbit-bus/contract/errors"
)

// Publish serializes event and sends it to the queue named after the event.
// Delivery is attempted once and not confirmed; a failure to hand the payload to the
// broker is returned to the caller.
func (b *Bus) Publish(ctx context.Context, event cbus.Event) error {
	if event == nil {
		return fmt.Errorf("publish: nil event: %w", berr.ErrSerializationFailed)
	}

	name := cbus.NameOf(event)

	if b.isClosed() {
		return fmt.Errorf("publish %s: %w", name, berr.ErrBusClosed)
	}

	if b.transport == nil {
		return fmt.Errorf("publish %s: transport not configured: %w", name, berr.ErrPublishFailed)
	}

	env, err := b.envelope(ctx, name, event)
	if err != nil {
		return err
	}

	ctx, span := b.tracer.Start(ctx, "servicebus.publish "+name,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", env.Queue),
			attribute.String("messaging.message.id", env.MessageID),
		),
	)
	defer span.End()

	// inject after the span starts so consumers link to it
	b.propagator.Inject(ctx, env.Headers)

	if err := b.transport.Publish(ctx, env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("publish %s: %w", name, errors.Join(berr.ErrPublishFailed, err))
	}

	b.logger.DebugContext(ctx, "event published", "event", name, "queue", env.Queue, "message_id", env.MessageID)

	return nil
}

func (b *Bus) envelope(ctx context.Context, name string, event cbus.Event) (cbus.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return cbus.Envelope{}, err
	}

	body, err := b.codec.Encode(event)
	if err != nil {
		return cbus.Envelope{}, fmt.Errorf("publish %s serialize: %w", name, errors.Join(berr.ErrSerializationFailed, err))
	}

	return cbus.Envelope{
		Queue:       name,
		MessageID:   uuid.NewString(),
		ContentType: b.codec.ContentType(),
		Body:        body,
		Headers: map[string]string{
			cbus.HeaderEventName: name,
			cbus.HeaderTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
		},
	}, nil
}
