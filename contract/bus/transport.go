package bus

import "context"

// Transport is the connection factory the bus talks to. Implementations own the broker
// connection and translate queue names to their native routing (AMQP queue, NATS subject,
// Kafka topic). All methods must be safe for concurrent use.
type Transport interface {
	// Publish sends env to env.Queue, declaring the queue if the broker needs it.
	// It returns once the payload was handed to the broker; no acknowledgement is awaited.
	Publish(ctx context.Context, env Envelope) error

	// Consume declares queue and registers deliver as its consumer. It returns once the
	// broker accepted the consumer; ctx bounds that registration only. Deliveries for one
	// subscription are serialized.
	Consume(ctx context.Context, queue string, deliver DeliverFunc) (Subscription, error)

	Close() error
}

// DeliverFunc handles one delivery. nil acknowledges it. An error matching
// errors.ErrBusClosed returns the message to the queue; any other error rejects it
// without requeue.
type DeliverFunc func(ctx context.Context, d Delivery) error

// Subscription is a live consumer bound to one queue.
type Subscription interface {
	// Done is closed once the subscription stops delivering.
	Done() <-chan struct{}
	// Err reports why Done was closed. It is nil after Cancel and non-nil when the
	// broker link was lost.
	Err() error
	// Cancel stops new deliveries. It does not wait for a delivery already in progress.
	Cancel() error
}

// Envelope is an outgoing message.
type Envelope struct {
	Queue       string
	MessageID   string
	ContentType string
	Body        []byte
	Headers     map[string]string
}

// Delivery is an incoming message.
type Delivery struct {
	Queue      string
	RoutingKey string
	MessageID  string
	Body       []byte
	Headers    map[string]string
}

// Header keys set by the bus on every envelope.
const (
	HeaderEventName = "x-event-name"
	HeaderTimestamp = "x-published-at"
)
