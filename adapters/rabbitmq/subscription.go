package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	cbus "github.com/next-trace/scg-rabbit-bus/contract/bus"
	berr "github.com/next-trace/scg-rabbit-bus/contract/errors"
)

type subscription struct {
	ch     Channel
	queue  string
	tag    string
	logger *slog.Logger

	once sync.Once
	stop chan struct{}
	done chan struct{}

	mu  sync.Mutex
	err error
}

func consumerTag(queue string) string {
	return "scgbus-" + queue + "-" + uuid.NewString()
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// Cancel stops the broker from sending more messages. Prefetched but unacknowledged
// messages return to the queue when the channel closes.
func (s *subscription) Cancel() error {
	s.end(nil)

	if err := s.ch.Cancel(s.tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("rabbitmq cancel %s: %w", s.tag, err)
	}

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

func (s *subscription) loop(msgs <-chan amqp.Delivery, closed <-chan *amqp.Error, deliver cbus.DeliverFunc) {
	defer close(s.done)
	defer func() { _ = s.ch.Close() }()

	ctx := context.Background()

	for {
		select {
		case <-s.stop:
			return
		case aerr := <-closed:
			s.end(fmt.Errorf("rabbitmq channel on %s closed: %v: %w", s.queue, aerr, berr.ErrConnectionLost))
			return
		case d, ok := <-msgs:
			if !ok {
				s.end(fmt.Errorf("rabbitmq deliveries on %s stopped: %w", s.queue, berr.ErrConnectionLost))
				return
			}

			s.handle(ctx, d, deliver)
		}
	}
}

func (s *subscription) handle(ctx context.Context, d amqp.Delivery, deliver cbus.DeliverFunc) {
	err := deliver(ctx, cbus.Delivery{
		Queue:      s.queue,
		RoutingKey: d.RoutingKey,
		MessageID:  d.MessageId,
		Body:       d.Body,
		Headers:    fromTable(d.Headers),
	})

	var aerr error

	switch {
	case err == nil:
		aerr = d.Ack(false)
	case errors.Is(err, berr.ErrBusClosed):
		aerr = d.Nack(false, true)
	default:
		aerr = d.Reject(false)
	}

	if aerr != nil {
		s.logger.Warn("settle delivery", "message_id", d.MessageId, "err", aerr)
	}
}
