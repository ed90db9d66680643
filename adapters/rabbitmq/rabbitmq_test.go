package rabbitmq_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/next-trace/scg-rabbit-bus/adapters/rabbitmq"
	cbus "github.com/next-trace/scg-rabbit-bus/contract/bus"
	berr "github.com/next-trace/scg-rabbit-bus/contract/errors"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu        sync.Mutex
	declared  []string
	durable   []bool
	published []published
	qos       int
	tags      []string
	closed    bool
	cancelled []string

	publishErr error
	consumeErr error

	msgs   chan amqp.Delivery
	notify chan *amqp.Error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{msgs: make(chan amqp.Delivery, 8)}
}

func (f *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.declared = append(f.declared, name)
	f.durable = append(f.durable, durable)

	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return f.publishErr
	}

	f.published = append(f.published, published{exchange: exchange, key: key, msg: msg})

	return nil
}

func (f *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.mu.Lock()
	f.qos = prefetchCount
	f.mu.Unlock()

	return nil
}

func (f *fakeChannel) Consume(_ string, consumer string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.consumeErr != nil {
		return nil, f.consumeErr
	}

	if autoAck {
		return nil, errors.New("auto-ack not expected")
	}

	f.tags = append(f.tags, consumer)

	return f.msgs, nil
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	f.notify = c
	f.mu.Unlock()

	return c
}

func (f *fakeChannel) Cancel(consumer string, _ bool) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, consumer)
	f.mu.Unlock()

	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	return nil
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

// breakChannel simulates the broker closing the channel.
func (f *fakeChannel) breakChannel() {
	f.mu.Lock()
	n := f.notify
	f.mu.Unlock()

	n <- &amqp.Error{Code: amqp.ChannelError, Reason: "channel closed by broker"}
}

type fakeSource struct {
	channels []*fakeChannel
	err      error
	opened   int
}

func (s *fakeSource) Channel(context.Context) (rabbitmq.Channel, error) {
	if s.err != nil {
		return nil, s.err
	}

	ch := s.channels[s.opened]
	s.opened++

	return ch, nil
}

type settle struct {
	tag     uint64
	action  string
	requeue bool
}

type fakeAck struct {
	mu  sync.Mutex
	got []settle
}

func (a *fakeAck) Ack(tag uint64, _ bool) error {
	a.record(settle{tag: tag, action: "ack"})
	return nil
}

func (a *fakeAck) Nack(tag uint64, _, requeue bool) error {
	a.record(settle{tag: tag, action: "nack", requeue: requeue})
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	a.record(settle{tag: tag, action: "reject", requeue: requeue})
	return nil
}

func (a *fakeAck) record(s settle) {
	a.mu.Lock()
	a.got = append(a.got, s)
	a.mu.Unlock()
}

func (a *fakeAck) all() []settle {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]settle(nil), a.got...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}

		time.Sleep(5 * time.Millisecond)
	}
}

func TestRabbitMQ_Publish(t *testing.T) {
	ch := newFakeChannel()
	tr := rabbitmq.New(&fakeSource{channels: []*fakeChannel{ch}}, rabbitmq.Config{Durable: true}, nil)

	env := cbus.Envelope{
		Queue:       "FundsTransferred",
		MessageID:   "m-1",
		ContentType: "application/json",
		Body:        []byte(`{"amount":100}`),
		Headers:     map[string]string{cbus.HeaderEventName: "FundsTransferred"},
	}

	if err := tr.Publish(t.Context(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(ch.declared) != 1 || ch.declared[0] != "FundsTransferred" || !ch.durable[0] {
		t.Fatalf("declared=%v durable=%v", ch.declared, ch.durable)
	}

	if len(ch.published) != 1 {
		t.Fatalf("published=%d", len(ch.published))
	}

	p := ch.published[0]
	if p.exchange != "" || p.key != "FundsTransferred" {
		t.Fatalf("exchange=%q key=%q", p.exchange, p.key)
	}

	if p.msg.MessageId != "m-1" || p.msg.DeliveryMode != amqp.Persistent || string(p.msg.Body) != `{"amount":100}` {
		t.Fatalf("msg=%+v", p.msg)
	}

	if p.msg.Headers[cbus.HeaderEventName] != "FundsTransferred" {
		t.Fatalf("headers=%v", p.msg.Headers)
	}

	if !ch.isClosed() {
		t.Fatalf("publish channel left open")
	}
}

func TestRabbitMQ_Publish_Errors(t *testing.T) {
	down := errors.New("connection refused")
	tr := rabbitmq.New(&fakeSource{err: down}, rabbitmq.Config{}, nil)

	if err := tr.Publish(t.Context(), cbus.Envelope{Queue: "q"}); !errors.Is(err, down) {
		t.Fatalf("source error: %v", err)
	}

	ch := newFakeChannel()
	ch.publishErr = amqp.ErrClosed
	tr = rabbitmq.New(&fakeSource{channels: []*fakeChannel{ch}}, rabbitmq.Config{}, nil)

	if err := tr.Publish(t.Context(), cbus.Envelope{Queue: "q"}); !errors.Is(err, amqp.ErrClosed) {
		t.Fatalf("publish error: %v", err)
	}

	if !ch.isClosed() {
		t.Fatalf("channel left open after failure")
	}

	if err := rabbitmq.New(nil, rabbitmq.Config{}, nil).Publish(t.Context(), cbus.Envelope{}); !errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("nil source: %v", err)
	}
}

func TestRabbitMQ_Consume_SettlesByResult(t *testing.T) {
	ch := newFakeChannel()
	tr := rabbitmq.New(&fakeSource{channels: []*fakeChannel{ch}}, rabbitmq.Config{Prefetch: 4}, nil)

	var mu sync.Mutex

	var seen []cbus.Delivery

	sub, err := tr.Consume(t.Context(), "FundsTransferred", func(ctx context.Context, d cbus.Delivery) error {
		mu.Lock()
		seen = append(seen, d)
		mu.Unlock()

		switch d.MessageID {
		case "bad":
			return berr.ErrDecodeFailed
		case "closing":
			return berr.ErrBusClosed
		}

		return nil
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	defer func() { _ = sub.Cancel() }()

	if ch.qos != 4 || len(ch.tags) != 1 || ch.declared[0] != "FundsTransferred" {
		t.Fatalf("qos=%d tags=%v declared=%v", ch.qos, ch.tags, ch.declared)
	}

	ack := &fakeAck{}
	for i, id := range []string{"ok", "bad", "closing"} {
		ch.msgs <- amqp.Delivery{
			Acknowledger: ack,
			DeliveryTag:  uint64(i + 1),
			MessageId:    id,
			RoutingKey:   "FundsTransferred",
			Headers:      amqp.Table{"x-event-name": "FundsTransferred", "attempt": int32(2)},
			Body:         []byte(`{}`),
		}
	}

	waitFor(t, func() bool { return len(ack.all()) == 3 })

	want := []settle{
		{tag: 1, action: "ack"},
		{tag: 2, action: "reject", requeue: false},
		{tag: 3, action: "nack", requeue: true},
	}

	for i, got := range ack.all() {
		if got != want[i] {
			t.Fatalf("settle[%d]=%+v, want %+v", i, got, want[i])
		}
	}

	mu.Lock()
	defer mu.Unlock()

	if seen[0].Queue != "FundsTransferred" || seen[0].Headers["x-event-name"] != "FundsTransferred" || seen[0].Headers["attempt"] != "2" {
		t.Fatalf("delivery=%+v", seen[0])
	}
}

func TestRabbitMQ_ChannelClosed_EndsWithConnectionLost(t *testing.T) {
	ch := newFakeChannel()
	tr := rabbitmq.New(&fakeSource{channels: []*fakeChannel{ch}}, rabbitmq.Config{}, nil)

	sub, err := tr.Consume(t.Context(), "q", func(context.Context, cbus.Delivery) error { return nil })
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	ch.breakChannel()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription did not end")
	}

	if !errors.Is(sub.Err(), berr.ErrConnectionLost) {
		t.Fatalf("err=%v", sub.Err())
	}

	if !ch.isClosed() {
		t.Fatalf("channel not released")
	}
}

func TestRabbitMQ_Cancel(t *testing.T) {
	ch := newFakeChannel()
	tr := rabbitmq.New(&fakeSource{channels: []*fakeChannel{ch}}, rabbitmq.Config{}, nil)

	sub, _ := tr.Consume(t.Context(), "q", func(context.Context, cbus.Delivery) error { return nil })

	if err := sub.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription did not end")
	}

	if sub.Err() != nil {
		t.Fatalf("err=%v", sub.Err())
	}

	if len(ch.cancelled) != 1 || ch.cancelled[0] != ch.tags[0] {
		t.Fatalf("cancelled=%v tags=%v", ch.cancelled, ch.tags)
	}
}

func TestRabbitMQ_Consume_SetupFailureClosesChannel(t *testing.T) {
	ch := newFakeChannel()
	ch.consumeErr = errors.New("access refused")
	tr := rabbitmq.New(&fakeSource{channels: []*fakeChannel{ch}}, rabbitmq.Config{}, nil)

	if _, err := tr.Consume(t.Context(), "q", nil); err == nil {
		t.Fatalf("expected error")
	}

	if !ch.isClosed() {
		t.Fatalf("channel left open")
	}
}

func TestDial_Errors(t *testing.T) {
	if _, err := rabbitmq.Dial(t.Context(), rabbitmq.Config{}, nil); !errors.Is(err, berr.ErrConnectionFaulted) {
		t.Fatalf("empty url: %v", err)
	}

	if _, err := rabbitmq.NewWithAMQPConn(t.Context(), rabbitmq.Config{URL: "http://not-amqp"}, nil); !errors.Is(err, berr.ErrConnectionFaulted) {
		t.Fatalf("bad scheme: %v", err)
	}
}
