package inmemory_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/next-trace/scg-rabbit-bus/adapters/inmemory"
	cbus "github.com/next-trace/scg-rabbit-bus/contract/bus"
	berr "github.com/next-trace/scg-rabbit-bus/contract/errors"
)

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out")
	}
}

func Test_PublishConsume_CopiesEnvelope(t *testing.T) {
	tr := inmemory.New()
	defer func() { _ = tr.Close() }()

	got := make(chan cbus.Delivery, 1)

	sub, err := tr.Consume(t.Context(), "orders", func(ctx context.Context, d cbus.Delivery) error {
		got <- d
		return nil
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	defer func() { _ = sub.Cancel() }()

	body := []byte(`{"id":1}`)
	env := cbus.Envelope{Queue: "orders", MessageID: "m-1", Body: body, Headers: map[string]string{"k": "v"}}

	if err := tr.Publish(t.Context(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	body[0] = 'X'

	select {
	case d := <-got:
		if d.Queue != "orders" || d.RoutingKey != "orders" || d.MessageID != "m-1" {
			t.Fatalf("delivery=%+v", d)
		}

		if string(d.Body) != `{"id":1}` || d.Headers["k"] != "v" {
			t.Fatalf("delivery shares publisher memory: %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no delivery")
	}

	if n := len(tr.Published()); n != 1 {
		t.Fatalf("published=%d", n)
	}
}

func Test_Publish_QueuesUntilConsumed(t *testing.T) {
	tr := inmemory.New()
	defer func() { _ = tr.Close() }()

	for range 3 {
		_ = tr.Publish(t.Context(), cbus.Envelope{Queue: "q"})
	}

	if tr.Depth("q") != 3 {
		t.Fatalf("depth=%d", tr.Depth("q"))
	}

	var n atomic.Int32

	sub, _ := tr.Consume(t.Context(), "q", func(ctx context.Context, d cbus.Delivery) error {
		n.Add(1)
		return nil
	})
	defer func() { _ = sub.Cancel() }()

	deadline := time.Now().Add(2 * time.Second)
	for n.Load() != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("delivered=%d", n.Load())
		}

		time.Sleep(5 * time.Millisecond)
	}
}

func Test_DeliverError_RejectsUnlessBusClosed(t *testing.T) {
	tr := inmemory.New()
	defer func() { _ = tr.Close() }()

	var calls atomic.Int32

	sub, _ := tr.Consume(t.Context(), "q", func(ctx context.Context, d cbus.Delivery) error {
		if calls.Add(1) == 1 {
			return errors.New("bad payload")
		}

		return nil
	})
	defer func() { _ = sub.Cancel() }()

	_ = tr.Publish(t.Context(), cbus.Envelope{Queue: "q", MessageID: "bad"})

	deadline := time.Now().Add(2 * time.Second)
	for len(tr.Rejected()) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("rejected=%v", tr.Rejected())
		}

		time.Sleep(5 * time.Millisecond)
	}

	if tr.Rejected()[0].MessageID != "bad" {
		t.Fatalf("rejected=%+v", tr.Rejected())
	}
}

func Test_DeliverBusClosed_Requeues(t *testing.T) {
	tr := inmemory.New()
	defer func() { _ = tr.Close() }()

	refused := make(chan struct{})

	var once atomic.Bool

	sub, _ := tr.Consume(t.Context(), "q", func(ctx context.Context, d cbus.Delivery) error {
		if once.CompareAndSwap(false, true) {
			close(refused)
		}

		return berr.ErrBusClosed
	})

	_ = tr.Publish(t.Context(), cbus.Envelope{Queue: "q", MessageID: "keep"})
	waitDone(t, refused)

	_ = sub.Cancel()
	waitDone(t, sub.Done())

	if len(tr.Rejected()) != 0 {
		t.Fatalf("message rejected instead of requeued")
	}

	got := make(chan string, 1)

	sub2, _ := tr.Consume(t.Context(), "q", func(ctx context.Context, d cbus.Delivery) error {
		got <- d.MessageID
		return nil
	})
	defer func() { _ = sub2.Cancel() }()

	select {
	case id := <-got:
		if id != "keep" {
			t.Fatalf("got %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("requeued message not redelivered")
	}
}

func Test_Drop_EndsSubscriptionWithConnectionLost(t *testing.T) {
	tr := inmemory.New()
	defer func() { _ = tr.Close() }()

	sub, _ := tr.Consume(t.Context(), "q", func(ctx context.Context, d cbus.Delivery) error { return nil })
	other, _ := tr.Consume(t.Context(), "other", func(ctx context.Context, d cbus.Delivery) error { return nil })
	defer func() { _ = other.Cancel() }()

	tr.Drop("q")
	waitDone(t, sub.Done())

	if !errors.Is(sub.Err(), berr.ErrConnectionLost) {
		t.Fatalf("err=%v", sub.Err())
	}

	select {
	case <-other.Done():
		t.Fatalf("unrelated subscription ended")
	default:
	}
}

func Test_Cancel_EndsWithoutError(t *testing.T) {
	tr := inmemory.New()
	defer func() { _ = tr.Close() }()

	sub, _ := tr.Consume(t.Context(), "q", func(ctx context.Context, d cbus.Delivery) error { return nil })

	if err := sub.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	waitDone(t, sub.Done())

	if sub.Err() != nil {
		t.Fatalf("err=%v", sub.Err())
	}

	if err := sub.Cancel(); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
}

func Test_FaultInjection(t *testing.T) {
	tr := inmemory.New()
	defer func() { _ = tr.Close() }()

	boom := errors.New("boom")

	tr.FailPublish(boom)
	if err := tr.Publish(t.Context(), cbus.Envelope{Queue: "q"}); !errors.Is(err, boom) {
		t.Fatalf("publish err=%v", err)
	}

	tr.FailPublish(nil)
	if err := tr.Publish(t.Context(), cbus.Envelope{Queue: "q"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	tr.FailConsume(boom)
	if _, err := tr.Consume(t.Context(), "q", nil); !errors.Is(err, boom) {
		t.Fatalf("consume err=%v", err)
	}
}

func Test_Close(t *testing.T) {
	tr := inmemory.New()

	sub, _ := tr.Consume(t.Context(), "q", func(ctx context.Context, d cbus.Delivery) error { return nil })

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	waitDone(t, sub.Done())

	if sub.Err() != nil {
		t.Fatalf("sub err=%v", sub.Err())
	}

	if err := tr.Publish(t.Context(), cbus.Envelope{Queue: "q"}); !errors.Is(err, inmemory.ErrClosed) {
		t.Fatalf("publish after close: %v", err)
	}

	if _, err := tr.Consume(t.Context(), "q", nil); !errors.Is(err, inmemory.ErrClosed) {
		t.Fatalf("consume after close: %v", err)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func Test_CanceledContext(t *testing.T) {
	tr := inmemory.New()
	defer func() { _ = tr.Close() }()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if err := tr.Publish(ctx, cbus.Envelope{Queue: "q"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("publish err=%v", err)
	}

	if _, err := tr.Consume(ctx, "q", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("consume err=%v", err)
	}
}
