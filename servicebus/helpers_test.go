package servicebus_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	cbus "github.com/next-trace/scg-rabbit-bus/contract/bus"
)

type FundsTransferred struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int    `json:"amount"`
}

type AccountOpened struct {
	ID      string            `json:"id"`
	Owner   string            `json:"owner"`
	Balance float64           `json:"balance"`
	Tags    []string          `json:"tags"`
	Meta    map[string]string `json:"meta"`
	Opened  time.Time         `json:"opened"`
	Frozen  bool              `json:"frozen"`
}

type renamed struct{ V int }

func (renamed) MessageName() string { return "ledger.renamed" }

type otherRenamed struct{ W int }

func (otherRenamed) MessageName() string { return "ledger.renamed" }

// sink collects what handlers saw, keyed by handler label.
type sink struct {
	mu  sync.Mutex
	got map[string][]FundsTransferred
}

func newSink() *sink { return &sink{got: make(map[string][]FundsTransferred)} }

func (s *sink) add(who string, e FundsTransferred) {
	s.mu.Lock()
	s.got[who] = append(s.got[who], e)
	s.mu.Unlock()
}

func (s *sink) count(who string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.got[who])
}

func (s *sink) events(who string) []FundsTransferred {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]FundsTransferred(nil), s.got[who]...)
}

type handlerA struct{ s *sink }

func (h handlerA) Handle(ctx context.Context, e FundsTransferred) error {
	h.s.add("A", e)
	return nil
}

type handlerB struct{ s *sink }

func (h *handlerB) Handle(ctx context.Context, e FundsTransferred) error {
	h.s.add("B", e)
	return nil
}

type failingHandler struct{}

func (failingHandler) Handle(ctx context.Context, e FundsTransferred) error {
	return errors.New("ledger unavailable")
}

type panickingHandler struct{}

func (panickingHandler) Handle(ctx context.Context, e FundsTransferred) error {
	panic("nil account")
}

// recorder is an ErrorReporter that keeps every failure.
type recorder struct {
	mu       sync.Mutex
	failures []cbus.Failure
}

func (r *recorder) Report(ctx context.Context, f cbus.Failure) {
	r.mu.Lock()
	r.failures = append(r.failures, f)
	r.mu.Unlock()
}

func (r *recorder) all() []cbus.Failure {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]cbus.Failure(nil), r.failures...)
}

func (r *recorder) count(kind error) int {
	n := 0

	for _, f := range r.all() {
		if errors.Is(f.Kind, kind) {
			n++
		}
	}

	return n
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}

		time.Sleep(5 * time.Millisecond)
	}
}
