package memory

import (
	"context"
	"log/slog"

	"github.com/next-trace/scg-rabbit-bus/adapters/inmemory"
	"github.com/next-trace/scg-rabbit-bus/servicebus"
)

// New constructs a service bus backed by the in-memory transport and returns it along
// with the transport (for inspection) and a cleanup function that closes the bus.
func New(logger *slog.Logger, opts ...servicebus.BusOption) (*servicebus.Bus, *inmemory.Transport, func()) {
	tr := inmemory.New()
	sb := servicebus.New(tr, logger, opts...)
	cleanup := func() { _ = sb.Close(context.Background()) }

	return sb, tr, cleanup
}
