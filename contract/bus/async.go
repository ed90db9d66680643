package bus

import "time"

// Result carries the outcome of an asynchronously sent command.
type Result struct {
	Value any
	Err   error
}

// ShutdownPolicy selects what Close does with handler invocations still running.
type ShutdownPolicy int

const (
	// ShutdownGraceful stops deliveries and waits for in-flight handlers until the
	// context passed to Close is done.
	ShutdownGraceful ShutdownPolicy = iota
	// ShutdownForced stops deliveries, waits at most the configured timeout and then
	// cancels the contexts of handlers still running.
	ShutdownForced
)

func (p ShutdownPolicy) String() string {
	switch p {
	case ShutdownGraceful:
		return "graceful"
	case ShutdownForced:
		return "forced"
	default:
		return "unknown"
	}
}

// ParseShutdownPolicy maps "graceful" and "forced" to a policy.
func ParseShutdownPolicy(s string) (ShutdownPolicy, bool) {
	switch s {
	case "graceful", "":
		return ShutdownGraceful, true
	case "forced":
		return ShutdownForced, true
	default:
		return ShutdownGraceful, false
	}
}

// Shutdown bundles the policy with the forced-mode timeout.
type Shutdown struct {
	Policy  ShutdownPolicy
	Timeout time.Duration
}
