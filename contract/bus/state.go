package bus

// SubscriptionState is the lifecycle state of the consumer bound to one queue.
type SubscriptionState int

const (
	StateInactive SubscriptionState = iota
	StateSubscribing
	StateActive
	StateFaulted
	StateClosed
)

func (s SubscriptionState) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateFaulted:
		return "faulted"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
