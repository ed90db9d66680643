package bus

// Command is a marker interface for commands (intent to change state).
// A command must have exactly one handler; the bus checks this when sending.
type Command interface{}
