package bus

import "reflect"

// Event is a broadcast message with zero or more handlers and no reply path.
type Event interface{}

// Named lets a message choose its wire name instead of its Go type name.
// The name is also the queue name, so it must be stable and unique per bus.
type Named interface {
	MessageName() string
}

// NameOf returns the wire name of a message: MessageName when implemented,
// otherwise the Go type name with pointers dereferenced.
func NameOf(v any) string {
	if n, ok := v.(Named); ok {
		return n.MessageName()
	}

	return TypeName(reflect.TypeOf(v))
}

// TypeName returns the bare name of t with pointers dereferenced.
// Unnamed types fall back to their string form.
func TypeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}

	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	name := t.Name()
	if name == "" {
		name = t.String()
	}

	return name
}
