package servicebus

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	berr "github.com/next-trace/scg-rabbit-bus/contract/errors"
)

// Catalog maps event names to the Go types payloads are decoded into.
// Entries are never removed; a bus keeps its catalog for its whole lifetime.
type Catalog struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{types: make(map[string]reflect.Type)}
}

// Add records t under name. Re-adding the same pair is a no-op; a different type under
// an existing name is rejected.
func (c *Catalog) Add(name string, t reflect.Type) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if have, ok := c.types[name]; ok {
		if have != t {
			return fmt.Errorf("catalog %s: have %s, got %s: %w", name, have, t, berr.ErrEventNameConflict)
		}

		return nil
	}

	c.types[name] = t

	return nil
}

// Lookup returns the type registered for name.
func (c *Catalog) Lookup(name string) (reflect.Type, bool) {
	c.mu.RLock()
	t, ok := c.types[name]
	c.mu.RUnlock()

	return t, ok
}

// Names returns the catalogued event names in no particular order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.types))
	for n := range c.types {
		out = append(out, n)
	}

	return out
}

// Decode builds a value of the type registered for name from data.
// Pointer types receive a pointer to a freshly decoded value.
func (c *Catalog) Decode(codec Codec, name string, data []byte) (any, error) {
	t, ok := c.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("decode %s: unknown event type: %w", name, berr.ErrDecodeFailed)
	}

	if t.Kind() == reflect.Ptr {
		ptr := reflect.New(t.Elem())
		if err := codec.Decode(data, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, errors.Join(berr.ErrDecodeFailed, err))
		}

		return ptr.Interface(), nil
	}

	ptr := reflect.New(t)
	if err := codec.Decode(data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, errors.Join(berr.ErrDecodeFailed, err))
	}

	return ptr.Elem().Interface(), nil
}
