package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler processes the payload of one stored message.
type Handler func(ctx context.Context, data []byte) error

// Registry maps a data type to its handler. Registrations happen at startup.
type Registry struct {
	mtx      sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register stores handler for dataType, replacing any previous one.
func (r *Registry) Register(dataType string, handler Handler) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.handlers[dataType] = handler
}

func (r *Registry) Lookup(dataType string) (Handler, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	handler, ok := r.handlers[dataType]
	return handler, ok
}

// Dispatch runs the handler for dataType. A missing handler is permanent.
func (r *Registry) Dispatch(ctx context.Context, dataType string, data []byte) error {
	handler, ok := r.Lookup(dataType)
	if !ok {
		return Permanent(fmt.Errorf("%w for %q", ErrNoHandler, dataType))
	}
	return handler(ctx, data)
}

func (r *Registry) DataTypes() []string {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for dataType := range r.handlers {
		types = append(types, dataType)
	}
	sort.Strings(types)
	return types
}

// Typed adapts a handler of a concrete payload type. Payloads that fail to
// decode are validation errors.
func Typed[T any](fn func(ctx context.Context, payload T) error) Handler {
	return func(ctx context.Context, data []byte) error {
		var payload T
		if err := json.Unmarshal(data, &payload); err != nil {
			return Invalid("decode %T: %v", payload, err)
		}
		return fn(ctx, payload)
	}
}
