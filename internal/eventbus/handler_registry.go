package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aras-services/api-gateway/internal/domain"
)

// Decoder turns a raw delivery body into the typed payload handlers
// expect, attached to the event before dispatch.
type Decoder func(raw []byte) (interface{}, error)

// HandlerRegistry is an explicit event-type → (decoder, handlers) map,
// replacing the source's reflective type search (Design Notes #1):
// decoders and handlers are both registered at startup, so dispatch
// never needs to discover a type at runtime.
type HandlerRegistry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
	handlers map[string][]Handler
}

// NewHandlerRegistry builds an empty registry. JSON-decoding into
// map[string]interface{} is the default decoder for any event type that
// registers a handler without an explicit one.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		decoders: make(map[string]Decoder),
		handlers: make(map[string][]Handler),
	}
}

// RegisterDecoder installs a typed decoder for eventType, used before
// dispatch so handlers never parse raw bytes themselves.
func (r *HandlerRegistry) RegisterDecoder(eventType string, decoder Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[eventType] = decoder
}

// Subscribe appends handler to eventType's dispatch list.
func (r *HandlerRegistry) Subscribe(eventType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = append(r.handlers[eventType], handler)
}

// Unsubscribe clears every handler registered for eventType.
func (r *HandlerRegistry) Unsubscribe(eventType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, eventType)
}

// HasHandlers reports whether eventType has at least one subscriber. A
// missing handler list means the delivery is abandoned/nacked without
// requeue, per spec.md §4.7.
func (r *HandlerRegistry) HasHandlers(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[eventType]) > 0
}

// Dispatch decodes raw once (the registered decoder for eventType, or
// the JSON-object default) and runs every subscribed handler for
// eventType in registration order under ctx's cancellation signal.
func (r *HandlerRegistry) Dispatch(ctx context.Context, event domain.IntegrationEvent, raw []byte) error {
	r.mu.RLock()
	decoder, hasDecoder := r.decoders[event.EventType]
	handlers := append([]Handler(nil), r.handlers[event.EventType]...)
	r.mu.RUnlock()

	if len(handlers) == 0 {
		return fmt.Errorf("eventbus: no handlers registered for event type %q", event.EventType)
	}

	if hasDecoder {
		payload, err := decoder(raw)
		if err != nil {
			return fmt.Errorf("eventbus: decode event type %q: %w", event.EventType, err)
		}
		if m, ok := payload.(map[string]interface{}); ok {
			event.Payload = m
		}
	} else if len(raw) > 0 {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err == nil {
			event.Payload = m
		}
	}

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			return err
		}
	}
	return nil
}
