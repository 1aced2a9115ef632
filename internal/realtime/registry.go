// ABOUTME: Per-topic listener registry with snapshot dispatch and handle-based removal.
// ABOUTME: One failing listener never prevents the rest from being invoked.

package realtime

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/skillswap/chat-client/internal/wire"
)

// registration is one listener entry. Removal is a tombstone so an
// in-progress dispatch snapshot stays valid.
type registration struct {
	id      string
	fn      func(any)
	removed bool
}

// Registry holds the listener sets for each topic. Listeners are invoked
// synchronously in registration order. Registrations and removals made while
// a dispatch is in progress take effect on the next dispatch, not the current
// one: Dispatch works from a snapshot taken under the lock.
type Registry struct {
	mu        sync.Mutex
	listeners map[wire.Topic][]*registration
	logger    *slog.Logger
}

// NewRegistry creates a registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		listeners: make(map[wire.Topic][]*registration),
		logger:    logger.With("component", "registry"),
	}
}

// Register appends fn to the topic's listener set and returns a handle that
// removes it. The handle is idempotent: invoking it more than once is a no-op.
// Neither registering nor unregistering blocks on delivery.
func (r *Registry) Register(topic wire.Topic, fn func(any)) func() {
	reg := &registration{
		id: uuid.New().String(),
		fn: fn,
	}

	r.mu.Lock()
	r.listeners[topic] = append(r.listeners[topic], reg)
	r.mu.Unlock()

	r.logger.Debug("listener added", "topic", topic, "listener_id", reg.id)

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		if reg.removed {
			return
		}
		reg.removed = true

		regs := r.listeners[topic]
		for i, candidate := range regs {
			if candidate == reg {
				r.listeners[topic] = append(regs[:i:i], regs[i+1:]...)
				break
			}
		}
		if len(r.listeners[topic]) == 0 {
			delete(r.listeners, topic)
		}

		r.logger.Debug("listener removed", "topic", topic, "listener_id", reg.id)
	}
}

// Dispatch invokes every listener currently registered for the topic, in
// registration order. A panicking listener is isolated and logged; delivery
// to the remaining listeners continues.
func (r *Registry) Dispatch(topic wire.Topic, payload any) {
	r.mu.Lock()
	snapshot := make([]*registration, len(r.listeners[topic]))
	copy(snapshot, r.listeners[topic])
	r.mu.Unlock()

	for _, reg := range snapshot {
		r.invoke(topic, reg, payload)
	}
}

// invoke runs one listener with panic isolation.
func (r *Registry) invoke(topic wire.Topic, reg *registration, payload any) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("listener panicked",
				"topic", topic,
				"listener_id", reg.id,
				"panic", rec,
			)
		}
	}()
	reg.fn(payload)
}

// Count returns the number of listeners registered for the topic.
func (r *Registry) Count(topic wire.Topic) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners[topic])
}
