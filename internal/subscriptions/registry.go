// Package subscriptions implements the key -> subscriber-sinks registry: a
// map-of-sets keyed by subscribed key, with a snapshot-on-find discipline so
// fan-out never performs blocking sink writes while holding the registry
// mutex.
package subscriptions

import "sync"

// Sink is an opaque handle identifying a client's notification stream. The
// session package supplies the concrete type; the registry only needs
// equality and a stable identity to key its inner sets on.
type Sink interface {
	// SinkID returns a value usable as a map key, stable for the sink's
	// lifetime.
	SinkID() any
}

// Registry is the key -> subscriber-sinks map, protected by a single mutex.
type Registry struct {
	mu      sync.Mutex
	byKey   map[string]map[any]Sink
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{byKey: make(map[string]map[any]Sink)}
}

// Add registers sink for notifications on key. Idempotent per (key, sink).
func (r *Registry) Add(key string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byKey[key]
	if !ok {
		set = make(map[any]Sink)
		r.byKey[key] = set
	}
	set[sink.SinkID()] = sink
}

// Remove drops exactly one (key, sink) subscription. No-op if absent. A
// session unsubscribing (or disconnecting) removes only its own
// subscription, never another session's.
func (r *Registry) Remove(key string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byKey[key]
	if !ok {
		return
	}
	delete(set, sink.SinkID())
	if len(set) == 0 {
		delete(r.byKey, key)
	}
}

// RemoveKey drops the entire subscriber list for key. Called on DELETE of
// that key: once a key is gone, notifying its former subscribers about
// anything further makes no sense.
func (r *Registry) RemoveKey(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byKey, key)
}

// Find returns a snapshot slice of the sinks subscribed to key, so fan-out
// can perform blocking writes to sinks without holding the registry mutex.
func (r *Registry) Find(key string) []Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byKey[key]
	if !ok {
		return nil
	}
	out := make([]Sink, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// Cleanup purges the whole registry. Invoked by the control signal handler.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey = make(map[string]map[any]Sink)
}

// Count returns the number of distinct keys with at least one subscriber,
// exposed for the admin/metrics surface.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey)
}
