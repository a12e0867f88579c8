package store

import (
	"context"
	"sync"

	"github.com/manpreetbhatti/codecollab/backend/internal/model"
)

// Listener receives the committed session after every mutation.
// Implementations must be comparable (pointer receivers) since the
// registry keeps them in a set.
type Listener interface {
	OnSessionUpdate(ctx context.Context, s *model.Session) error
}

// ListenerFunc adapts a plain function. Wrap it with NewListener before
// subscribing; func values cannot be set members.
type ListenerFunc func(ctx context.Context, s *model.Session) error

type funcListener struct {
	fn ListenerFunc
}

func (l *funcListener) OnSessionUpdate(ctx context.Context, s *model.Session) error {
	return l.fn(ctx, s)
}

// NewListener returns a distinct listener handle for fn.
func NewListener(fn ListenerFunc) Listener {
	return &funcListener{fn: fn}
}

// Registry is the per-session set of listeners.
type Registry struct {
	mu        sync.RWMutex
	listeners map[string]map[Listener]uint64
	nextID    uint64
}

func NewRegistry() *Registry {
	return &Registry{listeners: make(map[string]map[Listener]uint64)}
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	registry  *Registry
	sessionID string
	listener  Listener
	id        uint64
	once      sync.Once
}

// Subscribe adds l to the session's set. Subscribing the same listener
// twice keeps one registration and both handles refer to it.
func (r *Registry) Subscribe(sessionID string, l Listener) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.listeners[sessionID]
	if set == nil {
		set = make(map[Listener]uint64)
		r.listeners[sessionID] = set
	}
	id, ok := set[l]
	if !ok {
		r.nextID++
		id = r.nextID
		set[l] = id
	}
	return &Subscription{registry: r, sessionID: sessionID, listener: l, id: id}
}

// Unsubscribe removes the registration this handle was issued for.
// Later calls are no-ops.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.registry.remove(s.sessionID, s.listener, s.id)
	})
}

func (r *Registry) remove(sessionID string, l Listener, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.listeners[sessionID]
	if !ok {
		return
	}
	// A re-subscription after Clear gets a new id and must survive
	if current, ok := set[l]; ok && current == id {
		delete(set, l)
	}
	if len(set) == 0 {
		delete(r.listeners, sessionID)
	}
}

// Listeners returns a snapshot of the session's listeners.
func (r *Registry) Listeners(sessionID string) []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.listeners[sessionID]
	out := make([]Listener, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	return out
}

// Clear drops every listener of a session.
func (r *Registry) Clear(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, sessionID)
}

// Count returns the number of listeners registered for a session.
func (r *Registry) Count(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[sessionID])
}
