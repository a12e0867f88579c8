package ws

import (
	"context"
	"log"
	"sync"

	"github.com/manpreetbhatti/codecollab/backend/internal/model"
	"github.com/manpreetbhatti/codecollab/backend/internal/protocol"
	"github.com/manpreetbhatti/codecollab/backend/internal/store"
)

// Conn is a live connection the hub can push to.
type Conn interface {
	ID() string
	// Send queues msg for delivery. An error marks the connection dead.
	Send(msg []byte) error
	Close()
}

// SessionSource is the slice of the session store the hub relies on.
type SessionSource interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
	Subscribe(sessionID string, l store.Listener) *store.Subscription
}

type sessionConns struct {
	conns map[string]Conn
	sub   *store.Subscription

	// deliver orders every frame queued to this session's connections.
	// Taken before mu, never after.
	deliver sync.Mutex
}

// Hub tracks live connections per session and fans session updates out to
// them. Connections of a session share one session listener, so a session
// with at least one connection holds exactly one store subscription; it is
// dropped with the last connection.
type Hub struct {
	src      SessionSource
	sessions map[string]*sessionConns
	mu       sync.RWMutex
}

func NewHub(src SessionSource) *Hub {
	return &Hub{
		src:      src,
		sessions: make(map[string]*sessionConns),
	}
}

// sessionListener pushes every committed update of one session.
type sessionListener struct {
	hub       *Hub
	sessionID string
}

// OnSessionUpdate ignores the snapshot it was handed and pushes the state
// read under the delivery lock instead. Notifications from concurrent
// writers can arrive in any order; reading at send time keeps the last
// frame a connection gets equal to the last committed state.
func (l *sessionListener) OnSessionUpdate(ctx context.Context, _ *model.Session) error {
	return l.hub.publish(ctx, l.sessionID)
}

func (h *Hub) Connect(conn Conn, sessionID string) {
	h.connect(conn, sessionID)
}

func (h *Hub) connect(conn Conn, sessionID string) *sessionConns {
	h.mu.Lock()
	entry, ok := h.sessions[sessionID]
	if !ok {
		entry = &sessionConns{conns: make(map[string]Conn)}
		entry.sub = h.src.Subscribe(sessionID, &sessionListener{hub: h, sessionID: sessionID})
		h.sessions[sessionID] = entry
	}
	entry.conns[conn.ID()] = conn
	count := len(entry.conns)
	h.mu.Unlock()

	log.Printf("Client %s joined session %s (total: %d)", conn.ID(), sessionID, count)
	return entry
}

// Attach registers conn and queues the current session state as its first
// frame. No broadcast can reach conn between the snapshot read and that
// first frame. On error conn is already unregistered; a session that no
// longer exists yields store.ErrNotFound.
func (h *Hub) Attach(ctx context.Context, conn Conn, sessionID string) error {
	entry := h.connect(conn, sessionID)

	entry.deliver.Lock()
	err := h.pushInitial(ctx, conn, sessionID)
	entry.deliver.Unlock()

	if err != nil {
		h.Disconnect(conn, sessionID)
	}
	return err
}

func (h *Hub) pushInitial(ctx context.Context, conn Conn, sessionID string) error {
	sess, err := h.src.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return store.ErrNotFound
	}
	msg, err := protocol.SessionUpdate(sess)
	if err != nil {
		return err
	}
	return conn.Send(msg)
}

// publish reads the session and delivers it while holding the delivery
// lock, so frames leave in the order the reads observed commits.
func (h *Hub) publish(ctx context.Context, sessionID string) error {
	entry := h.entry(sessionID)
	if entry == nil {
		return nil
	}
	entry.deliver.Lock()
	defer entry.deliver.Unlock()

	sess, err := h.src.GetSession(ctx, sessionID)
	if err != nil || sess == nil {
		return err
	}
	msg, err := protocol.SessionUpdate(sess)
	if err != nil {
		return err
	}
	h.deliverLocked(sessionID, entry, msg)
	return nil
}

func (h *Hub) entry(sessionID string) *sessionConns {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[sessionID]
}

func (h *Hub) Disconnect(conn Conn, sessionID string) {
	h.mu.Lock()
	removed, remaining, sub := h.removeLocked(sessionID, conn.ID())
	h.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if !removed {
		return
	}
	if remaining == 0 {
		log.Printf("Session %s has no live clients", sessionID)
	} else {
		log.Printf("Client %s left session %s (remaining: %d)", conn.ID(), sessionID, remaining)
	}
}

// removeLocked drops one connection. When it was the last, the session
// entry goes too and its subscription is returned for the caller to
// cancel outside the lock.
func (h *Hub) removeLocked(sessionID, connID string) (removed bool, remaining int, sub *store.Subscription) {
	entry, ok := h.sessions[sessionID]
	if !ok {
		return false, 0, nil
	}
	if _, ok := entry.conns[connID]; !ok {
		return false, len(entry.conns), nil
	}
	delete(entry.conns, connID)
	if len(entry.conns) == 0 {
		delete(h.sessions, sessionID)
		return true, 0, entry.sub
	}
	return true, len(entry.conns), nil
}

// Broadcast sends msg to every connection of the session. Connections whose
// delivery fails are closed and removed before Broadcast returns; the rest
// still get the message. It returns the number of successful deliveries.
func (h *Hub) Broadcast(sessionID string, msg []byte) int {
	entry := h.entry(sessionID)
	if entry == nil {
		return 0
	}
	entry.deliver.Lock()
	defer entry.deliver.Unlock()
	return h.deliverLocked(sessionID, entry, msg)
}

// deliverLocked does the work of Broadcast. The caller holds entry.deliver.
func (h *Hub) deliverLocked(sessionID string, entry *sessionConns, msg []byte) int {
	h.mu.RLock()
	targets := make([]Conn, 0, len(entry.conns))
	for _, c := range entry.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	var dead []Conn
	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			log.Printf("⚠️ Dropping client %s in session %s: %v", c.ID(), sessionID, err)
			dead = append(dead, c)
			continue
		}
		delivered++
	}

	for _, c := range dead {
		h.mu.Lock()
		_, _, sub := h.removeLocked(sessionID, c.ID())
		h.mu.Unlock()
		if sub != nil {
			sub.Unsubscribe()
		}
		c.Close()
	}
	return delivered
}

// CloseSession closes and forgets every connection of a session.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	entry, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()

	if !ok {
		return
	}
	entry.sub.Unsubscribe()
	for _, c := range entry.conns {
		c.Close()
	}
	log.Printf("Session %s closed (%d clients dropped)", sessionID, len(entry.conns))
}

func (h *Hub) ConnectionCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if entry, ok := h.sessions[sessionID]; ok {
		return len(entry.conns)
	}
	return 0
}

func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, entry := range h.sessions {
		total += len(entry.conns)
	}
	return total
}
