package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/codecollab/backend/internal/db"
	"github.com/manpreetbhatti/codecollab/backend/internal/model"
	"github.com/manpreetbhatti/codecollab/backend/internal/protocol"
	"github.com/manpreetbhatti/codecollab/backend/internal/store"
)

// Simulates a live connection for testing
type MockConn struct {
	id       string
	fail     bool
	received [][]byte
	closed   bool
	mu       sync.Mutex
}

func NewMockConn(id string) *MockConn {
	return &MockConn{id: id}
}

func (m *MockConn) ID() string { return m.id }

func (m *MockConn) Send(msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("connection reset")
	}
	m.received = append(m.received, msg)
	return nil
}

func (m *MockConn) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *MockConn) GetReceived() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]byte, len(m.received))
	copy(result, m.received)
	return result
}

func (m *MockConn) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func setupHub(t *testing.T) (*store.Store, *Hub) {
	t.Helper()
	st := store.New(db.NewMemory())
	return st, NewHub(st)
}

func createSession(t *testing.T, st *store.Store, id string) {
	t.Helper()
	_, err := st.CreateSession(context.Background(), &model.Session{
		ID:        id,
		Code:      model.DefaultCode,
		Language:  model.DefaultLanguage,
		Users:     []model.User{},
		CreatedAt: model.NowMillis(),
	})
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
}

func TestHubConnectDisconnect(t *testing.T) {
	st, hub := setupHub(t)
	createSession(t, st, "room0001")

	c1 := NewMockConn("c1")
	c2 := NewMockConn("c2")
	hub.Connect(c1, "room0001")
	hub.Connect(c2, "room0001")

	assert.Equal(t, hub.ConnectionCount("room0001"), 2)
	assert.Equal(t, hub.SessionCount(), 1)
	assert.Equal(t, st.Registry().Count("room0001"), 1)

	hub.Disconnect(c1, "room0001")
	hub.Disconnect(c1, "room0001")
	assert.Equal(t, hub.ConnectionCount("room0001"), 1)

	hub.Disconnect(c2, "room0001")
	assert.Equal(t, hub.SessionCount(), 0)
	assert.Equal(t, st.Registry().Count("room0001"), 0)
}

func TestHubBroadcastPrunesFailedConnections(t *testing.T) {
	_, hub := setupHub(t)

	good1 := NewMockConn("good1")
	bad := NewMockConn("bad")
	bad.fail = true
	good2 := NewMockConn("good2")
	for _, c := range []*MockConn{good1, bad, good2} {
		hub.Connect(c, "room0002")
	}

	delivered := hub.Broadcast("room0002", []byte("first"))
	assert.Equal(t, delivered, 2)
	assert.Equal(t, hub.ConnectionCount("room0002"), 2)
	assert.Equal(t, bad.IsClosed(), true)

	bad.mu.Lock()
	bad.fail = false
	bad.mu.Unlock()
	hub.Broadcast("room0002", []byte("second"))

	assert.Equal(t, len(good1.GetReceived()), 2)
	assert.Equal(t, len(good2.GetReceived()), 2)
	assert.Equal(t, len(bad.GetReceived()), 0)
}

func TestHubBroadcastIsolatesSessions(t *testing.T) {
	_, hub := setupHub(t)
	a := NewMockConn("a")
	b := NewMockConn("b")
	hub.Connect(a, "room-a")
	hub.Connect(b, "room-b")

	hub.Broadcast("room-a", []byte("only a"))
	assert.Equal(t, len(a.GetReceived()), 1)
	assert.Equal(t, len(b.GetReceived()), 0)
	assert.Equal(t, hub.Broadcast("nobody", []byte("x")), 0)
}

func TestHubLastPruneUnsubscribes(t *testing.T) {
	st, hub := setupHub(t)
	bad := NewMockConn("bad")
	bad.fail = true
	hub.Connect(bad, "room0003")

	hub.Broadcast("room0003", []byte("x"))
	assert.Equal(t, hub.SessionCount(), 0)
	assert.Equal(t, st.Registry().Count("room0003"), 0)
}

func TestHubCloseSession(t *testing.T) {
	st, hub := setupHub(t)
	c1 := NewMockConn("c1")
	c2 := NewMockConn("c2")
	hub.Connect(c1, "room0004")
	hub.Connect(c2, "room0004")

	hub.CloseSession("room0004")
	assert.Equal(t, c1.IsClosed(), true)
	assert.Equal(t, c2.IsClosed(), true)
	assert.Equal(t, hub.ClientCount(), 0)
	assert.Equal(t, st.Registry().Count("room0004"), 0)

	hub.CloseSession("room0004")
}

func TestStoreUpdatesReachEveryConnectionOnce(t *testing.T) {
	st, hub := setupHub(t)
	createSession(t, st, "room0005")
	ctx := context.Background()

	conns := []*MockConn{NewMockConn("c1"), NewMockConn("c2"), NewMockConn("c3")}
	for _, c := range conns {
		hub.Connect(c, "room0005")
	}

	lang := "rust"
	if _, err := st.UpdateSession(ctx, "room0005", model.SessionPatch{Language: &lang}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	for _, c := range conns {
		received := c.GetReceived()
		if len(received) != 1 {
			t.Fatalf("Connection %s expected exactly 1 push, got %d", c.ID(), len(received))
		}
		var env struct {
			Event string        `json:"event"`
			Data  model.Session `json:"data"`
		}
		json.Unmarshal(received[0], &env)
		assert.Equal(t, env.Event, protocol.EventSessionUpdate)
		assert.Equal(t, env.Data.Language, "rust")
	}
}

func languageOf(t *testing.T, msg []byte) string {
	t.Helper()
	var env struct {
		Data model.Session `json:"data"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("Invalid push %q: %v", msg, err)
	}
	return env.Data.Language
}

func waitForFrames(conn *MockConn, n int) [][]byte {
	deadline := time.Now().Add(2 * time.Second)
	for len(conn.GetReceived()) < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return conn.GetReceived()
}

func TestListenerPushesCurrentState(t *testing.T) {
	st, hub := setupHub(t)
	createSession(t, st, "room0006")
	ctx := context.Background()

	stale, _ := st.GetSession(ctx, "room0006")
	conn := NewMockConn("c1")
	hub.Connect(conn, "room0006")

	lang := "go"
	st.UpdateSession(ctx, "room0006", model.SessionPatch{Language: &lang})

	// A notification carrying an older snapshot that shows up late
	l := &sessionListener{hub: hub, sessionID: "room0006"}
	if err := l.OnSessionUpdate(ctx, stale); err != nil {
		t.Fatalf("Listener failed: %v", err)
	}

	received := conn.GetReceived()
	assert.Equal(t, len(received), 2)
	assert.Equal(t, languageOf(t, received[1]), "go")
}

// lateCommitSource returns the state it read only after commit has landed
// a newer one, the first time it is armed.
type lateCommitSource struct {
	*store.Store
	armed  atomic.Bool
	commit func()
}

func (s *lateCommitSource) GetSession(ctx context.Context, id string) (*model.Session, error) {
	sess, err := s.Store.GetSession(ctx, id)
	if s.armed.CompareAndSwap(true, false) {
		s.commit()
	}
	return sess, err
}

func TestAttachInitialPushNeverFollowsNewerState(t *testing.T) {
	st := store.New(db.NewMemory())
	createSession(t, st, "race0001")
	ctx := context.Background()

	lang := "python"
	src := &lateCommitSource{Store: st}
	src.commit = func() {
		// The writer's notification blocks behind the attach, so it runs
		// in its own goroutine; wait only for the commit itself.
		go st.UpdateSession(ctx, "race0001", model.SessionPatch{Language: &lang})
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if cur, _ := st.GetSession(ctx, "race0001"); cur != nil && cur.Language == lang {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}
	src.armed.Store(true)

	hub := NewHub(src)
	conn := NewMockConn("c1")
	if err := hub.Attach(ctx, conn, "race0001"); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	received := waitForFrames(conn, 2)
	if len(received) < 2 {
		t.Fatalf("Expected the initial push and the update, got %d frames", len(received))
	}
	assert.Equal(t, languageOf(t, received[0]), model.DefaultLanguage)
	assert.Equal(t, languageOf(t, received[len(received)-1]), "python")
}

func TestAttachFailuresLeaveNothingRegistered(t *testing.T) {
	st, hub := setupHub(t)
	createSession(t, st, "room0007")
	ctx := context.Background()

	dead := NewMockConn("dead")
	dead.fail = true
	if err := hub.Attach(ctx, dead, "room0007"); err == nil {
		t.Fatal("Expected the failed initial push to be reported")
	}
	assert.Equal(t, hub.ConnectionCount("room0007"), 0)
	assert.Equal(t, st.Registry().Count("room0007"), 0)

	err := hub.Attach(ctx, NewMockConn("c1"), "missing0")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	assert.Equal(t, hub.SessionCount(), 0)

	live := NewMockConn("live")
	if err := hub.Attach(ctx, live, "room0007"); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	assert.Equal(t, hub.ConnectionCount("room0007"), 1)
	assert.Equal(t, len(live.GetReceived()), 1)
}

func TestClientSendAfterClose(t *testing.T) {
	c := &Client{send: make(chan []byte, 1), done: make(chan struct{}), clientID: "x"}

	if err := c.Send([]byte("a")); err != nil {
		t.Fatalf("First send should be queued: %v", err)
	}
	if err := c.Send([]byte("b")); !errors.Is(err, errSendBufferFull) {
		t.Errorf("Expected errSendBufferFull, got %v", err)
	}
	c.Close()
	c.Close()
	if err := c.Send([]byte("c")); !errors.Is(err, errClientClosed) {
		t.Errorf("Expected errClientClosed, got %v", err)
	}
}

func newWsServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := strings.TrimPrefix(r.URL.Path, "/ws/")
		ServeWs(hub, w, r, sessionID)
	}))
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Invalid JSON %q: %v", data, err)
	}
	return out
}

func TestServeWsUnknownSession(t *testing.T) {
	_, hub := setupHub(t)
	server := newWsServer(t, hub)

	conn := dial(t, server, "missing0")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()

	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("Expected close error, got %v", err)
	}
	assert.Equal(t, closeErr.Code, websocket.ClosePolicyViolation)
	assert.Equal(t, closeErr.Text, "Session not found")
}

func TestServeWsInitialPushAndPing(t *testing.T) {
	st, hub := setupHub(t)
	createSession(t, st, "live0001")
	server := newWsServer(t, hub)

	conn := dial(t, server, "live0001")
	initial := readEnvelope(t, conn)
	assert.Equal(t, initial["event"], "session_update")
	assert.Equal(t, initial["data"].(map[string]any)["id"], "live0001")

	conn.WriteMessage(websocket.TextMessage, []byte("garbage"))
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
	pong := readEnvelope(t, conn)
	assert.Equal(t, pong["type"], "pong")
}

func TestTwoConnectionsReceiveLanguageUpdate(t *testing.T) {
	st, hub := setupHub(t)
	createSession(t, st, "live0002")
	server := newWsServer(t, hub)

	first := dial(t, server, "live0002")
	second := dial(t, server, "live0002")
	readEnvelope(t, first)
	readEnvelope(t, second)

	// Both connections must be registered before the update
	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnectionCount("live0002") < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	lang := "python"
	st.UpdateSession(context.Background(), "live0002", model.SessionPatch{Language: &lang})

	for _, conn := range []*websocket.Conn{first, second} {
		push := readEnvelope(t, conn)
		assert.Equal(t, push["event"], "session_update")
		assert.Equal(t, push["data"].(map[string]any)["language"], "python")
	}
}

func TestDisconnectedClientIsForgotten(t *testing.T) {
	st, hub := setupHub(t)
	createSession(t, st, "live0003")
	server := newWsServer(t, hub)

	conn := dial(t, server, "live0003")
	readEnvelope(t, conn)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnectionCount("live0003") > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, hub.ConnectionCount("live0003"), 0)
	assert.Equal(t, st.Registry().Count("live0003"), 0)
}
