package ws

import (
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/manpreetbhatti/codecollab/backend/internal/protocol"
	"github.com/manpreetbhatti/codecollab/backend/internal/ratelimit"
	"github.com/manpreetbhatti/codecollab/backend/internal/store"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 64 * 1024
	sendBufferSize    = 256
	messagesPerSecond = 20
	messageBurst      = 40
)

var (
	errClientClosed   = errors.New("client closed")
	errSendBufferFull = errors.New("send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is a gorilla websocket connection attached to one session.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	sessionID   string
	rateLimiter *ratelimit.Limiter
	clientID    string
}

func newClient(hub *Hub, conn *websocket.Conn, sessionID string) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
		sessionID:   sessionID,
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
		clientID:    ulid.Make().String(),
	}
}

func (c *Client) ID() string {
	return c.clientID
}

// Send queues msg without blocking. A full buffer means the peer is not
// keeping up and counts as a failed delivery.
func (c *Client) Send(msg []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return errSendBufferFull
	}
}

// Close stops the write pump, which sends a close frame and releases the
// socket. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// ServeWs upgrades the request and attaches it to sessionID. Unknown
// sessions are refused with a policy-violation close.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	ctx := r.Context()
	if sess, err := hub.src.GetSession(ctx, sessionID); err != nil || sess == nil {
		rejectConn(conn, err)
		return
	}

	client := newClient(hub, conn, sessionID)
	if err := hub.Attach(ctx, client, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			rejectConn(conn, nil)
			return
		}
		log.Printf("Failed to attach client to session %s: %v", sessionID, err)
		client.Close()
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func rejectConn(conn *websocket.Conn, err error) {
	if err != nil {
		log.Printf("WebSocket session lookup failed: %v", err)
	}
	closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Session not found")
	conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
	conn.Close()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Disconnect(c, c.sessionID)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				log.Printf("⚠️ Rate limit exceeded for client %s in session %s (warning #%d)",
					c.clientID, c.sessionID, rateLimitWarnings)
			}
			if rateLimitWarnings > 1000 {
				log.Printf("🚫 Disconnecting client %s for excessive rate limit violations", c.clientID)
				return
			}
			continue
		}

		// Anything other than a ping is ignored, malformed JSON included
		if reply := protocol.Reply(message); reply != nil {
			if err := c.Send(reply); err != nil {
				return
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
