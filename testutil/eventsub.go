package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// EventSubServer is a scripted stand-in for wss://eventsub.wss.twitch.tv/ws. Each
// accepted socket is delivered on Conns; the test drives it frame by frame.
type EventSubServer struct {
	*httptest.Server
	Conns chan *EventSubConn

	mu       sync.Mutex
	accepted int
}

// EventSubConn is one accepted client socket.
type EventSubConn struct {
	Path   string
	conn   *websocket.Conn
	closed chan struct{}
	wmu    sync.Mutex
}

func NewEventSubServer(t *testing.T) *EventSubServer {
	t.Helper()
	s := &EventSubServer{Conns: make(chan *EventSubConn, 16)}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ec := &EventSubConn{Path: r.URL.Path, conn: c, closed: make(chan struct{})}
		s.mu.Lock()
		s.accepted++
		s.mu.Unlock()
		s.Conns <- ec
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				close(ec.closed)
				return
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

// WSURL is the socket URL for path (e.g. "/ws").
func (s *EventSubServer) WSURL(path string) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + path
}

// Accepted counts sockets accepted so far.
func (s *EventSubServer) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Next waits for the next accepted socket.
func (s *EventSubServer) Next(t *testing.T) *EventSubConn {
	t.Helper()
	select {
	case c := <-s.Conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for eventsub connection")
		return nil
	}
}

func (c *EventSubConn) Send(v interface{}) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *EventSubConn) SendWelcome(sessionID string, keepaliveSeconds int) error {
	return c.Send(Frame("session_welcome", map[string]interface{}{
		"session": map[string]interface{}{
			"id":                        sessionID,
			"status":                    "connected",
			"connected_at":              time.Now().UTC().Format(time.RFC3339Nano),
			"keepalive_timeout_seconds": keepaliveSeconds,
			"reconnect_url":             nil,
		},
	}))
}

func (c *EventSubConn) SendKeepalive() error {
	return c.Send(Frame("session_keepalive", map[string]interface{}{}))
}

func (c *EventSubConn) SendReconnect(sessionID, reconnectURL string) error {
	return c.Send(Frame("session_reconnect", map[string]interface{}{
		"session": map[string]interface{}{
			"id":                        sessionID,
			"status":                    "reconnecting",
			"keepalive_timeout_seconds": nil,
			"reconnect_url":             reconnectURL,
		},
	}))
}

// SendNotification sends a notification frame for subType carrying event.
func (c *EventSubConn) SendNotification(subType string, event map[string]interface{}) error {
	f := Frame("notification", map[string]interface{}{
		"subscription": map[string]interface{}{
			"id":      uuid.NewString(),
			"type":    subType,
			"version": "1",
			"status":  "enabled",
		},
		"event": event,
	})
	md := f["metadata"].(map[string]interface{})
	md["subscription_type"] = subType
	md["subscription_version"] = "1"
	return c.Send(f)
}

func (c *EventSubConn) SendRevocation(subType, status string) error {
	return c.Send(Frame("revocation", map[string]interface{}{
		"subscription": map[string]interface{}{"id": uuid.NewString(), "type": subType, "version": "1", "status": status},
	}))
}

// Close drops the socket without a close handshake.
func (c *EventSubConn) Close() error { return c.conn.Close() }

// Closed is closed once the client side goes away.
func (c *EventSubConn) Closed() <-chan struct{} { return c.closed }

// Frame builds an EventSub websocket message envelope.
func Frame(messageType string, payload map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"metadata": map[string]interface{}{
			"message_id":        uuid.NewString(),
			"message_type":      messageType,
			"message_timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		},
		"payload": payload,
	}
}
