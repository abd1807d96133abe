package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/jiunbae/aily/internal/bus"
)

const (
	// maxStreamClients caps concurrent streaming connections; excess get 503.
	maxStreamClients = 50
	// pingInterval is the server keepalive cadence.
	pingInterval = 25 * time.Second
	// maxMissedPings before the connection is considered dead.
	maxMissedPings = 3
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser dashboards connect cross-origin through the reverse proxy;
	// auth is the bearer token, not the Origin header.
	CheckOrigin: func(*http.Request) bool { return true },
}

// clientFrame is a message from a streaming client.
type clientFrame struct {
	Type     string   `json:"type"`
	Sessions []string `json:"sessions"`
}

// wsHub tracks streaming clients and fans bus events out to them.
type wsHub struct {
	bus *bus.Bus

	mu      sync.Mutex
	clients map[*wsClient]bool
}

type wsClient struct {
	conn *websocket.Conn
	sub  *bus.Subscriber
	done chan struct{}
}

func newWSHub(b *bus.Bus) *wsHub {
	return &wsHub{bus: b, clients: make(map[*wsClient]bool)}
}

func (h *wsHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// handle upgrades the connection and runs the read/write pumps until the
// client leaves.
func (h *wsHub) handle(c *gin.Context) {
	h.mu.Lock()
	if len(h.clients) >= maxStreamClients {
		h.mu.Unlock()
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": gin.H{"code": "UNAVAILABLE", "message": "too many streaming clients"},
		})
		return
	}
	h.mu.Unlock()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("dashboard: ws upgrade: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		sub:  h.bus.Subscribe(nil, nil),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
		h.bus.Unsubscribe(client.sub)
		conn.Close()
	}()

	go h.writePump(client)
	h.readPump(client)
}

// readPump handles subscribe and ping frames from the client.
func (h *wsHub) readPump(client *wsClient) {
	defer close(client.done)
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue // malformed frames are ignored
		}
		switch frame.Type {
		case "ping":
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteJSON(map[string]string{"type": "pong"}); err != nil {
				return
			}
		case "subscribe":
			// Empty session set means all sessions.
			client.sub.SetSessionFilter(frame.Sessions)
		}
	}
}

// writePump forwards bus events to the client and keeps the connection
// alive with protocol pings. Three unacknowledged pings kill it.
func (h *wsHub) writePump(client *wsClient) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	missed := 0
	client.conn.SetPongHandler(func(string) error {
		missed = 0
		return nil
	})

	for {
		select {
		case <-client.done:
			return
		case ev, ok := <-client.sub.C:
			if !ok {
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			missed++
			if missed > maxMissedPings {
				log.Printf("dashboard: ws client dead after %d missed pings", maxMissedPings)
				client.conn.Close()
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drain closes every streaming client, bounded by ctx.
func (h *wsHub) drain(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		c.conn.Close()
	}

	deadline := time.NewTimer(time.Until(deadlineOr(ctx, time.Now().Add(time.Second))))
	defer deadline.Stop()
	for {
		h.mu.Lock()
		n := len(h.clients)
		h.mu.Unlock()
		if n == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func deadlineOr(ctx context.Context, fallback time.Time) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return fallback
}
