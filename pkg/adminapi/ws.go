package adminapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/commatea/serialfleet/pkg/devicemgr"
)

// wsEvent is the wire shape of one devicemgr.Event pushed to clients.
type wsEvent struct {
	Kind     string `json:"kind"`
	DeviceID string `json:"deviceId"`
}

// wsHub fans devicemgr events out to every connected client, in the
// shape of the teacher's pkg/api/ws.Server narrowed to a single
// broadcast-only topic - there is nothing here for a client to
// subscribe to or send, so readPump exists only to notice disconnects.
type wsHub struct {
	mu        sync.Mutex
	clients   map[*wsClient]struct{}
	upgrader  websocket.Upgrader
	pingEvery time.Duration
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newWSHub(pingEvery time.Duration) *wsHub {
	return &wsHub{
		clients:   make(map[*wsClient]struct{}),
		pingEvery: pingEvery,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *wsHub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, 64)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

func (h *wsHub) readPump(c *wsClient) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *wsHub) writePump(c *wsClient) {
	ticker := time.NewTicker(h.pingEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *wsHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *wsHub) broadcast(ev devicemgr.Event) {
	payload, err := json.Marshal(wsEvent{Kind: ev.Kind.String(), DeviceID: ev.DeviceID})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
		}
	}
}

func (h *wsHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close()
	}
}
