package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"marketd/internal/system"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// pushInterval paces session delta broadcasts.
	pushInterval = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The control API already allows any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client represents a single WebSocket connection managed by a Hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub manages the WebSocket clients subscribed to the session delta feed and
// broadcasts a snapshot of new bars on every push tick.
type Hub struct {
	mgr *system.Manager
	log *slog.Logger

	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
}

// NewHub creates a Hub with initialised channels and client map.
func NewHub(mgr *system.Manager, log *slog.Logger) *Hub {
	return &Hub{
		mgr:        mgr,
		log:        log.With("component", "ws_hub"),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run drives the hub event loop and the delta pusher. It returns when the
// context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case message := <-h.broadcast:
			h.send(message)
		case <-ticker.C:
			h.pushDelta()
		}
	}
}

func (h *Hub) send(message []byte) {
	for client := range h.clients {
		select {
		case client.send <- message:
		default:
			// Slow consumer: drop the connection rather than block the hub.
			close(client.send)
			delete(h.clients, client)
		}
	}
}

// pushDelta exports bars appended since the last push and broadcasts them.
// The delta cursor only advances when someone is listening.
func (h *Hub) pushDelta() {
	if len(h.clients) == 0 {
		return
	}
	sd := h.mgr.SessionData()
	if sd == nil {
		return
	}
	snap := sd.ExportDelta(time.Now())
	if len(snap.Symbols) == 0 {
		return
	}
	msg, err := json.Marshal(snap)
	if err != nil {
		h.log.Error("marshaling delta snapshot", "error", err)
		return
	}
	h.send(msg)
}

// HandleWebSocket upgrades the connection and registers the client. The
// first message is a full status snapshot; deltas follow.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := &Client{hub: h, conn: conn, send: make(chan []byte, 16)}

	if sd := h.mgr.SessionData(); sd != nil {
		if msg, err := json.Marshal(sd.ExportStatus(time.Now())); err == nil {
			client.send <- msg
		}
	}

	h.register <- client
	go client.writePump()
	go client.readPump()
}

// readPump discards inbound messages and unregisters on close.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump forwards queued messages and keeps the connection alive with
// pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
