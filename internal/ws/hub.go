// Package ws streams daemon events to local observers. Components broadcast
// JSON through the hub and every connected client receives it. Clients are
// read-only; anything they send is discarded. Ping/pong keepalives clean up
// stale connections.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Hub manages observer connections and fans out broadcast messages to all of
// them. Register, unregister, and broadcast all go through channels.
type Hub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	count      chan chan int
	upgrader   websocket.Upgrader
	log        zerolog.Logger

	// greet produces the messages a new client receives before any broadcast.
	greet func() []any
}

// NewHub allocates a hub. Call Run in a goroutine to start the event loop.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn, 16),
		unregister: make(chan *websocket.Conn, 16),
		broadcast:  make(chan []byte, 256),
		count:      make(chan chan int),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: log,
	}
}

// OnConnect sets a function whose results are sent to each new client right
// after it connects, so observers start from current state.
func (h *Hub) OnConnect(fn func() []any) {
	h.greet = fn
}

// Run processes registrations, broadcasts, and keepalive pings in one select
// loop. It closes all clients when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				_ = c.Close()
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			if h.greet != nil {
				for _, v := range h.greet() {
					b, err := json.Marshal(v)
					if err != nil {
						continue
					}
					if !h.send(c, websocket.TextMessage, b) {
						break
					}
				}
			}

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				_ = c.Close()
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				h.send(c, websocket.TextMessage, msg)
			}

		case reply := <-h.count:
			reply <- len(h.clients)

		case <-ping.C:
			for c := range h.clients {
				h.send(c, websocket.PingMessage, nil)
			}
		}
	}
}

// send writes one message and drops the client on failure.
func (h *Hub) send(c *websocket.Conn, kind int, msg []byte) bool {
	_ = c.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if err := c.WriteMessage(kind, msg); err != nil {
		h.log.Debug().Err(err).Msg("dropping observer")
		delete(h.clients, c)
		_ = c.Close()
		return false
	}
	return true
}

// Clients returns the number of connected observers. Run must be running.
func (h *Hub) Clients(ctx context.Context) int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-ctx.Done():
		return 0
	}
}

// Handler upgrades incoming requests and registers them with the hub.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.register <- conn

		go func() {
			defer func() { h.unregister <- conn }()
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			conn.SetPongHandler(func(string) error {
				_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
				return nil
			})

			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})
}

// BroadcastJSON marshals v and queues it for every client. A full queue
// drops the message rather than block the caller.
func (h *Hub) BroadcastJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		h.log.Warn().Err(err).Msg("broadcast marshal failed")
		return
	}
	select {
	case h.broadcast <- b:
	default:
		h.log.Debug().Msg("broadcast queue full, dropping event")
	}
}
