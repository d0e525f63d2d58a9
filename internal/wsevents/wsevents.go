// Package wsevents broadcasts live dashboard events over WebSocket,
// adapted from the teacher's orchestrator/websocket.go EventHub/wsClient
// read-write-pump pattern. The event set is expanded from the teacher's
// mesh-node-centric events (node registered/status) to the mesh's task
// and cluster lifecycle: task routed/completed/failed, peer
// discovered/lost, and a periodic stats snapshot.
package wsevents

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// EventType identifies the shape of an Event's Payload.
type EventType string

const (
	EventTaskRouted     EventType = "task_routed"
	EventTaskCompleted  EventType = "task_completed"
	EventTaskFailed     EventType = "task_failed"
	EventPeerDiscovered EventType = "peer_discovered"
	EventPeerLost       EventType = "peer_lost"
	EventStats          EventType = "stats"
)

// Event is the envelope sent to every connected dashboard client.
type Event struct {
	Type      EventType `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fans Events out to every connected WebSocket client, matching the
// teacher's EventHub: a registration channel, an unregister channel, a
// broadcast channel, and a clients set guarded by the hub's own
// goroutine rather than a mutex.
type Hub struct {
	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	broadcast  chan Event

	upgrader websocket.Upgrader
}

type client struct {
	conn *websocket.Conn
	send chan Event
}

// NewHub constructs a Hub; call Run in a goroutine to start its loop.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Event, 64),
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// Run processes registrations and broadcasts until done is closed.
func (h *Hub) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case ev := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- ev:
				default:
					// slow consumer: drop rather than block the hub loop
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

func (h *Hub) emit(t EventType, payload any) {
	select {
	case h.broadcast <- Event{Type: t, Payload: payload, Timestamp: time.Now()}:
	default:
		log.Warn().Str("event", string(t)).Msg("wsevents: broadcast channel full, dropping event")
	}
}

func (h *Hub) EmitTaskRouted(taskID, service string)   { h.emit(EventTaskRouted, map[string]string{"task_id": taskID, "service": service}) }
func (h *Hub) EmitTaskCompleted(taskID string)         { h.emit(EventTaskCompleted, map[string]string{"task_id": taskID}) }
func (h *Hub) EmitTaskFailed(taskID, reason string)    { h.emit(EventTaskFailed, map[string]string{"task_id": taskID, "reason": reason}) }
func (h *Hub) EmitPeerDiscovered(nodeID string)        { h.emit(EventPeerDiscovered, map[string]string{"node_id": nodeID}) }
func (h *Hub) EmitPeerLost(nodeID string)              { h.emit(EventPeerLost, map[string]string{"node_id": nodeID}) }
func (h *Hub) EmitStats(stats any)                     { h.emit(EventStats, stats) }

// ServeWS upgrades an HTTP connection to a WebSocket and pumps broadcast
// events to it until the connection closes, matching the teacher's
// per-connection read/write pump goroutines.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("wsevents: upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan Event, 16)}
	h.register <- c

	go c.readPump(h)
	go c.writePump()
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
