// internal/socket/hub.go
package socket

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// client is one live websocket connection. Out is drained by the write
// pump; sends never block, a full channel drops the frame.
type client struct {
	id     string
	userID uuid.UUID
	out    chan []byte
	cancel func()
}

// envelope is the server-to-client frame shape.
type envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Stats is a snapshot of hub occupancy.
type Stats struct {
	Connections int            `json:"connections"`
	Users       int            `json:"users"`
	Rooms       int            `json:"rooms"`
	RoomSizes   map[string]int `json:"roomSizes"`
}

// Hub tracks connections per user and per room and fans events out to
// them. A user may hold several connections (tabs, devices); EmitToUser
// reaches all of them.
type Hub struct {
	mu     sync.RWMutex
	byUser map[uuid.UUID]map[*client]bool
	rooms  map[string]map[*client]bool
	byConn map[*client]map[string]bool

	log *logrus.Logger
}

// NewHub returns an empty hub.
func NewHub(log *logrus.Logger) *Hub {
	return &Hub{
		byUser: make(map[uuid.UUID]map[*client]bool),
		rooms:  make(map[string]map[*client]bool),
		byConn: make(map[*client]map[string]bool),
		log:    log,
	}
}

// register adds a fresh connection for the user and reports whether it is
// the user's first, the online presence edge.
func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	first := len(h.byUser[c.userID]) == 0
	if h.byUser[c.userID] == nil {
		h.byUser[c.userID] = make(map[*client]bool)
	}
	h.byUser[c.userID][c] = true
	h.byConn[c] = make(map[string]bool)
	return first
}

// unregister removes the connection from the user index and every room it
// had joined, and reports whether it was the user's last, the offline
// presence edge.
func (h *Hub) unregister(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.byConn[c] {
		delete(h.rooms[room], c)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(h.byConn, c)
	last := false
	if conns, ok := h.byUser[c.userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.byUser, c.userID)
			last = true
		}
	}
	return last
}

// joinRoom subscribes the connection to a room.
func (h *Hub) joinRoom(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, known := h.byConn[c]; !known {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*client]bool)
	}
	h.rooms[room][c] = true
	h.byConn[c][room] = true
}

// leaveRoom unsubscribes the connection from a room.
func (h *Hub) leaveRoom(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.byConn[c], room)
	delete(h.rooms[room], c)
	if len(h.rooms[room]) == 0 {
		delete(h.rooms, room)
	}
}

// IsOnline reports whether the user has at least one live connection.
func (h *Hub) IsOnline(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

// EmitToUser sends the event to every connection the user holds.
func (h *Hub) EmitToUser(userID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		h.log.WithError(err).WithField("event", event).Warn("socket: marshal failed")
		return
	}
	h.mu.RLock()
	targets := make([]*client, 0, len(h.byUser[userID]))
	for c := range h.byUser[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.send(c, event, data)
	}
}

// EmitToRoom sends the event to every connection subscribed to the room.
func (h *Hub) EmitToRoom(room, event string, payload interface{}) {
	data, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		h.log.WithError(err).WithField("event", event).Warn("socket: marshal failed")
		return
	}
	h.mu.RLock()
	targets := make([]*client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.send(c, event, data)
	}
}

// send is non-blocking: a slow consumer loses frames rather than stalling
// the emitter.
func (h *Hub) send(c *client, event string, data []byte) {
	select {
	case c.out <- data:
	default:
		h.log.WithFields(logrus.Fields{
			"user":  c.userID,
			"event": event,
		}).Warn("socket: outbound buffer full, frame dropped")
	}
}

// GetStats snapshots occupancy.
func (h *Hub) GetStats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sizes := make(map[string]int, len(h.rooms))
	for room, conns := range h.rooms {
		sizes[room] = len(conns)
	}
	return Stats{
		Connections: len(h.byConn),
		Users:       len(h.byUser),
		Rooms:       len(h.rooms),
		RoomSizes:   sizes,
	}
}
