package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"LiveDesk/internal/lib/sl"
)

// Event is the envelope for every outbound WebSocket message.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const (
	scopeRoom = iota
	scopeIdentity
	scopeGlobal
)

// envelope is a queued fan-out request. exclude skips one identity's
// connections (typing events do not echo to the typist).
type envelope struct {
	scope   int
	target  string
	exclude string
	data    []byte
}

// Hub tracks connected clients and their room subscriptions and fans
// events out room-scoped, identity-scoped or globally. A single dispatch
// goroutine drains the queue, so fan-out order matches accept order:
// within a room every connection observes events FIFO.
//
// Fan-out is fire-and-forget. A slow client whose send queue is full is
// dropped; it catches up through history replay on reconnect.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	byIdentity map[string]map[*Client]bool
	rooms      map[string]map[*Client]bool
	queue      chan envelope
	log        *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		byIdentity: make(map[string]map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		queue:      make(chan envelope, 1024),
		log:        log.With(sl.Module("ws.hub")),
	}
}

// Run drains the dispatch queue. Should be called in a goroutine.
func (h *Hub) Run() {
	for env := range h.queue {
		h.fanOut(env)
	}
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = true
	set, ok := h.byIdentity[client.identity.ID]
	if !ok {
		set = make(map[*Client]bool)
		h.byIdentity[client.identity.ID] = set
	}
	set[client] = true
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(client)
}

// dropLocked removes the client from every index and closes its queue.
func (h *Hub) dropLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)

	if set, ok := h.byIdentity[client.identity.ID]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(h.byIdentity, client.identity.ID)
		}
	}
	for roomID, members := range h.rooms {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	client.closeSend()
}

// JoinRoom subscribes the client to the room's events.
func (h *Hub) JoinRoom(client *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[*Client]bool)
		h.rooms[roomID] = members
	}
	members[client] = true
}

// LeaveRoom unsubscribes the client from the room's events.
func (h *Hub) LeaveRoom(client *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members, ok := h.rooms[roomID]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// JoinIdentity subscribes every live connection of the identity to the
// room. Used when an agent is assigned so its clients start receiving the
// room's events immediately.
func (h *Hub) JoinIdentity(roomID, identityID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.byIdentity[identityID]
	if !ok {
		return
	}
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[*Client]bool)
		h.rooms[roomID] = members
	}
	for client := range set {
		members[client] = true
	}
}

// LeaveIdentity unsubscribes every live connection of the identity from
// the room.
func (h *Hub) LeaveIdentity(roomID, identityID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[roomID]
	if !ok {
		return
	}
	for client := range h.byIdentity[identityID] {
		delete(members, client)
	}
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}
}

// ToRoom queues an event for every connection subscribed to the room.
func (h *Hub) ToRoom(roomID, event string, payload any) {
	h.enqueue(envelope{scope: scopeRoom, target: roomID}, event, payload)
}

// ToRoomExcept is ToRoom minus one identity's connections.
func (h *Hub) ToRoomExcept(roomID, identityID, event string, payload any) {
	h.enqueue(envelope{scope: scopeRoom, target: roomID, exclude: identityID}, event, payload)
}

// ToIdentity queues an event for every live connection of the identity.
// No live connection is not an error.
func (h *Hub) ToIdentity(identityID, event string, payload any) {
	h.enqueue(envelope{scope: scopeIdentity, target: identityID}, event, payload)
}

// Global queues an event for every connected client.
func (h *Hub) Global(event string, payload any) {
	h.enqueue(envelope{scope: scopeGlobal}, event, payload)
}

// Send delivers an event to a single client, bypassing the queue. Used for
// direct replies (history, errors) that only the requester should see.
func (h *Hub) Send(client *Client, event string, payload any) {
	data, err := json.Marshal(Event{Type: event, Data: payload})
	if err != nil {
		h.log.Warn("marshal direct event", slog.String("event", event), sl.Err(err))
		return
	}
	if !client.trySend(data) {
		h.unregister(client)
	}
}

func (h *Hub) enqueue(env envelope, event string, payload any) {
	data, err := json.Marshal(Event{Type: event, Data: payload})
	if err != nil {
		h.log.Warn("marshal event", slog.String("event", event), sl.Err(err))
		return
	}
	env.data = data
	h.queue <- env
}

func (h *Hub) fanOut(env envelope) {
	h.mu.RLock()
	var targets []*Client
	switch env.scope {
	case scopeRoom:
		for client := range h.rooms[env.target] {
			if env.exclude != "" && client.identity.ID == env.exclude {
				continue
			}
			targets = append(targets, client)
		}
	case scopeIdentity:
		for client := range h.byIdentity[env.target] {
			targets = append(targets, client)
		}
	case scopeGlobal:
		for client := range h.clients {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	var dropped []*Client
	for _, client := range targets {
		if !client.trySend(env.data) {
			dropped = append(dropped, client)
		}
	}
	for _, client := range dropped {
		h.log.Warn("dropping slow client",
			slog.String("connection_id", client.ID),
			slog.String("identity_id", client.identity.ID),
		)
		h.unregister(client)
	}
}
