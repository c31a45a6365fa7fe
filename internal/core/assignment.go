package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"LiveDesk/entity"
	"LiveDesk/internal/lib/sl"
)

// RoomStore is the slice of the persistence adapter the engine consumes.
type RoomStore interface {
	FindRoom(ctx context.Context, id string) (*entity.Room, error)
	UpdateRoom(ctx context.Context, id string, fields map[string]any) error
	FindIdentity(ctx context.Context, id string) (*entity.Identity, error)
	FindOpenSupportRooms(ctx context.Context) ([]entity.Room, error)
}

// PresenceView is the read side of the presence registry the engine needs:
// only present agents are assignment candidates.
type PresenceView interface {
	OnlineAgents() []*entity.Identity
}

// AssignmentEngine binds each support room to exactly one agent, rebalances
// on demand, and keeps room assignment fields consistent with the store.
// Workload-based picking rather than round-robin avoids starving idle
// agents during bursty arrival; rooms with no agent available go pending
// instead of blocking creation.
type AssignmentEngine struct {
	mu         sync.Mutex
	rooms      map[string]*entity.Room
	roomLocks  map[string]*sync.Mutex
	agentRooms map[string]map[string]struct{}

	store    RoomStore
	presence PresenceView
	bus      Broadcaster
	log      *slog.Logger
}

func NewAssignmentEngine(store RoomStore, presence PresenceView, bus Broadcaster, log *slog.Logger) *AssignmentEngine {
	return &AssignmentEngine{
		rooms:      make(map[string]*entity.Room),
		roomLocks:  make(map[string]*sync.Mutex),
		agentRooms: make(map[string]map[string]struct{}),
		store:      store,
		presence:   presence,
		bus:        bus,
		log:        log.With(sl.Module("core.assignment")),
	}
}

// Bootstrap loads open support rooms from the store so workload counts
// survive restarts.
func (e *AssignmentEngine) Bootstrap(ctx context.Context) error {
	rooms, err := e.store.FindOpenSupportRooms(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap assignment engine: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range rooms {
		room := rooms[i]
		e.rooms[room.ID] = &room
		if agent := room.AssignedAgentID(); agent != "" {
			e.indexLocked(agent, room.ID)
		}
	}
	e.log.Info("assignment engine bootstrapped", slog.Int("rooms", len(rooms)))
	return nil
}

// RoomSnapshot returns a copy of the managed room, loading it from the
// store on first touch. Access checks read rooms through here so they never
// observe a half-applied assignment.
func (e *AssignmentEngine) RoomSnapshot(ctx context.Context, roomID string) (*entity.Room, error) {
	room, err := e.room(ctx, roomID)
	if err != nil {
		return nil, err
	}
	lock := e.lockFor(roomID)
	lock.Lock()
	defer lock.Unlock()
	return cloneRoom(room), nil
}

// Workload returns the number of open rooms bound to the agent.
func (e *AssignmentEngine) Workload(agentID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.agentRooms[agentID])
}

// FindLeastLoadedAgent picks the present agent with the fewest open rooms,
// skipping excluded ids. Ties break toward the lowest identity id so the
// choice is deterministic. Returns nil when no agent is present.
func (e *AssignmentEngine) FindLeastLoadedAgent(exclude ...string) *entity.Identity {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	var best *entity.Identity
	bestLoad := 0
	for _, agent := range e.presence.OnlineAgents() {
		if _, ok := skip[agent.ID]; ok {
			continue
		}
		load := e.Workload(agent.ID)
		if best == nil || load < bestLoad {
			best = agent
			bestLoad = load
		}
	}
	return best
}

// Assign binds the room to the agent, recording the previous agent (if any)
// into the transfer history and activating the room.
func (e *AssignmentEngine) Assign(ctx context.Context, roomID, agentID, reason string) (*entity.Room, error) {
	agent, err := e.resolveAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	room, err := e.room(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, room, agent, "", reason)
}

// AutoAssignOnCreate is invoked when a support room is created without an
// explicit agent. When no agent is present the room goes pending rather
// than failing, surfaced for manual assignment.
func (e *AssignmentEngine) AutoAssignOnCreate(ctx context.Context, room *entity.Room) (*entity.Room, error) {
	e.adopt(room)

	agent := e.FindLeastLoadedAgent()
	if agent == nil {
		return e.park(ctx, room, "", "no agent available")
	}
	return e.apply(ctx, room, agent, "", "auto-assign on create")
}

// Transfer hands the room from one agent to another. The source agent must
// currently hold the room.
func (e *AssignmentEngine) Transfer(ctx context.Context, roomID, fromAgentID, toAgentID, reason string) (*entity.Room, error) {
	if _, err := e.resolveAgent(ctx, fromAgentID); err != nil {
		return nil, err
	}
	agent, err := e.resolveAgent(ctx, toAgentID)
	if err != nil {
		return nil, err
	}
	room, err := e.room(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, room, agent, fromAgentID, reason)
}

// RemoveAndReassign clears the current agent and immediately re-assigns to
// the least loaded remaining agent, or parks the room pending when nobody
// is available. Exactly one history entry is appended either way.
func (e *AssignmentEngine) RemoveAndReassign(ctx context.Context, roomID, reason string) (*entity.Room, error) {
	room, err := e.room(ctx, roomID)
	if err != nil {
		return nil, err
	}

	lock := e.lockFor(roomID)
	lock.Lock()
	removed := room.AssignedAgentID()
	lock.Unlock()
	if removed == "" {
		return nil, ErrNotAssigned
	}

	replacement := e.FindLeastLoadedAgent(removed)
	if replacement == nil {
		return e.park(ctx, room, removed, reason)
	}
	return e.apply(ctx, room, replacement, removed, reason)
}

// apply commits an assignment change: room lock, in-memory mutation and
// index update, then persist and broadcast outside the lock. A non-empty
// requireFrom demands that agent currently holds the room.
func (e *AssignmentEngine) apply(ctx context.Context, room *entity.Room, agent *entity.Identity, requireFrom, reason string) (*entity.Room, error) {
	lock := e.lockFor(room.ID)
	lock.Lock()
	prev := room.AssignedAgentID()
	if requireFrom != "" && prev != requireFrom {
		lock.Unlock()
		return nil, ErrNotAssigned
	}
	now := time.Now().UTC()
	room.AssignedAgent = agent
	room.Status = entity.RoomActive
	room.LastActivity = now
	room.Transfers = append(room.Transfers, entity.Transfer{
		FromAgent: prev,
		ToAgent:   agent.ID,
		At:        now,
		Reason:    reason,
	})
	snapshot := cloneRoom(room)
	lock.Unlock()

	e.reindex(room.ID, prev, agent.ID)

	err := e.persist(ctx, snapshot)
	e.announce(snapshot, prev, agent.ID)
	return snapshot, err
}

// park leaves the room unassigned and pending. The history entry records
// the removed agent, empty when the room never had one.
func (e *AssignmentEngine) park(ctx context.Context, room *entity.Room, removedAgentID, reason string) (*entity.Room, error) {
	lock := e.lockFor(room.ID)
	lock.Lock()
	prev := room.AssignedAgentID()
	if prev == "" {
		prev = removedAgentID
	}
	now := time.Now().UTC()
	room.AssignedAgent = nil
	room.Status = entity.RoomPending
	room.LastActivity = now
	room.Transfers = append(room.Transfers, entity.Transfer{
		FromAgent: prev,
		At:        now,
		Reason:    reason,
	})
	snapshot := cloneRoom(room)
	lock.Unlock()

	e.reindex(room.ID, prev, "")

	err := e.persist(ctx, snapshot)
	e.announce(snapshot, prev, "")
	return snapshot, err
}

func (e *AssignmentEngine) resolveAgent(ctx context.Context, agentID string) (*entity.Identity, error) {
	agent, err := e.store.FindIdentity(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("resolve agent %s: %w", agentID, err)
	}
	if agent == nil {
		return nil, ErrIdentityNotFound
	}
	if !agent.IsAgent() {
		return nil, ErrInvalidAgent
	}
	return agent, nil
}

// room returns the managed in-memory room, loading and adopting it from the
// store on first touch.
func (e *AssignmentEngine) room(ctx context.Context, roomID string) (*entity.Room, error) {
	e.mu.Lock()
	if room, ok := e.rooms[roomID]; ok {
		e.mu.Unlock()
		return room, nil
	}
	e.mu.Unlock()

	room, err := e.store.FindRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}
	if room == nil {
		return nil, ErrRoomNotFound
	}

	e.adopt(room)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rooms[roomID], nil
}

// adopt places a room under engine management, keeping the first instance
// when two loaders race.
func (e *AssignmentEngine) adopt(room *entity.Room) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rooms[room.ID]; ok {
		return
	}
	e.rooms[room.ID] = room
	if agent := room.AssignedAgentID(); agent != "" {
		e.indexLocked(agent, room.ID)
	}
}

func (e *AssignmentEngine) lockFor(roomID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.roomLocks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		e.roomLocks[roomID] = lock
	}
	return lock
}

func (e *AssignmentEngine) reindex(roomID, fromAgentID, toAgentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fromAgentID != "" {
		if set, ok := e.agentRooms[fromAgentID]; ok {
			delete(set, roomID)
			if len(set) == 0 {
				delete(e.agentRooms, fromAgentID)
			}
		}
	}
	if toAgentID != "" {
		e.indexLocked(toAgentID, roomID)
	}
}

func (e *AssignmentEngine) indexLocked(agentID, roomID string) {
	set, ok := e.agentRooms[agentID]
	if !ok {
		set = make(map[string]struct{})
		e.agentRooms[agentID] = set
	}
	set[roomID] = struct{}{}
}

func (e *AssignmentEngine) persist(ctx context.Context, room *entity.Room) error {
	fields := map[string]any{
		"status":         room.Status,
		"assigned_agent": room.AssignedAgentID(),
		"transfers":      room.Transfers,
		"last_activity":  room.LastActivity,
	}
	if err := e.store.UpdateRoom(ctx, room.ID, fields); err != nil {
		e.log.Error("persist room assignment",
			slog.String("room_id", room.ID),
			sl.Err(err),
		)
		return ErrUpstreamUnavailable
	}
	return nil
}

// announce notifies the room and the affected agents. The newly assigned
// agent is targeted directly so its clients subscribe to the room's events.
func (e *AssignmentEngine) announce(room *entity.Room, fromAgentID, toAgentID string) {
	e.bus.ToRoom(room.ID, entity.EventRoomUpdated, room)
	if fromAgentID != "" && fromAgentID != toAgentID {
		e.bus.ToIdentity(fromAgentID, entity.EventRoomUpdated, room)
	}
	if toAgentID != "" {
		e.bus.ToIdentity(toAgentID, entity.EventRoomUpdated, room)
	}
}

func cloneRoom(room *entity.Room) *entity.Room {
	cp := *room
	cp.Participants = append([]entity.Identity(nil), room.Participants...)
	cp.Transfers = append([]entity.Transfer(nil), room.Transfers...)
	if room.AssignedAgent != nil {
		agent := *room.AssignedAgent
		cp.AssignedAgent = &agent
	}
	return &cp
}
