package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"LiveDesk/entity"
	"LiveDesk/internal/core"
	"LiveDesk/internal/lib/sl"
)

// Store is the slice of the persistence adapter the gateway consumes.
type Store interface {
	FindIdentity(ctx context.Context, id string) (*entity.Identity, error)
	UpdateIdentity(ctx context.Context, id string, fields map[string]any) error
	FindOnlineIdentities(ctx context.Context) ([]string, error)
	FindRoomsByParticipant(ctx context.Context, identityID string) ([]entity.Room, error)
	CreateRoom(ctx context.Context, room *entity.Room) error
	UpdateRoom(ctx context.Context, id string, fields map[string]any) error
	AppendMessage(ctx context.Context, msg *entity.Message) error
	QueryMessages(ctx context.Context, roomID string, limit, offset int) ([]entity.Message, error)
}

// Cache is the low-latency lookup side. Reads are best-effort: an empty
// result falls back to the store.
type Cache interface {
	RecentMessages(ctx context.Context, roomID string) ([]entity.Message, error)
	PushRecent(ctx context.Context, msg *entity.Message) error
	SetPresence(ctx context.Context, identityID, connectionHint string) error
	ClearPresence(ctx context.Context, identityID string) error
}

// Authenticator resolves a session token to an identity. Token issuance is
// external; only verification happens here.
type Authenticator interface {
	AuthenticateByToken(token string) (*entity.Identity, error)
}

// Gateway authenticates connections, wires them into the presence registry,
// replays history, and dispatches inbound actions to the core components.
type Gateway struct {
	hub      *Hub
	registry *core.PresenceRegistry
	access   *core.AccessController
	delivery *core.DeliveryTracker
	engine   *core.AssignmentEngine
	store    Store
	cache    Cache
	auth     Authenticator
	validate *validator.Validate
	history  int
	log      *slog.Logger
}

func NewGateway(
	hub *Hub,
	registry *core.PresenceRegistry,
	access *core.AccessController,
	delivery *core.DeliveryTracker,
	engine *core.AssignmentEngine,
	store Store,
	cache Cache,
	auth Authenticator,
	historyPageSize int,
	log *slog.Logger,
) *Gateway {
	if historyPageSize <= 0 {
		historyPageSize = 50
	}
	return &Gateway{
		hub:      hub,
		registry: registry,
		access:   access,
		delivery: delivery,
		engine:   engine,
		store:    store,
		cache:    cache,
		auth:     auth,
		validate: validator.New(),
		history:  historyPageSize,
		log:      log.With(sl.Module("ws.gateway")),
	}
}

// HandleConnect registers the connection and joins it to its authorized
// rooms. A presence-changed broadcast fires only when this is the
// identity's first live connection.
func (g *Gateway) HandleConnect(c *Client) error {
	ctx := context.Background()

	wentOnline, err := g.registry.Register(c.ID, c.identity)
	if err != nil {
		return err
	}
	g.hub.register(c)

	rooms, err := g.store.FindRoomsByParticipant(ctx, c.identity.ID)
	if err != nil {
		g.log.Warn("room lookup on connect failed",
			slog.String("identity_id", c.identity.ID),
			sl.Err(err),
		)
	}
	for i := range rooms {
		room := &rooms[i]
		if g.access.CanJoin(c.identity, room) {
			g.hub.JoinRoom(c, room.ID)
		}
	}

	if wentOnline {
		g.markOnline(ctx, c)
	}

	g.log.Info("connection established",
		slog.String("connection_id", c.ID),
		slog.String("identity_id", c.identity.ID),
		slog.String("role", c.identity.Role),
		slog.Int("rooms", len(rooms)),
	)
	return nil
}

// HandleDisconnect unregisters the connection. Presence flips only when the
// identity's last connection is gone.
func (g *Gateway) HandleDisconnect(c *Client) {
	ctx := context.Background()

	g.hub.unregister(c)
	identityID, wentOffline, ok := g.registry.Unregister(c.ID)
	if !ok {
		return
	}
	if wentOffline {
		g.markOffline(ctx, identityID)
	}

	g.log.Info("connection closed",
		slog.String("connection_id", c.ID),
		slog.String("identity_id", identityID),
	)
}

func (g *Gateway) markOnline(ctx context.Context, c *Client) {
	now := time.Now().UTC()
	if err := g.store.UpdateIdentity(ctx, c.identity.ID, map[string]any{"online": true, "last_seen": now}); err != nil {
		g.log.Warn("persist online flag", slog.String("identity_id", c.identity.ID), sl.Err(err))
	}
	if err := g.cache.SetPresence(ctx, c.identity.ID, c.ID); err != nil {
		g.log.Warn("cache presence", slog.String("identity_id", c.identity.ID), sl.Err(err))
	}
	g.hub.Global(entity.EventPresenceChanged, entity.PresencePayload{
		IdentityID: c.identity.ID,
		Online:     true,
		At:         now,
	})
}

func (g *Gateway) markOffline(ctx context.Context, identityID string) {
	now := time.Now().UTC()
	if err := g.store.UpdateIdentity(ctx, identityID, map[string]any{"online": false, "last_seen": now}); err != nil {
		g.log.Warn("persist offline flag", slog.String("identity_id", identityID), sl.Err(err))
	}
	if err := g.cache.ClearPresence(ctx, identityID); err != nil {
		g.log.Warn("clear cached presence", slog.String("identity_id", identityID), sl.Err(err))
	}
	g.hub.Global(entity.EventPresenceChanged, entity.PresencePayload{
		IdentityID: identityID,
		Online:     false,
		At:         now,
	})
}

// Dispatch parses one inbound action and routes it. A failed action answers
// with a structured error event on the originating connection only; the
// connection stays open.
func (g *Gateway) Dispatch(c *Client, raw []byte) {
	var action entity.Action
	if err := json.Unmarshal(raw, &action); err != nil {
		g.sendError(c, "", "malformed action")
		return
	}

	ctx := context.Background()
	var err error
	switch action.Type {
	case entity.ActionJoinRoom:
		err = g.joinRoom(ctx, c, action.Data)
	case entity.ActionLeaveRoom:
		err = g.leaveRoom(ctx, c, action.Data)
	case entity.ActionSendMessage:
		err = g.sendMessage(ctx, c, action.Data)
	case entity.ActionMarkDelivered:
		err = g.markDelivered(ctx, c, action.Data)
	case entity.ActionMarkRead:
		err = g.markRead(ctx, c, action.Data)
	case entity.ActionSetTyping:
		err = g.setTyping(ctx, c, action.Data)
	case entity.ActionSetActiveRoom:
		err = g.setActiveRoom(ctx, c, action.Data)
	case entity.ActionOnlineIdentities:
		g.hub.Send(c, entity.EventOnlineIdentities, g.registry.Online())
	case entity.ActionOnlineAgents:
		g.hub.Send(c, entity.EventOnlineAgents, g.registry.OnlineAgents())
	case entity.ActionAgentStatus:
		err = g.agentStatus(ctx, c, action.Data)
	case entity.ActionAdminAssign:
		err = g.adminAssign(ctx, c, action.Data)
	case entity.ActionAdminTransfer:
		err = g.adminTransfer(ctx, c, action.Data)
	case entity.ActionAdminRemove:
		err = g.adminRemove(ctx, c, action.Data)
	default:
		g.sendError(c, action.Type, "unknown action")
		return
	}

	if err != nil {
		g.sendError(c, action.Type, reason(err))
	}
}

func (g *Gateway) joinRoom(ctx context.Context, c *Client, data json.RawMessage) error {
	var req entity.JoinRoomData
	if err := g.decode(data, &req); err != nil {
		return err
	}
	room, err := g.engine.RoomSnapshot(ctx, req.RoomID)
	if err != nil {
		return err
	}
	if !g.access.CanJoin(c.identity, room) {
		return core.ErrAccessDenied
	}

	g.hub.JoinRoom(c, room.ID)
	g.hub.ToRoomExcept(room.ID, c.identity.ID, entity.EventUserJoinedRoom, entity.RoomMemberPayload{
		RoomID:     room.ID,
		IdentityID: c.identity.ID,
	})

	messages, err := g.roomHistory(ctx, room.ID, g.history, 0)
	if err != nil {
		g.log.Warn("history replay failed", slog.String("room_id", room.ID), sl.Err(err))
		messages = nil
	}
	g.hub.Send(c, entity.EventChatHistory, entity.ChatHistoryPayload{
		RoomID:   room.ID,
		Messages: messages,
	})
	return nil
}

func (g *Gateway) leaveRoom(_ context.Context, c *Client, data json.RawMessage) error {
	var req entity.LeaveRoomData
	if err := g.decode(data, &req); err != nil {
		return err
	}
	g.hub.LeaveRoom(c, req.RoomID)
	g.hub.ToRoom(req.RoomID, entity.EventUserLeftRoom, entity.RoomMemberPayload{
		RoomID:     req.RoomID,
		IdentityID: c.identity.ID,
	})
	return nil
}

func (g *Gateway) sendMessage(ctx context.Context, c *Client, data json.RawMessage) error {
	var req entity.SendMessageData
	if err := g.decode(data, &req); err != nil {
		return err
	}
	room, err := g.engine.RoomSnapshot(ctx, req.RoomID)
	if err != nil {
		return err
	}
	if !g.access.CanSend(c.identity, room) {
		return core.ErrAccessDenied
	}

	msg := &entity.Message{
		ID:        uuid.NewString(),
		RoomID:    room.ID,
		SenderID:  c.identity.ID,
		Content:   req.Content,
		Status:    entity.MessageSent,
		CreatedAt: time.Now().UTC(),
	}
	if err := g.store.AppendMessage(ctx, msg); err != nil {
		g.log.Error("persist message", slog.String("room_id", room.ID), sl.Err(err))
		return core.ErrUpstreamUnavailable
	}

	g.delivery.Track(msg, room.Recipients(c.identity.ID))

	if err := g.cache.PushRecent(ctx, msg); err != nil {
		g.log.Warn("cache recent message", slog.String("room_id", room.ID), sl.Err(err))
	}
	if err := g.store.UpdateRoom(ctx, room.ID, map[string]any{"last_activity": msg.CreatedAt}); err != nil {
		g.log.Warn("touch room activity", slog.String("room_id", room.ID), sl.Err(err))
	}

	g.hub.ToRoom(room.ID, entity.EventNewMessage, msg)
	return nil
}

func (g *Gateway) markDelivered(ctx context.Context, c *Client, data json.RawMessage) error {
	var req entity.MarkDeliveredData
	if err := g.decode(data, &req); err != nil {
		return err
	}
	return g.delivery.MarkDelivered(ctx, req.MessageID, c.identity.ID)
}

func (g *Gateway) markRead(ctx context.Context, c *Client, data json.RawMessage) error {
	var req entity.MarkReadData
	if err := g.decode(data, &req); err != nil {
		return err
	}
	// A sender reading their own message is rejected without an error event.
	_, err := g.delivery.MarkRead(ctx, req.MessageID, c.identity.ID)
	return err
}

func (g *Gateway) setTyping(ctx context.Context, c *Client, data json.RawMessage) error {
	var req entity.TypingData
	if err := g.decode(data, &req); err != nil {
		return err
	}
	room, err := g.engine.RoomSnapshot(ctx, req.RoomID)
	if err != nil {
		return err
	}
	if !g.access.CanSend(c.identity, room) {
		return core.ErrAccessDenied
	}
	g.hub.ToRoomExcept(room.ID, c.identity.ID, entity.EventUserTyping, entity.TypingPayload{
		RoomID:     room.ID,
		IdentityID: c.identity.ID,
		Typing:     req.Typing,
	})
	return nil
}

// setActiveRoom records the client's viewing context. Messages in the room
// still undelivered for this identity are marked delivered now; a client
// merely connected to a room is deliberately never auto-marked.
func (g *Gateway) setActiveRoom(ctx context.Context, c *Client, data json.RawMessage) error {
	var req entity.ActiveRoomData
	if err := g.decode(data, &req); err != nil {
		return err
	}
	if req.RoomID == "" {
		c.setActiveRoom("")
		return nil
	}
	room, err := g.engine.RoomSnapshot(ctx, req.RoomID)
	if err != nil {
		return err
	}
	if !g.access.CanRead(c.identity, room) {
		return core.ErrAccessDenied
	}
	c.setActiveRoom(room.ID)
	g.delivery.MarkActiveView(ctx, room.ID, c.identity.ID)
	return nil
}

func (g *Gateway) agentStatus(ctx context.Context, c *Client, data json.RawMessage) error {
	if !c.identity.IsAgent() {
		return core.ErrAccessDenied
	}
	var req entity.AgentStatusData
	if err := g.decode(data, &req); err != nil {
		return err
	}
	c.identity.Status = req.Status
	if err := g.store.UpdateIdentity(ctx, c.identity.ID, map[string]any{"status": req.Status}); err != nil {
		g.log.Warn("persist agent status", slog.String("identity_id", c.identity.ID), sl.Err(err))
	}
	g.hub.Global(entity.EventOnlineAgents, g.registry.OnlineAgents())
	return nil
}

func (g *Gateway) adminAssign(ctx context.Context, c *Client, data json.RawMessage) error {
	if !c.identity.IsAdmin() {
		return core.ErrAccessDenied
	}
	var req entity.AssignData
	if err := g.decode(data, &req); err != nil {
		return err
	}
	_, err := g.AssignRoom(ctx, req.RoomID, req.AgentID, req.Reason)
	return err
}

func (g *Gateway) adminTransfer(ctx context.Context, c *Client, data json.RawMessage) error {
	if !c.identity.IsAdmin() {
		return core.ErrAccessDenied
	}
	var req entity.TransferData
	if err := g.decode(data, &req); err != nil {
		return err
	}
	_, err := g.TransferRoom(ctx, req.RoomID, req.FromAgentID, req.ToAgentID, req.Reason)
	return err
}

func (g *Gateway) adminRemove(ctx context.Context, c *Client, data json.RawMessage) error {
	if !c.identity.IsAdmin() {
		return core.ErrAccessDenied
	}
	var req entity.RemoveData
	if err := g.decode(data, &req); err != nil {
		return err
	}
	_, err := g.RemoveAgent(ctx, req.RoomID, req.Reason)
	return err
}

// AssignRoom runs an assignment and rewires room subscriptions for the
// affected agents. Shared by the websocket and HTTP admin surfaces.
func (g *Gateway) AssignRoom(ctx context.Context, roomID, agentID, reason string) (*entity.Room, error) {
	room, err := g.engine.Assign(ctx, roomID, agentID, reason)
	if err != nil {
		return nil, err
	}
	g.resubscribe(room)
	return room, nil
}

func (g *Gateway) TransferRoom(ctx context.Context, roomID, fromAgentID, toAgentID, reason string) (*entity.Room, error) {
	room, err := g.engine.Transfer(ctx, roomID, fromAgentID, toAgentID, reason)
	if err != nil {
		return nil, err
	}
	g.resubscribe(room)
	return room, nil
}

func (g *Gateway) RemoveAgent(ctx context.Context, roomID, reason string) (*entity.Room, error) {
	room, err := g.engine.RemoveAndReassign(ctx, roomID, reason)
	if err != nil {
		return nil, err
	}
	g.resubscribe(room)
	return room, nil
}

// resubscribe applies the last hand-off to the hub: the outgoing agent's
// connections stop receiving the room, the incoming agent's start.
func (g *Gateway) resubscribe(room *entity.Room) {
	if len(room.Transfers) == 0 {
		return
	}
	last := room.Transfers[len(room.Transfers)-1]
	if last.FromAgent != "" && last.FromAgent != last.ToAgent {
		g.hub.LeaveIdentity(room.ID, last.FromAgent)
	}
	if last.ToAgent != "" {
		g.hub.JoinIdentity(room.ID, last.ToAgent)
	}
}

// CreateRoom persists a new room; support rooms without an explicit agent
// go through auto-assignment and may come back pending. Participant ids are
// resolved to full identities before the room enters the core.
func (g *Gateway) CreateRoom(ctx context.Context, actor *entity.Identity, roomType string, participantIDs []string, agentID string) (*entity.Room, error) {
	participants := make([]entity.Identity, 0, len(participantIDs)+1)
	seen := make(map[string]struct{}, len(participantIDs)+1)
	for _, id := range append([]string{actor.ID}, participantIDs...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		identity, err := g.store.FindIdentity(ctx, id)
		if err != nil {
			return nil, core.ErrUpstreamUnavailable
		}
		if identity == nil {
			return nil, core.ErrIdentityNotFound
		}
		participants = append(participants, *identity)
	}

	room := &entity.Room{
		ID:           uuid.NewString(),
		Type:         roomType,
		Status:       entity.RoomActive,
		Participants: participants,
		LastActivity: time.Now().UTC(),
	}
	if err := g.store.CreateRoom(ctx, room); err != nil {
		g.log.Error("persist room", slog.String("type", roomType), sl.Err(err))
		return nil, core.ErrUpstreamUnavailable
	}

	if room.IsSupport() {
		var err error
		if agentID != "" {
			room, err = g.AssignRoom(ctx, room.ID, agentID, "assigned on create")
		} else {
			room, err = g.engine.AutoAssignOnCreate(ctx, room)
			if err == nil {
				g.resubscribe(room)
			}
		}
		if err != nil {
			return nil, err
		}
	}

	for i := range room.Participants {
		g.hub.ToIdentity(room.Participants[i].ID, entity.EventRoomUpdated, room)
	}
	return room, nil
}

// ChatHistory returns a page of room history for the HTTP surface,
// cache-first with store fallback, access-checked for the actor.
func (g *Gateway) ChatHistory(ctx context.Context, actor *entity.Identity, roomID string, limit, offset int) ([]entity.Message, error) {
	room, err := g.engine.RoomSnapshot(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !g.access.CanRead(actor, room) {
		return nil, core.ErrAccessDenied
	}
	if limit <= 0 || limit > g.history {
		limit = g.history
	}
	return g.roomHistory(ctx, roomID, limit, offset)
}

// RoomsFor lists the rooms the actor may see.
func (g *Gateway) RoomsFor(ctx context.Context, actor *entity.Identity) ([]entity.Room, error) {
	rooms, err := g.store.FindRoomsByParticipant(ctx, actor.ID)
	if err != nil {
		return nil, core.ErrUpstreamUnavailable
	}
	visible := rooms[:0]
	for i := range rooms {
		if g.access.CanRead(actor, &rooms[i]) {
			visible = append(visible, rooms[i])
		}
	}
	return visible, nil
}

// roomHistory reads recent messages cache-first. Only the first page can be
// served from the cache; deeper pages always hit the store.
func (g *Gateway) roomHistory(ctx context.Context, roomID string, limit, offset int) ([]entity.Message, error) {
	if offset == 0 {
		if recent, err := g.cache.RecentMessages(ctx, roomID); err == nil && len(recent) > 0 {
			if len(recent) > limit {
				recent = recent[:limit]
			}
			return recent, nil
		}
	}
	return g.store.QueryMessages(ctx, roomID, limit, offset)
}

// RunReconciler periodically forces identities marked online in the store,
// but with no live connection, back to offline. A store outage skips the
// sweep; the next tick retries, no backlog accumulates.
func (g *Gateway) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.reconcile(ctx)
		}
	}
}

func (g *Gateway) reconcile(ctx context.Context) {
	knownOnline, err := g.store.FindOnlineIdentities(ctx)
	if err != nil {
		g.log.Warn("reconcile sweep skipped", sl.Err(err))
		return
	}
	for _, id := range g.registry.Reconcile(knownOnline) {
		g.markOffline(ctx, id)
		g.log.Info("forced stale identity offline", slog.String("identity_id", id))
	}
}

func (g *Gateway) decode(data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.New("malformed payload")
	}
	if err := g.validate.Struct(v); err != nil {
		return err
	}
	return nil
}

func (g *Gateway) sendError(c *Client, action, msg string) {
	g.hub.Send(c, entity.EventError, entity.ErrorPayload{
		Action: action,
		Reason: msg,
	})
}

func reason(err error) string {
	switch {
	case errors.Is(err, core.ErrInvalidAgent):
		return "identity lacks agent role"
	case errors.Is(err, core.ErrAccessDenied):
		return "access denied"
	case errors.Is(err, core.ErrRoomNotFound):
		return "room not found"
	case errors.Is(err, core.ErrMessageNotFound):
		return "message not found"
	case errors.Is(err, core.ErrIdentityNotFound):
		return "identity not found"
	case errors.Is(err, core.ErrNotAssigned):
		return "agent not assigned to room"
	case errors.Is(err, core.ErrNotFound):
		return "not found"
	case errors.Is(err, core.ErrInvalidState):
		return "invalid state"
	case errors.Is(err, core.ErrUpstreamUnavailable):
		return "temporarily unavailable"
	default:
		return err.Error()
	}
}
