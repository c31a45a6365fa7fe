package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LiveDesk/entity"
	"LiveDesk/internal/core"
)

// gatewayStore fakes the persistence adapter for the gateway, the delivery
// tracker and the assignment engine at once.
type gatewayStore struct {
	mu              sync.Mutex
	identities      map[string]*entity.Identity
	rooms           map[string]*entity.Room
	messages        map[string][]entity.Message
	identityUpdates map[string][]map[string]any
	roomUpdates     map[string][]map[string]any
	online          []string
	failAppend      bool
}

func newGatewayStore() *gatewayStore {
	return &gatewayStore{
		identities:      make(map[string]*entity.Identity),
		rooms:           make(map[string]*entity.Room),
		messages:        make(map[string][]entity.Message),
		identityUpdates: make(map[string][]map[string]any),
		roomUpdates:     make(map[string][]map[string]any),
	}
}

func (s *gatewayStore) FindIdentity(_ context.Context, id string) (*entity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[id]
	if !ok {
		return nil, nil
	}
	cp := *identity
	return &cp, nil
}

func (s *gatewayStore) UpdateIdentity(_ context.Context, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identityUpdates[id] = append(s.identityUpdates[id], fields)
	return nil
}

func (s *gatewayStore) FindOnlineIdentities(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.online...), nil
}

func (s *gatewayStore) FindRoom(_ context.Context, id string) (*entity.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	if !ok {
		return nil, nil
	}
	cp := *room
	return &cp, nil
}

func (s *gatewayStore) FindRoomsByParticipant(_ context.Context, identityID string) ([]entity.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.Room
	for _, room := range s.rooms {
		if room.HasParticipant(identityID) || room.AssignedAgentID() == identityID {
			out = append(out, *room)
		}
	}
	return out, nil
}

func (s *gatewayStore) FindOpenSupportRooms(_ context.Context) ([]entity.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.Room
	for _, room := range s.rooms {
		if room.IsSupport() && room.IsOpen() {
			out = append(out, *room)
		}
	}
	return out, nil
}

func (s *gatewayStore) CreateRoom(_ context.Context, room *entity.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *room
	s.rooms[room.ID] = &cp
	return nil
}

func (s *gatewayStore) UpdateRoom(_ context.Context, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomUpdates[id] = append(s.roomUpdates[id], fields)
	return nil
}

func (s *gatewayStore) AppendMessage(_ context.Context, msg *entity.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend {
		return errors.New("store down")
	}
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], *msg)
	return nil
}

func (s *gatewayStore) UpdateMessageStatus(_ context.Context, msg *entity.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messages[msg.RoomID]
	for i := range list {
		if list[i].ID == msg.ID {
			list[i] = *msg
			break
		}
	}
	return nil
}

func (s *gatewayStore) QueryMessages(_ context.Context, roomID string, limit, offset int) ([]entity.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messages[roomID]
	// Newest first, like the real adapter.
	out := make([]entity.Message, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, list[i])
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *gatewayStore) messageCount(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[roomID])
}

func (s *gatewayStore) updatesFor(identityID string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.identityUpdates[identityID]...)
}

type nopCache struct{}

func (nopCache) RecentMessages(context.Context, string) ([]entity.Message, error) { return nil, nil }
func (nopCache) PushRecent(context.Context, *entity.Message) error                { return nil }
func (nopCache) SetPresence(context.Context, string, string) error                { return nil }
func (nopCache) ClearPresence(context.Context, string) error                      { return nil }

type stubAuth struct {
	tokens map[string]*entity.Identity
}

func (a *stubAuth) AuthenticateByToken(token string) (*entity.Identity, error) {
	identity, ok := a.tokens[token]
	if !ok {
		return nil, errors.New("unknown token")
	}
	return identity, nil
}

type testEnv struct {
	store   *gatewayStore
	hub     *Hub
	gateway *Gateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newGatewayStore()
	hub := NewHub(testLogger())
	go hub.Run()

	registry := core.NewPresenceRegistry(testLogger())
	access := core.NewAccessController()
	delivery := core.NewDeliveryTracker(store, hub, testLogger())
	engine := core.NewAssignmentEngine(store, registry, hub, testLogger())

	gateway := NewGateway(hub, registry, access, delivery, engine, store, nopCache{}, &stubAuth{}, 50, testLogger())
	return &testEnv{store: store, hub: hub, gateway: gateway}
}

func (e *testEnv) seedIdentity(id, role string) *entity.Identity {
	identity := &entity.Identity{ID: id, Role: role}
	e.store.mu.Lock()
	e.store.identities[id] = identity
	e.store.mu.Unlock()
	return identity
}

func (e *testEnv) seedRoom(room *entity.Room) {
	e.store.mu.Lock()
	e.store.rooms[room.ID] = room
	e.store.mu.Unlock()
}

func (e *testEnv) connect(t *testing.T, connID string, identity *entity.Identity) *Client {
	t.Helper()
	client := &Client{
		ID:       connID,
		hub:      e.hub,
		gateway:  e.gateway,
		send:     make(chan []byte, sendQueueSize),
		identity: identity,
	}
	require.NoError(t, e.gateway.HandleConnect(client))
	return client
}

func (e *testEnv) dispatch(t *testing.T, c *Client, actionType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	raw, err := json.Marshal(entity.Action{Type: actionType, Data: data})
	require.NoError(t, err)
	e.gateway.Dispatch(c, raw)
}

var markerSeq atomic.Int64

// flush pushes a marker through the hub and drains each client up to it,
// discarding whatever was queued before.
func flush(t *testing.T, hub *Hub, clients ...*Client) {
	t.Helper()
	name := "marker-" + strconv.FormatInt(markerSeq.Add(1), 10)
	hub.Global(name, nil)
	for _, c := range clients {
		for {
			if recvEvent(t, c).Type == name {
				break
			}
		}
	}
}

func decodePayload(t *testing.T, ev Event, v any) {
	t.Helper()
	data, err := json.Marshal(ev.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func groupOf(ids ...string) *entity.Room {
	room := &entity.Room{ID: "g1", Type: entity.RoomGroup, Status: entity.RoomActive}
	for _, id := range ids {
		room.Participants = append(room.Participants, entity.Identity{ID: id, Role: entity.CustomerRole})
	}
	return room
}

func supportOf(customerID, agentID string) *entity.Room {
	room := &entity.Room{
		ID:           "s1",
		Type:         entity.RoomSupport,
		Status:       entity.RoomActive,
		Participants: []entity.Identity{{ID: customerID, Role: entity.CustomerRole}},
	}
	if agentID != "" {
		room.AssignedAgent = &entity.Identity{ID: agentID, Role: entity.AgentRole}
	} else {
		room.Status = entity.RoomPending
	}
	return room
}

func TestConnect_PresenceBroadcastOnFirstConnectionOnly(t *testing.T) {
	env := newTestEnv(t)
	observer := env.connect(t, "obs-1", env.seedIdentity("observer", entity.CustomerRole))
	flush(t, env.hub, observer)

	u1 := env.seedIdentity("u1", entity.CustomerRole)
	phone := env.connect(t, "c1", u1)

	ev := recvEvent(t, observer)
	require.Equal(t, entity.EventPresenceChanged, ev.Type)
	var presence entity.PresencePayload
	decodePayload(t, ev, &presence)
	assert.Equal(t, "u1", presence.IdentityID)
	assert.True(t, presence.Online)

	// A second connection of the same identity must not broadcast.
	laptop := env.connect(t, "c2", u1)
	flush(t, env.hub, observer)

	// Nor must closing one of two connections.
	env.gateway.HandleDisconnect(phone)
	flush(t, env.hub, observer)

	env.gateway.HandleDisconnect(laptop)
	ev = recvEvent(t, observer)
	require.Equal(t, entity.EventPresenceChanged, ev.Type)
	decodePayload(t, ev, &presence)
	assert.Equal(t, "u1", presence.IdentityID)
	assert.False(t, presence.Online)

	updates := env.store.updatesFor("u1")
	require.Len(t, updates, 2)
	assert.Equal(t, true, updates[0]["online"])
	assert.Equal(t, false, updates[1]["online"])
}

func TestSendMessage_FansOutAndPersists(t *testing.T) {
	env := newTestEnv(t)
	env.seedRoom(groupOf("u1", "u2"))
	sender := env.connect(t, "c1", env.seedIdentity("u1", entity.CustomerRole))
	receiver := env.connect(t, "c2", env.seedIdentity("u2", entity.CustomerRole))
	flush(t, env.hub, sender, receiver)

	env.dispatch(t, sender, entity.ActionSendMessage, entity.SendMessageData{RoomID: "g1", Content: "hello"})

	var msg entity.Message
	for _, c := range []*Client{sender, receiver} {
		ev := recvEvent(t, c)
		require.Equal(t, entity.EventNewMessage, ev.Type)
		decodePayload(t, ev, &msg)
		assert.Equal(t, "u1", msg.SenderID)
		assert.Equal(t, "hello", msg.Content)
		assert.Equal(t, entity.MessageSent, msg.Status)
	}
	assert.Equal(t, 1, env.store.messageCount("g1"))

	// The recipient reads it; read implies delivered and the room learns.
	env.dispatch(t, receiver, entity.ActionMarkRead, entity.MarkReadData{MessageID: msg.ID})

	ev := recvEvent(t, sender)
	require.Equal(t, entity.EventMessageStatus, ev.Type)
	var status entity.MessageStatusPayload
	decodePayload(t, ev, &status)
	assert.Equal(t, msg.ID, status.MessageID)
	assert.Equal(t, entity.MessageRead, status.Status)
	assert.Equal(t, "u2", status.RecipientID)
}

func TestSendMessage_NonAssignedAgentDenied(t *testing.T) {
	env := newTestEnv(t)
	env.seedRoom(supportOf("cust-1", "agent-1"))
	env.seedIdentity("agent-1", entity.AgentRole)
	customer := env.connect(t, "c1", env.seedIdentity("cust-1", entity.CustomerRole))
	freelancer := env.connect(t, "c2", env.seedIdentity("agent-2", entity.AgentRole))
	flush(t, env.hub, customer, freelancer)

	env.dispatch(t, freelancer, entity.ActionSendMessage, entity.SendMessageData{RoomID: "s1", Content: "let me help"})

	ev := recvEvent(t, freelancer)
	require.Equal(t, entity.EventError, ev.Type)
	var ep entity.ErrorPayload
	decodePayload(t, ev, &ep)
	assert.Equal(t, entity.ActionSendMessage, ep.Action)
	assert.Equal(t, "access denied", ep.Reason)

	assert.Equal(t, 0, env.store.messageCount("s1"))
	// The customer never sees the attempt.
	flush(t, env.hub, customer)
}

func TestJoinRoom_DeniedForNonParticipant(t *testing.T) {
	env := newTestEnv(t)
	env.seedRoom(groupOf("u1", "u2"))
	stranger := env.connect(t, "c1", env.seedIdentity("u3", entity.CustomerRole))
	flush(t, env.hub, stranger)

	env.dispatch(t, stranger, entity.ActionJoinRoom, entity.JoinRoomData{RoomID: "g1"})

	ev := recvEvent(t, stranger)
	require.Equal(t, entity.EventError, ev.Type)
	var ep entity.ErrorPayload
	decodePayload(t, ev, &ep)
	assert.Equal(t, "access denied", ep.Reason)
}

func TestJoinRoom_RepliesWithHistory(t *testing.T) {
	env := newTestEnv(t)
	env.seedRoom(groupOf("u1", "u2"))
	peer := env.connect(t, "c1", env.seedIdentity("u1", entity.CustomerRole))
	joiner := env.connect(t, "c2", env.seedIdentity("u2", entity.CustomerRole))
	flush(t, env.hub, peer, joiner)

	env.dispatch(t, peer, entity.ActionSendMessage, entity.SendMessageData{RoomID: "g1", Content: "earlier"})
	flush(t, env.hub, peer, joiner)

	env.dispatch(t, joiner, entity.ActionJoinRoom, entity.JoinRoomData{RoomID: "g1"})

	ev := recvEvent(t, joiner)
	require.Equal(t, entity.EventChatHistory, ev.Type)
	var history entity.ChatHistoryPayload
	decodePayload(t, ev, &history)
	assert.Equal(t, "g1", history.RoomID)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, "earlier", history.Messages[0].Content)

	ev = recvEvent(t, peer)
	require.Equal(t, entity.EventUserJoinedRoom, ev.Type)
	var member entity.RoomMemberPayload
	decodePayload(t, ev, &member)
	assert.Equal(t, "u2", member.IdentityID)
}

func TestSetActiveRoom_MarksPendingDeliveries(t *testing.T) {
	env := newTestEnv(t)
	env.seedRoom(groupOf("u1", "u2"))
	sender := env.connect(t, "c1", env.seedIdentity("u1", entity.CustomerRole))
	viewer := env.connect(t, "c2", env.seedIdentity("u2", entity.CustomerRole))
	flush(t, env.hub, sender, viewer)

	env.dispatch(t, sender, entity.ActionSendMessage, entity.SendMessageData{RoomID: "g1", Content: "ping"})
	var msg entity.Message
	decodePayload(t, recvEvent(t, sender), &msg)
	flush(t, env.hub, sender, viewer)

	env.dispatch(t, viewer, entity.ActionSetActiveRoom, entity.ActiveRoomData{RoomID: "g1"})

	ev := recvEvent(t, sender)
	require.Equal(t, entity.EventMessageStatus, ev.Type)
	var status entity.MessageStatusPayload
	decodePayload(t, ev, &status)
	assert.Equal(t, msg.ID, status.MessageID)
	assert.Equal(t, entity.MessageDelivered, status.Status)
	assert.Equal(t, "u2", status.RecipientID)
	assert.Equal(t, "g1", viewer.ActiveRoom())
}

func TestAdminAssign_BindsAgentAndSubscribes(t *testing.T) {
	env := newTestEnv(t)
	env.seedRoom(supportOf("cust-1", ""))
	agentIdentity := env.seedIdentity("agent-1", entity.AgentRole)
	adminIdentity := env.seedIdentity("boss", entity.AdminRole)

	agent := env.connect(t, "c1", agentIdentity)
	admin := env.connect(t, "c2", adminIdentity)
	customer := env.connect(t, "c3", env.seedIdentity("cust-1", entity.CustomerRole))
	flush(t, env.hub, agent, admin, customer)

	env.dispatch(t, admin, entity.ActionAdminAssign, entity.AssignData{RoomID: "s1", AgentID: "agent-1", Reason: "manual"})

	ev := recvEvent(t, agent)
	require.Equal(t, entity.EventRoomUpdated, ev.Type)
	var room entity.Room
	decodePayload(t, ev, &room)
	assert.Equal(t, "agent-1", room.AssignedAgentID())
	assert.Equal(t, entity.RoomActive, room.Status)
	flush(t, env.hub, agent, admin, customer)

	// The assigned agent's connections now receive the room's traffic.
	env.dispatch(t, customer, entity.ActionSendMessage, entity.SendMessageData{RoomID: "s1", Content: "help"})
	ev = recvEvent(t, agent)
	require.Equal(t, entity.EventNewMessage, ev.Type)
}

func TestAdminAssign_RequiresAdminRole(t *testing.T) {
	env := newTestEnv(t)
	env.seedRoom(supportOf("cust-1", ""))
	env.seedIdentity("agent-1", entity.AgentRole)
	customer := env.connect(t, "c1", env.seedIdentity("cust-1", entity.CustomerRole))
	flush(t, env.hub, customer)

	env.dispatch(t, customer, entity.ActionAdminAssign, entity.AssignData{RoomID: "s1", AgentID: "agent-1"})

	ev := recvEvent(t, customer)
	require.Equal(t, entity.EventError, ev.Type)
	var ep entity.ErrorPayload
	decodePayload(t, ev, &ep)
	assert.Equal(t, "access denied", ep.Reason)
}

func TestAgentStatus_BroadcastsRoster(t *testing.T) {
	env := newTestEnv(t)
	agent := env.connect(t, "c1", env.seedIdentity("agent-1", entity.AgentRole))
	flush(t, env.hub, agent)

	env.dispatch(t, agent, entity.ActionAgentStatus, entity.AgentStatusData{Status: "away"})

	ev := recvEvent(t, agent)
	require.Equal(t, entity.EventOnlineAgents, ev.Type)
	var roster []entity.Identity
	decodePayload(t, ev, &roster)
	require.Len(t, roster, 1)
	assert.Equal(t, "away", roster[0].Status)

	updates := env.store.updatesFor("agent-1")
	require.NotEmpty(t, updates)
	assert.Equal(t, "away", updates[len(updates)-1]["status"])
}

func TestDispatch_UnknownAction(t *testing.T) {
	env := newTestEnv(t)
	client := env.connect(t, "c1", env.seedIdentity("u1", entity.CustomerRole))
	flush(t, env.hub, client)

	env.gateway.Dispatch(client, []byte(`{"type":"time-travel","data":{}}`))

	ev := recvEvent(t, client)
	require.Equal(t, entity.EventError, ev.Type)
	var ep entity.ErrorPayload
	decodePayload(t, ev, &ep)
	assert.Equal(t, "unknown action", ep.Reason)
}

func TestReconcile_ForcesStaleIdentitiesOffline(t *testing.T) {
	env := newTestEnv(t)
	observer := env.connect(t, "c1", env.seedIdentity("observer", entity.CustomerRole))
	flush(t, env.hub, observer)

	env.store.mu.Lock()
	env.store.online = []string{"observer", "ghost"}
	env.store.mu.Unlock()

	env.gateway.reconcile(context.Background())

	ev := recvEvent(t, observer)
	require.Equal(t, entity.EventPresenceChanged, ev.Type)
	var presence entity.PresencePayload
	decodePayload(t, ev, &presence)
	assert.Equal(t, "ghost", presence.IdentityID)
	assert.False(t, presence.Online)

	updates := env.store.updatesFor("ghost")
	require.Len(t, updates, 1)
	assert.Equal(t, false, updates[0]["online"])
}

func TestCreateRoom_SupportAutoAssignsLeastLoaded(t *testing.T) {
	env := newTestEnv(t)
	agentIdentity := env.seedIdentity("agent-1", entity.AgentRole)
	customerIdentity := env.seedIdentity("cust-1", entity.CustomerRole)
	agent := env.connect(t, "c1", agentIdentity)
	flush(t, env.hub, agent)

	room, err := env.gateway.CreateRoom(context.Background(), customerIdentity, entity.RoomSupport, nil, "")
	require.NoError(t, err)

	assert.Equal(t, "agent-1", room.AssignedAgentID())
	assert.Equal(t, entity.RoomActive, room.Status)
	assert.True(t, room.HasParticipant("cust-1"))
}

func TestCreateRoom_SupportParksPendingWithoutAgents(t *testing.T) {
	env := newTestEnv(t)
	customerIdentity := env.seedIdentity("cust-1", entity.CustomerRole)

	room, err := env.gateway.CreateRoom(context.Background(), customerIdentity, entity.RoomSupport, nil, "")
	require.NoError(t, err)

	assert.Equal(t, entity.RoomPending, room.Status)
	assert.Nil(t, room.AssignedAgent)
}

func TestCreateRoom_UnknownParticipant(t *testing.T) {
	env := newTestEnv(t)
	actor := env.seedIdentity("u1", entity.CustomerRole)

	_, err := env.gateway.CreateRoom(context.Background(), actor, entity.RoomGroup, []string{"ghost"}, "")
	assert.ErrorIs(t, err, core.ErrIdentityNotFound)
}
