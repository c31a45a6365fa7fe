package ws

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LiveDesk/entity"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startHub() *Hub {
	hub := NewHub(testLogger())
	go hub.Run()
	return hub
}

func hubClient(hub *Hub, connID, identityID string, queue int) *Client {
	client := &Client{
		ID:       connID,
		hub:      hub,
		send:     make(chan []byte, queue),
		identity: &entity.Identity{ID: identityID, Role: entity.CustomerRole},
	}
	hub.register(client)
	return client
}

func recvEvent(t *testing.T, client *Client) Event {
	t.Helper()
	select {
	case data, ok := <-client.send:
		require.True(t, ok, "send queue closed")
		var ev Event
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// expectNext asserts the client's next event is the marker, proving nothing
// was queued for it in between.
func expectNext(t *testing.T, client *Client, event string) Event {
	t.Helper()
	ev := recvEvent(t, client)
	require.Equal(t, event, ev.Type)
	return ev
}

func TestToRoom_ReachesOnlySubscribers(t *testing.T) {
	hub := startHub()
	inRoom := hubClient(hub, "c1", "u1", 8)
	outside := hubClient(hub, "c2", "u2", 8)
	hub.JoinRoom(inRoom, "r1")

	hub.ToRoom("r1", entity.EventNewMessage, map[string]string{"id": "m1"})
	hub.Global("marker", nil)

	expectNext(t, inRoom, entity.EventNewMessage)
	expectNext(t, inRoom, "marker")
	expectNext(t, outside, "marker")
}

func TestToRoom_OrderIsFIFO(t *testing.T) {
	hub := startHub()
	client := hubClient(hub, "c1", "u1", 32)
	hub.JoinRoom(client, "r1")

	for i := 0; i < 10; i++ {
		hub.ToRoom("r1", entity.EventNewMessage, i)
	}

	for i := 0; i < 10; i++ {
		ev := expectNext(t, client, entity.EventNewMessage)
		assert.Equal(t, float64(i), ev.Data)
	}
}

func TestToRoomExcept_SkipsIdentity(t *testing.T) {
	hub := startHub()
	typist := hubClient(hub, "c1", "u1", 8)
	typistTablet := hubClient(hub, "c2", "u1", 8)
	peer := hubClient(hub, "c3", "u2", 8)
	for _, c := range []*Client{typist, typistTablet, peer} {
		hub.JoinRoom(c, "r1")
	}

	hub.ToRoomExcept("r1", "u1", entity.EventUserTyping, nil)
	hub.Global("marker", nil)

	expectNext(t, peer, entity.EventUserTyping)
	expectNext(t, peer, "marker")
	// Neither of the typist's connections sees the echo.
	expectNext(t, typist, "marker")
	expectNext(t, typistTablet, "marker")
}

func TestToIdentity_ReachesEveryConnection(t *testing.T) {
	hub := startHub()
	phone := hubClient(hub, "c1", "u1", 8)
	laptop := hubClient(hub, "c2", "u1", 8)
	other := hubClient(hub, "c3", "u2", 8)

	hub.ToIdentity("u1", entity.EventRoomUpdated, nil)
	hub.Global("marker", nil)

	expectNext(t, phone, entity.EventRoomUpdated)
	expectNext(t, laptop, entity.EventRoomUpdated)
	expectNext(t, other, "marker")
}

func TestJoinIdentity_SubscribesAllConnections(t *testing.T) {
	hub := startHub()
	phone := hubClient(hub, "c1", "agent-1", 8)
	laptop := hubClient(hub, "c2", "agent-1", 8)

	hub.JoinIdentity("r1", "agent-1")
	hub.ToRoom("r1", entity.EventNewMessage, nil)

	expectNext(t, phone, entity.EventNewMessage)
	expectNext(t, laptop, entity.EventNewMessage)

	hub.LeaveIdentity("r1", "agent-1")
	hub.ToRoom("r1", entity.EventNewMessage, nil)
	hub.Global("marker", nil)

	expectNext(t, phone, "marker")
	expectNext(t, laptop, "marker")
}

func TestLeaveRoom_StopsDelivery(t *testing.T) {
	hub := startHub()
	client := hubClient(hub, "c1", "u1", 8)
	hub.JoinRoom(client, "r1")
	hub.LeaveRoom(client, "r1")

	hub.ToRoom("r1", entity.EventNewMessage, nil)
	hub.Global("marker", nil)

	expectNext(t, client, "marker")
}

func TestSend_DirectBypassesQueue(t *testing.T) {
	hub := startHub()
	client := hubClient(hub, "c1", "u1", 8)

	hub.Send(client, entity.EventError, entity.ErrorPayload{Reason: "nope"})

	ev := expectNext(t, client, entity.EventError)
	payload, err := json.Marshal(ev.Data)
	require.NoError(t, err)
	var ep entity.ErrorPayload
	require.NoError(t, json.Unmarshal(payload, &ep))
	assert.Equal(t, "nope", ep.Reason)
}

func TestFanOut_DropsSlowClient(t *testing.T) {
	hub := startHub()
	slow := hubClient(hub, "c1", "u1", 1)
	healthy := hubClient(hub, "c2", "u2", 8)
	hub.JoinRoom(slow, "r1")
	hub.JoinRoom(healthy, "r1")

	// Fill the slow client's queue so the next fan-out cannot enqueue.
	require.True(t, slow.trySend([]byte("{}")))

	hub.ToRoom("r1", entity.EventNewMessage, nil)

	expectNext(t, healthy, entity.EventNewMessage)

	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return !hub.clients[slow]
	}, time.Second, 5*time.Millisecond, "slow client should be dropped")

	hub.Global("marker", nil)
	expectNext(t, healthy, "marker")
}
