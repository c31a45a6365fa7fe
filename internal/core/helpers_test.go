package core

import (
	"context"
	"errors"
	"sync"

	"LiveDesk/entity"
)

// busRecorder captures broadcasts for assertions.
type busRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	scope   string // "room" | "identity" | "global"
	target  string
	event   string
	payload any
}

func (b *busRecorder) ToRoom(roomID, event string, payload any) {
	b.record(recordedEvent{scope: "room", target: roomID, event: event, payload: payload})
}

func (b *busRecorder) ToIdentity(identityID, event string, payload any) {
	b.record(recordedEvent{scope: "identity", target: identityID, event: event, payload: payload})
}

func (b *busRecorder) Global(event string, payload any) {
	b.record(recordedEvent{scope: "global", event: event, payload: payload})
}

func (b *busRecorder) record(ev recordedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *busRecorder) byEvent(event string) []recordedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []recordedEvent
	for _, ev := range b.events {
		if ev.event == event {
			out = append(out, ev)
		}
	}
	return out
}

// messageStoreStub records status writes and can be forced to fail.
type messageStoreStub struct {
	mu      sync.Mutex
	updates []entity.Message
	fail    bool
}

func (s *messageStoreStub) UpdateMessageStatus(_ context.Context, msg *entity.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("store down")
	}
	s.updates = append(s.updates, *msg)
	return nil
}

// roomStoreStub backs the assignment engine in tests.
type roomStoreStub struct {
	mu         sync.Mutex
	identities map[string]*entity.Identity
	rooms      map[string]*entity.Room
	updates    map[string][]map[string]any
	failUpdate bool
}

func newRoomStoreStub() *roomStoreStub {
	return &roomStoreStub{
		identities: make(map[string]*entity.Identity),
		rooms:      make(map[string]*entity.Room),
		updates:    make(map[string][]map[string]any),
	}
}

func (s *roomStoreStub) FindRoom(_ context.Context, id string) (*entity.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	if !ok {
		return nil, nil
	}
	cp := *room
	return &cp, nil
}

func (s *roomStoreStub) UpdateRoom(_ context.Context, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdate {
		return errors.New("store down")
	}
	s.updates[id] = append(s.updates[id], fields)
	return nil
}

func (s *roomStoreStub) FindIdentity(_ context.Context, id string) (*entity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[id]
	if !ok {
		return nil, nil
	}
	cp := *identity
	return &cp, nil
}

func (s *roomStoreStub) FindOpenSupportRooms(_ context.Context) ([]entity.Room, error) {
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

// presenceStub returns a fixed, id-ordered agent roster.
type presenceStub struct {
	agents []*entity.Identity
}

func (p *presenceStub) OnlineAgents() []*entity.Identity {
	return p.agents
}
