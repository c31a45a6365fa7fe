package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"LiveDesk/entity"
	"LiveDesk/internal/lib/sl"
)

// trackedPerRoom caps the number of messages the tracker keeps per room.
// Older messages fall out of the in-memory window; their receipts live on
// in the store only.
const trackedPerRoom = 256

// MessageUpdater persists delivery-state changes. Writes happen outside the
// per-message lock; the in-memory state stays authoritative for the request.
type MessageUpdater interface {
	UpdateMessageStatus(ctx context.Context, msg *entity.Message) error
}

// DeliveryTracker advances each message through its per-recipient
// unseen → delivered → read lifecycle. The message's global status is the
// maximum state reached by any intended recipient and never regresses.
type DeliveryTracker struct {
	mu       sync.RWMutex
	messages map[string]*messageState
	byRoom   map[string][]string
	store    MessageUpdater
	bus      Broadcaster
	log      *slog.Logger
}

type messageState struct {
	mu         sync.Mutex
	msg        *entity.Message
	recipients map[string]struct{}
}

func NewDeliveryTracker(store MessageUpdater, bus Broadcaster, log *slog.Logger) *DeliveryTracker {
	return &DeliveryTracker{
		messages: make(map[string]*messageState),
		byRoom:   make(map[string][]string),
		store:    store,
		bus:      bus,
		log:      log.With(sl.Module("core.delivery")),
	}
}

// Track registers an accepted message and its intended recipients
// (room participants and assigned agent, minus the sender).
func (t *DeliveryTracker) Track(msg *entity.Message, recipients []string) {
	set := make(map[string]struct{}, len(recipients))
	for _, r := range recipients {
		set[r] = struct{}{}
	}

	cp := cloneMessage(msg)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.messages[msg.ID] = &messageState{msg: cp, recipients: set}
	ids := append(t.byRoom[msg.RoomID], msg.ID)
	if len(ids) > trackedPerRoom {
		evicted := ids[:len(ids)-trackedPerRoom]
		ids = ids[len(ids)-trackedPerRoom:]
		for _, id := range evicted {
			delete(t.messages, id)
		}
	}
	t.byRoom[msg.RoomID] = ids
}

// Message returns a copy of the tracked message, or nil if unknown.
func (t *DeliveryTracker) Message(messageID string) *entity.Message {
	state := t.state(messageID)
	if state == nil {
		return nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return cloneMessage(state.msg)
}

// MarkDelivered records a delivered receipt for the recipient. Recording
// twice is a no-op. The global status is promoted sent → delivered when
// this is the first receipt.
func (t *DeliveryTracker) MarkDelivered(ctx context.Context, messageID, recipientID string) error {
	state := t.state(messageID)
	if state == nil {
		return ErrMessageNotFound
	}

	state.mu.Lock()
	if _, ok := state.recipients[recipientID]; !ok {
		state.mu.Unlock()
		return ErrIdentityNotFound
	}
	if state.msg.DeliveredAt(recipientID) || state.msg.ReadAt(recipientID) {
		state.mu.Unlock()
		return nil
	}
	now := time.Now().UTC()
	state.msg.DeliveredTo = append(state.msg.DeliveredTo, entity.Receipt{RecipientID: recipientID, At: now})
	promote(state.msg, entity.MessageDelivered)
	snapshot := cloneMessage(state.msg)
	state.mu.Unlock()

	return t.commit(ctx, snapshot, recipientID, entity.MessageDelivered, now)
}

// MarkRead records a read receipt. A sender may not read their own message;
// that case returns (false, nil) with no state change. A missing delivered
// receipt is back-filled at the same instant, since read implies delivered.
func (t *DeliveryTracker) MarkRead(ctx context.Context, messageID, recipientID string) (bool, error) {
	state := t.state(messageID)
	if state == nil {
		return false, ErrMessageNotFound
	}

	state.mu.Lock()
	if state.msg.SenderID == recipientID {
		state.mu.Unlock()
		return false, nil
	}
	if _, ok := state.recipients[recipientID]; !ok {
		state.mu.Unlock()
		return false, ErrIdentityNotFound
	}
	if state.msg.ReadAt(recipientID) {
		state.mu.Unlock()
		return true, nil
	}
	now := time.Now().UTC()
	if !state.msg.DeliveredAt(recipientID) {
		state.msg.DeliveredTo = append(state.msg.DeliveredTo, entity.Receipt{RecipientID: recipientID, At: now})
	}
	state.msg.ReadBy = append(state.msg.ReadBy, entity.Receipt{RecipientID: recipientID, At: now})
	promote(state.msg, entity.MessageRead)
	snapshot := cloneMessage(state.msg)
	state.mu.Unlock()

	if err := t.commit(ctx, snapshot, recipientID, entity.MessageRead, now); err != nil {
		return true, err
	}
	return true, nil
}

// MarkActiveView records delivery for every tracked message in the room
// still undelivered for the recipient. Called when a client declares the
// room as its active view; a connected client that is not viewing the room
// is deliberately not auto-marked.
func (t *DeliveryTracker) MarkActiveView(ctx context.Context, roomID, recipientID string) int {
	t.mu.RLock()
	ids := make([]string, len(t.byRoom[roomID]))
	copy(ids, t.byRoom[roomID])
	t.mu.RUnlock()

	marked := 0
	for _, id := range ids {
		state := t.state(id)
		if state == nil {
			continue
		}
		state.mu.Lock()
		_, intended := state.recipients[recipientID]
		pending := intended && !state.msg.DeliveredAt(recipientID) && !state.msg.ReadAt(recipientID)
		state.mu.Unlock()
		if !pending {
			continue
		}
		if err := t.MarkDelivered(ctx, id, recipientID); err != nil {
			t.log.Warn("active-view delivery failed",
				slog.String("message_id", id),
				slog.String("recipient_id", recipientID),
				sl.Err(err),
			)
			continue
		}
		marked++
	}
	return marked
}

func (t *DeliveryTracker) state(messageID string) *messageState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.messages[messageID]
}

// commit persists the snapshot and emits the status event. A store failure
// is surfaced to the caller; the in-memory receipt is kept and heals on the
// next successful write.
func (t *DeliveryTracker) commit(ctx context.Context, snapshot *entity.Message, recipientID, state string, at time.Time) error {
	var storeErr error
	if err := t.store.UpdateMessageStatus(ctx, snapshot); err != nil {
		t.log.Error("persist message status",
			slog.String("message_id", snapshot.ID),
			sl.Err(err),
		)
		storeErr = ErrUpstreamUnavailable
	}

	t.bus.ToRoom(snapshot.RoomID, entity.EventMessageStatus, entity.MessageStatusPayload{
		MessageID:   snapshot.ID,
		RoomID:      snapshot.RoomID,
		Status:      snapshot.Status,
		RecipientID: recipientID,
		State:       state,
		At:          at,
	})
	return storeErr
}

func promote(msg *entity.Message, status string) {
	if entity.StatusRank(status) > entity.StatusRank(msg.Status) {
		msg.Status = status
	}
}

func cloneMessage(msg *entity.Message) *entity.Message {
	cp := *msg
	cp.DeliveredTo = append([]entity.Receipt(nil), msg.DeliveredTo...)
	cp.ReadBy = append([]entity.Receipt(nil), msg.ReadBy...)
	return &cp
}
