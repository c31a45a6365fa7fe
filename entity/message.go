package entity

import (
	"time"
)

// Message is a single chat message with its per-recipient delivery state.
// Status is the maximum state reached by any recipient and never regresses.
type Message struct {
	ID          string    `json:"id" bson:"id"`
	RoomID      string    `json:"room_id" bson:"room_id"`
	SenderID    string    `json:"sender_id" bson:"sender_id"`
	Content     string    `json:"content" bson:"content"`
	Status      string    `json:"status" bson:"status"`
	DeliveredTo []Receipt `json:"delivered_to,omitempty" bson:"delivered_to,omitempty"`
	ReadBy      []Receipt `json:"read_by,omitempty" bson:"read_by,omitempty"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
}

// Receipt records one recipient reaching a delivery state.
type Receipt struct {
	RecipientID string    `json:"recipient_id" bson:"recipient_id"`
	At          time.Time `json:"at" bson:"at"`
}

const (
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageRead      = "read"
	MessageFailed    = "failed"
)

var statusRank = map[string]int{
	MessageFailed:    0,
	MessageSent:      1,
	MessageDelivered: 2,
	MessageRead:      3,
}

// StatusRank orders delivery states for monotonic promotion.
func StatusRank(status string) int {
	return statusRank[status]
}

// DeliveredAt reports whether the recipient already has a delivered receipt.
func (m *Message) DeliveredAt(recipientID string) bool {
	return hasReceipt(m.DeliveredTo, recipientID)
}

// ReadAt reports whether the recipient already has a read receipt.
func (m *Message) ReadAt(recipientID string) bool {
	return hasReceipt(m.ReadBy, recipientID)
}

func hasReceipt(receipts []Receipt, recipientID string) bool {
	for i := range receipts {
		if receipts[i].RecipientID == recipientID {
			return true
		}
	}
	return false
}
