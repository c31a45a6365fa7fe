package entity

import (
	"time"
)

// Room is a conversation scope. Participants and the assigned agent are
// fully resolved identities; the persistence adapter performs the join
// before a Room ever reaches the core.
type Room struct {
	ID            string     `json:"id" bson:"id"`
	Type          string     `json:"type" bson:"type" validate:"required,oneof=direct group support"`
	Status        string     `json:"status" bson:"status"`
	Participants  []Identity `json:"participants" bson:"-"`
	AssignedAgent *Identity  `json:"assigned_agent,omitempty" bson:"-"`
	LastActivity  time.Time  `json:"last_activity" bson:"last_activity"`
	Transfers     []Transfer `json:"transfers,omitempty" bson:"transfers,omitempty"`
}

// Transfer captures one agent hand-off. FromAgent is empty for the first
// assignment; ToAgent is empty when a removal found no replacement.
type Transfer struct {
	FromAgent string    `json:"from_agent,omitempty" bson:"from_agent,omitempty"`
	ToAgent   string    `json:"to_agent,omitempty" bson:"to_agent,omitempty"`
	At        time.Time `json:"at" bson:"at"`
	Reason    string    `json:"reason,omitempty" bson:"reason,omitempty"`
}

const (
	RoomDirect  = "direct"
	RoomGroup   = "group"
	RoomSupport = "support"
)

const (
	RoomActive  = "active"
	RoomPending = "pending"
	RoomClosed  = "closed"
)

func (r *Room) IsSupport() bool {
	return r.Type == RoomSupport
}

func (r *Room) IsOpen() bool {
	return r.Status == RoomActive || r.Status == RoomPending
}

// HasParticipant reports whether the identity is listed in the room.
func (r *Room) HasParticipant(identityID string) bool {
	for i := range r.Participants {
		if r.Participants[i].ID == identityID {
			return true
		}
	}
	return false
}

// AssignedAgentID returns the bound agent's id, or "" when unassigned.
func (r *Room) AssignedAgentID() string {
	if r.AssignedAgent == nil {
		return ""
	}
	return r.AssignedAgent.ID
}

// Recipients returns the intended recipients of a message sent by senderID:
// the participant set plus the assigned agent, minus the sender.
func (r *Room) Recipients(senderID string) []string {
	seen := make(map[string]struct{}, len(r.Participants)+1)
	out := make([]string, 0, len(r.Participants))
	for i := range r.Participants {
		id := r.Participants[i].ID
		if id == senderID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if a := r.AssignedAgentID(); a != "" && a != senderID {
		if _, ok := seen[a]; !ok {
			out = append(out, a)
		}
	}
	return out
}
