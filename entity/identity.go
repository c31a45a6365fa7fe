package entity

import (
	"time"
)

// Identity represents an authenticated participant, independent of any
// single connection. The persistence store owns it; the core holds a
// read/write-through view.
type Identity struct {
	ID       string    `json:"id" bson:"id"`
	Name     string    `json:"name" bson:"name" validate:"omitempty"`
	Role     string    `json:"role" bson:"role" validate:"omitempty,oneof=customer agent admin"`
	Online   bool      `json:"online" bson:"online"`
	Status   string    `json:"status,omitempty" bson:"status,omitempty"` // agent availability: "available" | "away" | "busy"
	LastSeen time.Time `json:"last_seen" bson:"last_seen"`
}

const (
	CustomerRole = "customer"
	AgentRole    = "agent"
	AdminRole    = "admin"
)

// IsAgent reports whether the identity may be bound to a support room.
// Admins qualify: they can take rooms like any agent.
func (i *Identity) IsAgent() bool {
	return i.Role == AgentRole || i.Role == AdminRole
}

func (i *Identity) IsAdmin() bool {
	return i.Role == AdminRole
}

func (i *Identity) IsCustomer() bool {
	return i.Role == CustomerRole
}
