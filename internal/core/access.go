package core

import (
	"LiveDesk/entity"
)

// AccessController decides, per room and per actor, whether a read, join or
// send action is permitted. Rules are evaluated in order, first match wins.
//
// Support rooms are gated harder than direct/group rooms: an agent that is
// not the room's assigned agent may not read or send there, admins excepted.
type AccessController struct{}

func NewAccessController() *AccessController {
	return &AccessController{}
}

func (a *AccessController) CanRead(actor *entity.Identity, room *entity.Room) bool {
	return a.permitted(actor, room)
}

// CanJoin gates subscribing to a room's events. Visibility and participation
// are the same permission here, so the read gate is reused.
func (a *AccessController) CanJoin(actor *entity.Identity, room *entity.Room) bool {
	return a.CanRead(actor, room)
}

func (a *AccessController) CanSend(actor *entity.Identity, room *entity.Room) bool {
	return a.permitted(actor, room)
}

func (a *AccessController) permitted(actor *entity.Identity, room *entity.Room) bool {
	if actor == nil || room == nil {
		return false
	}

	if !room.IsSupport() {
		return room.HasParticipant(actor.ID) || actor.IsAdmin()
	}

	switch {
	case actor.IsCustomer() && room.HasParticipant(actor.ID):
		return true
	case room.AssignedAgentID() == actor.ID:
		return true
	case actor.IsAdmin():
		return true
	default:
		// Covers unassigned agents freelancing into support rooms and
		// anyone with no relation to the room.
		return false
	}
}
