package core

// Broadcaster fans internal state changes out to connected parties. It is
// fire-and-forget: delivery to an identity with no live connection is not
// an error, the identity catches up via history replay on reconnect.
type Broadcaster interface {
	ToRoom(roomID, event string, payload any)
	ToIdentity(identityID, event string, payload any)
	Global(event string, payload any)
}
