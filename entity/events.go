package entity

import (
	"encoding/json"
	"time"
)

// Action is the envelope for every inbound websocket message.
type Action struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Inbound action types.
const (
	ActionJoinRoom        = "join-room"
	ActionLeaveRoom       = "leave-room"
	ActionSendMessage     = "send-message"
	ActionMarkDelivered   = "mark-delivered"
	ActionMarkRead        = "mark-read"
	ActionSetTyping       = "set-typing"
	ActionSetActiveRoom   = "set-active-room"
	ActionOnlineIdentities = "request-online-identities"
	ActionOnlineAgents    = "request-online-agents"
	ActionAgentStatus     = "agent-status-update"
	ActionAdminAssign     = "admin-assign"
	ActionAdminTransfer   = "admin-transfer"
	ActionAdminRemove     = "admin-remove"
)

// Outbound event types.
const (
	EventNewMessage      = "new-message"
	EventMessageStatus   = "message-status-updated"
	EventUserTyping      = "user-typing"
	EventUserJoinedRoom  = "user-joined-room"
	EventUserLeftRoom    = "user-left-room"
	EventPresenceChanged = "presence-changed"
	EventOnlineIdentities = "online-identities"
	EventOnlineAgents    = "online-agents"
	EventRoomUpdated     = "room-updated"
	EventChatHistory     = "chat-history"
	EventError           = "error"
)

type JoinRoomData struct {
	RoomID string `json:"room_id" validate:"required"`
}

type LeaveRoomData struct {
	RoomID string `json:"room_id" validate:"required"`
}

type SendMessageData struct {
	RoomID  string `json:"room_id" validate:"required"`
	Content string `json:"content" validate:"required,max=4096"`
}

type MarkDeliveredData struct {
	MessageID string `json:"message_id" validate:"required"`
}

type MarkReadData struct {
	MessageID string `json:"message_id" validate:"required"`
}

type TypingData struct {
	RoomID string `json:"room_id" validate:"required"`
	Typing bool   `json:"typing"`
}

type ActiveRoomData struct {
	RoomID string `json:"room_id"` // empty clears the active view
}

type AgentStatusData struct {
	Status string `json:"status" validate:"required,oneof=available away busy"`
}

type AssignData struct {
	RoomID  string `json:"room_id" validate:"required"`
	AgentID string `json:"agent_id" validate:"required"`
	Reason  string `json:"reason,omitempty"`
}

type TransferData struct {
	RoomID      string `json:"room_id" validate:"required"`
	FromAgentID string `json:"from_agent_id" validate:"required"`
	ToAgentID   string `json:"to_agent_id" validate:"required"`
	Reason      string `json:"reason,omitempty"`
}

type RemoveData struct {
	RoomID string `json:"room_id" validate:"required"`
	Reason string `json:"reason,omitempty"`
}

// Outbound payloads.

type MessageStatusPayload struct {
	MessageID   string    `json:"message_id"`
	RoomID      string    `json:"room_id"`
	Status      string    `json:"status"`
	RecipientID string    `json:"recipient_id"`
	State       string    `json:"state"` // per-recipient: "delivered" | "read"
	At          time.Time `json:"at"`
}

type TypingPayload struct {
	RoomID     string `json:"room_id"`
	IdentityID string `json:"identity_id"`
	Typing     bool   `json:"typing"`
}

type PresencePayload struct {
	IdentityID string    `json:"identity_id"`
	Online     bool      `json:"online"`
	At         time.Time `json:"at"`
}

type RoomMemberPayload struct {
	RoomID     string `json:"room_id"`
	IdentityID string `json:"identity_id"`
}

type ChatHistoryPayload struct {
	RoomID   string    `json:"room_id"`
	Messages []Message `json:"messages"`
}

type ErrorPayload struct {
	Action string `json:"action,omitempty"`
	Reason string `json:"reason"`
}
