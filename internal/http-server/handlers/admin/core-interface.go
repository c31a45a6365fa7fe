package admin

import (
	"context"

	"LiveDesk/entity"
)

type Core interface {
	AssignRoom(ctx context.Context, roomID, agentID, reason string) (*entity.Room, error)
	TransferRoom(ctx context.Context, roomID, fromAgentID, toAgentID, reason string) (*entity.Room, error)
	RemoveAgent(ctx context.Context, roomID, reason string) (*entity.Room, error)
}
