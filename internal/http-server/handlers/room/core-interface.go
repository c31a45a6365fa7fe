package room

import (
	"context"

	"LiveDesk/entity"
)

type Core interface {
	CreateRoom(ctx context.Context, actor *entity.Identity, roomType string, participantIDs []string, agentID string) (*entity.Room, error)
}
