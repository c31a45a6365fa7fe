package chat

import (
	"context"

	"LiveDesk/entity"
)

type Core interface {
	ChatHistory(ctx context.Context, actor *entity.Identity, roomID string, limit, offset int) ([]entity.Message, error)
	RoomsFor(ctx context.Context, actor *entity.Identity) ([]entity.Room, error)
}
