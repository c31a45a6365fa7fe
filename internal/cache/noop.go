package cache

import (
	"context"

	"LiveDesk/entity"
)

// Noop stands in when Redis is disabled: every read misses, every write
// succeeds, and history always comes from the persistence store.
type Noop struct{}

func NewNoop() Noop {
	return Noop{}
}

func (Noop) RecentMessages(context.Context, string) ([]entity.Message, error) {
	return nil, nil
}

func (Noop) PushRecent(context.Context, *entity.Message) error {
	return nil
}

func (Noop) SetPresence(context.Context, string, string) error {
	return nil
}

func (Noop) ClearPresence(context.Context, string) error {
	return nil
}
