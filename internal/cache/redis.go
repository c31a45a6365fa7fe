// Package cache provides the low-latency lookups backing the gateway:
// recent messages per room and presence hints. All reads are best-effort;
// callers fall back to the persistence store.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"LiveDesk/entity"
	"LiveDesk/internal/config"
	"LiveDesk/internal/lib/sl"
)

const (
	recentKeyPrefix   = "chat:recent:"
	presenceKeyPrefix = "presence:"
)

type Redis struct {
	client      *redis.Client
	recentCap   int
	presenceTTL time.Duration
	log         *slog.Logger
}

func NewRedisCache(conf *config.Config, logger *slog.Logger) *Redis {
	if !conf.Redis.Enabled {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     conf.Redis.Addr,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
	})
	return &Redis{
		client:      client,
		recentCap:   conf.History.RecentCap,
		presenceTTL: time.Duration(conf.Presence.TTLSeconds) * time.Second,
		log:         logger.With(sl.Module("cache.redis")),
	}
}

// RecentMessages returns the cached recent window for a room, newest first.
// An empty list is a valid miss.
func (r *Redis) RecentMessages(ctx context.Context, roomID string) ([]entity.Message, error) {
	raw, err := r.client.LRange(ctx, recentKeyPrefix+roomID, 0, int64(r.recentCap-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange recent: %w", err)
	}

	messages := make([]entity.Message, 0, len(raw))
	for _, item := range raw {
		var msg entity.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			r.log.Warn("corrupt cached message dropped", slog.String("room_id", roomID), sl.Err(err))
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// PushRecent prepends a message to the room's recent window and trims it.
func (r *Redis) PushRecent(ctx context.Context, msg *entity.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal recent message: %w", err)
	}

	key := recentKeyPrefix + msg.RoomID
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(r.recentCap-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis push recent: %w", err)
	}
	return nil
}

// SetPresence stores a presence hint with TTL; a missed clear expires on
// its own and the reconciliation sweep repairs the durable record.
func (r *Redis) SetPresence(ctx context.Context, identityID, connectionHint string) error {
	err := r.client.Set(ctx, presenceKeyPrefix+identityID, connectionHint, r.presenceTTL).Err()
	if err != nil {
		return fmt.Errorf("redis set presence: %w", err)
	}
	return nil
}

func (r *Redis) ClearPresence(ctx context.Context, identityID string) error {
	err := r.client.Del(ctx, presenceKeyPrefix+identityID).Err()
	if err != nil {
		return fmt.Errorf("redis clear presence: %w", err)
	}
	return nil
}
