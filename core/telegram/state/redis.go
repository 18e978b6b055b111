package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/m3rciful/apptbot/core/logger"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces session keys.
const DefaultRedisPrefix = "apptbot:session"

type redisManager struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisManager stores sessions as JSON under "<prefix>:<chat_id>" with
// the given expiry so abandoned conversations disappear on their own.
func NewRedisManager(client redis.Cmdable, prefix string, ttl time.Duration) Manager {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &redisManager{client: client, prefix: prefix, ttl: ttl}
}

func (m *redisManager) key(chatID int64) string {
	return m.prefix + ":" + strconv.FormatInt(chatID, 10)
}

func (m *redisManager) Get(ctx context.Context, chatID int64) (*Session, error) {
	raw, err := m.client.Get(ctx, m.key(chatID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: get session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("state: decode session: %w", err)
	}
	if s.Data == nil {
		s.Data = make(map[string]string)
	}
	return &s, nil
}

func (m *redisManager) Save(ctx context.Context, chatID int64, s *Session) error {
	if s == nil {
		return nil
	}
	stored := s.clone()
	stored.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("state: encode session: %w", err)
	}
	if err := m.client.Set(ctx, m.key(chatID), raw, m.ttl).Err(); err != nil {
		return fmt.Errorf("state: save session: %w", err)
	}
	return nil
}

func (m *redisManager) Clear(ctx context.Context, chatID int64) error {
	if err := m.client.Del(ctx, m.key(chatID)).Err(); err != nil {
		return fmt.Errorf("state: clear session: %w", err)
	}
	return nil
}

func (m *redisManager) InProgress(ctx context.Context, chatID int64) bool {
	s, err := m.Get(ctx, chatID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			attrs := append([]slog.Attr{slog.Int64("chat_id", chatID)}, logger.Err(err)...)
			logger.Warn(ctx, logger.CompSession, "session.lookup_failed", attrs...)
		}
		return false
	}
	return s.State != StateIdle
}
