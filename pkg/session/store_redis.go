package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisSessionPrefix = "dotpersona:session:"
	redisOwnerPrefix   = "dotpersona:owner:"
)

// RedisStore keeps each session as a JSON value plus a per-owner sorted set
// scored by creation time. A zero ttl keeps keys forever.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl < 0 {
		ttl = 0
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Create(ctx context.Context, sess Session) error {
	val, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ownerKey := s.ownerKey(sess.UserID, sess.CharacterID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, s.key(sess.ID), val, s.ttl)
		pipe.ZAdd(ctx, ownerKey, redis.Z{Score: float64(sess.CreatedAt.UnixMilli()), Member: sess.ID})
		if s.ttl > 0 {
			pipe.Expire(ctx, ownerKey, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis create session: %w", err)
	}
	return nil
}

// Get refreshes the TTL on every read.
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	key := s.key(id)
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	if s.ttl > 0 {
		_ = s.client.Expire(ctx, key, s.ttl).Err()
	}
	return &sess, nil
}

func (s *RedisStore) ListByOwner(ctx context.Context, userID, characterID string, limit int) ([]Session, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.ownerKey(userID, characterID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list sessions: %w", err)
	}

	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Expired value; the index entry is stale.
			continue
		}
		if err != nil {
			return nil, err
		}
		if sess.UserID != userID || sess.CharacterID != characterID {
			continue
		}
		out = append(out, *sess)
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(id string) string {
	return redisSessionPrefix + id
}

// ownerKey length-prefixes the user id so ids containing ':' cannot collide.
func (s *RedisStore) ownerKey(userID, characterID string) string {
	return fmt.Sprintf("%s%d:%s:%s", redisOwnerPrefix, len(userID), userID, characterID)
}
