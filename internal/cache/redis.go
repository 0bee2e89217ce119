package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/snappy"
	redis "github.com/redis/go-redis/v9"
	quotadomain "github.com/smallbiznis/allowance/internal/quota/domain"
)

const defaultKeyPrefix = "allowance:snapshot:"

// RedisStore keeps snappy-compressed JSON snapshots under prefix+user id.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(userID snowflake.ID) string {
	return s.prefix + userID.String()
}

func (s *RedisStore) Get(ctx context.Context, userID snowflake.ID) (*quotadomain.Snapshot, error) {
	raw, err := s.client.Get(ctx, s.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(raw)
}

func (s *RedisStore) Set(ctx context.Context, snapshot *quotadomain.Snapshot) error {
	if snapshot == nil {
		return nil
	}
	raw, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(snapshot.UserID), raw, s.ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, userID snowflake.ID) error {
	return s.client.Del(ctx, s.key(userID)).Err()
}

func encodeSnapshot(snapshot *quotadomain.Snapshot) ([]byte, error) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return snappy.Encode(nil, payload), nil
}

func decodeSnapshot(raw []byte) (*quotadomain.Snapshot, error) {
	payload, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	var snapshot quotadomain.Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snapshot, nil
}
