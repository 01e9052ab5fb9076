package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

const redisPrefix = "console:session:"

// RedisStore keeps sessions in Redis so several console processes can
// share them. Keys expire with the session.
type RedisStore struct {
	rdb   redis.UniversalClient
	clock clockwork.Clock
}

// NewRedisStoreFromURL parses a redis:// URL.
func NewRedisStoreFromURL(rawURL string, clock clockwork.Clock) (*RedisStore, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return NewRedisStore(redis.NewClient(opt), clock), nil
}

func NewRedisStore(rdb redis.UniversalClient, clock clockwork.Clock) *RedisStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisStore{rdb: rdb, clock: clock}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) Load(ctx context.Context, id string) (*Record, error) {
	raw, err := s.rdb.Get(ctx, redisPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	if s.clock.Now().After(rec.ExpiresAt) {
		s.rdb.Del(ctx, redisPrefix+id)
		return nil, ErrNotFound
	}
	if rec.Values == nil {
		rec.Values = map[string]string{}
	}
	return &rec, nil
}

func (s *RedisStore) ttl(rec *Record) time.Duration {
	ttl := rec.ExpiresAt.Sub(s.clock.Now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (s *RedisStore) Save(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, redisPrefix+rec.ID, raw, s.ttl(rec)).Err()
}

// Rename writes the new key and drops the old one in a MULTI/EXEC block.
func (s *RedisStore) Rename(ctx context.Context, oldID string, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisPrefix+rec.ID, raw, s.ttl(rec))
		pipe.Del(ctx, redisPrefix+oldID)
		return nil
	})
	return err
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, redisPrefix+id).Err()
}
