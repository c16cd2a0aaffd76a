package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDedupe implements Dedupe on Redis so several relay processes share
// one view. The settled marker is the key itself set to "true"; the
// in-flight lock is a separate SETNX key holding "<owner> <claimed at>"
// that expires on its own if the holder dies.
type RedisDedupe struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisDedupe creates a dedupe store on rdb.
func NewRedisDedupe(rdb *redis.Client) *RedisDedupe {
	return &RedisDedupe{rdb: rdb, now: time.Now}
}

// releaseScript deletes the lock only while ARGV[1] still owns it.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1]) + 1) == ARGV[1] .. " " then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisResult struct {
	TxHash    string    `json:"tx_hash"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *RedisDedupe) Claim(ctx context.Context, key, owner string, ttl time.Duration) (ClaimResult, error) {
	settled, err := s.settled(ctx, key)
	if err != nil {
		return 0, err
	}
	if settled {
		return Settled, nil
	}

	if owner == "" || strings.Contains(owner, " ") {
		return 0, fmt.Errorf("claim %s: invalid lock owner %q", key, owner)
	}
	value := owner + " " + s.now().UTC().Format(time.RFC3339Nano)
	ok, err := s.rdb.SetNX(ctx, lockKey(key), value, ttl).Result()
	if err != nil {
		return 0, fmt.Errorf("claim %s: %w", key, err)
	}
	if !ok {
		return InFlight, nil
	}

	// The previous holder may have settled between the two round trips.
	settled, err = s.settled(ctx, key)
	if err != nil {
		return 0, err
	}
	if settled {
		releaseScript.Run(ctx, s.rdb, []string{lockKey(key)}, owner)
		return Settled, nil
	}
	return Claimed, nil
}

func (s *RedisDedupe) MarkSettled(ctx context.Context, key, txHash string) error {
	data, err := json.Marshal(redisResult{TxHash: txHash, UpdatedAt: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode result %s: %w", key, err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, "true", 0)
		pipe.Set(ctx, resultKey(key), data, 0)
		pipe.Del(ctx, lockKey(key))
		return nil
	})
	if err != nil {
		return fmt.Errorf("settle %s: %w", key, err)
	}
	return nil
}

func (s *RedisDedupe) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{lockKey(key)}, owner).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

func (s *RedisDedupe) Get(ctx context.Context, key string) (*Record, error) {
	settled, err := s.settled(ctx, key)
	if err != nil {
		return nil, err
	}
	if !settled {
		lock, err := s.rdb.Get(ctx, lockKey(key)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		rec := &Record{Key: key}
		if _, lockedAt, ok := strings.Cut(lock, " "); ok {
			rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, lockedAt)
		}
		return rec, nil
	}

	rec := &Record{Key: key, Settled: true}
	data, err := s.rdb.Get(ctx, resultKey(key)).Bytes()
	if err == nil {
		var res redisResult
		if json.Unmarshal(data, &res) == nil {
			rec.TxHash = res.TxHash
			rec.UpdatedAt = res.UpdatedAt
		}
	}
	return rec, nil
}

func (s *RedisDedupe) settled(ctx context.Context, key string) (bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	return v == "true", nil
}

func lockKey(key string) string   { return fmt.Sprintf("lock:%s", key) }
func resultKey(key string) string { return fmt.Sprintf("result:%s", key) }
