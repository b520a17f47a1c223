package usage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// recordScript appends one signature and trims entries older than the retention.
// KEYS[1] = usage key
// ARGV[1] = timestamp (unix ms)
// ARGV[2] = unique member
// ARGV[3] = cutoff (unix ms)
// ARGV[4] = key ttl (seconds)
var recordScript = redis.NewScript(`
local key = KEYS[1]
redis.call("ZADD", key, tonumber(ARGV[1]), ARGV[2])
redis.call("ZREMRANGEBYSCORE", key, "-inf", "(" .. ARGV[3])
redis.call("EXPIRE", key, tonumber(ARGV[4]))
return redis.call("ZCARD", key)
`)

// RedisStore keeps one sorted set per (chain, sender), scored by signing time.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisStore(addr, password string, db int, retention time.Duration) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb, retention: retention}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Record(ctx context.Context, chainID uint64, sender common.Address, at time.Time) error {
	cutoff := at.Add(-s.retention)
	ttl := int64(s.retention / time.Second)
	if ttl < 1 {
		ttl = 1
	}

	err := recordScript.Run(ctx, s.client, []string{key(chainID, sender)},
		at.UnixMilli(), uuid.NewString(), cutoff.UnixMilli(), ttl).Err()
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

func (s *RedisStore) CountSince(ctx context.Context, chainID uint64, sender common.Address, since time.Time) (int, error) {
	n, err := s.client.ZCount(ctx, key(chainID, sender), strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func key(chainID uint64, sender common.Address) string {
	return fmt.Sprintf("usage:%d:%s", chainID, strings.ToLower(sender.Hex()))
}
