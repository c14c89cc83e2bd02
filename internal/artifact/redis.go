package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// putScript stores the payload, bumps its recency and trims the LRU index.
// KEYS: item, lru zset, sequence. ARGV: id, payload, ttl ms, max items, item key prefix.
var putScript = redis.NewScript(`
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
local seq = redis.call('INCR', KEYS[3])
redis.call('ZADD', KEYS[2], seq, ARGV[1])
local evicted = {}
local max = tonumber(ARGV[4])
if max > 0 then
  local over = redis.call('ZCARD', KEYS[2]) - max
  if over > 0 then
    evicted = redis.call('ZRANGE', KEYS[2], 0, over - 1)
    for _, v in ipairs(evicted) do
      redis.call('DEL', ARGV[5] .. v)
    end
    redis.call('ZREMRANGEBYRANK', KEYS[2], 0, over - 1)
  end
end
return evicted
`)

// getScript returns the payload and refreshes recency, or drops a stale index entry.
var getScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  redis.call('ZREM', KEYS[2], ARGV[1])
  return false
end
local seq = redis.call('INCR', KEYS[3])
redis.call('ZADD', KEYS[2], 'XX', seq, ARGV[1])
return v
`)

// RedisStore shares artifacts between processes. Payloads are stored as JSON
// with a native key expiry; recency lives in a sorted set.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	maxItems int
	ttl      time.Duration
	opts     options
}

func NewRedisStore(client *redis.Client, prefix string, maxItems int, ttl time.Duration, opts ...Option) *RedisStore {
	if prefix == "" {
		prefix = "artifact"
	}
	return &RedisStore{client: client, prefix: prefix, maxItems: maxItems, ttl: ttl, opts: buildOptions(opts)}
}

func (s *RedisStore) itemKey(id string) string { return fmt.Sprintf("%s:item:%s", s.prefix, id) }
func (s *RedisStore) lruKey() string           { return s.prefix + ":lru" }
func (s *RedisStore) seqKey() string           { return s.prefix + ":seq" }

func (s *RedisStore) Put(ctx context.Context, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode artifact: %w", err)
	}
	id := s.opts.newID()
	evicted, err := putScript.Run(ctx, s.client,
		[]string{s.itemKey(id), s.lruKey(), s.seqKey()},
		id, data, s.ttl.Milliseconds(), s.maxItems, s.prefix+":item:",
	).StringSlice()
	if err != nil {
		return "", fmt.Errorf("put artifact: %w", err)
	}
	s.opts.metrics.RecordArtifactEvent("put")
	for range evicted {
		s.opts.metrics.RecordArtifactEvent("evicted")
	}
	if len(evicted) > 0 {
		s.opts.logger.Debug("artifacts evicted", zap.Strings("artifact_ids", evicted))
	}
	return id, nil
}

// Get returns the decoded payload as json.RawMessage.
func (s *RedisStore) Get(ctx context.Context, id string) (any, error) {
	val, err := getScript.Run(ctx, s.client, []string{s.itemKey(id), s.lruKey(), s.seqKey()}, id).Text()
	if errors.Is(err, redis.Nil) {
		s.opts.metrics.RecordArtifactEvent("miss")
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", id, err)
	}
	s.opts.metrics.RecordArtifactEvent("hit")
	return json.RawMessage(val), nil
}

func (s *RedisStore) Evict(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.itemKey(id))
		p.ZRem(ctx, s.lruKey(), id)
		return nil
	})
	return err
}

// Stats counts the recency index, which may briefly include expired ids
// until they are next read.
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	n, err := s.client.ZCard(ctx, s.lruKey()).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("artifact stats: %w", err)
	}
	return Stats{Count: int(n), Capacity: s.maxItems, TTL: s.ttl}, nil
}
