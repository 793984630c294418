package abuse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// suspicionScript increments the counter, restarting it when the window
// since first_seen has passed. Times are unix milliseconds. Returns
// {count, first_seen}.
var suspicionScript = redis.NewScript(`
local first = redis.call('HGET', KEYS[1], 'first_seen')
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
if (not first) or (now - tonumber(first) > window) then
	redis.call('HSET', KEYS[1], 'first_seen', now, 'count', 1)
	redis.call('PEXPIRE', KEYS[1], window)
	return {1, now}
end
local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
return {count, tonumber(first)}
`)

// RedisStore keeps correlation state in Redis: a set of keys per IP, one
// hash of bans and a hash per IP for suspicion
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore creates a RedisStore. An empty prefix defaults to "abuse".
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	prefix = strings.Trim(prefix, ":")
	if prefix == "" {
		prefix = "abuse"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) keysKey(ip string) string      { return s.prefix + ":keys:" + ip }
func (s *RedisStore) suspicionKey(ip string) string { return s.prefix + ":suspicion:" + ip }
func (s *RedisStore) bansKey() string               { return s.prefix + ":bans" }

// GetBan implements Store
func (s *RedisStore) GetBan(ctx context.Context, ip string) (*Ban, error) {
	raw, err := s.rdb.HGet(ctx, s.bansKey(), ip).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var ban Ban
	if err := json.Unmarshal([]byte(raw), &ban); err != nil {
		return nil, fmt.Errorf("decode ban: %w", err)
	}
	return &ban, nil
}

// AddKey implements Store
func (s *RedisStore) AddKey(ctx context.Context, ip, apiKey string) (int, error) {
	var card *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.keysKey(ip), apiKey)
		card = pipe.SCard(ctx, s.keysKey(ip))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(card.Val()), nil
}

// SaveBan implements Store
func (s *RedisStore) SaveBan(ctx context.Context, ban Ban) error {
	b, err := json.Marshal(ban)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.bansKey(), ban.IP, b).Err()
}

// IncrementSuspicion implements Store
func (s *RedisStore) IncrementSuspicion(ctx context.Context, ip string, now time.Time, window time.Duration) (Suspicion, error) {
	vals, err := suspicionScript.Run(ctx, s.rdb,
		[]string{s.suspicionKey(ip)}, now.UnixMilli(), window.Milliseconds()).Int64Slice()
	if err != nil {
		return Suspicion{}, err
	}
	if len(vals) != 2 {
		return Suspicion{}, fmt.Errorf("unexpected suspicion reply %v", vals)
	}
	return Suspicion{Count: int(vals[0]), FirstSeen: time.UnixMilli(vals[1]).UTC()}, nil
}

// ListBans implements Store
func (s *RedisStore) ListBans(ctx context.Context) ([]Ban, error) {
	all, err := s.rdb.HGetAll(ctx, s.bansKey()).Result()
	if err != nil {
		return nil, err
	}

	bans := make([]Ban, 0, len(all))
	for ip, raw := range all {
		var ban Ban
		if err := json.Unmarshal([]byte(raw), &ban); err != nil {
			ban = Ban{IP: ip}
		}
		bans = append(bans, ban)
	}
	sort.Slice(bans, func(i, j int) bool { return bans[i].IP < bans[j].IP })
	return bans, nil
}

// Clear implements Store
func (s *RedisStore) Clear(ctx context.Context, ip string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.bansKey(), ip)
		pipe.Del(ctx, s.keysKey(ip), s.suspicionKey(ip))
		return nil
	})
	return err
}
