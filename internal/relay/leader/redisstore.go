package leader

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"pricerelay.com/internal/relay/domain"
)

const DefaultRedisKey = "relay:leader:" + domain.LeaderRecordID

// KEYS[1]=key ARGV[1]=instance ARGV[2]=now ms ARGV[3]=cutoff ms
var acquireScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'instance_id', 'heartbeat_at')
local id = cur[1]
local hb = tonumber(cur[2])
if (not id) or id == ARGV[1] or (not hb) or hb < tonumber(ARGV[3]) then
  redis.call('HSET', KEYS[1], 'instance_id', ARGV[1], 'heartbeat_at', ARGV[2])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'instance_id') == ARGV[1] then
  redis.call('HSET', KEYS[1], 'heartbeat_at', '0')
  return 1
end
return 0
`)

// RedisStore hash + Lua CAS
type RedisStore struct {
	rdb redis.UniversalClient
	key string
}

func NewRedisStore(rdb redis.UniversalClient, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{rdb: rdb, key: key}
}

func (s *RedisStore) TryAcquire(ctx context.Context, instanceID string, now time.Time, timeout time.Duration) (bool, error) {
	nowMs := now.UnixMilli()
	n, err := acquireScript.Run(ctx, s.rdb, []string{s.key},
		instanceID, nowMs, nowMs-timeout.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, instanceID string) error {
	return releaseScript.Run(ctx, s.rdb, []string{s.key}, instanceID).Err()
}

func (s *RedisStore) Get(ctx context.Context) (domain.LeaderRecord, bool, error) {
	vals, err := s.rdb.HMGet(ctx, s.key, "instance_id", "heartbeat_at").Result()
	if err != nil {
		return domain.LeaderRecord{}, false, err
	}
	id, _ := vals[0].(string)
	if id == "" {
		return domain.LeaderRecord{}, false, nil
	}
	hbStr, _ := vals[1].(string)
	hb, err := strconv.ParseInt(hbStr, 10, 64)
	if err != nil {
		return domain.LeaderRecord{}, false, errors.New("leader: corrupt heartbeat_at in redis")
	}
	return domain.LeaderRecord{ID: domain.LeaderRecordID, InstanceID: id, HeartbeatAt: time.UnixMilli(hb)}, true, nil
}

var _ Store = (*RedisStore)(nil)
