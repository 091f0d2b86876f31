package leader

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"pricerelay.com/internal/relay/domain"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	s := NewSQLStore(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newMiniRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, "")
}

// 每个后端跑同一套语义
func TestStores(t *testing.T) {
	backends := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemStore() },
		"sql":    func(t *testing.T) Store { return newSQLiteStore(t) },
		"redis":  func(t *testing.T) Store { return newMiniRedisStore(t) },
	}
	for name, mk := range backends {
		t.Run(name, func(t *testing.T) {
			t.Run("FreshHeartbeatBlocksOthers", func(t *testing.T) { testFresh(t, mk(t)) })
			t.Run("StaleHeartbeatTakeover", func(t *testing.T) { testTakeover(t, mk(t)) })
			t.Run("ReleaseMakesStale", func(t *testing.T) { testRelease(t, mk(t)) })
		})
	}
}

const timeout = 30 * time.Second

var t0 = time.UnixMilli(1_700_000_000_000)

func testFresh(t *testing.T, s Store) {
	ctx := context.Background()
	_, ok, err := s.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	won, err := s.TryAcquire(ctx, "a", t0, timeout)
	require.NoError(t, err)
	assert.True(t, won, "空表直接当选")

	won, err = s.TryAcquire(ctx, "b", t0.Add(10*time.Second), timeout)
	require.NoError(t, err)
	assert.False(t, won, "a 的心跳还新鲜")

	won, err = s.TryAcquire(ctx, "a", t0.Add(5*time.Second), timeout)
	require.NoError(t, err)
	assert.True(t, won, "自己续期")

	won, err = s.TryAcquire(ctx, "a", t0.Add(5*time.Second), timeout)
	require.NoError(t, err)
	assert.True(t, won, "同一毫秒重复续期")

	rec, ok, err := s.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", rec.InstanceID)
	assert.Equal(t, t0.Add(5*time.Second).UnixMilli(), rec.HeartbeatAt.UnixMilli())

	// 恰好 timeout 仍然算活着
	won, err = s.TryAcquire(ctx, "b", t0.Add(5*time.Second+timeout), timeout)
	require.NoError(t, err)
	assert.False(t, won)
}

func testTakeover(t *testing.T, s Store) {
	ctx := context.Background()
	won, err := s.TryAcquire(ctx, "a", t0, timeout)
	require.NoError(t, err)
	require.True(t, won)

	won, err = s.TryAcquire(ctx, "b", t0.Add(timeout+time.Millisecond), timeout)
	require.NoError(t, err)
	assert.True(t, won, "过期后接管")

	rec, _, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", rec.InstanceID)

	won, err = s.TryAcquire(ctx, "a", t0.Add(timeout+2*time.Millisecond), timeout)
	require.NoError(t, err)
	assert.False(t, won, "旧 leader 续期失败")
}

func testRelease(t *testing.T, s Store) {
	ctx := context.Background()
	won, err := s.TryAcquire(ctx, "a", t0, timeout)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, s.Release(ctx, "b"), "不是自己的记录什么都不做")
	won, err = s.TryAcquire(ctx, "b", t0.Add(time.Second), timeout)
	require.NoError(t, err)
	assert.False(t, won)

	require.NoError(t, s.Release(ctx, "a"))
	won, err = s.TryAcquire(ctx, "b", t0.Add(2*time.Second), timeout)
	require.NoError(t, err)
	assert.True(t, won, "释放后立即可接管")
}

func TestDecodeEtcdValue(t *testing.T) {
	b, err := json.Marshal(etcdValue{InstanceID: "a", HeartbeatAt: t0.UnixMilli()})
	require.NoError(t, err)
	rec, err := decodeEtcdValue(b)
	require.NoError(t, err)
	assert.Equal(t, domain.LeaderRecordID, rec.ID)
	assert.Equal(t, "a", rec.InstanceID)
	assert.True(t, rec.HeartbeatAt.Equal(t0))

	_, err = decodeEtcdValue([]byte("{"))
	assert.Error(t, err)
}
