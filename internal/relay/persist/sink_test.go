package persist

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"pricerelay.com/internal/relay/domain"
)

func newSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func TestSQLSink_Upsert(t *testing.T) {
	ctx := context.Background()
	sink := NewSQLSink(newSQLite(t))
	require.NoError(t, sink.Migrate(ctx))

	require.NoError(t, sink.UpsertPrices(ctx, []domain.PriceUpdate{px("BTC", 50000), px("ETH", 3000)}))
	eth := px("ETH", 3001.25)
	eth.Volume = domain.Float(12)
	eth.Change24h = 1.5
	require.NoError(t, sink.UpsertPrices(ctx, []domain.PriceUpdate{px("BTC", 50005), eth}))
	require.NoError(t, sink.UpsertPrices(ctx, nil))

	got, err := sink.Latest(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2, "按 instrument 覆盖，不追加")
	assert.Equal(t, "BTC", got[0].Instrument)
	assert.Equal(t, 50005.0, got[0].Price)
	assert.Equal(t, 3001.25, got[1].Price)
	assert.Equal(t, 1.5, got[1].Change24h)
	require.NotNil(t, got[1].Volume)
	assert.Equal(t, 12.0, *got[1].Volume)
	assert.Equal(t, int64(1_700_000_000_000), got[1].EventTime.UnixMilli())
}

func TestRedisSink_Upsert(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	sink := NewRedisSink(rdb, "")
	require.NoError(t, sink.UpsertPrices(ctx, []domain.PriceUpdate{px("BTC", 50000), px("ETH", 3000)}))
	require.NoError(t, sink.UpsertPrices(ctx, []domain.PriceUpdate{px("BTC", 50005)}))

	keys, err := mr.HKeys(DefaultRedisKey)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	got, err := sink.Latest(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 50005.0, got[0].Price)
	assert.Equal(t, "ETH", got[1].Instrument)
}
