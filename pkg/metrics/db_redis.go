package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	DbPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "app_db_pool_open",
		Help: "Current open DB connections",
	})
	DbPoolIdle  = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_db_pool_idle"})
	DbPoolInuse = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_db_pool_inuse"})

	RedisPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_redis_pool_open"})
	RedisPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_redis_pool_idle"})
)

// WatchPools 每 every 采一次连接池状态；db/rdb 为 nil 的跳过
func WatchPools(ctx context.Context, every time.Duration, db *sql.DB, rdb *redis.Client) {
	if db == nil && rdb == nil {
		return
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			if db != nil {
				st := db.Stats()
				DbPoolOpen.Set(float64(st.OpenConnections))
				DbPoolIdle.Set(float64(st.Idle))
				DbPoolInuse.Set(float64(st.InUse))
			}
			if rdb != nil {
				st := rdb.PoolStats()
				RedisPoolOpen.Set(float64(st.TotalConns))
				RedisPoolIdle.Set(float64(st.IdleConns))
			}
		}
	}()
}
