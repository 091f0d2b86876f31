package redisreg

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pricerelay.com/pkg/register"
)

func newReg(t *testing.T) (*RedisRegister, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "relay:instances", 3*time.Second), mr
}

func TestRedisRegister_RegisterListUnRegister(t *testing.T) {
	r, _ := newReg(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &register.Instance{ID: "a", Name: "relay-service", Addr: ":8080"}
	b := &register.Instance{ID: "b", Name: "relay-service", Addr: ":8081"}
	other := &register.Instance{ID: "c", Name: "relay-watch"}
	for _, ins := range []*register.Instance{a, b, other} {
		require.NoError(t, r.Register(ctx, ins))
	}

	list, err := r.List(ctx, "relay-service")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, r.UnRegister(ctx, a))
	list, err = r.List(ctx, "relay-service")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ":8081", list[0].Addr)
}

func TestRedisRegister_ExpiresWithoutKeepalive(t *testing.T) {
	r, mr := newReg(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Register(ctx, &register.Instance{ID: "a", Name: "relay-service"}))
	assert.Equal(t, 3*time.Second, mr.TTL("relay:instances:relay-service:a"))

	// 进程挂了：续期停掉，ttl 过后自动消失
	cancel()
	mr.FastForward(4 * time.Second)
	list, err := r.List(context.Background(), "relay-service")
	require.NoError(t, err)
	assert.Empty(t, list)
}
