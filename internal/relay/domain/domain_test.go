package domain

import (
	"math"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaderRecord_Freshness(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	timeout := 30 * time.Second
	rec := LeaderRecord{ID: LeaderRecordID, InstanceID: "a", HeartbeatAt: now.Add(-10 * time.Second)}

	assert.True(t, rec.Fresh(now, timeout))
	assert.True(t, rec.AcquirableBy("a", now, timeout), "自己续期")
	assert.False(t, rec.AcquirableBy("b", now, timeout), "别人的心跳还新鲜")

	rec.HeartbeatAt = now.Add(-31 * time.Second)
	assert.False(t, rec.Fresh(now, timeout))
	assert.True(t, rec.AcquirableBy("b", now, timeout), "过期可以接管")

	rec.HeartbeatAt = now.Add(-timeout)
	assert.True(t, rec.Fresh(now, timeout), "恰好等于 timeout 仍算存活")

	assert.True(t, LeaderRecord{}.AcquirableBy("b", now, timeout), "空记录")
}

func TestPriceUpdate_Valid(t *testing.T) {
	assert.True(t, PriceUpdate{Instrument: "BTC", Price: 1}.Valid())
	assert.False(t, PriceUpdate{Instrument: "BTC", Price: 0}.Valid())
	assert.False(t, PriceUpdate{Instrument: "BTC", Price: -3}.Valid())
	assert.False(t, PriceUpdate{Instrument: "BTC", Price: math.Inf(1)}.Valid())
	assert.False(t, PriceUpdate{Instrument: "BTC", Price: math.NaN()}.Valid())
	assert.False(t, PriceUpdate{Price: 5}.Valid())
}

func TestPriceUpdate_JSON(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_123)
	b, err := json.Marshal(PriceUpdate{Instrument: "BTC", Price: 50005, EventTime: ts})
	require.NoError(t, err)
	assert.JSONEq(t, `{"instrument":"BTC","price":50005,"change24h":0,"volume":null,"eventTime":1700000000123}`, string(b))

	var back PriceUpdate
	require.NoError(t, json.Unmarshal([]byte(`{"instrument":"ETH","price":3000.5,"change24h":1.2,"volume":42,"eventTime":1700000000123}`), &back))
	assert.Equal(t, "ETH", back.Instrument)
	require.NotNil(t, back.Volume)
	assert.Equal(t, 42.0, *back.Volume)
	assert.True(t, back.EventTime.Equal(ts))
}

func TestSubscriptions(t *testing.T) {
	subs := []InstrumentSubscription{
		{FeedChannel: "XA.X:ETHUSD", DisplaySymbol: "ETH", AssetClass: AssetCrypto, Enabled: true, Position: 2},
		{FeedChannel: "XA.X:BTCUSD", DisplaySymbol: "BTC", AssetClass: AssetCrypto, Enabled: true, Position: 1},
		{FeedChannel: "CA.C:EURUSD", DisplaySymbol: "EUR/USD", AssetClass: AssetForex, Enabled: false, Position: 0},
	}
	require.NoError(t, ValidateSubscriptions(subs))
	assert.Equal(t, []string{"BTC", "ETH"}, Symbols(subs))

	dup := append(subs, InstrumentSubscription{FeedChannel: "XA.X:BTCUSD", DisplaySymbol: "B", AssetClass: AssetCrypto})
	assert.Error(t, ValidateSubscriptions(dup))
	assert.Error(t, ValidateSubscriptions([]InstrumentSubscription{{FeedChannel: "x", DisplaySymbol: "x", AssetClass: "stock"}}))
}
