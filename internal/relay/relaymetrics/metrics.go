package relaymetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const ns = "relay"

var (
	// ---- 下游 websocket ----
	Conns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "ws_conns",
		Help: "Active downstream websocket connections",
	})
	ConnOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "ws_conn_open_total",
		Help: "Total downstream websocket connections opened",
	})
	ConnCloseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "ws_conn_close_total",
		Help: "Total downstream connections closed, by reason",
	}, []string{"reason"})
	MsgsOutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "ws_msgs_out_total",
		Help: "Messages written to downstream clients, by type",
	}, []string{"type"})
	BroadcastBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Name: "broadcast_batch_size",
		Help:    "Instruments per coalesced broadcast window",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
	})
	WriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Name: "ws_write_duration_seconds",
		Help:    "Duration of a downstream websocket write",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	// ---- 上游 feed ----
	FeedState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "feed_state",
		Help: "Upstream connection state (0=disconnected,1=connecting,2=connected,3=closing,4=error)",
	})
	FeedReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "feed_reconnects_total",
		Help: "Upstream reconnect attempts, by failure class",
	}, []string{"class"})
	FeedEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "feed_events_total",
		Help: "Upstream events, by outcome (applied/ignored/invalid/status)",
	}, []string{"outcome"})

	// ---- leader ----
	IsLeader = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "is_leader",
		Help: "1 when this instance holds leadership",
	})
	HeartbeatErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "leader_heartbeat_errors_total",
		Help: "Failed leader heartbeat renewals",
	})

	// ---- persist ----
	PersistFlushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "persist_flush_total",
		Help: "Batched price upserts, by sink and result",
	}, []string{"sink", "result"})
	PersistRows = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Name: "persist_rows",
		Help:    "Rows per persistence flush",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
	})

	// ---- client controller ----
	ClientMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Name: "client_mode",
		Help: "1 for the controller's current mode",
	}, []string{"mode"})
)

func OnOpen() {
	Conns.Inc()
	ConnOpenTotal.Inc()
}

func OnClose(reason string) {
	Conns.Dec()
	ConnCloseTotal.WithLabelValues(reason).Inc()
}

func ObserveWrite(msgType string, dur time.Duration) {
	MsgsOutTotal.WithLabelValues(msgType).Inc()
	WriteDuration.Observe(dur.Seconds())
}

func ObserveFlush(sink string, rows int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	PersistFlushTotal.WithLabelValues(sink, result).Inc()
	if err == nil && rows > 0 {
		PersistRows.Observe(float64(rows))
	}
}

func SetLeader(v bool) {
	if v {
		IsLeader.Set(1)
		return
	}
	IsLeader.Set(0)
}

func SetFeedState(code uint8) { FeedState.Set(float64(code)) }

func SetClientMode(mode string, all ...string) {
	for _, m := range all {
		ClientMode.WithLabelValues(m).Set(0)
	}
	ClientMode.WithLabelValues(mode).Set(1)
}

func Itoa(n int) string { return strconv.Itoa(n) }
