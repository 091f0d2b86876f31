package feed

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"
	"pricerelay.com/internal/relay/domain"
)

// 上游 status 帧里的值
const (
	StatusConnected      = "connected"
	StatusAuthSuccess    = "auth_success"
	StatusAuthFailed     = "auth_failed"
	StatusMaxConnections = "max_connections"
)

type EventKind uint8

const (
	EventPrice EventKind = iota + 1
	EventStatus
)

// Event 一帧解出来的一条有效事件
type Event struct {
	Kind    EventKind
	Status  string
	Message string
	Update  domain.PriceUpdate
}

type wireFrame struct {
	Ev      string   `json:"ev"`
	Status  string   `json:"status"`
	Message string   `json:"message"`
	Pair    string   `json:"pair"`
	Sym     string   `json:"sym"`
	P       *float64 `json:"p"` // XT price
	S       *float64 `json:"s"` // XT size
	T       int64    `json:"t"` // XT ms
	C       *float64 `json:"c"` // aggregate close
	V       *float64 `json:"v"` // aggregate volume
	E       int64    `json:"e"` // aggregate end ms
}

var rawPool = sync.Pool{
	New: func() any {
		s := make([]json.RawMessage, 0, 16)
		return &s
	},
}

var ErrMalformedFrame = errors.New("feed: malformed frame")

// Decoder 帧 -> 事件；只认订阅表里的品种
type Decoder struct {
	tickers map[string]string // "X:BTCUSD" -> "BTC"
	now     func() time.Time
}

func NewDecoder(subs []domain.InstrumentSubscription) *Decoder {
	d := &Decoder{tickers: make(map[string]string, len(subs)), now: time.Now}
	for _, s := range domain.EnabledSorted(subs) {
		if t := ChannelTicker(s.FeedChannel); t != "" {
			d.tickers[t] = s.DisplaySymbol
		}
	}
	return d
}

// Decode 接受数组或单个对象；整帧坏了返回 ErrMalformedFrame，单条坏了只跳过
func (d *Decoder) Decode(b []byte) ([]Event, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, ErrMalformedFrame
	}

	rp := rawPool.Get().(*[]json.RawMessage)
	raws := (*rp)[:0]
	defer func() {
		clear(raws)
		*rp = raws[:0]
		rawPool.Put(rp)
	}()

	single := false
	switch b[0] {
	case '[':
		if err := json.Unmarshal(b, &raws); err != nil {
			return nil, ErrMalformedFrame
		}
	case '{':
		single = true
		raws = append(raws, json.RawMessage(b))
	default:
		return nil, ErrMalformedFrame
	}

	out := make([]Event, 0, len(raws))
	var f wireFrame
	for _, raw := range raws {
		f = wireFrame{} // 清空，避免上一条的字段残留
		if err := json.Unmarshal(raw, &f); err != nil {
			if single {
				return nil, ErrMalformedFrame
			}
			continue
		}
		if ev, ok := d.event(&f); ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (d *Decoder) event(f *wireFrame) (Event, bool) {
	switch f.Ev {
	case "status":
		return Event{Kind: EventStatus, Status: f.Status, Message: f.Message}, true
	case "XT":
		sym, ok := d.lookup("X", f)
		if !ok || f.P == nil {
			return Event{}, false
		}
		u := domain.PriceUpdate{Instrument: sym, Price: *f.P, EventTime: d.at(f.T)}
		return Event{Kind: EventPrice, Update: u}, u.Valid()
	case "XA", "CA":
		market := "X"
		if f.Ev == "CA" {
			market = "C"
		}
		sym, ok := d.lookup(market, f)
		if !ok || f.C == nil {
			return Event{}, false
		}
		u := domain.PriceUpdate{Instrument: sym, Price: *f.C, Volume: f.V, EventTime: d.at(f.E)}
		return Event{Kind: EventPrice, Update: u}, u.Valid()
	default:
		// 外汇报价 C、心跳之类，忽略
		return Event{}, false
	}
}

func (d *Decoder) lookup(market string, f *wireFrame) (string, bool) {
	pair := f.Pair
	if pair == "" {
		pair = f.Sym
	}
	if pair == "" {
		return "", false
	}
	sym, ok := d.tickers[NormalizeTicker(market, pair)]
	return sym, ok
}

func (d *Decoder) at(ms int64) time.Time {
	if ms <= 0 {
		return d.now()
	}
	return time.UnixMilli(ms)
}

// ChannelTicker "XA.X:BTCUSD" -> "X:BTCUSD"，"CA.C:EUR-USD" -> "C:EURUSD"
func ChannelTicker(channel string) string {
	_, rest, ok := strings.Cut(strings.TrimSpace(channel), ".")
	if !ok {
		return ""
	}
	market, pair, ok := strings.Cut(rest, ":")
	if !ok || market == "" || pair == "" {
		return ""
	}
	return NormalizeTicker(market, pair)
}

// NormalizeTicker "X","btc-usd" -> "X:BTCUSD"；已带前缀的 pair 不重复加
func NormalizeTicker(market, pair string) string {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	if m, p, ok := strings.Cut(pair, ":"); ok {
		market, pair = m, p
	}
	r := strings.NewReplacer("-", "", "/", "", "_", "")
	return strings.ToUpper(market) + ":" + r.Replace(pair)
}
