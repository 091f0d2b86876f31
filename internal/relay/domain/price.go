package domain

import (
	"math"
	"time"

	"github.com/segmentio/encoding/json"
)

// PriceUpdate 单品种最新价，连接器产出，缓存覆盖写
type PriceUpdate struct {
	Instrument string
	Price      float64
	Change24h  float64
	Volume     *float64 // 未知时为 nil
	EventTime  time.Time
}

// Valid price 必须是有限正数
func (p PriceUpdate) Valid() bool {
	return p.Instrument != "" && p.Price > 0 && !math.IsInf(p.Price, 0) && !math.IsNaN(p.Price)
}

type priceWire struct {
	Instrument string   `json:"instrument"`
	Price      float64  `json:"price"`
	Change24h  float64  `json:"change24h"`
	Volume     *float64 `json:"volume"`
	EventTime  int64    `json:"eventTime"` // unix ms
}

func (p PriceUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal(priceWire{
		Instrument: p.Instrument,
		Price:      p.Price,
		Change24h:  p.Change24h,
		Volume:     p.Volume,
		EventTime:  p.EventTime.UnixMilli(),
	})
}

func (p *PriceUpdate) UnmarshalJSON(b []byte) error {
	var w priceWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*p = PriceUpdate{
		Instrument: w.Instrument,
		Price:      w.Price,
		Change24h:  w.Change24h,
		Volume:     w.Volume,
		EventTime:  time.UnixMilli(w.EventTime),
	}
	return nil
}

func Float(v float64) *float64 { return &v }
