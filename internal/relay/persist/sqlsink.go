package persist

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"pricerelay.com/internal/relay/domain"
)

type LivePrice struct {
	Instrument  string          `gorm:"primaryKey;size:32"`
	Price       decimal.Decimal `gorm:"type:decimal(36,18);not null"`
	Change24h   float64         `gorm:"not null;default:0"`
	Volume      *float64
	EventTimeMs int64     `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (LivePrice) TableName() string { return "live_prices" }

type SQLSink struct {
	db *gorm.DB
}

func NewSQLSink(db *gorm.DB) *SQLSink { return &SQLSink{db: db} }

func (s *SQLSink) Name() string { return "sql" }

func (s *SQLSink) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&LivePrice{})
}

func (s *SQLSink) UpsertPrices(ctx context.Context, rows []domain.PriceUpdate) error {
	if len(rows) == 0 {
		return nil
	}
	recs := make([]LivePrice, 0, len(rows))
	for _, u := range rows {
		recs = append(recs, LivePrice{
			Instrument:  u.Instrument,
			Price:       decimal.NewFromFloat(u.Price),
			Change24h:   u.Change24h,
			Volume:      u.Volume,
			EventTimeMs: u.EventTime.UnixMilli(),
		})
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instrument"}},
		DoUpdates: clause.AssignmentColumns([]string{"price", "change24h", "volume", "event_time_ms", "updated_at"}),
	}).Create(&recs).Error
}

// Latest 读回全部最新价，启动时给 hub 预热
func (s *SQLSink) Latest(ctx context.Context) ([]domain.PriceUpdate, error) {
	var recs []LivePrice
	if err := s.db.WithContext(ctx).Order("instrument").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]domain.PriceUpdate, 0, len(recs))
	for _, r := range recs {
		out = append(out, domain.PriceUpdate{
			Instrument: r.Instrument,
			Price:      r.Price.InexactFloat64(),
			Change24h:  r.Change24h,
			Volume:     r.Volume,
			EventTime:  time.UnixMilli(r.EventTimeMs),
		})
	}
	return out, nil
}

var _ PriceSink = (*SQLSink)(nil)
