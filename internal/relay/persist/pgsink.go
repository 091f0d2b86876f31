package persist

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"pricerelay.com/internal/relay/domain"
)

const pgUpsert = `
INSERT INTO live_prices (instrument, price, change24h, volume, event_time_ms, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (instrument) DO UPDATE SET
	price = EXCLUDED.price,
	change24h = EXCLUDED.change24h,
	volume = EXCLUDED.volume,
	event_time_ms = EXCLUDED.event_time_ms,
	updated_at = EXCLUDED.updated_at`

const pgSchema = `
CREATE TABLE IF NOT EXISTS live_prices (
	instrument    VARCHAR(32) PRIMARY KEY,
	price         NUMERIC(36,18) NOT NULL,
	change24h     DOUBLE PRECISION NOT NULL DEFAULT 0,
	volume        DOUBLE PRECISION,
	event_time_ms BIGINT NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PgSink 走 pgx 连接池，一次 flush 一个 batch 往返
type PgSink struct {
	pool *pgxpool.Pool
}

func NewPgSink(ctx context.Context, dsn string) (*PgSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PgSink{pool: pool}, nil
}

func (s *PgSink) Name() string { return "postgres" }

func (s *PgSink) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, pgSchema)
	return err
}

func (s *PgSink) UpsertPrices(ctx context.Context, rows []domain.PriceUpdate) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, u := range rows {
		batch.Queue(pgUpsert, u.Instrument, u.Price, u.Change24h, u.Volume, u.EventTime.UnixMilli())
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *PgSink) Close() { s.pool.Close() }

var _ PriceSink = (*PgSink)(nil)
