package leader

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"pricerelay.com/internal/relay/domain"
)

type leaderRow struct {
	ID          string `gorm:"primaryKey;size:32"`
	InstanceID  string `gorm:"size:128;not null"`
	HeartbeatAt int64  `gorm:"not null"` // unix ms
}

func (leaderRow) TableName() string { return "leader_election" }

// SQLStore 一行记录 + 条件 UPDATE，MySQL 生产，SQLite 测试
type SQLStore struct {
	db *gorm.DB
}

func NewSQLStore(db *gorm.DB) *SQLStore { return &SQLStore{db: db} }

func (s *SQLStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&leaderRow{})
}

func (s *SQLStore) TryAcquire(ctx context.Context, instanceID string, now time.Time, timeout time.Duration) (bool, error) {
	db := s.db.WithContext(ctx)
	nowMs := now.UnixMilli()

	// 1) 表里还没有这一行：直接插入，冲突就什么都不做
	ins := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&leaderRow{ID: domain.LeaderRecordID, InstanceID: instanceID, HeartbeatAt: nowMs})
	if ins.Error != nil {
		return false, ins.Error
	}
	if ins.RowsAffected == 1 {
		return true, nil
	}

	// 2) 自己续期，或者抢过期的
	cutoff := nowMs - timeout.Milliseconds()
	upd := db.Model(&leaderRow{}).
		Where("id = ? AND (instance_id = ? OR heartbeat_at < ?)", domain.LeaderRecordID, instanceID, cutoff).
		Updates(map[string]any{"instance_id": instanceID, "heartbeat_at": nowMs})
	if upd.Error != nil {
		return false, upd.Error
	}
	if upd.RowsAffected > 0 {
		return true, nil
	}

	// MySQL 值没变时 RowsAffected 为 0（同一毫秒内重复续期），回读确认
	rec, ok, err := s.Get(ctx)
	if err != nil {
		return false, err
	}
	return ok && rec.InstanceID == instanceID && rec.HeartbeatAt.UnixMilli() == nowMs, nil
}

func (s *SQLStore) Release(ctx context.Context, instanceID string) error {
	return s.db.WithContext(ctx).Model(&leaderRow{}).
		Where("id = ? AND instance_id = ?", domain.LeaderRecordID, instanceID).
		Update("heartbeat_at", 0).Error
}

func (s *SQLStore) Get(ctx context.Context) (domain.LeaderRecord, bool, error) {
	var row leaderRow
	err := s.db.WithContext(ctx).Where("id = ?", domain.LeaderRecordID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.LeaderRecord{}, false, nil
	}
	if err != nil {
		return domain.LeaderRecord{}, false, err
	}
	return domain.LeaderRecord{
		ID:          row.ID,
		InstanceID:  row.InstanceID,
		HeartbeatAt: time.UnixMilli(row.HeartbeatAt),
	}, true, nil
}

var _ Store = (*SQLStore)(nil)
