package domain

import "time"

const LeaderRecordID = "singleton"

// LeaderRecord 全局唯一的一行，只有当前 leader 会续写心跳
type LeaderRecord struct {
	ID          string
	InstanceID  string
	HeartbeatAt time.Time
}

// Fresh now - heartbeatAt <= timeout 视为存活
func (r LeaderRecord) Fresh(now time.Time, timeout time.Duration) bool {
	return now.Sub(r.HeartbeatAt) <= timeout
}

// AcquirableBy 自己的行可以续期；别人的行只有过期才能抢
func (r LeaderRecord) AcquirableBy(instanceID string, now time.Time, timeout time.Duration) bool {
	return r.InstanceID == "" || r.InstanceID == instanceID || !r.Fresh(now, timeout)
}
