package feed

import "time"

// Backoff 指数退避，attempt 从 1 开始
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	f := b.Factor
	if f < 1 {
		f = 2
	}
	d := float64(b.Base)
	for i := 1; i < attempt; i++ {
		d *= f
		if b.Max > 0 && time.Duration(d) >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}

// LimitDelay 连接数超限直接用最长的等待
func (b Backoff) LimitDelay() time.Duration { return b.Max }
