package ratelimit

import (
	"time"

	"github.com/sony/gobreaker/v2"
)

type Rule struct {
	// Half-Open 状态允许通过的探测请求数
	MaxRequests uint32
	// Closed 状态计数窗口
	Interval time.Duration
	// Open 状态持续时间，到期进入 Half-Open
	Timeout time.Duration

	// 触发熔断条件（两种之一即可）
	TripConsecutiveFailures uint32
	TripFailureRate         float64
	TripMinRequests         uint32

	// IsSuccessful 决定哪些错误不计入熔断失败；nil 表示所有 error 都算失败
	IsSuccessful func(err error) bool
	// OnStateChange 状态切换回调（打点/日志）
	OnStateChange func(name string, from, to gobreaker.State)
}

func (r Rule) withDefaults() Rule {
	if r.MaxRequests == 0 {
		r.MaxRequests = 1
	}
	if r.Timeout <= 0 {
		r.Timeout = 10 * time.Second
	}
	if r.Interval <= 0 {
		r.Interval = 30 * time.Second
	}
	if r.TripConsecutiveFailures == 0 && r.TripFailureRate == 0 {
		r.TripConsecutiveFailures = 5
	}
	if r.TripMinRequests == 0 {
		r.TripMinRequests = 20
	}
	return r
}

// NewBreaker 按 Rule 构建一个熔断器
func NewBreaker[T any](name string, rule Rule) *gobreaker.CircuitBreaker[T] {
	rule = rule.withDefaults()
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: rule.MaxRequests,
		Interval:    rule.Interval,
		Timeout:     rule.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if rule.TripConsecutiveFailures > 0 && c.ConsecutiveFailures >= rule.TripConsecutiveFailures {
				return true
			}
			if rule.TripFailureRate > 0 && c.Requests >= rule.TripMinRequests {
				return float64(c.TotalFailures)/float64(c.Requests) >= rule.TripFailureRate
			}
			return false
		},
		IsSuccessful:  rule.IsSuccessful,
		OnStateChange: rule.OnStateChange,
	}
	return gobreaker.NewCircuitBreaker[T](st)
}
