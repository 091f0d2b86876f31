package feed

import (
	"fmt"

	"pricerelay.com/internal/relay/domain"
)

// Trigger 驱动连接状态机的输入
type Trigger uint8

const (
	TriggerDial     Trigger = iota + 1 // 开始拨号
	TriggerOpened                      // 握手 + 鉴权成功
	TriggerFailed                      // 拨号/鉴权失败，或连接异常
	TriggerLimit                       // 上游连接数超限
	TriggerClosed                      // reader 报告连接已关闭
	TriggerShutdown                    // 主动关闭
)

func (t Trigger) String() string {
	switch t {
	case TriggerDial:
		return "dial"
	case TriggerOpened:
		return "opened"
	case TriggerFailed:
		return "failed"
	case TriggerLimit:
		return "limit"
	case TriggerClosed:
		return "closed"
	case TriggerShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Transition 纯函数，不碰 socket；非法组合返回 error，状态不变
func Transition(s domain.ConnectionState, t Trigger) (domain.ConnectionState, error) {
	if t == TriggerShutdown {
		if s == domain.Disconnected {
			return domain.Disconnected, nil
		}
		return domain.Closing, nil
	}
	switch s {
	case domain.Disconnected, domain.Error:
		if t == TriggerDial {
			return domain.Connecting, nil
		}
		if t == TriggerClosed {
			return s, nil
		}
	case domain.Connecting:
		switch t {
		case TriggerOpened:
			return domain.Connected, nil
		case TriggerFailed, TriggerLimit, TriggerClosed:
			return domain.Error, nil
		}
	case domain.Connected:
		switch t {
		case TriggerFailed, TriggerLimit, TriggerClosed:
			return domain.Error, nil
		}
	case domain.Closing:
		switch t {
		case TriggerClosed, TriggerFailed:
			return domain.Disconnected, nil
		}
	}
	return s, fmt.Errorf("feed: invalid transition %s --%s-->", s, t)
}
