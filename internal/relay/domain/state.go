package domain

// ConnectionState 上游连接状态，每条连接一个实例
type ConnectionState uint8

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Closing
	Error
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}
