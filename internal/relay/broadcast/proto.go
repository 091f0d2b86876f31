package broadcast

import (
	"bytes"
	"errors"
	"time"

	"github.com/segmentio/encoding/json"
	"pricerelay.com/internal/relay/domain"
)

// 下行消息类型
const (
	TypeStatus      = "status"
	TypeSnapshot    = "snapshot"
	TypePriceUpdate = "price_update"
	TypePriceBatch  = "price_batch"
	TypePong        = "pong"
	TypePing        = "ping" // 上行
)

// status 取值；上游故障对客户端只表现为 reconnecting
const (
	StatusConnected    = "connected"
	StatusReconnecting = "reconnecting"
	StatusError        = "error"
)

type ClientMsg struct {
	Type string `json:"type"`
}

type ServerMsg struct {
	Type    string          `json:"type"`
	Status  string          `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Ts      int64           `json:"ts,omitempty"` // unix ms
}

var ErrNoPrices = errors.New("broadcast: message carries no prices")

// Prices data 可能是单个对象（price_update）也可能是数组
func (m ServerMsg) Prices() ([]domain.PriceUpdate, error) {
	d := bytes.TrimSpace(m.Data)
	if len(d) == 0 {
		return nil, ErrNoPrices
	}
	if d[0] == '{' {
		var one domain.PriceUpdate
		if err := json.Unmarshal(d, &one); err != nil {
			return nil, err
		}
		return []domain.PriceUpdate{one}, nil
	}
	var many []domain.PriceUpdate
	if err := json.Unmarshal(d, &many); err != nil {
		return nil, err
	}
	return many, nil
}

func Decode(b []byte) (ServerMsg, error) {
	var m ServerMsg
	err := json.Unmarshal(b, &m)
	return m, err
}

func EncodeStatus(status, message string) []byte {
	b, _ := json.Marshal(ServerMsg{Type: TypeStatus, Status: status, Message: message, Ts: time.Now().UnixMilli()})
	return b
}

func EncodeSnapshot(prices []domain.PriceUpdate) ([]byte, error) {
	if prices == nil {
		prices = []domain.PriceUpdate{}
	}
	data, err := json.Marshal(prices)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ServerMsg{Type: TypeSnapshot, Data: data, Ts: time.Now().UnixMilli()})
}

// EncodeUpdates 一个品种发 price_update，多个发 price_batch
func EncodeUpdates(prices []domain.PriceUpdate) ([]byte, error) {
	if len(prices) == 0 {
		return nil, ErrNoPrices
	}
	var (
		data []byte
		err  error
		typ  = TypePriceBatch
	)
	if len(prices) == 1 {
		typ = TypePriceUpdate
		data, err = json.Marshal(prices[0])
	} else {
		data, err = json.Marshal(prices)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(ServerMsg{Type: typ, Data: data, Ts: time.Now().UnixMilli()})
}

func EncodePong() []byte {
	b, _ := json.Marshal(ServerMsg{Type: TypePong, Ts: time.Now().UnixMilli()})
	return b
}
