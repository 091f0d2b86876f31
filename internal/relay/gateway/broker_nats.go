package gateway

import (
	"context"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"pricerelay.com/pkg/logger"
)

type NatsBroker struct {
	nc  *nats.Conn
	buf int
}

func NewNatsBroker(url string, buf int, opts ...nats.Option) (*NatsBroker, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	if buf <= 0 {
		buf = 8192
	}
	return &NatsBroker{nc: nc, buf: buf}, nil
}

func (b *NatsBroker) Publish(_ context.Context, topic string, payload []byte) error {
	return b.nc.Publish(topicToSubject(topic), payload)
}

func (b *NatsBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	out := make(chan Message, b.buf)
	subs := make([]*nats.Subscription, 0, len(topics))
	// 回调可能在 Unsubscribe 之后还在跑，关 chan 前先挡住
	var mu sync.RWMutex
	closed := false

	for _, t := range topics {
		sub, err := b.nc.Subscribe(topicToSubject(t), func(m *nats.Msg) {
			mu.RLock()
			defer mu.RUnlock()
			if closed {
				return
			}
			// 不能卡住 NATS 回调，满了就丢
			select {
			case out <- Message{Topic: subjectToTopic(m.Subject), Payload: m.Data}:
			default:
				logger.Warn(ctx, "nats consumer full, message dropped", zap.String("subject", m.Subject))
			}
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}

	go func() {
		<-ctx.Done()
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}

func (b *NatsBroker) Close() error {
	if b.nc == nil {
		return nil
	}
	err := b.nc.Drain()
	b.nc.Close()
	return err
}

func topicToSubject(topic string) string { return strings.ReplaceAll(topic, ":", ".") }
func subjectToTopic(subj string) string  { return strings.ReplaceAll(subj, ".", ":") }

var _ Broker = (*NatsBroker)(nil)
