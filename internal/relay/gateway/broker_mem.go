package gateway

import (
	"context"
	"slices"
	"sync"
)

// MemBroker 单进程 fanout，at-most-once，慢订阅者直接丢
type MemBroker struct {
	buf int

	mu     sync.RWMutex
	subs   map[string][]chan Message
	closed bool
}

func NewMemBroker(buf int) *MemBroker {
	if buf <= 0 {
		buf = 4096
	}
	return &MemBroker{buf: buf, subs: make(map[string][]chan Message)}
}

func (b *MemBroker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	msg := Message{Topic: topic, Payload: payload}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (b *MemBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	ch := make(chan Message, b.buf)
	b.mu.Lock()
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], ch)
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		for _, t := range topics {
			b.subs[t] = slices.DeleteFunc(b.subs[t], func(c chan Message) bool { return c == ch })
			if len(b.subs[t]) == 0 {
				delete(b.subs, t)
			}
		}
		b.mu.Unlock()
		// 摘掉之后再 close，Publish 持读锁发送，不会写到已关闭的 chan
		close(ch)
	}()
	return ch, nil
}

func (b *MemBroker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *MemBroker) Close() error { return nil }

var _ Broker = (*MemBroker)(nil)
