package gateway

import "context"

// 跨实例的两个 topic：leader 发，所有实例收
const (
	TopicPrices = "relay:prices"
	TopicStatus = "relay:status"
)

type Message struct {
	Topic   string
	Payload []byte
}

type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe ctx 结束时取消订阅并关闭返回的 chan
	Subscribe(ctx context.Context, topics []string) (<-chan Message, error)
	Close() error
}

type Config struct {
	Kind         string   `mapstructure:"kind"` // memory | nats | kafka
	NatsURL      string   `mapstructure:"nats_url"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	Buffer       int      `mapstructure:"buffer"`
}

func DefaultConfig() Config {
	return Config{Kind: "memory", NatsURL: "nats://127.0.0.1:4222", Buffer: 4096}
}

// Pump 订阅 broker，逐条交给 handle，直到 ctx 结束或 chan 关闭
func Pump(ctx context.Context, b Broker, topics []string, handle func(Message)) error {
	ch, err := b.Subscribe(ctx, topics)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			handle(m)
		}
	}
}
