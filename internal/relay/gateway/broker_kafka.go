package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"pricerelay.com/pkg/logger"
	"pricerelay.com/pkg/safe"
)

// KafkaBroker 每个实例都要收全量，所以不用 consumer group，直接从最新 offset 读
type KafkaBroker struct {
	brokers []string
	writer  *kafka.Writer
	buf     int
}

func NewKafkaBroker(brokers []string, buf int) (*KafkaBroker, error) {
	if len(brokers) == 0 {
		return nil, errors.New("gateway: kafka brokers required")
	}
	if buf <= 0 {
		buf = 8192
	}
	return &KafkaBroker{
		brokers: brokers,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		},
		buf: buf,
	}, nil
}

func (b *KafkaBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.writer.WriteMessages(ctx, kafka.Message{Topic: topicToKafka(topic), Value: payload})
}

func (b *KafkaBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	readers := make([]*kafka.Reader, 0, len(topics))
	for _, t := range topics {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:     b.brokers,
			Topic:       topicToKafka(t),
			Partition:   0,
			MinBytes:    1,
			MaxBytes:    1e6,
			MaxWait:     100 * time.Millisecond,
			StartOffset: kafka.LastOffset,
		})
		readers = append(readers, r)
	}

	read := func(ctx context.Context, i int) ([]byte, error) {
		m, err := readers[i].ReadMessage(ctx)
		return m.Value, err
	}
	closeAll := func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}
	return fanIn(ctx, topics, read, closeAll, b.buf), nil
}

// fanIn 每个 topic 一个读协程汇到一个 chan。任何一个读失败就整体退出并关 chan，
// 让 Pump 返回、上层重订，不会出现某个 topic 静默断流
func fanIn(ctx context.Context, topics []string, read func(ctx context.Context, i int) ([]byte, error), closeAll func(), buf int) <-chan Message {
	out := make(chan Message, buf)
	sctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{}, len(topics))
	for i, topic := range topics {
		safe.GoCtx(sctx, "kafka-reader", func(ctx context.Context) {
			// 正常只会因出错或 ctx 结束退出，panic 被 recover 也一样带走整个流
			defer func() {
				cancel()
				done <- struct{}{}
			}()
			for {
				payload, err := read(ctx, i)
				if err != nil {
					if ctx.Err() == nil {
						logger.Error(ctx, "kafka read", zap.String("topic", topic), zap.Error(err))
					}
					return
				}
				select {
				case out <- Message{Topic: topic, Payload: payload}:
				default:
					logger.Warn(ctx, "kafka consumer full, message dropped", zap.String("topic", topic))
				}
			}
		})
	}

	go func() {
		<-sctx.Done()
		closeAll()
		for range topics {
			<-done
		}
		cancel()
		close(out)
	}()
	return out
}

func (b *KafkaBroker) Close() error { return b.writer.Close() }

// kafka topic 不能带 ':'
func topicToKafka(topic string) string { return strings.ReplaceAll(topic, ":", ".") }

var _ Broker = (*KafkaBroker)(nil)
