package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/qiminjie89/roomwatch/internal/event"
	"github.com/qiminjie89/roomwatch/pkg/config"
	"github.com/qiminjie89/roomwatch/pkg/logger"
)

// ErrNotConfigured 缺少 broker、topic 或消费组
var ErrNotConfigured = errors.New("kafka consumer not configured")

// Handler 事件处理函数
type Handler func(ev event.Event) error

// messageReader kafka.Reader 的子集
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer 事件消费者，用于旁路查看 topic 中的事件
type Consumer struct {
	topic     string
	reader    messageReader
	connected atomic.Bool
}

// NewConsumer 创建消费者
func NewConsumer(cfg config.KafkaConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.ConsumerGroup == "" {
		return nil, ErrNotConfigured
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.ConsumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return newConsumer(cfg.Topic, reader), nil
}

func newConsumer(topic string, r messageReader) *Consumer {
	return &Consumer{topic: topic, reader: r}
}

// Run 消费直到 ctx 取消；无法解析的记录记录日志后提交
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	logger.Info("kafka consumer started", zap.String("topic", c.topic))

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.connected.Store(false)
			return fmt.Errorf("fetch message: %w", err)
		}
		c.connected.Store(true)

		var r Record
		if err := json.Unmarshal(msg.Value, &r); err != nil {
			logger.Warn("drop undecodable record",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		} else if err := handler(r.Event()); err != nil {
			logger.Error("event handler failed",
				zap.Error(err),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
			)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logger.Error("kafka commit failed", zap.Error(err))
		}
	}
}

// IsConnected 最近一次拉取是否成功
func (c *Consumer) IsConnected() bool {
	return c.connected.Load()
}

// Close 关闭消费者
func (c *Consumer) Close() error {
	return c.reader.Close()
}
