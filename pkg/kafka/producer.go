// Package kafka 提供抽奖事件的 Kafka 下游
package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/qiminjie89/roomwatch/internal/event"
	"github.com/qiminjie89/roomwatch/pkg/config"
	"github.com/qiminjie89/roomwatch/pkg/logger"
	"github.com/qiminjie89/roomwatch/pkg/metrics"
)

// Record 写入 topic 的事件记录
type Record struct {
	ID          int64  `json:"id"`
	RoomID      int64  `json:"room_id"`
	Kind        string `json:"kind"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	ExpireAt    int64  `json:"expire_at,omitempty"` // unix 秒，风暴为 0
	PublishedAt int64  `json:"published_at"`        // unix 毫秒
}

// NewRecord 由事件构造记录
func NewRecord(ev event.Event, now time.Time) Record {
	r := Record{
		ID:          ev.ID,
		RoomID:      ev.RoomID,
		Kind:        string(ev.Kind),
		Type:        ev.Type,
		Name:        ev.Name,
		PublishedAt: now.UnixMilli(),
	}
	if !ev.ExpireAt.IsZero() {
		r.ExpireAt = ev.ExpireAt.Unix()
	}
	return r
}

// Event 还原为事件
func (r Record) Event() event.Event {
	ev := event.Event{
		ID:     r.ID,
		RoomID: r.RoomID,
		Kind:   event.Kind(r.Kind),
		Type:   r.Type,
		Name:   r.Name,
	}
	if r.ExpireAt > 0 {
		ev.ExpireAt = time.Unix(r.ExpireAt, 0)
	}
	return ev
}

// messageWriter kafka.Writer 的子集
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer 事件生产者，按房间号分区
type Producer struct {
	topic  string
	writer messageWriter
	now    func() time.Time
}

// NewProducer 创建异步生产者，未配置 broker 时返回 nil
func NewProducer(cfg config.KafkaConfig) *Producer {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		logger.Info("kafka producer not configured, skipping")
		return nil
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{}, // 按 key 哈希分区
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				metrics.SinkErrors.WithLabelValues("kafka").Add(float64(len(messages)))
				logger.Warn("kafka write failed", zap.Int("count", len(messages)), zap.Error(err))
			}
		},
	}
	return newProducer(cfg.Topic, writer)
}

func newProducer(topic string, w messageWriter) *Producer {
	return &Producer{topic: topic, writer: w, now: time.Now}
}

// Publish 发送一个事件
func (p *Producer) Publish(ctx context.Context, ev event.Event) error {
	value, err := json.Marshal(NewRecord(ev, p.now()))
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.RoomID, 10)),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		metrics.SinkErrors.WithLabelValues("kafka").Inc()
		logger.Error("kafka send failed",
			zap.Error(err),
			zap.String("topic", p.topic),
			zap.Int64("room_id", ev.RoomID),
		)
		return err
	}
	return nil
}

// Close 关闭生产者，等待缓冲的消息发送完
func (p *Producer) Close() error {
	return p.writer.Close()
}
