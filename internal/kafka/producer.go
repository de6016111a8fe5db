package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageWriter 便于测试替换 *kafka.Writer
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer messageWriter
	log    *zap.Logger
}

func NewProducer(cfg config.KafkaConfig, log *zap.Logger) *Producer {
	// 使用Hash分区器，同一投票的事件进入同一分区，保持顺序
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}

	log.Info("Kafka生产者已创建", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))

	return &Producer{
		writer: writer,
		log:    log.With(zap.String("component", "kafka-producer")),
	}
}

// encodeVoteEvent 以投票ID作为分区键
func encodeVoteEvent(event *model.VoteEvent) (kafka.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("序列化投票事件失败: %w", err)
	}

	return kafka.Message{
		Key:   []byte(event.PollID),
		Value: data,
		Time:  time.Now(),
	}, nil
}

// PublishVoteEvent 发送投票事件到Kafka
func (p *Producer) PublishVoteEvent(ctx context.Context, event *model.VoteEvent) error {
	msg, err := encodeVoteEvent(event)
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("发送投票事件失败: %w", err)
	}

	p.log.Debug("已发送投票事件", zap.String("pollId", event.PollID), zap.String("optionId", event.OptionID))
	return nil
}

// Close 关闭Kafka生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}
