package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const readErrorBackoff = time.Second

// MessageHandler 处理一条投票事件
type MessageHandler = func(ctx context.Context, event *model.VoteEvent) error

// messageReader 便于测试替换 *kafka.Reader
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Consumer struct {
	newReader  func() messageReader
	numWorkers int
	log        *zap.Logger
}

// NewConsumer 消费者组模式，每个工作协程持有一个组成员Reader
func NewConsumer(cfg config.KafkaConfig, log *zap.Logger) *Consumer {
	numWorkers := cfg.Workers
	if numWorkers <= 0 {
		numWorkers = 1
	}

	return &Consumer{
		newReader: func() messageReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:  cfg.Brokers,
				Topic:    cfg.Topic,
				GroupID:  cfg.GroupID,
				MinBytes: 1,
				MaxBytes: 10e6, // 10MB
			})
		},
		numWorkers: numWorkers,
		log:        log.With(zap.String("component", "kafka-consumer")),
	}
}

// Run 启动工作协程并阻塞到 ctx 结束
func (c *Consumer) Run(ctx context.Context, handler MessageHandler) error {
	var wg sync.WaitGroup
	for i := 0; i < c.numWorkers; i++ {
		reader := c.newReader()
		wg.Add(1)
		go func(workerID int, r messageReader) {
			defer wg.Done()
			defer func() {
				if err := r.Close(); err != nil {
					c.log.Warn("关闭Reader失败", zap.Int("worker", workerID), zap.Error(err))
				}
			}()
			c.consumeMessages(ctx, workerID, r, handler)
		}(i, reader)
	}

	c.log.Info("已启动Kafka消费者工作协程", zap.Int("workers", c.numWorkers))
	wg.Wait()
	c.log.Info("所有Kafka消费者工作协程已停止")
	return ctx.Err()
}

// consumeMessages 单个消费者协程的消费逻辑
func (c *Consumer) consumeMessages(ctx context.Context, workerID int, reader messageReader, handler MessageHandler) {
	log := c.log.With(zap.Int("worker", workerID))

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			log.Warn("读取消息失败", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(readErrorBackoff):
			}
			continue
		}

		event, err := decodeVoteEvent(m)
		if err != nil {
			log.Warn("解析消息失败", zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
			continue
		}

		if err := handler(ctx, event); err != nil {
			log.Warn("处理消息失败", zap.String("pollId", event.PollID), zap.Error(err))
		}
	}
}

func decodeVoteEvent(m kafka.Message) (*model.VoteEvent, error) {
	var event model.VoteEvent
	if err := json.Unmarshal(m.Value, &event); err != nil {
		return nil, fmt.Errorf("解析投票事件失败: %w", err)
	}
	if event.PollID == "" {
		event.PollID = string(m.Key)
	}
	return &event, nil
}
