package push

import (
	"context"

	"github.com/lvdashuaibi/livepoll/internal/model"
	"go.uber.org/zap"
)

const defaultQueueSize = 256

// LocalQueue 未启用Kafka时的进程内事件队列，满时丢弃新事件
type LocalQueue struct {
	events chan *model.VoteEvent
	log    *zap.Logger
}

func NewLocalQueue(size int, log *zap.Logger) *LocalQueue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &LocalQueue{
		events: make(chan *model.VoteEvent, size),
		log:    log.With(zap.String("component", "push-queue")),
	}
}

// PublishVoteEvent 入队，不阻塞投票请求
func (q *LocalQueue) PublishVoteEvent(ctx context.Context, event *model.VoteEvent) error {
	select {
	case q.events <- event:
	default:
		q.log.Warn("推送队列已满，丢弃事件", zap.String("pollId", event.PollID))
	}
	return nil
}

// Run 逐个处理队列中的事件直到 ctx 结束，签名与 ConsumeFunc 一致
func (q *LocalQueue) Run(ctx context.Context, handler func(ctx context.Context, event *model.VoteEvent) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-q.events:
			if err := handler(ctx, event); err != nil {
				q.log.Warn("处理推送事件失败", zap.String("pollId", event.PollID), zap.Error(err))
			}
		}
	}
}
