package push

import (
	"context"

	"github.com/lvdashuaibi/livepoll/internal/model"
	"go.uber.org/zap"
)

// Sender 把投票快照推送到一个设备
type Sender interface {
	Send(ctx context.Context, target model.PushTarget, poll *model.Poll) error
}

// LogSender 只记录推送内容，不接入真实推送通道
type LogSender struct {
	log *zap.Logger
}

func NewLogSender(log *zap.Logger) *LogSender {
	return &LogSender{log: log.With(zap.String("component", "push-sender"))}
}

func (s *LogSender) Send(ctx context.Context, target model.PushTarget, poll *model.Poll) error {
	s.log.Info("推送实时活动更新",
		zap.String("pollId", poll.ID),
		zap.String("deviceId", target.DeviceID),
		zap.Int("totalCount", poll.TotalCount),
		zap.String("lastUpdatedOptionId", poll.LastUpdatedOptionID))
	return nil
}
