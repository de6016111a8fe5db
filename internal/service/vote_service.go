package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"github.com/lvdashuaibi/livepoll/internal/repository"
	"go.uber.org/zap"
)

// EventPublisher 投票事件发布，Kafka生产者实现
type EventPublisher interface {
	PublishVoteEvent(ctx context.Context, event *model.VoteEvent) error
}

type VoteService struct {
	store        repository.Store
	events       EventPublisher
	log          *zap.Logger
	maxRetries   int
	retryBackoff time.Duration
	timeout      time.Duration
	now          func() time.Time
}

// NewVoteService events 为nil时不发布投票事件
func NewVoteService(
	store repository.Store,
	events EventPublisher,
	voteCfg config.VoteConfig,
	storeTimeout time.Duration,
	log *zap.Logger,
) *VoteService {
	return &VoteService{
		store:        store,
		events:       events,
		log:          log.With(zap.String("component", "vote")),
		maxRetries:   voteCfg.MaxRetries,
		retryBackoff: voteCfg.RetryBackoff,
		timeout:      storeTimeout,
		now:          time.Now,
	}
}

// Vote 投票或改票，返回提交后的投票快照
func (s *VoteService) Vote(ctx context.Context, pollID, userID, optionID string) (*model.Poll, error) {
	const op = "service.VoteService.Vote"

	if userID == "" {
		return nil, ErrUnauthenticated
	}
	if pollID == "" {
		return nil, model.NewValidationError("投票ID不能为空")
	}
	if optionID == "" {
		return nil, model.NewValidationError("选项ID不能为空")
	}

	var (
		result    *model.Poll
		committed *model.VoteChange
	)

	attempt := func() error {
		sctx, cancel := withTimeout(ctx, s.timeout)
		defer cancel()

		prior := ""
		vote, err := s.store.GetVote(sctx, pollID, userID)
		switch {
		case err == nil:
			prior = vote.OptionID
		case !errors.Is(err, repository.ErrVoteNotFound):
			return backoff.Permanent(err)
		}

		// 重复投同一选项不做任何写入
		if prior == optionID {
			poll, err := s.store.GetPoll(sctx, pollID)
			if err != nil {
				return backoff.Permanent(err)
			}
			result, committed = poll, nil
			return nil
		}

		change := s.buildChange(pollID, userID, prior, optionID)
		poll, err := s.store.CommitVote(sctx, change)
		if err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		result, committed = poll, &change
		return nil
	}

	notify := func(err error, wait time.Duration) {
		s.log.Debug("投票提交冲突，准备重试",
			zap.String("pollId", pollID),
			zap.String("userId", userID),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(attempt, s.newBackOff(ctx), notify); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if committed != nil {
		s.publish(ctx, committed, result)
	}
	return result, nil
}

// buildChange 首次投票总数+1，改票时旧选项-1、新选项+1、总数不变
func (s *VoteService) buildChange(pollID, userID, prior, optionID string) model.VoteChange {
	change := model.VoteChange{
		PollID:        pollID,
		UserID:        userID,
		PriorOptionID: prior,
		OptionID:      optionID,
		VotedAt:       s.now(),
	}
	if prior == "" {
		change.OptionDeltas = []model.OptionDelta{{OptionID: optionID, Delta: 1}}
		change.TotalDelta = 1
		return change
	}
	change.OptionDeltas = []model.OptionDelta{
		{OptionID: prior, Delta: -1},
		{OptionID: optionID, Delta: 1},
	}
	return change
}

func (s *VoteService) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if s.retryBackoff > 0 {
		exp.InitialInterval = s.retryBackoff
	}
	exp.MaxElapsedTime = 0

	retries := s.maxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// publish 提交已生效，发布失败只记日志
func (s *VoteService) publish(ctx context.Context, change *model.VoteChange, poll *model.Poll) {
	if s.events == nil {
		return
	}

	event := &model.VoteEvent{
		PollID:        change.PollID,
		UserID:        change.UserID,
		OptionID:      change.OptionID,
		PriorOptionID: change.PriorOptionID,
		TotalCount:    poll.TotalCount,
		VotedAt:       change.VotedAt,
	}
	if err := s.events.PublishVoteEvent(ctx, event); err != nil {
		s.log.Warn("发送投票事件失败",
			zap.String("pollId", change.PollID),
			zap.String("userId", change.UserID),
			zap.Error(err))
	}
}

// MyVote 获取调用方在投票中的当前选择
func (s *VoteService) MyVote(ctx context.Context, pollID, userID string) (*model.Vote, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}

	sctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.GetVote(sctx, pollID, userID)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
