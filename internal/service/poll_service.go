package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"github.com/lvdashuaibi/livepoll/internal/repository"
)

const (
	// DefaultLatest 客户端首页默认展示的投票数
	DefaultLatest = 10
	MaxLatest     = 100
)

type PollService struct {
	store   repository.Store
	timeout time.Duration
	now     func() time.Time
	newID   func() string
}

func NewPollService(store repository.Store, storeTimeout time.Duration) *PollService {
	return &PollService{
		store:   store,
		timeout: storeTimeout,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Create 创建投票，选项ID自动生成
func (s *PollService) Create(ctx context.Context, name string, optionNames []string) (*model.Poll, error) {
	const op = "service.PollService.Create"

	now := s.now()
	poll := &model.Poll{
		ID:        s.newID(),
		Name:      name,
		Options:   make([]model.Option, len(optionNames)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, n := range optionNames {
		poll.Options[i] = model.Option{ID: s.newID(), Name: n}
	}

	if err := poll.Validate(); err != nil {
		return nil, err
	}

	sctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.store.CreatePoll(sctx, poll); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return poll, nil
}

// Latest 按更新时间倒序返回最多n个投票
func (s *PollService) Latest(ctx context.Context, n int) ([]*model.Poll, error) {
	const op = "service.PollService.Latest"

	if n <= 0 {
		n = DefaultLatest
	}
	if n > MaxLatest {
		n = MaxLatest
	}

	sctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	polls, err := s.store.ListPolls(sctx, n)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return polls, nil
}

// Lookup 按ID查询，不存在时返回 repository.ErrPollNotFound
func (s *PollService) Lookup(ctx context.Context, id string) (*model.Poll, error) {
	const op = "service.PollService.Lookup"

	if id == "" {
		return nil, model.NewValidationError("投票ID不能为空")
	}

	sctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	poll, err := s.store.GetPoll(sctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return poll, nil
}
