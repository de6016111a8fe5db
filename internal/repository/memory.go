package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lvdashuaibi/livepoll/internal/model"
)

type voteKey struct {
	pollID string
	userID string
}

// MemoryRepository 进程内存储，用于本地开发和测试
type MemoryRepository struct {
	mu       sync.Mutex
	polls    map[string]*model.Poll
	votes    map[voteKey]model.Vote
	targets  map[string]map[string]model.PushTarget
	watchers map[string]map[chan *model.Poll]struct{}
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		polls:    make(map[string]*model.Poll),
		votes:    make(map[voteKey]model.Vote),
		targets:  make(map[string]map[string]model.PushTarget),
		watchers: make(map[string]map[chan *model.Poll]struct{}),
	}
}

// CreatePoll 保存新投票
func (r *MemoryRepository) CreatePoll(ctx context.Context, poll *model.Poll) (string, error) {
	if err := poll.Validate(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.polls[poll.ID]; exists {
		return "", fmt.Errorf("%w: %s", ErrPollExists, poll.ID)
	}
	r.polls[poll.ID] = poll.Clone()
	return poll.ID, nil
}

// GetPoll 获取投票快照
func (r *MemoryRepository) GetPoll(ctx context.Context, id string) (*model.Poll, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	poll, ok := r.polls[id]
	if !ok {
		return nil, ErrPollNotFound
	}
	return poll.Clone(), nil
}

// ListPolls 按更新时间倒序
func (r *MemoryRepository) ListPolls(ctx context.Context, limit int) ([]*model.Poll, error) {
	r.mu.Lock()
	list := make([]*model.Poll, 0, len(r.polls))
	for _, p := range r.polls {
		list = append(list, p.Clone())
	}
	r.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})

	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// GetVote 获取用户投票
func (r *MemoryRepository) GetVote(ctx context.Context, pollID, userID string) (*model.Vote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	vote, ok := r.votes[voteKey{pollID, userID}]
	if !ok {
		return nil, ErrVoteNotFound
	}
	return &vote, nil
}

// CommitVote 在存储锁内校验旧选项并应用增量
func (r *MemoryRepository) CommitVote(ctx context.Context, change model.VoteChange) (*model.Poll, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.polls[change.PollID]
	if !ok {
		return nil, ErrPollNotFound
	}
	if _, ok := current.Option(change.OptionID); !ok {
		return nil, ErrOptionNotFound
	}

	key := voteKey{change.PollID, change.UserID}
	if r.votes[key].OptionID != change.PriorOptionID {
		return nil, ErrConflict
	}

	// 先在副本上应用，失败时不留下部分修改
	next := current.Clone()
	if err := applyChange(next, change); err != nil {
		return nil, err
	}

	r.polls[change.PollID] = next
	r.votes[key] = model.Vote{
		PollID:   change.PollID,
		UserID:   change.UserID,
		OptionID: change.OptionID,
		VotedAt:  change.VotedAt,
	}

	r.notifyLocked(next)
	return next.Clone(), nil
}

// Watch 订阅投票变更
func (r *MemoryRepository) Watch(ctx context.Context, pollID string) (<-chan *model.Poll, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	poll, ok := r.polls[pollID]
	if !ok {
		return nil, ErrPollNotFound
	}

	ch := make(chan *model.Poll, 1)
	ch <- poll.Clone()

	if r.watchers[pollID] == nil {
		r.watchers[pollID] = make(map[chan *model.Poll]struct{})
	}
	r.watchers[pollID][ch] = struct{}{}

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.watchers[pollID], ch)
		if len(r.watchers[pollID]) == 0 {
			delete(r.watchers, pollID)
		}
		close(ch)
		r.mu.Unlock()
	}()

	return ch, nil
}

// notifyLocked 调用方持有 r.mu；订阅者来不及消费时丢弃旧快照
func (r *MemoryRepository) notifyLocked(poll *model.Poll) {
	for ch := range r.watchers[poll.ID] {
		offerLatest(ch, poll.Clone())
	}
}

// SavePushTarget 覆盖写入推送目标
func (r *MemoryRepository) SavePushTarget(ctx context.Context, target model.PushTarget) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.polls[target.PollID]; !ok {
		return ErrPollNotFound
	}
	if r.targets[target.PollID] == nil {
		r.targets[target.PollID] = make(map[string]model.PushTarget)
	}
	r.targets[target.PollID][target.DeviceID] = target
	return nil
}

// ListPushTargets 按设备ID排序返回
func (r *MemoryRepository) ListPushTargets(ctx context.Context, pollID string) ([]model.PushTarget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	targets := make([]model.PushTarget, 0, len(r.targets[pollID]))
	for _, t := range r.targets[pollID] {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].DeviceID < targets[j].DeviceID })
	return targets, nil
}

func (r *MemoryRepository) Close() error {
	return nil
}

// offerLatest 非阻塞写入单槽通道，满时替换掉未消费的旧值
func offerLatest(ch chan *model.Poll, poll *model.Poll) {
	select {
	case ch <- poll:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- poll:
	default:
	}
}
