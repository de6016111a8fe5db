package repository

import (
	"context"
	"time"

	"github.com/lvdashuaibi/livepoll/internal/model"
)

// Store 投票存储接口，memory/redis/mysql/firestore 四种实现语义一致
type Store interface {
	// CreatePoll 保存新投票，名称为空或选项数不在2-4之间时拒绝
	CreatePoll(ctx context.Context, poll *model.Poll) (string, error)

	// GetPoll 获取投票快照，不存在时返回 ErrPollNotFound
	GetPoll(ctx context.Context, id string) (*model.Poll, error)

	// ListPolls 按 updatedAt 倒序返回最多 limit 个投票
	ListPolls(ctx context.Context, limit int) ([]*model.Poll, error)

	// GetVote 获取用户当前投票，不存在时返回 ErrVoteNotFound
	GetVote(ctx context.Context, pollID, userID string) (*model.Vote, error)

	// CommitVote 在一个原子事务内应用选项增量、总数增量和投票记录。
	// 存储中的旧选项与 change.PriorOptionID 不一致时返回 ErrConflict。
	CommitVote(ctx context.Context, change model.VoteChange) (*model.Poll, error)

	// Watch 先推送当前快照，之后推送每次提交后的快照，ctx 结束时关闭通道
	Watch(ctx context.Context, pollID string) (<-chan *model.Poll, error)

	// SavePushTarget 按 (PollID, DeviceID) 覆盖写入推送目标
	SavePushTarget(ctx context.Context, target model.PushTarget) error

	// ListPushTargets 返回投票的所有推送目标
	ListPushTargets(ctx context.Context, pollID string) ([]model.PushTarget, error)

	Close() error
}

// floorAdd 计数加减，结果不小于0
func floorAdd(count, delta int) int {
	count += delta
	if count < 0 {
		return 0
	}
	return count
}

// nextUpdatedAt 提交时在事务内确定新的更新时间：取调用方时间，但至少比上次更新晚1微秒，
// 同一投票的 updatedAt 随提交顺序严格递增，不受调用方时钟先后影响
func nextUpdatedAt(prev, votedAt time.Time) time.Time {
	votedAt = votedAt.Truncate(time.Microsecond)
	floor := prev.Truncate(time.Microsecond).Add(time.Microsecond)
	if votedAt.Before(floor) {
		return floor
	}
	return votedAt
}

// applyChange 把增量应用到快照上，供没有服务端原子加的实现使用
func applyChange(poll *model.Poll, change model.VoteChange) error {
	for _, d := range change.OptionDeltas {
		idx := -1
		for i := range poll.Options {
			if poll.Options[i].ID == d.OptionID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrOptionNotFound
		}
		poll.Options[idx].Count = floorAdd(poll.Options[idx].Count, d.Delta)
	}
	poll.TotalCount = floorAdd(poll.TotalCount, change.TotalDelta)
	poll.UpdatedAt = nextUpdatedAt(poll.UpdatedAt, change.VotedAt)
	poll.LastUpdatedOptionID = change.OptionID
	return nil
}
