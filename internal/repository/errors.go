package repository

import "errors"

var (
	ErrPollNotFound   = errors.New("投票不存在")
	ErrOptionNotFound = errors.New("选项不存在")
	ErrVoteNotFound   = errors.New("用户尚未投票")
	ErrPollExists     = errors.New("投票已存在")

	// ErrConflict 事务竞争失败，可重试
	ErrConflict = errors.New("投票提交冲突")

	// ErrUnavailable 存储不可达
	ErrUnavailable = errors.New("存储不可用")
)
