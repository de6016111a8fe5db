package model

import (
	"strings"
	"time"
)

const (
	MinOptions = 2
	MaxOptions = 4
)

// Option 投票选项，只属于所在的投票
type Option struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
	Name  string `json:"name"`
}

// Poll 投票快照
type Poll struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Options             []Option  `json:"options"`
	TotalCount          int       `json:"totalCount"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
	LastUpdatedOptionID string    `json:"lastUpdatedOptionId,omitempty"`
}

// Vote 用户在某个投票中的当前选择
type Vote struct {
	PollID   string    `json:"pollId"`
	UserID   string    `json:"userId"`
	OptionID string    `json:"optionId"`
	VotedAt  time.Time `json:"votedAt"`
}

// PushTarget 锁屏实时活动的推送目标，(PollID, DeviceID) 唯一
type PushTarget struct {
	PollID    string    `json:"pollId"`
	DeviceID  string    `json:"deviceId"`
	Token     string    `json:"token"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OptionDelta 按选项ID寻址的计数增量
type OptionDelta struct {
	OptionID string
	Delta    int
}

// VoteChange 一次投票提交，存储层必须原子地应用
type VoteChange struct {
	PollID string
	UserID string
	// PriorOptionID 调用方读取到的旧选项，空表示尚未投票；与存储中不一致时提交失败
	PriorOptionID string
	OptionID      string
	OptionDeltas  []OptionDelta
	TotalDelta    int
	VotedAt       time.Time
}

// VoteEvent Kafka投票事件
type VoteEvent struct {
	PollID        string    `json:"pollId"`
	UserID        string    `json:"userId"`
	OptionID      string    `json:"optionId"`
	PriorOptionID string    `json:"priorOptionId,omitempty"`
	TotalCount    int       `json:"totalCount"`
	VotedAt       time.Time `json:"votedAt"`
}

// Option 按ID查找选项
func (p *Poll) Option(id string) (Option, bool) {
	for _, o := range p.Options {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

// SumCounts 各选项票数之和
func (p *Poll) SumCounts() int {
	sum := 0
	for _, o := range p.Options {
		sum += o.Count
	}
	return sum
}

// Clone 深拷贝，避免调用方修改存储中的选项切片
func (p *Poll) Clone() *Poll {
	cp := *p
	cp.Options = append([]Option(nil), p.Options...)
	return &cp
}

// Validate 校验新建投票，名称会被裁剪空白
func (p *Poll) Validate() error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return NewValidationError("投票名称不能为空")
	}
	if len(p.Options) < MinOptions {
		return NewValidationError("投票至少需要2个选项")
	}
	if len(p.Options) > MaxOptions {
		return NewValidationError("投票最多只能有4个选项")
	}

	seen := make(map[string]bool, len(p.Options))
	for i := range p.Options {
		p.Options[i].Name = strings.TrimSpace(p.Options[i].Name)
		if p.Options[i].Name == "" {
			return NewValidationError("选项名称不能为空")
		}
		if p.Options[i].ID == "" {
			return NewValidationError("选项ID不能为空")
		}
		if seen[p.Options[i].ID] {
			return NewValidationError("选项ID重复: " + p.Options[i].ID)
		}
		seen[p.Options[i].ID] = true
	}
	return nil
}
