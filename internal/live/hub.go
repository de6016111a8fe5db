// Package live 把投票快照实时分发给订阅者。
//
// 每个投票只向存储发起一个 Watch，由本进程内的全部订阅者共享；最后一个订阅者
// 离开时取消上游 Watch。每个订阅者只有一个槽位，消费慢时旧快照被新快照覆盖，
// 写入方永远不会被阻塞。
package live

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/lvdashuaibi/livepoll/internal/model"
	"github.com/lvdashuaibi/livepoll/internal/repository"
	"go.uber.org/zap"
)

type Hub struct {
	store repository.Store
	log   *zap.Logger
	now   func() time.Time

	mu    sync.Mutex
	feeds map[string]*feed
}

// feed 一个投票的上游 Watch 及其订阅者
type feed struct {
	pollID string
	cancel context.CancelFunc
	subs   map[*Subscription]struct{}
	latest *model.Poll
}

// Subscription 通过 C 接收快照，Close 后通道关闭
type Subscription struct {
	PollID string

	hub    *Hub
	feed   *feed
	ch     chan *model.Poll
	last   time.Time
	closed bool
	done   chan struct{}
}

func NewHub(store repository.Store, log *zap.Logger) *Hub {
	return &Hub{
		store: store,
		log:   log.With(zap.String("component", "live")),
		now:   time.Now,
		feeds: make(map[string]*feed),
	}
}

// Subscribe 订阅投票，先收到当前快照，之后收到每次提交后的快照
func (h *Hub) Subscribe(ctx context.Context, pollID string) (*Subscription, error) {
	if pollID == "" {
		return nil, model.NewValidationError("投票ID不能为空")
	}

	sub := &Subscription{
		PollID: pollID,
		hub:    h,
		ch:     make(chan *model.Poll, 1),
		done:   make(chan struct{}),
	}

	for {
		f, err := h.acquireFeed(ctx, pollID)
		if err != nil {
			return nil, err
		}

		h.mu.Lock()
		// feed 可能在加锁前已被最后一个订阅者释放
		if h.feeds[pollID] != f {
			h.mu.Unlock()
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		sub.feed = f
		f.subs[sub] = struct{}{}
		if f.latest != nil {
			sub.offer(f.latest)
		}
		h.mu.Unlock()
		break
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

// acquireFeed 返回已有的 feed，没有时建立上游 Watch
func (h *Hub) acquireFeed(ctx context.Context, pollID string) (*feed, error) {
	h.mu.Lock()
	if f, ok := h.feeds[pollID]; ok {
		h.mu.Unlock()
		return f, nil
	}
	h.mu.Unlock()

	// 上游 Watch 的生命周期由订阅计数决定，不跟随单个请求
	wctx, cancel := context.WithCancel(context.Background())
	upstream, err := h.store.Watch(wctx, pollID)
	if err != nil {
		cancel()
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// 并发订阅时可能已有其他调用建立了 feed
	if f, ok := h.feeds[pollID]; ok {
		cancel()
		return f, nil
	}

	f := &feed{
		pollID: pollID,
		cancel: cancel,
		subs:   make(map[*Subscription]struct{}),
	}
	h.feeds[pollID] = f
	go h.pump(f, upstream)

	h.log.Debug("建立上游订阅", zap.String("pollId", pollID))
	return f, nil
}

// pump 把上游快照分发给 feed 的全部订阅者
func (h *Hub) pump(f *feed, upstream <-chan *model.Poll) {
	for poll := range upstream {
		h.mu.Lock()
		f.latest = poll
		for sub := range f.subs {
			sub.offer(poll)
		}
		h.mu.Unlock()
	}

	// 上游结束：取消订阅或存储出错，订阅者需要重新订阅
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.feeds[f.pollID] == f {
		delete(h.feeds, f.pollID)
	}
	for sub := range f.subs {
		sub.closeLocked()
	}
	f.subs = nil
	f.cancel()

	h.log.Debug("上游订阅结束", zap.String("pollId", f.pollID))
}

// offer 调用方持有 hub.mu；丢弃比已发送快照更旧的快照
func (s *Subscription) offer(poll *model.Poll) {
	if s.closed || poll.UpdatedAt.Before(s.last) {
		return
	}
	s.last = poll.UpdatedAt

	snapshot := poll.Clone()
	select {
	case s.ch <- snapshot:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- snapshot:
	default:
	}
}

// C 快照通道
func (s *Subscription) C() <-chan *model.Poll {
	return s.ch
}

// Close 取消订阅，可重复调用
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.closed {
		return
	}
	s.closeLocked()

	f := s.feed
	if f.subs == nil {
		return
	}
	delete(f.subs, s)
	if len(f.subs) == 0 {
		if h.feeds[f.pollID] == f {
			delete(h.feeds, f.pollID)
		}
		f.cancel()
		h.log.Debug("最后一个订阅者离开，取消上游订阅", zap.String("pollId", f.pollID))
	}
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	close(s.done)
}

// RegisterPushTarget 注册锁屏实时活动推送目标，同一设备后写覆盖
func (h *Hub) RegisterPushTarget(ctx context.Context, pollID, deviceID, token string) error {
	switch {
	case strings.TrimSpace(pollID) == "":
		return model.NewValidationError("投票ID不能为空")
	case strings.TrimSpace(deviceID) == "":
		return model.NewValidationError("设备ID不能为空")
	case strings.TrimSpace(token) == "":
		return model.NewValidationError("推送令牌不能为空")
	}

	return h.store.SavePushTarget(ctx, model.PushTarget{
		PollID:    pollID,
		DeviceID:  deviceID,
		Token:     token,
		UpdatedAt: h.now(),
	})
}
