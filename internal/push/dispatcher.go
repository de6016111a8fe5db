// Package push 把投票事件转换成锁屏实时活动推送。
//
// 多实例部署时只有持有调度锁的实例消费投票事件；锁丢失后停止消费，
// 由其他实例接管。
package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lvdashuaibi/livepoll/internal/lock"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"github.com/lvdashuaibi/livepoll/internal/repository"
	"go.uber.org/zap"
)

const DispatcherLockName = "livepoll:push:dispatcher:lock"

// ConsumeFunc 持续消费投票事件直到 ctx 结束，Kafka消费者的 Run 满足该签名
type ConsumeFunc func(ctx context.Context, handler func(ctx context.Context, event *model.VoteEvent) error) error

type Dispatcher struct {
	store   repository.Store
	sender  Sender
	lock    lock.Lock
	lockTTL time.Duration
	log     *zap.Logger
}

func NewDispatcher(store repository.Store, sender Sender, distributedLock lock.Lock, lockTTL time.Duration, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		sender:  sender,
		lock:    distributedLock,
		lockTTL: lockTTL,
		log:     log.With(zap.String("component", "push")),
	}
}

// HandleVoteEvent 读取最新快照并推送给投票的全部推送目标
func (d *Dispatcher) HandleVoteEvent(ctx context.Context, event *model.VoteEvent) error {
	const op = "push.Dispatcher.HandleVoteEvent"

	targets, err := d.store.ListPushTargets(ctx, event.PollID)
	if err != nil {
		return fmt.Errorf("%s: 获取推送目标失败: %w", op, err)
	}
	if len(targets) == 0 {
		return nil
	}

	// 事件可能晚于后续提交到达，推送存储中的最新快照
	poll, err := d.store.GetPoll(ctx, event.PollID)
	if err != nil {
		return fmt.Errorf("%s: 获取投票快照失败: %w", op, err)
	}

	var errs []error
	for _, target := range targets {
		if err := d.sender.Send(ctx, target, poll); err != nil {
			d.log.Warn("推送失败", zap.String("pollId", poll.ID), zap.String("deviceId", target.DeviceID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run 竞争调度锁，持有期间调用 consume；锁丢失或 consume 返回后重新竞争，直到 ctx 结束
func (d *Dispatcher) Run(ctx context.Context, consume ConsumeFunc) {
	retry := d.lockTTL / 2
	if retry <= 0 {
		retry = time.Second
	}

	for {
		acquired, err := d.lock.AcquireLock(ctx, DispatcherLockName, d.lockTTL)
		if err != nil && ctx.Err() == nil {
			d.log.Warn("获取推送调度锁失败", zap.Error(err))
		}

		if acquired {
			d.log.Info("成为推送调度实例")
			d.lead(ctx, consume)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}

// lead 持有锁期间消费事件，定期续期，续期失败时停止消费
func (d *Dispatcher) lead(ctx context.Context, consume ConsumeFunc) {
	leaderCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go d.maintainLock(leaderCtx, cancel)

	if err := consume(leaderCtx, d.HandleVoteEvent); err != nil && !errors.Is(err, context.Canceled) {
		d.log.Warn("消费投票事件异常退出", zap.Error(err))
	}

	// 释放锁时不能使用已取消的 ctx
	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer releaseCancel()
	if err := d.lock.ReleaseLock(releaseCtx, DispatcherLockName); err != nil {
		d.log.Warn("释放推送调度锁失败", zap.Error(err))
	}
	d.log.Info("退出推送调度")
}

// maintainLock 按三分之一租期续期
func (d *Dispatcher) maintainLock(ctx context.Context, lost context.CancelFunc) {
	interval := d.lockTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := d.lock.RefreshLock(ctx, DispatcherLockName, d.lockTTL)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				d.log.Warn("续期推送调度锁失败", zap.Error(err))
				continue
			}
			if !held {
				d.log.Warn("推送调度锁已丢失")
				lost()
				return
			}
		}
	}
}
