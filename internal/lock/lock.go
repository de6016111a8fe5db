package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/lvdashuaibi/livepoll/config"
	"go.uber.org/zap"
)

// Lock 分布式锁接口
type Lock interface {
	// AcquireLock 获取分布式锁
	// 返回值：bool表示是否成功获取锁，error表示获取过程中的错误
	AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error)

	// RefreshLock 刷新锁的过期时间
	// 返回值：bool表示是否仍持有锁，error表示刷新过程中的错误
	RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error)

	// ReleaseLock 释放分布式锁
	ReleaseLock(ctx context.Context, lockName string) error

	// ReleaseAllLocks 释放所有持有的锁
	ReleaseAllLocks()

	// Close 关闭分布式锁客户端
	Close() error
}

// New 按 lock.driver 创建分布式锁
func New(cfg *config.Config, log *zap.Logger) (Lock, error) {
	switch cfg.Lock.Driver {
	case "etcd":
		return NewETCDLock(cfg.ETCD, log)
	case "redlock":
		return NewRedLock(cfg.Redis, cfg.Lock, log)
	case "none", "":
		return NewNoopLock(), nil
	default:
		return nil, fmt.Errorf("不支持的锁类型: %s", cfg.Lock.Driver)
	}
}

// NoopLock 单实例部署使用，总是获取成功
type NoopLock struct{}

func NewNoopLock() *NoopLock { return &NoopLock{} }

func (NoopLock) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (NoopLock) RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (NoopLock) ReleaseLock(ctx context.Context, lockName string) error { return nil }

func (NoopLock) ReleaseAllLocks() {}

func (NoopLock) Close() error { return nil }
