package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lvdashuaibi/livepoll/config"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	etcdLockPrefix = "/livepoll/locks/"
	minLeaseTTL    = 5 * time.Second
)

// EtcdLock 基于租约和事务的分布式锁
type EtcdLock struct {
	client *clientv3.Client
	log    *zap.Logger
	mu     sync.Mutex            // 保护locks的互斥锁
	locks  map[string]*lockEntry // 当前持有的锁
}

type lockEntry struct {
	leaseID clientv3.LeaseID
	key     string
	cancel  context.CancelFunc // 用于停止自动续约
}

func NewETCDLock(cfg config.ETCDConfig, log *zap.Logger) (*EtcdLock, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("创建etcd客户端失败: %w", err)
	}

	return &EtcdLock{
		client: cli,
		log:    log.With(zap.String("component", "etcdlock")),
		locks:  make(map[string]*lockEntry),
	}, nil
}

// leaseSeconds etcd租约以秒为单位
func leaseSeconds(ttl time.Duration) int64 {
	if ttl < minLeaseTTL {
		ttl = minLeaseTTL
	}
	return int64(ttl / time.Second)
}

func (el *EtcdLock) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	// 检查是否已持有锁
	if _, ok := el.locks[lockName]; ok {
		return true, nil
	}

	key := etcdLockPrefix + lockName

	// 创建租约
	grantResp, err := el.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return false, fmt.Errorf("创建租约失败: %w", err)
	}

	// 键不存在时写入，键随租约过期
	txnResp, err := el.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, "", clientv3.WithLease(grantResp.ID))).
		Commit()
	if err != nil {
		el.client.Revoke(context.Background(), grantResp.ID)
		return false, fmt.Errorf("事务执行失败: %w", err)
	}

	if !txnResp.Succeeded {
		el.client.Revoke(context.Background(), grantResp.ID)
		return false, nil
	}

	// 启动自动续约
	keepAliveCtx, keepAliveCancel := context.WithCancel(context.Background())
	go el.keepAlive(keepAliveCtx, lockName, grantResp.ID, ttl)

	el.locks[lockName] = &lockEntry{
		leaseID: grantResp.ID,
		key:     key,
		cancel:  keepAliveCancel,
	}

	el.log.Info("获取锁成功", zap.String("lock", lockName), zap.Int64("lease", int64(grantResp.ID)))
	return true, nil
}

func (el *EtcdLock) RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	entry, ok := el.locks[lockName]
	if !ok {
		return false, nil
	}

	// 续租约
	_, err := el.client.KeepAliveOnce(ctx, entry.leaseID)
	if err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			entry.cancel()
			delete(el.locks, lockName)
			return false, nil
		}
		return false, fmt.Errorf("续约失败: %w", err)
	}

	return true, nil
}

func (el *EtcdLock) ReleaseLock(ctx context.Context, lockName string) error {
	el.mu.Lock()
	defer el.mu.Unlock()

	return el.releaseLock(ctx, lockName)
}

func (el *EtcdLock) ReleaseAllLocks() {
	el.mu.Lock()
	defer el.mu.Unlock()

	for lockName := range el.locks {
		if err := el.releaseLock(context.Background(), lockName); err != nil {
			el.log.Warn("释放锁失败", zap.String("lock", lockName), zap.Error(err))
		}
	}
}

func (el *EtcdLock) Close() error {
	el.ReleaseAllLocks()
	return el.client.Close()
}

// keepAlive 按三分之一租期续约，租约丢失时移除本地记录
func (el *EtcdLock) keepAlive(ctx context.Context, lockName string, leaseID clientv3.LeaseID, ttl time.Duration) {
	ticker := time.NewTicker(time.Duration(leaseSeconds(ttl)) * time.Second / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := el.client.KeepAliveOnce(ctx, leaseID); err != nil {
				if ctx.Err() != nil {
					return
				}
				el.log.Warn("自动续约失败", zap.String("lock", lockName), zap.Error(err))
				if errors.Is(err, rpctypes.ErrLeaseNotFound) {
					el.mu.Lock()
					if entry, ok := el.locks[lockName]; ok && entry.leaseID == leaseID {
						delete(el.locks, lockName)
					}
					el.mu.Unlock()
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// releaseLock 调用方持有 el.mu
func (el *EtcdLock) releaseLock(ctx context.Context, lockName string) error {
	entry, ok := el.locks[lockName]
	if !ok {
		return nil
	}

	// 停止自动续约
	entry.cancel()
	delete(el.locks, lockName)

	// 删除键
	if _, err := el.client.Delete(ctx, entry.key); err != nil {
		return fmt.Errorf("删除键失败: %w", err)
	}

	// 释放租约
	if _, err := el.client.Revoke(ctx, entry.leaseID); err != nil {
		return fmt.Errorf("释放租约失败: %w", err)
	}

	el.log.Info("释放锁成功", zap.String("lock", lockName))
	return nil
}
