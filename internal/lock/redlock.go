package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lvdashuaibi/livepoll/config"
	"go.uber.org/zap"
)

const (
	// 只刷新自己持有的锁
	refreshScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`

	// 只释放自己持有的锁
	unlockScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`

	redlockRetryDelay = 100 * time.Millisecond
)

type RedLock struct {
	clients []*redis.Client
	addrs   []string
	log     *zap.Logger
	retries int

	mu    sync.Mutex
	locks map[string]string // key是锁名，value是token值
}

// NewRedLock 为每个Redis锁节点创建独立客户端
func NewRedLock(redisCfg config.RedisConfig, lockCfg config.LockConfig, log *zap.Logger) (*RedLock, error) {
	if len(redisCfg.LockAddresses) == 0 {
		return nil, fmt.Errorf("未配置Redis锁节点")
	}

	ctx := context.Background()
	var clients []*redis.Client

	for _, addr := range redisCfg.LockAddresses {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     redisCfg.Password,
			DB:           redisCfg.DB,
			PoolSize:     redisCfg.PoolSize,
			MaxRetries:   redisCfg.MaxRetries,
			DialTimeout:  redisCfg.Timeout,
			ReadTimeout:  redisCfg.Timeout,
			WriteTimeout: redisCfg.Timeout,
		})

		// 测试连接
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			for _, c := range clients {
				c.Close()
			}
			return nil, fmt.Errorf("Redis锁节点 %s 连接测试失败: %w", addr, err)
		}

		clients = append(clients, client)
	}

	retries := lockCfg.RetryCount
	if retries <= 0 {
		retries = 1
	}

	return &RedLock{
		clients: clients,
		addrs:   redisCfg.LockAddresses,
		log:     log.With(zap.String("component", "redlock")),
		retries: retries,
		locks:   make(map[string]string),
	}, nil
}

func (r *RedLock) quorum() int {
	return len(r.clients)/2 + 1
}

// AcquireLock 在多数节点上 SETNX 成功且剩余有效期为正时视为获取成功
func (r *RedLock) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.locks[lockName]; ok {
		return true, nil
	}

	token := uuid.NewString()

	for attempt := 0; attempt < r.retries; attempt++ {
		success := 0
		start := time.Now()

		for i, client := range r.clients {
			ok, err := client.SetNX(ctx, lockName, token, ttl).Result()
			if err != nil {
				r.log.Warn("节点获取锁失败", zap.String("node", r.addrs[i]), zap.String("lock", lockName), zap.Error(err))
				continue
			}
			if ok {
				success++
			}
		}

		validity := ttl - time.Since(start)
		if success >= r.quorum() && validity > 0 {
			r.locks[lockName] = token
			r.log.Info("获取锁成功", zap.String("lock", lockName), zap.Int("nodes", success))
			return true, nil
		}

		// 获取失败，释放所有节点上的锁
		r.unlockAll(ctx, lockName, token)

		if attempt < r.retries-1 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(redlockRetryDelay):
			}
		}
	}

	return false, nil
}

// RefreshLock 刷新锁的过期时间，未在多数节点续期时视为丢失
func (r *RedLock) RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, exists := r.locks[lockName]
	if !exists {
		return false, nil
	}

	success := 0
	for i, client := range r.clients {
		result, err := client.Eval(ctx, refreshScript, []string{lockName}, token, ttl.Milliseconds()).Int64()
		if err != nil {
			r.log.Warn("节点刷新锁失败", zap.String("node", r.addrs[i]), zap.String("lock", lockName), zap.Error(err))
			continue
		}
		if result == 1 {
			success++
		}
	}

	if success >= r.quorum() {
		return true, nil
	}

	delete(r.locks, lockName)
	return false, nil
}

// ReleaseLock 释放分布式锁，未持有时忽略
func (r *RedLock) ReleaseLock(ctx context.Context, lockName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, exists := r.locks[lockName]
	if !exists {
		return nil
	}

	r.unlockAll(ctx, lockName, token)
	delete(r.locks, lockName)
	r.log.Info("释放锁成功", zap.String("lock", lockName))
	return nil
}

// unlockAll 在所有节点上释放锁
func (r *RedLock) unlockAll(ctx context.Context, lockName string, token string) {
	for i, client := range r.clients {
		if err := client.Eval(ctx, unlockScript, []string{lockName}, token).Err(); err != nil {
			r.log.Warn("节点释放锁失败", zap.String("node", r.addrs[i]), zap.String("lock", lockName), zap.Error(err))
		}
	}
}

// ReleaseAllLocks 释放所有持有的锁
func (r *RedLock) ReleaseAllLocks() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, token := range r.locks {
		r.unlockAll(context.Background(), name, token)
	}
	r.locks = make(map[string]string)
}

// Close 关闭分布式锁客户端
func (r *RedLock) Close() error {
	r.ReleaseAllLocks()

	for _, client := range r.clients {
		if err := client.Close(); err != nil {
			r.log.Warn("关闭Redis客户端失败", zap.Error(err))
		}
	}
	return nil
}
