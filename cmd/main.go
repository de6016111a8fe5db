package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/api/graph"
	"github.com/lvdashuaibi/livepoll/internal/api/rest"
	"github.com/lvdashuaibi/livepoll/internal/auth"
	intkafka "github.com/lvdashuaibi/livepoll/internal/kafka"
	"github.com/lvdashuaibi/livepoll/internal/live"
	"github.com/lvdashuaibi/livepoll/internal/lock"
	"github.com/lvdashuaibi/livepoll/internal/logger"
	"github.com/lvdashuaibi/livepoll/internal/push"
	"github.com/lvdashuaibi/livepoll/internal/repository"
	"github.com/lvdashuaibi/livepoll/internal/repository/migrations"
	"github.com/lvdashuaibi/livepoll/internal/service"
	"go.uber.org/zap"
)

const MigrationLockName = "livepoll:service:migrate:lock"

var configPath = flag.String("config", "config/config.yaml", "配置文件路径")

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer zl.Sync()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("服务异常退出", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 创建分布式锁
	distributedLock, err := lock.New(cfg, zl)
	if err != nil {
		return fmt.Errorf("初始化分布式锁失败: %w", err)
	}
	defer func() {
		distributedLock.ReleaseAllLocks()
		distributedLock.Close()
	}()
	zl.Info("分布式锁初始化成功", zap.String("driver", cfg.Lock.Driver))

	store, err := openStore(ctx, cfg, distributedLock, zl)
	if err != nil {
		return err
	}
	defer store.Close()
	zl.Info("投票存储初始化成功", zap.String("driver", cfg.Store.Driver))

	// 投票事件：启用Kafka时经Kafka分发，否则使用进程内队列
	var (
		events  service.EventPublisher
		consume push.ConsumeFunc
	)
	switch {
	case cfg.Kafka.Enabled:
		producer := intkafka.NewProducer(cfg.Kafka, zl)
		defer producer.Close()
		events = producer
		consume = intkafka.NewConsumer(cfg.Kafka, zl).Run
		zl.Info("Kafka初始化成功", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	case cfg.Push.Enabled:
		queue := push.NewLocalQueue(0, zl)
		events = queue
		consume = queue.Run
	}

	var wg sync.WaitGroup
	if cfg.Push.Enabled {
		dispatcher := push.NewDispatcher(store, push.NewLogSender(zl), distributedLock, cfg.Lock.Timeout, zl)
		wg.Add(1)
		go func() {
			defer wg.Done()
			dispatcher.Run(ctx, consume)
		}()
	}

	pollService := service.NewPollService(store, cfg.Store.Timeout)
	voteService := service.NewVoteService(store, events, cfg.Vote, cfg.Store.Timeout, zl)
	hub := live.NewHub(store, zl)
	verifier := auth.NewVerifier(cfg.Auth)

	app := rest.NewApp(cfg.Server, rest.NewPollHandler(pollService, voteService, hub, zl), verifier.Middleware(), zl)
	graph.NewServer(pollService, voteService, hub, zl).Mount(app.Engine(), cfg.GraphQL.Path)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- app.Run()
	}()
	zl.Info("投票服务已启动",
		zap.Int("port", cfg.Server.Port),
		zap.String("graphql", cfg.GraphQL.Path))

	select {
	case <-ctx.Done():
		zl.Info("正在关闭服务...")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("HTTP服务异常: %w", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := app.Stop(shutdownCtx); err != nil {
		zl.Warn("HTTP服务关闭超时", zap.Error(err))
	}
	wg.Wait()
	return nil
}

// openStore 按 store.driver 创建存储；MySQL在持有迁移锁的实例上执行迁移
func openStore(ctx context.Context, cfg *config.Config, distributedLock lock.Lock, zl *zap.Logger) (repository.Store, error) {
	switch cfg.Store.Driver {
	case "redis":
		store, err := repository.NewRedisRepository(cfg.Redis, zl)
		if err != nil {
			return nil, fmt.Errorf("初始化Redis仓库失败: %w", err)
		}
		return store, nil

	case "mysql":
		store, err := repository.NewMySQLRepository(cfg.MySQL, zl)
		if err != nil {
			return nil, fmt.Errorf("初始化MySQL仓库失败: %w", err)
		}
		if err := migrate(ctx, store, distributedLock, cfg.Lock, zl); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil

	case "firestore":
		store, err := repository.NewFirestoreRepository(ctx, cfg.Firestore, zl)
		if err != nil {
			return nil, fmt.Errorf("初始化Firestore仓库失败: %w", err)
		}
		return store, nil

	default:
		return repository.NewMemoryRepository(), nil
	}
}

func migrate(ctx context.Context, store *repository.MySQLRepository, distributedLock lock.Lock, lockCfg config.LockConfig, zl *zap.Logger) error {
	acquired, err := distributedLock.AcquireLock(ctx, MigrationLockName, lockCfg.Timeout)
	if err != nil {
		return fmt.Errorf("获取迁移锁失败: %w", err)
	}
	if !acquired {
		zl.Info("其他实例正在执行数据库迁移，跳过")
		return nil
	}
	defer distributedLock.ReleaseLock(context.Background(), MigrationLockName)

	if err := migrations.Up(store.MasterDB()); err != nil {
		return fmt.Errorf("执行数据库迁移失败: %w", err)
	}
	zl.Info("数据库迁移完成")
	return nil
}
