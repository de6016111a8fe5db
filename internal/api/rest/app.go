package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lvdashuaibi/livepoll/config"
	"go.uber.org/zap"
)

type App struct {
	engine *gin.Engine
	server *http.Server
	log    *zap.Logger
}

// NewApp 初始化gin服务并注册路由，authMiddleware 对所有路由生效
func NewApp(cfg config.ServerConfig, handler *PollHandler, authMiddleware gin.HandlerFunc, log *zap.Logger) *App {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(log))

	r.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.AllowOrigins,
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "X-User-ID"},
		ExposeHeaders: []string{"Content-Length"},
	}))
	r.Use(authMiddleware)

	api := r.Group("/api")
	registerRoutes(api, handler)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return &App{
		engine: r,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: r,
		},
		log: log.With(zap.String("component", "http")),
	}
}

func registerRoutes(rg *gin.RouterGroup, handler *PollHandler) {
	rg.POST("/polls", handler.CreatePoll)
	rg.GET("/polls", handler.LatestPolls)
	rg.GET("/polls/:id", handler.GetPoll)
	rg.GET("/polls/:id/stream", handler.StreamPoll)

	rg.POST("/polls/:id/votes", handler.Vote)
	rg.GET("/polls/:id/votes/me", handler.MyVote)

	rg.PUT("/polls/:id/push-targets/:deviceId", handler.RegisterPushTarget)
}

// Run 启动HTTP服务，正常关闭时返回nil
func (a *App) Run() error {
	a.log.Info("HTTP服务已启动", zap.String("addr", a.server.Addr))
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 优雅关闭
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("HTTP服务正在关闭")
	return a.server.Shutdown(ctx)
}

// Engine 用于挂载其他路由，如GraphQL
func (a *App) Engine() *gin.Engine {
	return a.engine
}
