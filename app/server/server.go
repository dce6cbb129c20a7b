package server

import (
	"context"
	"net/http"

	"audio-fusion/app/broadcast"
	"audio-fusion/app/config"
	"audio-fusion/app/database"
	"audio-fusion/app/filewatcher"
	"audio-fusion/app/handler"
	"audio-fusion/app/logger"
	"audio-fusion/app/middleware"
	"audio-fusion/app/model"
	"audio-fusion/app/service"

	"github.com/gin-gonic/gin"
)

// Server 表示 HTTP 服务器及其托管的后台服务
type Server struct {
	Config *config.Config
	Logger *logger.Logger

	gin  *gin.Engine
	http *http.Server

	broadcaster *broadcast.Broadcaster
	pipeline    *service.PipelineService
	cleanup     *service.CleanupService
	watcher     *filewatcher.Watcher
}

// New 创建一个新的 Server 实例并完成服务装配
func New(cfg *config.Config, log *logger.Logger) (*Server, error) {
	router := gin.Default()
	db := database.GetDB()

	// 装配流水线及其协作者
	broadcaster := broadcast.New()
	store := service.NewGormJobStore(db, log)
	fetcher := service.NewFetcherService(cfg, log)
	transcriber := service.NewWhisperTranscriber(cfg, log)
	pipeline := service.NewPipelineService(log, store, fetcher, transcriber, broadcaster, cfg.Server.MaxConcurrentJobs)

	// 监听目录中的新媒体文件直接进入流水线
	watcher, err := filewatcher.New(&cfg.Watcher, log, func(path string) {
		job := model.Job{
			SourceURL:  path,
			SourceType: model.SourceTypeLocalFile,
			Status:     model.JobStatusPending,
		}
		if err := db.Create(&job).Error; err != nil {
			log.Errorf("为监听文件创建任务失败: path=%s, %v", path, err)
			return
		}
		pipeline.Dispatch(job.ID)
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		Config: cfg,
		Logger: log,
		gin:    router,
		http: &http.Server{
			Addr:    ":" + cfg.Server.Port,
			Handler: router,
		},
		broadcaster: broadcaster,
		pipeline:    pipeline,
		cleanup:     service.NewCleanupService(cfg, log, db),
		watcher:     watcher,
	}

	s.setupRoutes(store, fetcher)

	return s, nil
}

// Start 启动服务器和后台服务
func (s *Server) Start() error {
	s.Logger.Infof("在端口 %s 启动服务器", s.http.Addr)

	if err := s.cleanup.Start(); err != nil {
		return err
	}
	if err := s.watcher.Start(); err != nil {
		return err
	}

	return s.http.ListenAndServe()
}

// Shutdown 按与启动相反的顺序关闭各组件
func (s *Server) Shutdown(ctx context.Context) error {
	s.watcher.Stop()
	s.cleanup.Stop()
	s.broadcaster.Close()

	if err := database.Close(); err != nil {
		s.Logger.Errorf("关闭数据库连接失败: %v", err)
	}
	return s.http.Shutdown(ctx)
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes(store *service.GormJobStore, fetcher service.MediaFetcher) {
	authHandler := handler.NewAuthHandler(s.Config)
	jobHandler := handler.NewJobHandler(s.Logger, s.pipeline, store, fetcher)
	eventHandler := handler.NewEventHandler(s.Logger, s.broadcaster)

	// API路由组
	api := s.gin.Group("/api")

	// 认证相关路由（不需要JWT验证）
	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/register", authHandler.Register)
		auth.POST("/refresh", authHandler.RefreshToken)
	}

	// 需要JWT验证的路由
	protected := api.Group("/")
	protected.Use(middleware.JWTAuth(s.Config))
	{
		// 用户相关
		protected.GET("/me", authHandler.Me)

		// 转写任务相关路由
		jobs := protected.Group("/jobs")
		{
			jobs.POST("/", jobHandler.CreateJob)
			jobs.GET("/", jobHandler.ListJobs)
			jobs.GET("/:id", jobHandler.GetJob)
			jobs.DELETE("/:id", jobHandler.DeleteJob)

			jobs.GET("/:id/transcript", jobHandler.GetTranscript)
			jobs.POST("/:id/retry", jobHandler.RetryJob)

			// 单任务进度流
			jobs.GET("/:id/events", eventHandler.StreamJob)
		}

		// 全量进度流
		protected.GET("/events", eventHandler.StreamAll)
	}
}
