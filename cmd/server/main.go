// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fileflow-go/internal/config"
	"fileflow-go/internal/governor"
	"fileflow-go/internal/handler"
	"fileflow-go/internal/middleware"
	"fileflow-go/internal/model"
	"fileflow-go/internal/pipeline"
	"fileflow-go/internal/repository"
	"fileflow-go/internal/service"
	"fileflow-go/pkg/database"
	"fileflow-go/pkg/kafka"
	"fileflow-go/pkg/log"
	"fileflow-go/pkg/storage"
	"fileflow-go/pkg/tasks"
	"fileflow-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis 与对象存储
	database.InitMySQL(cfg.Database.MySQL.DSN)
	if err := database.DB.AutoMigrate(&model.UploadSession{}, &model.StoredArtifact{}); err != nil {
		log.Fatal("数据库表结构迁移失败", err)
	}
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.Storage.MinIO)
	kafka.InitProducer(cfg.Kafka)
	defer kafka.CloseProducer()

	localStore, err := storage.NewLocalStore(cfg.Storage.BaseDir)
	if err != nil {
		log.Fatal("初始化本地存储失败", err)
	}

	// 4. 初始化 Repository 与资源监控
	sessionRepo := repository.NewSessionRepository(database.DB, database.RDB)
	artifactRepo := repository.NewArtifactRepository(database.DB)
	gov := governor.NewSystemGovernor(cfg.Resource, cfg.Upload.DefaultChunkSize)

	// 5. 初始化 Service (依赖注入)
	downloadTokenMgr := token.NewDownloadTokenManager(cfg.Download.TokenSecret, cfg.Download.TokenTTLMinutes)
	finalizeTimeout := time.Duration(cfg.Server.FinalizeTimeoutMinutes) * time.Minute
	publish := func(task tasks.ArtifactStoredTask) error {
		return kafka.ProduceArtifactTask(task)
	}
	uploadService := service.NewUploadService(sessionRepo, artifactRepo, localStore, gov, cfg.Upload, finalizeTimeout, publish)
	fileService := service.NewFileService(artifactRepo, localStore, downloadTokenMgr, cfg.Upload.InMemoryChecksumBytes)

	// 6. 启动后台 Kafka 消费者（制品镜像管道）
	processor := pipeline.NewMirrorProcessor(artifactRepo, localStore)
	go kafka.StartConsumer(cfg.Kafka, processor)

	// 7. 启动过期清理定时任务
	c := cron.New()
	if _, err := c.AddFunc(cfg.Cleanup.CronSpec, func() {
		ctx := context.Background()
		if _, err := uploadService.CleanupExpiredSessions(ctx); err != nil {
			log.Errorf("定时清理过期会话失败: %v", err)
		}
		if _, err := fileService.CleanupExpiredArtifacts(ctx); err != nil {
			log.Errorf("定时清理过期制品失败: %v", err)
		}
	}); err != nil {
		log.Fatal("注册清理定时任务失败", err)
	}
	c.Start()
	defer c.Stop()

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), middleware.SecurityHeaders(), gin.Recovery())

	// 9. 注册路由
	uploadHandler := handler.NewUploadHandler(uploadService)
	fileHandler := handler.NewFileHandler(fileService)
	adminHandler := handler.NewAdminHandler(uploadService, fileService)
	progressHandler := handler.NewProgressHandler(uploadService)

	apiV1 := r.Group("/api/v1")
	{
		upload := apiV1.Group("/upload")
		{
			upload.POST("/init", uploadHandler.InitUpload)
			upload.POST("/:sessionId/chunk", uploadHandler.UploadChunk)
			upload.POST("/:sessionId/finalize", uploadHandler.FinalizeUpload)
			upload.GET("/:sessionId/status", uploadHandler.GetStatus)
			upload.DELETE("/:sessionId", uploadHandler.CancelUpload)
			upload.GET("/:sessionId/progress", progressHandler.StreamProgress)
		}

		files := apiV1.Group("/files")
		{
			files.POST("", fileHandler.UploadFile)
			files.GET("/download", fileHandler.Download)
			files.GET("/:artifactId", fileHandler.GetArtifactMeta)
			files.GET("/:artifactId/download-url", fileHandler.GetDownloadURL)
			files.DELETE("/:artifactId", fileHandler.DeleteArtifact)
		}

		admin := apiV1.Group("/admin")
		{
			admin.GET("/sessions/stats", adminHandler.GetSessionStats)
			admin.GET("/load", adminHandler.GetLoadMetrics)
			admin.POST("/cleanup", adminHandler.TriggerCleanup)
		}
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	log.Info("服务已优雅关闭")
}
