package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TIANLI0/SplatKit/config"
	"github.com/TIANLI0/SplatKit/handler"
	"github.com/TIANLI0/SplatKit/middleware"
	"github.com/TIANLI0/SplatKit/service"
	"github.com/TIANLI0/SplatKit/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	BuildID   = "unknown"
	GitCommit = "unknown"
	GitBranch = "unknown"
)

func main() {
	// 加载配置
	cfg, err := config.New()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	if err := utils.InitLogger(cfg.Server.Mode, utils.FileOptions{
		Filename:   cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer utils.Sync()

	utils.Logger.Info("starting SplatKit server",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("git_branch", GitBranch),
		zap.String("strategy", cfg.Projection.Strategy))

	// 初始化Redis
	redisService := service.NewRedisService(&cfg.Redis)
	ctx := context.Background()
	if redisService.Enabled() {
		if err := redisService.Ping(ctx); err != nil {
			utils.Logger.Warn("redis connection failed, results will not be cached", zap.Error(err))
		} else {
			utils.Logger.Info("redis connected successfully")
		}
	}
	defer redisService.Close()

	// 初始化处理流程
	segmenter := service.NewDNNSegmenter(&cfg.Segmentation)
	defer segmenter.Close()
	reconstructor := service.NewCommandReconstructor(&cfg.Reconstruction)

	pipeline, err := service.NewPipeline(cfg, segmenter, reconstructor)
	if err != nil {
		utils.Logger.Fatal("failed to create pipeline", zap.Error(err))
	}

	// 初始化Handler
	predictHandler := handler.NewPredictHandler(cfg, redisService, pipeline)

	// 设置Gin模式
	gin.SetMode(cfg.Server.Mode)

	// 创建路由
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS())

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service":  "SplatKit",
			"version":  Version,
			"strategy": pipeline.Strategy(),
			"endpoints": gin.H{
				"predict": "POST /api/v1/predict (multipart field: file)",
				"result":  "GET /api/v1/result/:md5",
				"health":  "GET /health",
			},
		})
	})

	// 健康检查和版本信息
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": Version,
			"cache":   redisService.Enabled(),
		})
	})

	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    Version,
			"build_time": BuildTime,
			"build_id":   BuildID,
			"git_commit": GitCommit,
			"git_branch": GitBranch,
		})
	})

	// API路由
	api := r.Group("/api/v1")
	{
		api.POST("/predict", predictHandler.Predict)
		api.GET("/result/:md5", predictHandler.GetByMD5)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		utils.Logger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.Logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	utils.Logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		utils.Logger.Error("server shutdown failed", zap.Error(err))
	}
}
