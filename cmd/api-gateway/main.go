package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/HARSHITHR0107/capstone-management-automation-pu/internal/handler"
	"github.com/HARSHITHR0107/capstone-management-automation-pu/internal/middleware"
	"github.com/HARSHITHR0107/capstone-management-automation-pu/internal/models"
	"github.com/HARSHITHR0107/capstone-management-automation-pu/internal/repository"
	"github.com/HARSHITHR0107/capstone-management-automation-pu/internal/service"
	"github.com/HARSHITHR0107/capstone-management-automation-pu/internal/store"
	"github.com/HARSHITHR0107/capstone-management-automation-pu/pkg/cache"
	"github.com/HARSHITHR0107/capstone-management-automation-pu/pkg/config"
	"github.com/HARSHITHR0107/capstone-management-automation-pu/pkg/database"
	"github.com/HARSHITHR0107/capstone-management-automation-pu/pkg/logger"
	corsmiddleware "github.com/HARSHITHR0107/capstone-management-automation-pu/pkg/middleware/cors"
	reqidmiddleware "github.com/HARSHITHR0107/capstone-management-automation-pu/pkg/middleware/requestid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	documents := store.NewPostgres(db, database.DSN(cfg.Database), logr)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := documents.Bootstrap(ctx); err != nil {
		cancel()
		logr.Sugar().Fatalw("failed to bootstrap document store", "error", err)
	}
	cancel()

	var cacheRepo *repository.CacheRepository
	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, recipient counts uncached", "error", err)
		cacheRepo = repository.NewCacheRepository(nil, cfg.Notifications.RecipientCacheTTL, logr)
	} else {
		defer redisClient.Close()
		cacheRepo = repository.NewCacheRepository(redisClient, cfg.Notifications.RecipientCacheTTL, logr)
	}

	metricsSvc := service.NewMetricsService()
	authSvc := service.NewAuthService(service.AuthConfig{
		Secret:     cfg.JWT.Secret,
		Expiration: cfg.JWT.Expiration,
		Issuer:     cfg.JWT.Issuer,
	}, logr)
	notificationSvc := service.NewNotificationService(documents, cacheRepo, nil, metricsSvc, logr, service.NotificationServiceConfig{
		RoleFetchLimit:  cfg.Notifications.RoleFetchLimit,
		AdminFetchLimit: cfg.Notifications.AdminFetchLimit,
	})

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	notificationHandler := handler.NewNotificationHandler(notificationSvc)
	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(authSvc))
	{
		notifications := api.Group("/notifications")
		notifications.GET("", notificationHandler.List)
		notifications.GET("/stream", notificationHandler.Stream)
		notifications.GET("/unread-count", notificationHandler.UnreadCount)
		notifications.POST("/:id/read", notificationHandler.MarkRead)
		notifications.POST("/read-all", notificationHandler.MarkAllRead)
		notifications.POST("", middleware.RequireRoles(models.RoleAdmin), notificationHandler.Send)
		notifications.GET("/sent", middleware.RequireRoles(models.RoleAdmin), notificationHandler.AllSent)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
