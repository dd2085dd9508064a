package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitfantasy/plm-lite/internal/config"
	"github.com/bitfantasy/plm-lite/internal/middleware"
	"github.com/bitfantasy/plm-lite/internal/plm/entity"
	"github.com/bitfantasy/plm-lite/internal/plm/handler"
	"github.com/bitfantasy/plm-lite/internal/plm/repository"
	"github.com/bitfantasy/plm-lite/internal/plm/service"
	"github.com/bitfantasy/plm-lite/internal/plm/storage"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Version 构建时注入
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// .env 存在时加载，不存在忽略
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := initLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting plm-lite",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
	)

	db, err := initDatabase(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}

	if err := db.AutoMigrate(
		&entity.Role{},
		&entity.User{},
		&entity.Part{},
		&entity.PartAttribute{},
		&entity.PartRevision{},
		&entity.PartRelationship{},
		&entity.Document{},
		&entity.FileVersion{},
		&entity.AuditLogEntry{},
	); err != nil {
		zapLogger.Fatal("AutoMigrate failed", zap.Error(err))
	}

	rdb := initRedis(cfg.Redis)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		zapLogger.Warn("Redis unavailable, ability cache disabled", zap.Error(err))
	}

	blobs, err := initBlobStore(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to init file storage", zap.Error(err))
	}

	repos := repository.NewRepositories(db)
	services := service.NewServices(repos, rdb, blobs, cfg, zapLogger)
	handlers := handler.NewHandlers(services, cfg)

	// 初始化内置角色与管理员
	adminPassword := config.GetEnvOrDefault("ADMIN_INITIAL_PASSWORD", "admin123")
	if err := services.User.EnsureSeedData(context.Background(), adminPassword); err != nil {
		zapLogger.Fatal("Failed to seed data", zap.Error(err))
	}

	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(zapLogger))
	router.Use(middleware.CORS())
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	registerRoutes(router, handlers, cfg)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		zapLogger.Info("Server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("Server forced to shutdown", zap.Error(err))
	}
	zapLogger.Info("Server exited")
}

func initLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config

	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	return zapCfg.Build()
}

func initDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}

func initRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// initBlobStore MinIO配置齐全时用对象存储，否则退回本地磁盘
func initBlobStore(cfg *config.Config, zapLogger *zap.Logger) (storage.BlobStore, error) {
	if cfg.MinIO.Endpoint != "" {
		store, err := storage.NewMinIOStore(
			cfg.MinIO.Endpoint,
			cfg.MinIO.AccessKey,
			cfg.MinIO.SecretKey,
			cfg.MinIO.Bucket,
			cfg.MinIO.UseSSL,
		)
		if err == nil {
			zapLogger.Info("Using MinIO file storage", zap.String("endpoint", cfg.MinIO.Endpoint))
			return store, nil
		}
		zapLogger.Warn("MinIO unavailable, falling back to disk storage", zap.Error(err))
	}
	zapLogger.Info("Using disk file storage", zap.String("root", cfg.Storage.FilesRoot))
	return storage.NewDiskStore(cfg.Storage.FilesRoot)
}

func registerRoutes(r *gin.Engine, h *handler.Handlers, cfg *config.Config) {
	// 健康检查
	r.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/health/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// 版本信息
	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    Version,
			"build_time": BuildTime,
			"time":       time.Now().Format(time.RFC3339),
		})
	})

	api := r.Group("/api/v1")

	// 认证
	api.POST("/auth/login", h.Auth.Login)

	auth := api.Group("")
	auth.Use(middleware.JWTAuth(cfg.JWT.Secret))
	{
		auth.POST("/auth/change-password", h.Auth.ChangePassword)

		// 零件
		parts := auth.Group("/parts")
		{
			parts.GET("", middleware.RequireAbility("view"), h.Part.List)
			parts.GET("/attribute-keys", middleware.RequireAbility("view"), h.Part.ListAttributeKeys)
			parts.POST("", middleware.RequireAbility("write"), h.Part.Create)
			parts.GET("/:id", middleware.RequireAbility("view"), h.Part.Get)
			parts.PUT("/:id", middleware.RequireAbility("write"), h.Part.Update)
			parts.DELETE("/:id", middleware.RequireAdmin(), h.Part.Delete)

			parts.POST("/:id/checkout", middleware.RequireAbility("checkout"), h.Part.Checkout)
			parts.POST("/:id/checkin", middleware.RequireAbility("checkout"), h.Part.Checkin)
			parts.POST("/:id/release", middleware.RequireAbility("release"), h.Part.Release)
			parts.POST("/:id/unrelease", middleware.RequireAdmin(), h.Part.Unrelease)
			parts.POST("/:id/bump", middleware.RequireAbility("write"), h.Part.Bump)
			parts.GET("/:id/revisions", middleware.RequireAbility("view"), h.Part.ListRevisions)

			parts.GET("/:id/attributes", middleware.RequireAbility("view"), h.Part.ListAttributes)
			parts.PUT("/:id/attributes", middleware.RequireAbility("write"), h.Part.SetAttribute)
			parts.DELETE("/:id/attributes/:key", middleware.RequireAbility("write"), h.Part.DeleteAttribute)

			parts.GET("/:id/bom", middleware.RequireAbility("view"), h.Part.BOMTree)
			parts.GET("/:id/bom/export", middleware.RequireAbility("view"), h.Part.ExportBOM)
			parts.GET("/:id/where-used", middleware.RequireAbility("view"), h.Part.WhereUsed)
			parts.GET("/:id/documents", middleware.RequireAbility("view"), h.Document.ListByPart)
		}

		// 装配关系
		rels := auth.Group("/relationships")
		{
			rels.GET("", middleware.RequireAbility("view"), h.Relationship.List)
			rels.POST("", middleware.RequireAbility("write"), h.Relationship.Create)
			rels.PUT("/:id", middleware.RequireAbility("write"), h.Relationship.Update)
			rels.DELETE("/:id", middleware.RequireAbility("write"), h.Relationship.Delete)
		}

		// 文档
		docs := auth.Group("/documents")
		{
			docs.GET("", middleware.RequireAbility("view"), h.Document.List)
			docs.POST("", middleware.RequireAbility("upload"), h.Document.Upload)
			docs.GET("/:id", middleware.RequireAbility("view"), h.Document.Get)
			docs.DELETE("/:id", middleware.RequireAdmin(), h.Document.Delete)
			docs.GET("/:id/download", middleware.RequireAbility("view"), h.Document.Download)

			docs.POST("/:id/versions", middleware.RequireAbility("upload"), h.Document.SaveVersion)
			docs.GET("/:id/versions", middleware.RequireAbility("view"), h.Document.ListVersions)
			docs.GET("/:id/versions/:versionId/download", middleware.RequireAbility("view"), h.Document.DownloadVersion)
			docs.POST("/:id/versions/:versionId/restore", middleware.RequireAbility("upload"), h.Document.Restore)

			docs.POST("/:id/attach", middleware.RequireAbility("write"), h.Document.Attach)
			docs.POST("/:id/detach", middleware.RequireAbility("write"), h.Document.Detach)
		}

		// 管理
		admin := auth.Group("/admin")
		admin.Use(middleware.RequireAdmin())
		{
			admin.POST("/users", h.Admin.CreateUser)
			admin.GET("/users", h.Admin.ListUsers)
			admin.GET("/users/:id", h.Admin.GetUser)
			admin.PUT("/users/:id", h.Admin.UpdateUser)
			admin.DELETE("/users/:id", h.Admin.DeleteUser)
			admin.POST("/users/:id/reset-password", h.Admin.ResetPassword)

			admin.POST("/roles", h.Admin.CreateRole)
			admin.GET("/roles", h.Admin.ListRoles)
			admin.PUT("/roles/:id", h.Admin.UpdateRole)
			admin.DELETE("/roles/:id", h.Admin.DeleteRole)

			admin.GET("/audit-logs", h.Admin.ListAuditLogs)
		}
	}
}
