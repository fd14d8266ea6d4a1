package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/rollcall-app/rollcall-api/api/swagger"
	"github.com/rollcall-app/rollcall-api/internal/handler"
	"github.com/rollcall-app/rollcall-api/internal/middleware"
	"github.com/rollcall-app/rollcall-api/internal/models"
	"github.com/rollcall-app/rollcall-api/internal/repository"
	"github.com/rollcall-app/rollcall-api/internal/service"
	"github.com/rollcall-app/rollcall-api/pkg/cache"
	"github.com/rollcall-app/rollcall-api/pkg/config"
	"github.com/rollcall-app/rollcall-api/pkg/database"
	"github.com/rollcall-app/rollcall-api/pkg/jobs"
	"github.com/rollcall-app/rollcall-api/pkg/logger"
	corsmiddleware "github.com/rollcall-app/rollcall-api/pkg/middleware/cors"
	reqidmiddleware "github.com/rollcall-app/rollcall-api/pkg/middleware/requestid"
)

// @title Rollcall API
// @version 0.1.0
// @description Attendance session lifecycle, sign-in verification and correction workflow
// @BasePath /api/v1
// @schemes http

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

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		// The directory cache is an optimization; run without it.
		logr.Sugar().Warnw("redis unavailable, directory cache disabled", "error", err)
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	validate := validator.New()
	metricsSvc := service.NewMetricsService()

	sessionRepo := repository.NewSessionRepository(db)
	recordRepo := repository.NewRecordRepository(db)
	correctionRepo := repository.NewCorrectionRepository(db)
	courseRepo := repository.NewCourseRepository(db)
	userRepo := repository.NewUserRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifySvc := service.NewNotificationService(notificationRepo, jobs.QueueConfig{
		Workers:    cfg.Notifications.Workers,
		BufferSize: cfg.Notifications.BufferSize,
		MaxRetries: cfg.Notifications.MaxRetries,
		RetryDelay: cfg.Notifications.RetryDelay,
		Logger:     logr,
	}, logr)
	notifySvc.Start(ctx)
	defer notifySvc.Stop()

	directorySvc := service.NewDirectoryService(courseRepo, redisClient, metricsSvc, cfg.Directory.CacheTTL, logr)

	sessionSvc := service.NewSessionService(sessionRepo, directorySvc, recordRepo, notifySvc, metricsSvc, service.SessionDefaults{
		RotationInterval: cfg.Attendance.RotationInterval,
		AutoCloseGrace:   cfg.Attendance.AutoCloseGrace,
		DefaultRadiusM:   cfg.Attendance.DefaultRadiusM,
	}, validate, logr)
	verificationSvc := service.NewVerificationService(sessionSvc, recordRepo, metricsSvc, service.VerificationDefaults{
		OnTimeBuffer:      cfg.Attendance.OnTimeBuffer,
		DefaultRadiusM:    cfg.Attendance.DefaultRadiusM,
		StorageMaxRetries: cfg.Attendance.StorageMaxRetries,
		StorageRetryDelay: cfg.Attendance.StorageRetryDelay,
	}, validate, logr)
	correctionSvc := service.NewCorrectionService(correctionRepo, recordRepo, directorySvc, notifySvc, metricsSvc, validate, logr)
	recordSvc := service.NewRecordService(recordRepo, sessionSvc, logr)
	authSvc := service.NewAuthService(userRepo, cfg.JWT, validate, logr)

	var scheduler *service.RotationScheduler
	if cfg.Attendance.SchedulerEnabled {
		scheduler = service.NewRotationScheduler(sessionSvc, logr)
		if err := scheduler.Start(ctx); err != nil {
			logr.Sugar().Warnw("failed to resume rotation schedules", "error", err)
		}
		defer scheduler.Stop()
	}

	authHandler := handler.NewAuthHandler(authSvc)
	sessionHandler := handler.NewSessionHandler(sessionSvc, recordSvc, scheduler)
	submissionHandler := handler.NewSubmissionHandler(verificationSvc)
	correctionHandler := handler.NewCorrectionHandler(correctionSvc)
	recordHandler := handler.NewRecordHandler(recordSvc)

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
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)
	}

	protected := api.Group("")
	protected.Use(middleware.JWT(authSvc))

	sessions := protected.Group("/sessions")
	{
		staff := middleware.RequireRoles(models.RoleTeacher, models.RoleAdmin)
		sessions.POST("", staff, sessionHandler.Create)
		sessions.GET("/:id", sessionHandler.Get)
		sessions.POST("/:id/rotate", staff, sessionHandler.Rotate)
		sessions.POST("/:id/close", staff, sessionHandler.Close)
		sessions.POST("/:id/remind", staff, sessionHandler.Remind)
		sessions.GET("/:id/records", sessionHandler.Records)
		sessions.GET("/:id/summary", middleware.RequireRoles(models.RoleTeacher, models.RoleAdmin, models.RoleReviewer), sessionHandler.Summary)
		sessions.GET("/:id/export", staff, sessionHandler.Export)
	}

	protected.GET("/courses/:courseId/sessions/latest", sessionHandler.GetByCourse)

	protected.POST("/submissions", middleware.RequireRoles(models.RoleStudent), submissionHandler.Submit)

	records := protected.Group("/records")
	{
		records.GET("", recordHandler.List)
		records.GET("/:id", recordHandler.Get)
	}

	corrections := protected.Group("/corrections")
	{
		corrections.POST("", middleware.RequireRoles(models.RoleStudent), correctionHandler.Open)
		corrections.GET("", correctionHandler.List)
		corrections.GET("/:id", correctionHandler.Get)
		corrections.POST("/:id/review", middleware.RequireRoles(models.RoleReviewer, models.RoleAdmin), correctionHandler.Review)
		corrections.POST("/:id/decide", middleware.RequireRoles(models.RoleTeacher, models.RoleAdmin), correctionHandler.Decide)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
