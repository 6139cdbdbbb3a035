package main

import (
	"context"
	"errors"
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
	"go.uber.org/zap"

	_ "github.com/noah-isme/sma-enrollment-sync/api/swagger"
	"github.com/noah-isme/sma-enrollment-sync/internal/handler"
	"github.com/noah-isme/sma-enrollment-sync/internal/middleware"
	"github.com/noah-isme/sma-enrollment-sync/internal/models"
	"github.com/noah-isme/sma-enrollment-sync/internal/repository"
	"github.com/noah-isme/sma-enrollment-sync/internal/service"
	"github.com/noah-isme/sma-enrollment-sync/pkg/config"
	"github.com/noah-isme/sma-enrollment-sync/pkg/database"
	"github.com/noah-isme/sma-enrollment-sync/pkg/jobs"
	"github.com/noah-isme/sma-enrollment-sync/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-enrollment-sync/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-enrollment-sync/pkg/middleware/requestid"
	"github.com/noah-isme/sma-enrollment-sync/pkg/redisclient"
)

// @title Enrollment Sync API
// @version 1.0.0
// @description Guardian enrollment workflow with compliance store synchronization
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

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

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect compliance store", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := redisclient.New(cfg.Redis)
	if err != nil {
		logr.Fatal("failed to connect operational store", zap.Error(err))
	}
	defer redisClient.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workflowRepo := repository.NewWorkflowRepository(redisClient, cfg.Enrollment.RecordTTL, logr)
	complianceRepo := repository.NewComplianceRepository(db)
	invitationRepo := repository.NewInvitationRepository(db)

	metricsSvc := service.NewMetricsService()
	authSvc := service.NewAuthService(logr, service.AuthConfig{AccessTokenSecret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer})
	invitationSvc := service.NewInvitationService(invitationRepo, cfg.Enrollment.StoreTimeout, logr)
	builder := service.NewComplianceBuilder(service.BuilderConfig{
		SourceSystem: cfg.Enrollment.SourceSystem,
		SchoolID:     cfg.Enrollment.SchoolID,
		SchoolYear:   cfg.Enrollment.SchoolYear,
		EntryType:    cfg.Enrollment.EntryType,
	})
	identifiers := service.NewIdentifierGenerator(complianceRepo, cfg.Enrollment.IDPrefix, cfg.Enrollment.MaxIDAttempts)
	synchronizer := service.NewComplianceSynchronizer(complianceRepo, identifiers, builder, cfg.Enrollment.StoreTimeout, metricsSvc, logr)

	reconcilerSvc := service.NewReconcilerService(workflowRepo, synchronizer, metricsSvc, logr, service.ReconcilerConfig{
		BatchSize:       cfg.Reconciler.BatchSize,
		Concurrency:     cfg.Reconciler.Concurrency,
		StoreTimeout:    cfg.Enrollment.StoreTimeout,
		MaxWriteRetries: cfg.Enrollment.MaxWriteRetries,
		StaleAfter:      cfg.Reconciler.StaleAfter,
	})
	reconcileQueue := jobs.NewQueue("compliance-reconcile", reconcilerSvc.HandleJob, jobs.QueueConfig{
		Workers:    cfg.Reconciler.Workers,
		MaxRetries: cfg.Reconciler.MaxRetries,
		RetryDelay: cfg.Reconciler.RetryDelay,
		Logger:     logr,
	})
	reconcileQueue.Start(ctx)
	defer reconcileQueue.Stop()

	enrollmentSvc := service.NewEnrollmentService(workflowRepo, invitationSvc, synchronizer, reconcileQueue, validator.New(), metricsSvc, logr, service.EnrollmentConfig{
		StoreTimeout:    cfg.Enrollment.StoreTimeout,
		MaxWriteRetries: cfg.Enrollment.MaxWriteRetries,
	})

	if cfg.Reconciler.Enabled {
		go reconcilerSvc.Run(ctx, cfg.Reconciler.Interval)
		logr.Info("reconciliation sweep scheduled", zap.Duration("interval", cfg.Reconciler.Interval))
	}

	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc)
	adminHandler := handler.NewAdminHandler(reconcilerSvc, logr)
	metricsHandler := handler.NewMetricsHandler(metricsSvc, map[string]handler.Pinger{
		"redis":    workflowRepo,
		"postgres": complianceRepo,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	enrollments := api.Group("/enrollments")
	enrollments.POST("", enrollmentHandler.Initialize)
	enrollments.GET("/:id", enrollmentHandler.Get)
	enrollments.POST("/:id/steps/:step", enrollmentHandler.SubmitStep)
	enrollments.POST("/:id/abandon", enrollmentHandler.Abandon)

	admin := api.Group("/admin", middleware.JWT(authSvc), middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin))
	admin.POST("/reconcile", adminHandler.Reconcile)
	admin.GET("/sync-backlog", adminHandler.SyncBacklog)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}
