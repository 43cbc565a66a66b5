package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/subscription-api/api/swagger"
	"github.com/noah-isme/subscription-api/internal/handler"
	"github.com/noah-isme/subscription-api/internal/middleware"
	"github.com/noah-isme/subscription-api/internal/models"
	"github.com/noah-isme/subscription-api/internal/repository"
	"github.com/noah-isme/subscription-api/internal/service"
	"github.com/noah-isme/subscription-api/pkg/cache"
	"github.com/noah-isme/subscription-api/pkg/config"
	"github.com/noah-isme/subscription-api/pkg/database"
	"github.com/noah-isme/subscription-api/pkg/jobs"
	"github.com/noah-isme/subscription-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/subscription-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/subscription-api/pkg/middleware/requestid"
	"github.com/noah-isme/subscription-api/pkg/signature"
)

// @title Subscription API
// @version 1.0.0
// @description Session credentials and billing reconciliation for subscription commerce
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
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db, logr); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	metricsSvc := service.NewMetricsService()

	tokenRepo := repository.NewRefreshTokenRepository(db)
	userRepo := repository.NewUserRepository(db)
	ledgerRepo := repository.NewEventLedgerRepository(db)
	subscriptionRepo := repository.NewSubscriptionRepository(db)
	planRepo := repository.NewPlanRepository(db)
	reconcileStore := repository.NewReconciliationStore(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Billing.SubscriptionTTL, logr, true)

	tokenSvc := service.NewTokenService(tokenRepo, userRepo, userRepo, metricsSvc, logr, service.TokenConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             cfg.JWT.Issuer,
		Audience:           splitAudience(cfg.JWT.Audience),
		PersistenceTimeout: cfg.Persistence.Timeout,
	})
	authSvc := service.NewAuthService(userRepo, tokenSvc, validator.New(), logr, service.AuthConfig{
		SingleSession: cfg.JWT.SingleSession,
	})

	var publisher *service.NotificationService
	if cfg.Notifications.Enabled {
		worker := service.NewNotificationWorker(service.NewLogNotifier(logr), logr)
		queue := jobs.NewQueue("notifications", worker.Handle, jobs.QueueConfig{
			Workers:    cfg.Notifications.Workers,
			BufferSize: cfg.Notifications.Buffer,
			MaxRetries: cfg.Notifications.Retries,
			Logger:     logr,
		})
		queue.Start(ctx)
		defer queue.Stop()
		publisher = service.NewNotificationService(queue, logr)
	}

	reconcileSvc := service.NewReconciliationService(
		signature.NewVerifier(cfg.Billing.WebhookSecret, cfg.Billing.SignatureTolerance),
		userRepo,
		ledgerRepo,
		reconcileStore,
		planRepo,
		cacheSvc,
		publisher,
		metricsSvc,
		logr,
		service.ReconcileConfig{
			OrderingSource:     cfg.Billing.OrderingSource,
			LedgerCacheTTL:     cfg.Billing.LedgerCacheTTL,
			PersistenceTimeout: cfg.Persistence.Timeout,
		},
	)
	subscriptionSvc := service.NewSubscriptionService(subscriptionRepo, planRepo, cacheSvc, logr, cfg.Billing.SubscriptionTTL, cfg.Persistence.Timeout)

	if cfg.Retention.Enabled {
		service.NewRetentionService(tokenRepo, ledgerRepo, metricsSvc, logr, service.RetentionConfig{
			Interval:     cfg.Retention.SweepInterval,
			ReplayWindow: cfg.Billing.ReplayWindow,
		}).Start(ctx)
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc, "/metrics", "/health", "/ready"))
	r.Use(middleware.WithResponseMeta())

	metricsHandler := handler.NewMetricsHandler(metricsSvc, map[string]handler.ReadinessCheck{
		"database": db.PingContext,
		"redis":    cacheRepo.Ping,
	})
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	authHandler := handler.NewAuthHandler(authSvc, handler.RefreshCookie{
		Name:   cfg.Cookie.Name,
		Domain: cfg.Cookie.Domain,
		Path:   cfg.APIPrefix + "/auth",
		Secure: cfg.Cookie.Secure,
	})
	webhookHandler := handler.NewWebhookHandler(reconcileSvc, cfg.Billing.SignatureHeader, handler.DefaultWebhookBodyLimit)
	subscriptionHandler := handler.NewSubscriptionHandler(subscriptionSvc)

	jwt := middleware.JWT(tokenSvc)
	api := r.Group(cfg.APIPrefix)
	{
		auth := api.Group("/auth")
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", authHandler.Logout)
		auth.POST("/logout-all", jwt, authHandler.LogoutAll)
		auth.GET("/sessions", jwt, authHandler.Sessions)

		admin := api.Group("/admin", jwt, middleware.RequireRoles(models.RoleAdmin))
		admin.POST("/users/:id/revoke-sessions", authHandler.AdminRevokeAll)

		api.POST("/webhooks/billing", webhookHandler.Billing)
		api.GET("/subscriptions/me", jwt, subscriptionHandler.Me)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func splitAudience(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
