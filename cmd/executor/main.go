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

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/ordersync/internal/auth"
	"github.com/ksred/ordersync/internal/config"
	"github.com/ksred/ordersync/internal/database"
	"github.com/ksred/ordersync/internal/executor"
	"github.com/ksred/ordersync/internal/gateway"
	"github.com/ksred/ordersync/internal/lease"
	"github.com/ksred/ordersync/internal/policy"
	"github.com/ksred/ordersync/internal/publisher"
	"github.com/ksred/ordersync/internal/queue"
	"github.com/ksred/ordersync/internal/scheduler"
	"github.com/ksred/ordersync/pkg/middleware"
	"github.com/ksred/ordersync/pkg/response"
)

// init configures pretty console logging outside production; DEBUG=true
// lowers the level to debug
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main runs the consumer poller and the ops API until SIGINT or SIGTERM
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid configuration")
	}

	db, err := database.NewDatabase(database.Options{
		Driver: cfg.DBDriver,
		DSN:    cfg.DBDSN,
		Debug:  cfg.Debug,
	})
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer database.Close(db)

	store := queue.NewDatabase(db, cfg.Location)

	gw, err := gateway.Open(cfg.Gateway, cfg.GatewayURL, cfg.GatewayRPS, gateway.DefaultPaperConfig())
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize gateway")
	}

	engine := policy.New(policy.Config{
		Ratio:      cfg.ExecutionRatio,
		LotSize:    cfg.LotSize,
		MinLots:    cfg.MinLots,
		MaxPending: cfg.MaxPendingOrders,
	})

	svc := executor.NewService(store, gw, engine, executor.Config{
		AccountID:    cfg.AccountID,
		ClaimantID:   claimantID(),
		PriceType:    gateway.PriceType(cfg.PriceType),
		PhasePause:   cfg.PhasePause,
		ClaimTimeout: cfg.ClaimTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var consumerLease scheduler.Lease
	if cfg.RedisAddr != "" {
		l := lease.NewRedisLease(cfg.RedisAddr, cfg.RedisPassword, cfg.AccountID, cfg.LeaseTTL)
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := l.Release(releaseCtx); err != nil {
				zlog.Warn().Err(err).Msg("Failed to release consumer lease")
			}
			_ = l.Close()
		}()
		consumerLease = l
	}

	poller := scheduler.NewPoller(svc, store, consumerLease, scheduler.Config{
		PollInterval: cfg.PollInterval,
		Backoff:      scheduler.Backoff{Min: cfg.ErrorBackoff, Max: cfg.MaxErrorBackoff},
		Window: scheduler.Window{
			Start: cfg.TradingStart,
			End:   cfg.TradingEnd,
			Loc:   cfg.Location,
		},
		Retention: cfg.Retention(),
	})

	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			zlog.Error().Err(err).Msg("Poller stopped")
		}
	}()

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger())

	limiter := middleware.NewRateLimiter()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Cleanup(3 * time.Minute)
			}
		}
	}()

	authService := auth.NewService(cfg.JWTSecret, cfg.OperatorKey, cfg.OperatorSecret)
	if cfg.OperatorKey == "" {
		zlog.Warn().Msg("OPERATOR_KEY not set, the publish endpoint is unreachable")
	}

	setupRoutes(
		router,
		db,
		limiter,
		authService,
		auth.NewGinHandlers(authService),
		queue.NewGinHandlers(store),
		publisher.NewGinHandlers(publisher.New(store, cfg.Retention()), gw, cfg.AccountID),
	)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		zlog.Info().
			Str("port", cfg.Port).
			Str("account", cfg.AccountID).
			Str("gateway", gw.Name()).
			Msg("Executor started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	zlog.Info().Msg("Shutting down executor...")

	// the in-flight cycle reverts what it claimed before returning
	<-pollerDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Executor exiting")
}

// setupRoutes registers the ops API:
//   - /api/v1/auth: operator token exchange
//   - /api/v1/orders: read-only order inspection
//   - /api/v1/internal: batch publishing, JWT with the publish scope
//
// Rate limits are keyed by client IP, except on /internal where the limiter
// runs after authentication and keys by operator.
func setupRoutes(
	router *gin.Engine,
	db *gorm.DB,
	limiter *middleware.RateLimiter,
	validator middleware.TokenValidator,
	authHandlers *auth.GinHandlers,
	queueHandlers *queue.GinHandlers,
	publishHandlers *publisher.GinHandlers,
) {
	router.GET("/healthz", func(c *gin.Context) {
		if err := database.Ping(c.Request.Context(), db); err != nil {
			response.InternalError(c, "database unreachable")
			return
		}
		response.Success(c, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		tokens := v1.Group("/auth")
		tokens.Use(limiter.Handler())
		{
			tokens.POST("/token", authHandlers.GenerateTokenHandler())
		}

		orders := v1.Group("/orders")
		orders.Use(limiter.Handler())
		{
			orders.GET("", queueHandlers.ListOrdersHandler())
			orders.GET("/:order_id", queueHandlers.GetOrderHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.JWTAuth(validator, auth.ScopePublish), limiter.Handler())
		{
			internal.POST("/publish", publishHandlers.PublishHandler())
		}
	}
}

func claimantID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "executor"
	}
	if len(host) > 40 {
		host = host[:40]
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
}
