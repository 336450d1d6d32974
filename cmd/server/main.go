package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/tradeguard-api/internal/auth"
	"github.com/ksred/tradeguard-api/internal/config"
	"github.com/ksred/tradeguard-api/internal/database"
	"github.com/ksred/tradeguard-api/internal/exchange"
	"github.com/ksred/tradeguard-api/internal/idempotency"
	"github.com/ksred/tradeguard-api/internal/killswitch"
	"github.com/ksred/tradeguard-api/internal/trading"
	"github.com/ksred/tradeguard-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the trading safety control plane with graceful
// shutdown support
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Fast cache for pre-trade kill switch checks: redis when configured,
	// in-process otherwise.
	cacheTTL := time.Duration(cfg.KillSwitch.CacheTTLSeconds) * time.Second
	var cache killswitch.ActiveCache
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache = killswitch.NewRedisCache(client, cacheTTL)
		zlog.Info().Str("addr", cfg.Redis.Addr).Msg("using redis kill switch cache")
	} else {
		cache = killswitch.NewMemoryCache(cacheTTL)
		zlog.Info().Msg("using in-memory kill switch cache")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.Auth.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	ledger := idempotency.NewLedger(db, time.Duration(cfg.Idempotency.TTLHours)*time.Hour)

	registry := exchange.NewRegistry()
	for _, venue := range exchange.DefaultMockExchanges() {
		registry.Register("", venue.ID, venue)
	}

	tradingService := trading.NewService(db, ledger, registry)

	// Kill switch activation cancels the tenant's working orders and logs an
	// alert. Alert transport is log-based here; production deployments hang
	// their notifier off the same callback.
	cancelOrders := func(ctx context.Context, tenantID string, scope killswitch.Scope, scopeID string) (int, error) {
		return tradingService.CancelPendingOrders(ctx, tenantID)
	}
	alert := func(ctx context.Context, a killswitch.Alert) error {
		zlog.Warn().
			Str("component", "alerts").
			Str("tenant_id", a.TenantID).
			Str("kind", string(a.Kind)).
			Str("reason", a.Reason).
			Str("scope", string(a.Scope)).
			Int("orders_cancelled", a.OrdersCancelled).
			Strs("channels", a.Channels).
			Msg("kill switch alert")
		return nil
	}

	engine := killswitch.NewEngine(db, cache, cancelOrders, alert)
	killSwitchHandlers := killswitch.NewGinHandlers(engine)
	tradingHandlers := trading.NewGinHandlers(tradingService, engine)

	// Start idempotency record cleanup
	processor := idempotency.NewProcessor(
		ledger,
		time.Duration(cfg.Idempotency.CleanupIntervalMinutes)*time.Minute,
		time.Duration(cfg.Idempotency.CleanupRetentionHours)*time.Hour,
	)
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	go processor.Start(processorCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg, authHandlers, tradingHandlers, killSwitchHandlers)

	// Get port from env otherwise it comes from config
	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.Server.Port
	}

	// Create server
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Order routes: Protected by JWT authentication
// - Kill switch routes: Protected by internal network authentication,
//   except the read paths used by pre-trade checks
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	authHandlers *auth.GinHandlers,
	tradingHandlers *trading.GinHandlers,
	killSwitchHandlers *killswitch.GinHandlers,
) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(cfg.Auth.JWTSecret))
		{
			orders.POST("", tradingHandlers.SubmitOrderHandler())
			orders.GET("/:order_id", tradingHandlers.GetOrderHandler())
		}

		// Polling endpoint for idempotency key results
		idem := v1.Group("/idempotency")
		idem.Use(middleware.JWTAuth(cfg.Auth.JWTSecret))
		{
			idem.GET("/:key", tradingHandlers.GetIdempotentResultHandler())
		}

		// Kill switch routes (should be protected by internal network)
		ks := v1.Group("/killswitch")
		ks.Use(middleware.InternalAuth(cfg.Auth.JWTSecret))
		{
			ks.GET("/:tenant_id", killSwitchHandlers.GetStateHandler())
			ks.GET("/:tenant_id/active", killSwitchHandlers.IsActiveHandler())
			ks.GET("/:tenant_id/events", killSwitchHandlers.EventsHandler())
			ks.POST("/:tenant_id/activate", killSwitchHandlers.ActivateHandler())
			ks.POST("/:tenant_id/deactivate", killSwitchHandlers.DeactivateHandler())
			ks.POST("/:tenant_id/events", killSwitchHandlers.RiskEventHandler())
			ks.GET("/:tenant_id/config", killSwitchHandlers.GetConfigHandler())
			ks.POST("/:tenant_id/triggers", killSwitchHandlers.AddTriggerHandler())
			ks.DELETE("/:tenant_id/triggers/:trigger_id", killSwitchHandlers.RemoveTriggerHandler())
			ks.PATCH("/:tenant_id/triggers/:trigger_id", killSwitchHandlers.SetTriggerEnabledHandler())
		}
	}
}
