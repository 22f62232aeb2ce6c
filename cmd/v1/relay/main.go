package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/syncroom/relay/internal/v1/config"
	"github.com/syncroom/relay/internal/v1/health"
	"github.com/syncroom/relay/internal/v1/logging"
	"github.com/syncroom/relay/internal/v1/middleware"
	"github.com/syncroom/relay/internal/v1/ratelimit"
	"github.com/syncroom/relay/internal/v1/relay"
	"github.com/syncroom/relay/internal/v1/tracing"
)

func main() {
	portFlag := flag.Int("port", 0, "TCP port to listen on (overrides RELAY_PORT)")
	flag.Parse()

	// Load .env file for local development.
	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "loaded environment from .env")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "environment validation failed:", err)
		os.Exit(1)
	}
	if *portFlag != 0 {
		cfg.Port = *portFlag
	}

	if err := logging.Initialize(cfg.Development()); err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}
	ctx := context.Background()

	if cfg.Development() {
		logging.Info(ctx, "running in development mode")
	}

	// --- Tracing (optional) ---
	if cfg.OtelCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "relay", cfg.OtelCollectorAddr)
		if err != nil {
			logging.Error(ctx, "failed to initialize tracing, continuing without it", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	// --- Relay engine ---
	var limiter relay.AdmissionLimiter
	if cfg.RateLimitEnabled() {
		l, err := ratelimit.New(cfg.ConnRateLimit)
		if err != nil {
			logging.Fatal(ctx, "invalid connection rate limit", zap.Error(err))
		}
		limiter = l
	} else {
		logging.Warn(ctx, "connection rate limiting disabled")
	}

	server := relay.NewServer(relay.Options{
		SendQueueCapacity: cfg.SendQueueSize,
		Limiter:           limiter,
	})

	runCtx, stopAccepting := context.WithCancel(ctx)
	defer stopAccepting()

	go func() {
		if err := server.Run(runCtx, fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logging.Error(ctx, "relay listener failed", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// --- Admin surface: metrics and health probes ---
	var adminSrv *http.Server
	if cfg.AdminPort != 0 {
		if !cfg.Development() {
			gin.SetMode(gin.ReleaseMode)
		}
		router := gin.New()
		router.Use(gin.Recovery())
		router.Use(middleware.CorrelationID())
		router.Use(otelgin.Middleware("relay-admin"))

		corsConfig := cors.DefaultConfig()
		if cfg.AllowedOrigins != "" {
			corsConfig.AllowOrigins = []string{cfg.AllowedOrigins}
		} else {
			corsConfig.AllowOrigins = []string{"http://localhost:3000"}
		}
		router.Use(cors.New(corsConfig))

		router.GET("/metrics", gin.WrapH(promhttp.Handler()))

		healthHandler := health.NewHandler(server)
		router.GET("/health/live", healthHandler.Liveness)
		router.GET("/health/ready", healthHandler.Readiness)

		adminSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.AdminPort),
			Handler: router,
		}
		go func() {
			logging.Info(ctx, "admin server starting", zap.Int("port", cfg.AdminPort))
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error(ctx, "admin server failed", zap.Error(err))
			}
		}()
	}

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	stopAccepting()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "relay shutdown incomplete", zap.Error(err))
	}
	if adminSrv != nil {
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			logging.Error(ctx, "admin server forced to shutdown", zap.Error(err))
		}
	}

	logging.Info(ctx, "server exiting")
}
