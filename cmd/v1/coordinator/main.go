// Command coordinator runs the multiplayer session coordinator: the
// REST surface, the WebSocket relay, and their supporting ambient
// services (logging, tracing, metrics, rate limiting, health checks).
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelgin "go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/n64arcade/multiplayer-coordinator/internal/v1/auth"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/bus"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/config"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/health"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/logging"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/middleware"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/ratelimit"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/restapi"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/session"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/tracing"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/transport"
	"go.uber.org/zap"
)

const serviceName = "multiplayer-coordinator"

func main() {
	_ = godotenv.Load()

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		panic(err)
	}
	defer logging.GetLogger().Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := os.Getenv("OTEL_COLLECTOR_ADDR"); addr != "" {
		tp, err := tracing.InitTracer(ctx, serviceName, addr)
		if err != nil {
			logging.Warn(ctx, "tracing disabled: failed to initialize", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	var busSvc *bus.Service
	if cfg.RedisEnabled {
		busSvc, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Fatal(ctx, "failed to connect to redis", zap.Error(err))
		}
		defer busSvc.Close()
	}

	rl, err := ratelimit.NewRateLimiter(cfg, busSvc.Client())
	if err != nil {
		logging.Fatal(ctx, "failed to initialize rate limiter", zap.Error(err))
	}

	registry := session.NewRegistry(cfg, busSvc)
	wsHandler := transport.NewHandler(registry, cfg)
	restHandler := restapi.NewHandler(registry)
	healthHandler := health.NewHandler(busSvc)

	var validator auth.TokenValidator
	if domain := os.Getenv("AUTH0_DOMAIN"); domain != "" {
		v, err := auth.NewValidator(ctx, domain, os.Getenv("AUTH0_AUDIENCE"))
		if err != nil {
			logging.Warn(ctx, "upstream auth passthrough disabled: failed to initialize JWKS validator", zap.Error(err))
		} else {
			validator = v
		}
	} else if cfg.DevelopmentMode {
		validator = &auth.MockValidator{}
	}

	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(middleware.CorrelationID())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Origin", "Content-Type", "X-Correlation-ID"},
		AllowCredentials: true,
	}))
	router.Use(rl.GlobalMiddleware())

	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	restGroup := router.Group("/api/multiplayer")
	if validator != nil {
		restGroup.Use(auth.OptionalBearerAuth(validator))
	}
	restHandler.Register(restGroup, rl)

	router.GET("/ws/multiplayer", func(c *gin.Context) {
		if !rl.CheckWebSocket(c) {
			return
		}
		wsHandler.ServeWS(c)
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "coordinator listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logging.Info(context.Background(), "shutting down")

	registry.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(context.Background(), "graceful shutdown failed", zap.Error(err))
	}
}
