package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/vireomeet/sfu-core/internal/v1/auth"
	"github.com/vireomeet/sfu-core/internal/v1/bus"
	"github.com/vireomeet/sfu-core/internal/v1/config"
	"github.com/vireomeet/sfu-core/internal/v1/health"
	"github.com/vireomeet/sfu-core/internal/v1/lifecycle"
	"github.com/vireomeet/sfu-core/internal/v1/logging"
	"github.com/vireomeet/sfu-core/internal/v1/media"
	"github.com/vireomeet/sfu-core/internal/v1/middleware"
	"github.com/vireomeet/sfu-core/internal/v1/ratelimit"
	"github.com/vireomeet/sfu-core/internal/v1/room"
	"github.com/vireomeet/sfu-core/internal/v1/tracing"
	"github.com/vireomeet/sfu-core/internal/v1/transport"
	"github.com/vireomeet/sfu-core/internal/v1/webinar"
)

func main() {
	// Load .env for local development; in deployment the environment is set
	// by the orchestrator.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()

	// --- Tracing (optional) ---
	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.Init(ctx, "sfu-core", cfg.Version, collectorAddr)
		if err != nil {
			logging.Error(ctx, "Failed to initialize tracer, continuing without tracing")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	// --- Redis bus (optional, enables cross-pod fan-out and presence) ---
	var busService *bus.Service
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword, cfg.InstanceID)
		if err != nil {
			logging.Error(ctx, "Failed to connect to redis, running in single-instance mode")
			busService = nil
		} else {
			redisClient = busService.Client()
			logging.Info(ctx, "Redis bus initialized")
		}
	} else {
		logging.Info(ctx, "Running in single-instance mode (redis disabled)")
	}

	// --- Media engine ---
	engine, err := media.NewEngine(cfg.MediaWorkers)
	if err != nil {
		logging.Fatal(ctx, "Failed to start media engine")
	}

	// --- Room core ---
	drain := lifecycle.NewManager()
	registry := room.NewRegistry(ctx, room.Deps{
		Engine:  engine,
		Bus:     busService,
		Webinar: webinar.NewController(cfg.SFUSecret, cfg.WebinarBaseURL),
		Config: room.Config{
			Secret:            cfg.SFUSecret,
			LowThreshold:      cfg.QualityLowThreshold,
			StandardThreshold: cfg.QualityStandardThreshold,
			DisconnectGrace:   cfg.DisconnectGrace,
			CleanupAfter:      cfg.RoomCleanupAfter,
		},
	}, drain, cfg.AllowRoomCreation)

	// --- Host credential validation ---
	// A JWKS domain means an external identity provider; otherwise host
	// credentials are HS256 tokens minted with the shared secret.
	var validator transport.TokenValidator
	if cfg.AuthJWKSDomain != "" {
		v, err := auth.NewValidator(ctx, cfg.AuthJWKSDomain, cfg.AuthAudience)
		if err != nil {
			logging.Fatal(ctx, "Failed to create JWKS validator")
		}
		validator = v
		logging.Info(ctx, "JWKS credential validation enabled")
	} else {
		validator = auth.NewHMACValidator(cfg.SFUSecret)
		logging.Info(ctx, "HMAC credential validation enabled")
	}

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "Failed to create rate limiter")
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	hub := transport.NewHub(registry, validator, rateLimiter, allowedOrigins)

	// --- HTTP surface ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("sfu-core"))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	router.GET("/ws/rooms/:roomId", hub.ServeWs)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(busService, engine, drain)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	admin := router.Group("/admin", rateLimiter.APIMiddleware())
	{
		admin.GET("/rooms", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"rooms": registry.Summaries()})
		})
		admin.POST("/drain", func(c *gin.Context) {
			var req lifecycle.Request
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "malformed drain request"})
				return
			}
			// A forced drain blocks for the notice period; run it aside.
			go drain.Drain(context.Background(), req, registry)
			c.JSON(http.StatusAccepted, gin.H{"draining": req.Draining})
		})
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "SFU core listening on port "+cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Server failed")
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "HTTP server forced to shut down")
	}

	registry.CloseAll(shutdownCtx, "Server shutting down")

	if err := engine.Close(); err != nil {
		logging.Error(ctx, "Failed to close media engine")
	}

	if busService != nil {
		if err := busService.Close(); err != nil {
			logging.Error(ctx, "Failed to close redis connection")
		}
	}

	logging.Info(ctx, "Server exited")
}
