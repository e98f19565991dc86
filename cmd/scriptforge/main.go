package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Aidin1998/scriptforge/internal/cache"
	"github.com/Aidin1998/scriptforge/internal/config"
	"github.com/Aidin1998/scriptforge/internal/database"
	"github.com/Aidin1998/scriptforge/internal/health"
	"github.com/Aidin1998/scriptforge/internal/hooks"
	"github.com/Aidin1998/scriptforge/internal/inference"
	"github.com/Aidin1998/scriptforge/internal/ratelimit"
	"github.com/Aidin1998/scriptforge/internal/resilience"
	"github.com/Aidin1998/scriptforge/internal/server"
	"github.com/Aidin1998/scriptforge/internal/telemetry"
	"github.com/Aidin1998/scriptforge/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	bootLogger, err := logger.NewLogger(envOr("LOG_LEVEL", "info"), "json")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	// Load configuration
	cfgManager := config.NewManager(bootLogger)
	var paths []string
	if p := os.Getenv("SCRIPTFORGE_CONFIG"); p != "" {
		paths = append(paths, p)
	}
	cfg, err := cfgManager.Load(paths...)
	if err != nil {
		bootLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		bootLogger.Fatal("Failed to create logger", zap.Error(err))
	}
	defer zapLogger.Sync()
	zapLogger.Info("Starting scriptforge", zap.Stringer("config", cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		zapLogger.Fatal("Failed to set up telemetry", zap.Error(err))
	}

	// Connect to the database
	db, err := database.Open(database.Options{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	database.ReportPoolStats(ctx, db, cfg.Database.Driver, 30*time.Second)

	// Breakers, mirrored into the gRPC health service
	healthSrv := health.NewServer(cfg.Server.GRPCReflection, zapLogger)
	breakers := resilience.NewRegistry(resilience.Settings{}, zapLogger, healthSrv.OnBreakerChange)
	for _, s := range cfg.BreakerSettings() {
		breakers.Register(s)
		healthSrv.Track(s.Name)
	}

	// Rate limiter
	tiers, err := config.TierTable(cfg)
	if err != nil {
		zapLogger.Fatal("Invalid tier table", zap.Error(err))
	}
	counters, closeCounters, err := newCounterStore(ctx, cfg, db)
	if err != nil {
		zapLogger.Fatal("Failed to create rate limit store", zap.String("store", cfg.RateLimit.Store), zap.Error(err))
	}
	denyCache, closeDenyCache := newDenyCache(ctx, cfg, zapLogger)
	limiter := ratelimit.NewLimiter(counters, tiers,
		ratelimit.WithDenyCache(denyCache),
		ratelimit.WithLogger(zapLogger.Named("ratelimit")),
		ratelimit.WithStoreName(cfg.RateLimit.Store))
	limiter.StartCleanup(ctx, cfg.RateLimit.CleanupInterval)

	if err := cfgManager.Watch(ctx, limiter.UpdateTiers); err != nil {
		zapLogger.Warn("Config hot-reload unavailable", zap.Error(err))
	}

	// Cache
	medium, closeMedium := newCacheMedium(ctx, cfg, zapLogger)
	storeOpts := []cache.StoreOption{cache.WithStoreLogger(zapLogger.Named("cache"))}
	var broadcaster *cache.KafkaBroadcaster
	if cfg.Cache.Kafka.Enabled {
		broadcaster = cache.NewKafkaBroadcaster(cfg.Cache.Kafka.Brokers, cfg.Cache.Kafka.Topic, cfg.Cache.Kafka.GroupPrefix, zapLogger)
		storeOpts = append(storeOpts, cache.WithBroadcaster(broadcaster))
	}
	cacheStore := cache.NewStore(medium, storeOpts...)
	if broadcaster != nil {
		go broadcaster.Run(ctx, cacheStore)
	}

	// Services
	hookRepo, err := hooks.NewRepository(db)
	if err != nil {
		zapLogger.Fatal("Failed to create hook repository", zap.Error(err))
	}
	hookSvc := hooks.NewService(hookRepo, breakers.Get(resilience.DependencyStore), cacheStore, cfg.Cache.DefaultTTL, zapLogger)
	scripts := inference.NewClient(cfg.Inference.BaseURL, cfg.Inference.APIKey, breakers.Get(resilience.DependencyInference), zapLogger)

	gin.SetMode(gin.ReleaseMode)
	apiServer := server.NewServer(zapLogger, server.Deps{
		Limiter:        limiter,
		Resolver:       ratelimit.NewResolver(cfg.Auth.JWTSecret, zapLogger),
		Hooks:          hookSvc,
		Scripts:        scripts,
		Breakers:       breakers,
		Cache:          cacheStore,
		AdminTokenHash: cfg.Admin.TokenHash,
		CORSOrigins:    cfg.Server.CORSAllowOrigins,
	})
	httpServer := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		zapLogger.Info("Starting API server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Error("API server failed", zap.Error(err))
			stop()
		}
	}()

	if cfg.Server.GRPCAddr != "" {
		go func() {
			if err := healthSrv.Serve(cfg.Server.GRPCAddr); err != nil {
				zapLogger.Error("gRPC health server failed", zap.Error(err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	zapLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("API server shutdown failed", zap.Error(err))
	}
	healthSrv.Shutdown()

	if broadcaster != nil {
		if err := broadcaster.Close(); err != nil {
			zapLogger.Warn("Failed to close cache broadcaster", zap.Error(err))
		}
	}
	if err := cacheStore.Close(); err != nil {
		zapLogger.Warn("Failed to close cache", zap.Error(err))
	}
	if err := closeMedium(); err != nil {
		zapLogger.Warn("Failed to close cache connection", zap.Error(err))
	}
	if err := closeDenyCache(); err != nil {
		zapLogger.Warn("Failed to close deny cache", zap.Error(err))
	}
	if err := closeCounters(); err != nil {
		zapLogger.Warn("Failed to close rate limit store", zap.Error(err))
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		zapLogger.Warn("Failed to flush telemetry", zap.Error(err))
	}

	zapLogger.Info("Server exited properly")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
