package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"wayfarer/api/internal/app"
	"wayfarer/api/internal/cache"
	"wayfarer/api/internal/config"
	"wayfarer/api/internal/realtime"
	"wayfarer/api/internal/search"
	"wayfarer/api/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx := context.Background()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	routeStore := store.NewRouteStore(db, logger)

	// One Redis client backs both the durable cache tier and the
	// realtime bus. Without Redis the cache degrades to memory-only
	// and realtime is disabled.
	var redisClient *redis.Client
	var bus realtime.Bus
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("invalid redis url", zap.Error(err))
		}
		redisClient = redis.NewClient(opt)
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, continuing with memory-only cache", zap.Error(err))
			redisClient = nil
		} else {
			bus = realtime.NewRedisBus(redisClient)
		}
		cancel()
	}

	routeCache := cache.New(redisClient, logger, cache.Options{
		MemoryTTL:        cfg.CacheMemoryTTL,
		RedisTTL:         cfg.CacheRedisTTL,
		MaxMemoryEntries: cfg.CacheMaxEntries,
	})

	var searchService *search.Service
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		searchService = search.NewService(meiliClient, routeStore, logger)
	} else {
		searchService = search.NewService(nil, routeStore, logger)
	}

	service := app.NewService(routeStore, routeCache, bus, searchService, logger, app.Options{
		BatchMaxSize:      cfg.BatchMaxSize,
		BatchDelay:        cfg.BatchDelay,
		HeartbeatInterval: cfg.PresenceInterval,
		StaleAfter:        cfg.PresenceStale,
	})

	httpServer := app.NewHTTPServer(service, logger, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("wayfarer api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	service.Dispose(shutdownCtx)
}
