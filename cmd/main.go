package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"lending/internal/config"
	"lending/internal/handlers"
	"lending/internal/lease"
	"lending/internal/observability"
	"lending/internal/repositories"
	"lending/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := observability.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("failed to get generic DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := repositories.Migrate(db); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	var locker services.Locker
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("redis: %v", err)
		}
		cancel()
		defer rdb.Close()
		locker = lease.NewRedisLocker(rdb)
	}

	store := repositories.NewGormStore(db)
	opts := []services.Option{
		services.WithLogger(logger),
		services.WithLoanPeriod(cfg.LoanPeriod),
		services.WithBatchSize(cfg.SweepBatchSize),
	}

	codec, err := services.NewTicketCodec(cfg.TicketSecret)
	if err != nil {
		log.Fatalf("ticket codec: %v", err)
	}
	carts, err := services.NewCartStore(store, opts...)
	if err != nil {
		log.Fatalf("cart store: %v", err)
	}
	copies, err := services.NewCopyAllocator(store, opts...)
	if err != nil {
		log.Fatalf("copy allocator: %v", err)
	}
	engine, err := services.NewEngine(store, codec, opts...)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}
	sweeper, err := services.NewSweeper(store, locker, opts...)
	if err != nil {
		log.Fatalf("sweeper: %v", err)
	}

	go func() {
		if err := sweeper.Run(ctx, cfg.SweepInterval); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sweeper stopped", "error", err)
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := handlers.NewRouter(handlers.RouterConfig{
		CORSOrigins: cfg.CORSOrigins,
		ScanRate:    cfg.ScanRatePerSecond,
	}, handlers.NewLendingHandler(carts, copies, engine))

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Starting server", "addr", cfg.ServerAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}
