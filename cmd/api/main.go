package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/scalepay-backend/api/routes"
	"github.com/angelmondragon/scalepay-backend/internal/payments"
	"github.com/angelmondragon/scalepay-backend/internal/ratelimit"
	"github.com/angelmondragon/scalepay-backend/pkg/config"
	"github.com/angelmondragon/scalepay-backend/pkg/db"
	"github.com/angelmondragon/scalepay-backend/pkg/env"
	"github.com/angelmondragon/scalepay-backend/pkg/instance"
	"github.com/angelmondragon/scalepay-backend/pkg/logger"
	"github.com/angelmondragon/scalepay-backend/pkg/metrics"
	"github.com/angelmondragon/scalepay-backend/pkg/migrate"
	"github.com/angelmondragon/scalepay-backend/pkg/redis"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	params := routes.Params{
		Config:   cfg,
		Logger:   logg,
		DBPinger: dbClient,
		Metrics:  promhttp.Handler(),
	}

	var (
		locker *redis.Locker
		store  ratelimit.Store
	)
	if cfg.Redis.Enabled() {
		redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap redis", err)
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing redis", err)
			}
		}()
		locker, err = redisClient.Locker()
		if err != nil {
			logg.Error(context.Background(), "failed to create redis locker", err)
			os.Exit(1)
		}
		if cfg.RateLimit.UseRedis(cfg.Redis) {
			store, err = ratelimit.NewRedisStore(redisClient)
			if err != nil {
				logg.Error(context.Background(), "failed to create rate limit store", err)
				os.Exit(1)
			}
		}
		params.RedisPinger = redisClient
		params.Idempotency = redisClient
	} else {
		logg.Warn(context.Background(), "redis not configured; order locks are process local and idempotency keys are not enforced")
	}
	if store == nil {
		store = ratelimit.NewMemoryStore()
	}

	limiter, err := ratelimit.New(store, ratelimit.PolicyFromConfig(cfg.RateLimit))
	if err != nil {
		logg.Error(context.Background(), "failed to create rate limiter", err)
		os.Exit(1)
	}
	params.Limiter = limiter

	components, err := payments.Build(payments.Dependencies{
		Config:  cfg,
		DB:      dbClient.DB(),
		Logger:  logg,
		Metrics: metrics.NewPaymentMetrics(prometheus.DefaultRegisterer),
		Locker:  locker,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build payments", err)
		os.Exit(1)
	}
	params.Payments = components.Payments
	params.Weighing = components.Weighing
	params.TxLog = components.TxLog

	addr := ":" + env.Get("PORT", cfg.App.Port)
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.GetID(),
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           routes.NewRouter(params),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logg.Info(ctx, "starting api server")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-sigCtx.Done():
		logg.Info(ctx, "api server shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "api server shutdown failed", err)
		}
	}
}
