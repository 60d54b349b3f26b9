package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/scalepay-backend/internal/cron"
	"github.com/angelmondragon/scalepay-backend/internal/payments"
	"github.com/angelmondragon/scalepay-backend/pkg/config"
	"github.com/angelmondragon/scalepay-backend/pkg/db"
	"github.com/angelmondragon/scalepay-backend/pkg/instance"
	"github.com/angelmondragon/scalepay-backend/pkg/logger"
	"github.com/angelmondragon/scalepay-backend/pkg/metrics"
	"github.com/angelmondragon/scalepay-backend/pkg/migrate"
	"github.com/angelmondragon/scalepay-backend/pkg/redis"
)

const lockNameFormat = "cron-worker:%s"

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
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

	var (
		locker *redis.Locker
		lock   cron.Lock
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
		lock, err = cron.NewRedisLock(locker, lockName(cfg.App.Env), cfg.Cron.LockTTL)
		if err != nil {
			logg.Error(context.Background(), "failed to create cron lock", err)
			os.Exit(1)
		}
	} else {
		logg.Warn(context.Background(), "redis not configured; maintenance lock is process local")
		lock = cron.NewLocalLock()
	}

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

	expiryJob, err := cron.NewAuthorizationExpiryJob(cron.AuthorizationExpiryJobParams{
		Logger:   logg,
		Payments: components.Payments,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create expiry job", err)
		os.Exit(1)
	}
	reconcileJob, err := cron.NewOutcomeReconcileJob(cron.OutcomeReconcileJobParams{
		Logger:   logg,
		Payments: components.Payments,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reconcile job", err)
		os.Exit(1)
	}

	// reconcile first so a hold whose capture actually landed is not expired
	registry := cron.NewRegistry(reconcileJob, expiryJob)
	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.GetID(),
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func lockName(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockNameFormat, env)
}
