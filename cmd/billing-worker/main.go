package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/paygrid-backend/internal/customers"
	"github.com/angelmondragon/paygrid-backend/internal/ledger"
	"github.com/angelmondragon/paygrid-backend/internal/payments"
	"github.com/angelmondragon/paygrid-backend/internal/providers"
	"github.com/angelmondragon/paygrid-backend/internal/providers/sandbox"
	"github.com/angelmondragon/paygrid-backend/internal/schedules"
	"github.com/angelmondragon/paygrid-backend/pkg/config"
	"github.com/angelmondragon/paygrid-backend/pkg/db"
	"github.com/angelmondragon/paygrid-backend/pkg/logger"
	"github.com/angelmondragon/paygrid-backend/pkg/metrics"
	"github.com/angelmondragon/paygrid-backend/pkg/migrate"
	"github.com/angelmondragon/paygrid-backend/pkg/outbox"
	"github.com/angelmondragon/paygrid-backend/pkg/redis"
)

const tickLockName = "billing-tick"

func main() {
	logg := logger.New(logger.Options{ServiceName: "billing-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "billing-worker"

	logg = logger.New(logger.Options{
		ServiceName: "billing-worker",
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

	scheduler, err := buildScheduler(cfg, logg, dbClient, redisClient)
	if err != nil {
		logg.Error(context.Background(), "failed to build billing scheduler", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting billing worker")

	if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "billing worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "billing worker shutting down gracefully")
}

func buildScheduler(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, redisClient *redis.Client) (*schedules.Scheduler, error) {
	registry, err := buildProviders(cfg.Provider)
	if err != nil {
		return nil, err
	}

	outboxSvc := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)

	ledgerSvc, err := ledger.NewService(ledger.ServiceParams{
		Repo:     ledger.NewRepository(dbClient.DB()),
		TxRunner: dbClient,
		Outbox:   outboxSvc,
		Logger:   logg,
	})
	if err != nil {
		return nil, err
	}

	paymentsSvc, err := payments.NewService(payments.ServiceParams{
		Repo:      payments.NewRepository(dbClient.DB()),
		Ledger:    ledgerSvc,
		Providers: registry,
		TxRunner:  dbClient,
		Outbox:    outboxSvc,
		Logger:    logg,
	})
	if err != nil {
		return nil, err
	}

	customersSvc, err := customers.NewService(customers.ServiceParams{
		Repo:     customers.NewRepository(dbClient.DB()),
		TxRunner: dbClient,
		Outbox:   outboxSvc,
		Logger:   logg,
	})
	if err != nil {
		return nil, err
	}

	lock, err := schedules.NewRedisLock(redisClient, redisClient.LockKey(tickLockName), 0)
	if err != nil {
		return nil, err
	}

	workerID, err := os.Hostname()
	if err != nil || workerID == "" {
		workerID = "billing-worker"
	}

	return schedules.NewScheduler(schedules.SchedulerParams{
		Repo:     schedules.NewRepository(dbClient.DB()),
		Payments: paymentsSvc,
		Methods:  customersSvc,
		Ledger:   ledgerSvc,
		Outbox:   outboxSvc,
		TxRunner: dbClient,
		Lock:     lock,
		Metrics:  metrics.NewBillingMetrics(prometheus.DefaultRegisterer),
		Logger:   logg,
		Config:   cfg.Billing,
		WorkerID: workerID,
	})
}

func buildProviders(cfg config.ProviderConfig) (*providers.Registry, error) {
	fees, err := providers.NewFeeSchedule(cfg.SandboxFeePercent, cfg.SandboxFeeFixedCents)
	if err != nil {
		return nil, err
	}

	adapter, err := sandbox.New(sandbox.Params{
		ID:            cfg.SandboxID,
		WebhookSecret: cfg.SandboxWebhookSecret,
		Fees:          fees,
	})
	if err != nil {
		return nil, err
	}

	registry := providers.NewRegistry()
	if err := registry.Register(adapter); err != nil {
		return nil, err
	}
	return registry, nil
}
