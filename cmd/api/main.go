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

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/punchamoorthee/depositops/internal/api"
	"github.com/punchamoorthee/depositops/internal/catalog"
	"github.com/punchamoorthee/depositops/internal/config"
	"github.com/punchamoorthee/depositops/internal/lock"
	"github.com/punchamoorthee/depositops/internal/logging"
	"github.com/punchamoorthee/depositops/internal/notify"
	"github.com/punchamoorthee/depositops/internal/scheduler"
	"github.com/punchamoorthee/depositops/internal/service"
	"github.com/punchamoorthee/depositops/internal/store"
)

func main() {
	// A missing .env is fine; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.IsProduction())
	if err != nil {
		log.Fatalf("Unable to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Layers
	ledger, err := openLedger(ctx, cfg)
	if err != nil {
		logger.Fatal("Unable to open ledger", zap.String("driver", cfg.DBDriver), zap.Error(err))
	}
	defer ledger.Close()

	if err := ledger.Migrate(ctx); err != nil {
		logger.Fatal("Unable to migrate schema", zap.Error(err))
	}

	plans, err := catalog.Default(catalog.RoundingMode(cfg.RoundingMode))
	if err != nil {
		logger.Fatal("Unable to build plan catalog", zap.Error(err))
	}

	notifier, closeNotifier := newNotifier(cfg, logger)
	defer closeNotifier()

	locker := newLocker(ctx, cfg, logger)

	svc := service.New(ledger, plans, notifier, logger,
		service.WithLocation(cfg.Location()),
	)

	sched, err := scheduler.New(scheduler.Config{
		Schedule: cfg.SettlementSchedule,
		Location: cfg.Location(),
		LockTTL:  cfg.SettlementLockTTL,
	}, svc, locker, logger)
	if err != nil {
		logger.Fatal("Unable to schedule settlement", zap.Error(err))
	}
	if cfg.SchedulerEnabled {
		sched.Start()
		logger.Info("Settlement scheduler started", zap.Time("next", sched.Next()))
	}

	handler := api.NewHandler(svc, sched, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler, cfg.CORSAllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Server starting", zap.String("port", cfg.Port), zap.String("driver", cfg.DBDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	if cfg.SchedulerEnabled {
		select {
		case <-sched.Stop().Done():
		case <-shutdownCtx.Done():
			logger.Warn("Settlement sweep still running at shutdown")
		}
	}
}

func openLedger(ctx context.Context, cfg *config.Config) (store.Ledger, error) {
	if cfg.DBDriver == config.DriverSQLite {
		return store.NewSQLite(ctx, cfg.DBSource)
	}
	return store.NewPostgres(ctx, cfg.DBSource)
}

func newNotifier(cfg *config.Config, logger *zap.Logger) (notify.Notifier, func()) {
	if cfg.RabbitMQURL == "" {
		logger.Warn("RABBITMQ_URL not set; notifications will only be logged")
		return notify.NewLog(cfg.BrandName, logger), func() {}
	}

	p, err := notify.NewAMQP(cfg.RabbitMQURL, cfg.NotificationExchange, cfg.BrandName, logger)
	if err != nil {
		logger.Warn("RabbitMQ unavailable; falling back to log notifier", zap.Error(err))
		return notify.NewLog(cfg.BrandName, logger), func() {}
	}
	return p, p.Close
}

func newLocker(ctx context.Context, cfg *config.Config, logger *zap.Logger) lock.Locker {
	if cfg.RedisURL == "" {
		return lock.NewLocal()
	}

	r, err := lock.NewRedisFromURL(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn("Redis unavailable; sweep lock is process-local", zap.Error(err))
		return lock.NewLocal()
	}
	return r
}
