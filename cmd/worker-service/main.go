package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/audit"
	auditstorage "github.com/cuongbtq/ongkir-resilience/internal/audit/storage"
	"github.com/cuongbtq/ongkir-resilience/internal/config"
	"github.com/cuongbtq/ongkir-resilience/internal/metrics"
	"github.com/cuongbtq/ongkir-resilience/internal/notify"
	"github.com/cuongbtq/ongkir-resilience/internal/reconciliation"
	reconstorage "github.com/cuongbtq/ongkir-resilience/internal/reconciliation/storage"
	"github.com/cuongbtq/ongkir-resilience/internal/reconciliation/vendor"
	"github.com/cuongbtq/ongkir-resilience/internal/scheduler"
	"github.com/cuongbtq/ongkir-resilience/internal/tracking"
	"github.com/cuongbtq/ongkir-resilience/internal/tracking/provider"
	trackingstorage "github.com/cuongbtq/ongkir-resilience/internal/tracking/storage"
	"github.com/cuongbtq/ongkir-resilience/internal/worker"
	jobstorage "github.com/cuongbtq/ongkir-resilience/internal/worker/storage"
	"github.com/cuongbtq/ongkir-resilience/shared/logger"
	"github.com/cuongbtq/ongkir-resilience/shared/postgresql"
	"github.com/cuongbtq/ongkir-resilience/shared/rabbitmq"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	metrics.Register()

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	db := dbClient.GetDB()
	store := jobstorage.NewStorage(db, appLogger.Logger)
	queue := worker.NewQueue(store, appLogger.Logger, cfg.Worker.DefaultMaxAttempts)

	resolver, monitor, err := initReconciliation(cfg, appLogger.Logger, dbClient, queue)
	if err != nil {
		return err
	}

	registry := worker.NewRegistry()
	registry.Register(notify.JobTypeSend, notify.Handler(
		notify.NewRabbitSender(rabbitClient, cfg.RabbitMQ.RoutingKey, appLogger.Logger),
	))
	registry.Register(tracking.JobTypeRefresh, tracking.RefreshHandler(initTrackingCache(cfg, appLogger.Logger, dbClient)))
	registry.Register(reconciliation.JobTypeSweep, reconciliation.SweepHandler(resolver))
	registry.Register(reconciliation.JobTypeDeadmanCheck, reconciliation.DeadmanCheckHandler(monitor))

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		Store:             store,
		Registry:          registry,
		Backoff:           worker.NewBackoff(cfg.Worker.RetryBaseDelay, cfg.Worker.RetryMaxDelay, nil),
		Concurrency:       cfg.Worker.Concurrency,
		PollInterval:      cfg.Worker.PollInterval,
		Burst:             cfg.Worker.Burst,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		LeaseTimeout:      cfg.Worker.LeaseTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(appLogger.Logger)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return workerInstance.Start(gctx)
	})

	// sweeps go through the queue so that one replica runs each period
	g.Go(func() error {
		return sched.Run(gctx, scheduler.Task{
			Name:       reconciliation.JobTypeSweep,
			Interval:   cfg.Reconciliation.Interval,
			RunOnStart: true,
			Fn:         enqueuePeriodic(queue, reconciliation.JobTypeSweep, cfg.Reconciliation.Interval),
		})
	})

	g.Go(func() error {
		return sched.Run(gctx, scheduler.Task{
			Name:       reconciliation.JobTypeDeadmanCheck,
			Interval:   cfg.Deadman.CheckInterval,
			RunOnStart: true,
			Fn:         enqueuePeriodic(queue, reconciliation.JobTypeDeadmanCheck, cfg.Deadman.CheckInterval),
		})
	})

	if cfg.Worker.MetricsPort > 0 {
		metricsSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Worker.MetricsPort),
			Handler:           metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			appLogger.Info("Starting metrics listener", slog.String("address", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	appLogger.Info("Worker service started successfully",
		slog.String("worker_id", workerInstance.ID()),
	)

	<-gctx.Done()
	appLogger.Info("Shutting down worker service")
	workerInstance.Stop()

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			appLogger.Error("Worker service stopped with error", slog.Any("error", err))
			return err
		}
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// enqueuePeriodic submits one job per interval bucket; the dedupe key keeps
// replicas from queueing the same period twice
func enqueuePeriodic(queue *worker.Queue, jobType string, interval time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		bucket := queue.Now().Truncate(interval).Unix()
		_, err := queue.Enqueue(ctx, jobType, map[string]any{},
			worker.WithDedupeKey(fmt.Sprintf("%s:%d", jobType, bucket)),
			worker.WithMaxAttempts(1),
		)
		return err
	}
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func initTrackingCache(cfg *config.Config, appLog *slog.Logger, dbClient *postgresql.Client) *tracking.Cache {
	opts := []tracking.Option{tracking.WithFreshnessWindow(cfg.Cache.FreshnessWindow)}
	if len(cfg.Cache.TerminalStatus) > 0 {
		opts = append(opts, tracking.WithTerminalStatuses(cfg.Cache.TerminalStatus))
	}

	client := provider.NewClient(provider.Config{
		BaseURL:      cfg.Provider.BaseURL,
		APIKey:       cfg.Provider.APIKey,
		Timeout:      cfg.Provider.Timeout,
		RequestsPerS: cfg.Provider.RequestsPerS,
		Burst:        cfg.Provider.Burst,
	}, appLog)

	return tracking.NewCache(trackingstorage.NewStorage(dbClient.GetDB(), appLog), client, appLog, opts...)
}

func initReconciliation(cfg *config.Config, appLog *slog.Logger, dbClient *postgresql.Client, queue *worker.Queue) (*reconciliation.Resolver, *reconciliation.Monitor, error) {
	db := dbClient.GetDB()
	store := reconstorage.NewStorage(db, appLog)

	paymentVendor := vendor.NewClient(vendor.Config{
		BaseURL:      cfg.PaymentVendor.BaseURL,
		ServerKey:    cfg.PaymentVendor.ServerKey,
		Timeout:      cfg.PaymentVendor.Timeout,
		RequestsPerS: cfg.PaymentVendor.RequestsPerS,
		Burst:        cfg.PaymentVendor.Burst,
	}, appLog)

	resolver := reconciliation.NewResolver(store, paymentVendor, appLog, reconciliation.ResolverConfig{
		StuckAfter:  cfg.Reconciliation.StuckAfter,
		BatchSize:   cfg.Reconciliation.BatchSize,
		CallTimeout: cfg.Reconciliation.CallTimeout,
	})

	sink := audit.NewMultiSink(appLog, audit.NewLogSink(appLog), auditstorage.NewStorage(db, appLog))
	monitor := reconciliation.NewMonitor(store, queue, sink, appLog, reconciliation.MonitorConfig{
		WarningBefore: cfg.Deadman.WarningBefore,
		WarningTo:     cfg.Deadman.WarningTo,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Seed(ctx, reconciliation.CheckpointFromConfig(&cfg.Deadman, time.Now().UTC())); err != nil {
		return nil, nil, fmt.Errorf("failed to seed deadman checkpoint: %w", err)
	}

	return resolver, monitor, nil
}

func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
