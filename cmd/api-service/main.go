package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/abuse"
	"github.com/cuongbtq/ongkir-resilience/internal/api/handler"
	"github.com/cuongbtq/ongkir-resilience/internal/api/router"
	"github.com/cuongbtq/ongkir-resilience/internal/audit"
	auditstorage "github.com/cuongbtq/ongkir-resilience/internal/audit/storage"
	"github.com/cuongbtq/ongkir-resilience/internal/config"
	"github.com/cuongbtq/ongkir-resilience/internal/metrics"
	"github.com/cuongbtq/ongkir-resilience/internal/ratelimit"
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
	sharedredis "github.com/cuongbtq/ongkir-resilience/shared/redis"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("state_backend", cfg.StateBackend),
	)

	metrics.Register()

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	var rdb *goredis.Client
	if cfg.StateBackend == config.StateBackendRedis {
		rdb, err = initRedis(&cfg.Redis, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize redis: %w", err)
		}
		defer rdb.Close()
	}

	deps, err := buildDependencies(cfg, appLogger.Logger, dbClient, rdb)
	if err != nil {
		return err
	}

	r, err := initRouter(cfg, deps)
	if err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// expired fixed-window counters are swept out of process memory; the
	// redis store expires them by TTL and purges nothing
	janitor := scheduler.New(appLogger.Logger)
	go func() {
		_ = janitor.Run(bgCtx, scheduler.Task{
			Name:     "ratelimit.purge",
			Interval: cfg.RateLimit.PurgeInterval,
			Fn: func(ctx context.Context) error {
				_, err := deps.Limiter.PurgeExpired(ctx)
				return err
			},
		})
	}()

	serverErr := make(chan error, 1)
	go func() {
		appLogger.Info("Starting HTTP server",
			slog.String("address", addr),
			slog.Duration("read_timeout", cfg.Server.ReadTimeout),
			slog.Duration("write_timeout", cfg.Server.WriteTimeout),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down server",
			slog.String("signal", sig.String()),
		)
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	stopBackground()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// buildDependencies wires the guards, caches and stores behind the HTTP layer
func buildDependencies(cfg *config.Config, appLog *slog.Logger, dbClient *postgresql.Client, rdb *goredis.Client) (*handler.Dependencies, error) {
	db := dbClient.GetDB()

	cacheOpts := []tracking.Option{
		tracking.WithFreshnessWindow(cfg.Cache.FreshnessWindow),
	}
	if len(cfg.Cache.TerminalStatus) > 0 {
		cacheOpts = append(cacheOpts, tracking.WithTerminalStatuses(cfg.Cache.TerminalStatus))
	}
	if cfg.Cache.InflightDedup {
		cacheOpts = append(cacheOpts,
			tracking.WithInflightDedup(),
			tracking.WithSharedRefreshTimeout(2*cfg.Provider.Timeout),
		)
	}

	trackingProvider := provider.NewClient(provider.Config{
		BaseURL:      cfg.Provider.BaseURL,
		APIKey:       cfg.Provider.APIKey,
		Timeout:      cfg.Provider.Timeout,
		RequestsPerS: cfg.Provider.RequestsPerS,
		Burst:        cfg.Provider.Burst,
	}, appLog)
	cache := tracking.NewCache(trackingstorage.NewStorage(db, appLog), trackingProvider, appLog, cacheOpts...)

	presets := make(map[string]ratelimit.Preset, len(cfg.RateLimit.Presets))
	for scope, p := range cfg.RateLimit.Presets {
		presets[scope] = ratelimit.Preset{Limit: p.Limit, Window: p.Window}
	}

	var (
		counterStore ratelimit.Store
		abuseStore   abuse.Store
	)
	switch cfg.StateBackend {
	case config.StateBackendRedis:
		counterStore = ratelimit.NewRedisStore(rdb, ratelimit.WithKeyPrefix(cfg.Redis.KeyPrefix+":rl"))
		abuseStore = abuse.NewRedisStore(rdb, cfg.Redis.KeyPrefix+":abuse")
	default:
		counterStore = ratelimit.NewMemoryStore()
		abuseStore = abuse.NewMemoryStore()
	}

	limiter := ratelimit.NewLimiter(counterStore, appLog, ratelimit.WithPresets(presets))

	sink := audit.NewMultiSink(appLog, audit.NewLogSink(appLog), auditstorage.NewStorage(db, appLog))
	correlator := abuse.NewCorrelator(abuseStore, sink, appLog, abuse.Config{
		MaxKeysPerIP:        cfg.Abuse.MaxKeysPerIP,
		SuspiciousKeyCount:  cfg.Abuse.SuspiciousKeyCount,
		EscalationThreshold: cfg.Abuse.EscalationThreshold,
		SuspicionWindow:     cfg.Abuse.SuspicionWindow,
	})

	queue := worker.NewQueue(jobstorage.NewStorage(db, appLog), appLog, cfg.Worker.DefaultMaxAttempts)

	paymentVendor := vendor.NewClient(vendor.Config{
		BaseURL:      cfg.PaymentVendor.BaseURL,
		ServerKey:    cfg.PaymentVendor.ServerKey,
		Timeout:      cfg.PaymentVendor.Timeout,
		RequestsPerS: cfg.PaymentVendor.RequestsPerS,
		Burst:        cfg.PaymentVendor.Burst,
	}, appLog)
	reconStore := reconstorage.NewStorage(db, appLog)
	resolver := reconciliation.NewResolver(reconStore, paymentVendor, appLog, reconciliation.ResolverConfig{
		StuckAfter:  cfg.Reconciliation.StuckAfter,
		BatchSize:   cfg.Reconciliation.BatchSize,
		CallTimeout: cfg.Reconciliation.CallTimeout,
	})

	monitor := reconciliation.NewMonitor(reconStore, queue, sink, appLog, reconciliation.MonitorConfig{
		WarningBefore: cfg.Deadman.WarningBefore,
		WarningTo:     cfg.Deadman.WarningTo,
	})

	seedCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := reconStore.Seed(seedCtx, reconciliation.CheckpointFromConfig(&cfg.Deadman, time.Now().UTC())); err != nil {
		return nil, fmt.Errorf("failed to seed deadman checkpoint: %w", err)
	}

	return &handler.Dependencies{
		Logger:       appLog,
		Tracking:     cache,
		Limiter:      limiter,
		Correlator:   correlator,
		Jobs:         queue,
		Sweeper:      resolver,
		Heartbeat:    monitor,
		APIKeyHeader: cfg.Abuse.APIKeyHeader,
		ServiceName:  cfg.App.Name,
		HealthChecks: healthChecks(dbClient, rdb),
	}, nil
}

func healthChecks(dbClient *postgresql.Client, rdb *goredis.Client) map[string]handler.HealthCheck {
	checks := map[string]handler.HealthCheck{
		"database": dbClient.HealthCheck,
	}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}
	}
	return checks
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

func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*goredis.Client, error) {
	return sharedredis.NewClient(&sharedredis.Config{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) (*gin.Engine, error) {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps, router.Options{
		APIKeyHeader:   cfg.Abuse.APIKeyHeader,
		TrustedProxies: cfg.Server.TrustedProxies,
	})
}
