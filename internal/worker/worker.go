package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Store             Store
	Registry          *Registry
	Backoff           *Backoff
	WorkerID          string
	Concurrency       int
	PollInterval      time.Duration
	Burst             int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	LeaseTimeout      time.Duration
	Now               func() time.Time
}

// Worker drains the job store by polling. Each poller claims up to Burst
// jobs per tick; a maintenance loop requeues failed jobs whose backoff has
// passed and releases jobs whose lease expired.
type Worker struct {
	logger            *slog.Logger
	store             Store
	registry          *Registry
	backoff           *Backoff
	workerID          string
	concurrency       int
	pollInterval      time.Duration
	burst             int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	leaseTimeout      time.Duration
	now               func() time.Time

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:            cfg.Logger,
		store:             cfg.Store,
		registry:          cfg.Registry,
		backoff:           cfg.Backoff,
		workerID:          cfg.WorkerID,
		concurrency:       cfg.Concurrency,
		pollInterval:      cfg.PollInterval,
		burst:             cfg.Burst,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		leaseTimeout:      cfg.LeaseTimeout,
		now:               cfg.Now,
		stopChan:          make(chan struct{}),
	}

	if w.workerID == "" {
		w.workerID = defaultWorkerID()
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.pollInterval <= 0 {
		w.pollInterval = 10 * time.Second
	}
	if w.burst <= 0 {
		w.burst = 1
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = 30 * time.Second
	}
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = 10 * time.Second
	}
	if w.leaseTimeout <= w.heartbeatInterval {
		w.leaseTimeout = 3 * w.heartbeatInterval
	}
	if w.backoff == nil {
		w.backoff = NewBackoff(0, 0, nil)
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.registry == nil {
		w.registry = NewRegistry()
	}

	return w
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
}

// ID returns the identity written to locked_by
func (w *Worker) ID() string {
	return w.workerID
}

// Start runs the pollers and the maintenance loop and blocks until ctx is
// canceled or Stop is called. In-flight jobs finish before Start returns.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("poll_interval", w.pollInterval),
		slog.Int("burst", w.burst),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Any("job_types", w.registry.Types()),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-runCtx.Done():
		}
	}()

	w.spawnWorkerPool(runCtx)

	w.wg.Add(1)
	go w.maintenanceLoop(runCtx)

	<-runCtx.Done()
	w.logger.Info("Worker context canceled, waiting for in-flight jobs")

	w.wg.Wait()
	w.logger.Info("Worker stopped", slog.String("worker_id", w.workerID))

	return nil
}

// Stop signals Start to return. It is safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
	})
}
