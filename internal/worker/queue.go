package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/metrics"
	"github.com/cuongbtq/ongkir-resilience/internal/worker/domain"
	"github.com/google/uuid"
)

// Enqueuer is the narrow interface producers depend on
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}, opts ...EnqueueOption) (string, error)
}

// Queue is the producer and admin side of the job store
type Queue struct {
	store              Store
	logger             *slog.Logger
	defaultMaxAttempts int

	// Now is the clock used for timestamps
	Now func() time.Time
}

// NewQueue creates a Queue. defaultMaxAttempts <= 0 falls back to
// domain.DefaultMaxAttempts.
func NewQueue(store Store, logger *slog.Logger, defaultMaxAttempts int) *Queue {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = domain.DefaultMaxAttempts
	}
	return &Queue{
		store:              store,
		logger:             logger,
		defaultMaxAttempts: defaultMaxAttempts,
		Now:                time.Now,
	}
}

type enqueueOptions struct {
	dedupeKey   string
	maxAttempts int
	delay       time.Duration
}

// EnqueueOption customises a single Enqueue call
type EnqueueOption func(*enqueueOptions)

// WithDedupeKey makes enqueue idempotent: a second job with the same key
// resolves to the first job's id
func WithDedupeKey(key string) EnqueueOption {
	return func(o *enqueueOptions) { o.dedupeKey = key }
}

// WithMaxAttempts overrides the attempt budget
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxAttempts = n }
}

// WithDelay defers the first claim
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// Enqueue persists a pending job with zero attempts and returns its id.
// payload is marshalled to JSON; json.RawMessage is stored as-is.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload interface{}, opts ...EnqueueOption) (string, error) {
	if strings.TrimSpace(jobType) == "" {
		return "", domain.ErrInvalidJobType
	}

	o := enqueueOptions{maxAttempts: q.defaultMaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = q.defaultMaxAttempts
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return "", err
	}

	now := q.Now().UTC()
	job := &domain.Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Payload:     raw,
		Status:      domain.JobStatusPending,
		Attempts:    0,
		MaxAttempts: o.maxAttempts,
		RunAfter:    now.Add(o.delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if o.dedupeKey != "" {
		key := o.dedupeKey
		job.DedupeKey = &key
	}

	jobID, err := q.store.CreateJob(ctx, job)
	if err != nil {
		return "", err
	}

	if jobID == job.ID {
		metrics.JobsEnqueuedTotal.WithLabelValues(jobType).Inc()
		q.logger.Info("Job enqueued",
			slog.String("job_id", jobID),
			slog.String("job_type", jobType),
			slog.Int("max_attempts", o.maxAttempts),
		)
	}

	return jobID, nil
}

func encodePayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage(`{}`), nil
	}

	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		raw = b
	}

	if len(raw) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: not valid JSON", domain.ErrInvalidPayload)
	}
	return json.RawMessage(raw), nil
}

// Get returns one job
func (q *Queue) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	return q.store.GetJobByID(ctx, jobID)
}

// List returns one page of jobs, newest first, and the cursor of the next
// page (nil when there is none)
func (q *Queue) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, *domain.JobCursor, error) {
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}

	jobs, err := q.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, nil, err
	}

	if len(jobs) <= filter.PageSize {
		return jobs, nil, nil
	}

	jobs = jobs[:filter.PageSize]
	last := jobs[len(jobs)-1]
	return jobs, &domain.JobCursor{CreatedAt: last.CreatedAt, ID: last.ID}, nil
}

// Requeue returns a failed or dead job to pending
func (q *Queue) Requeue(ctx context.Context, jobID string) error {
	if err := q.store.Requeue(ctx, jobID, q.Now().UTC()); err != nil {
		return err
	}

	q.logger.Info("Job requeued manually", slog.String("job_id", jobID))
	return nil
}
