package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrNoJobAvailable is returned by a claim that found nothing to do or
	// lost the race for the candidate row. It is not a failure.
	ErrNoJobAvailable = errors.New("no job available")

	// ErrInvalidPayload is returned when job payload JSON is malformed
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrHandlerNotFound is returned when no handler is registered for a job type
	ErrHandlerNotFound = errors.New("no handler registered for job type")

	// ErrNotRequeueable is returned when requeue is asked for a job that is
	// not failed or dead
	ErrNotRequeueable = errors.New("job is not in a requeueable status")

	// ErrLeaseLost is returned when a worker writes a result for a job it no
	// longer holds (lease expired and the job was released)
	ErrLeaseLost = errors.New("job lease lost")

	// ErrInvalidJobType is returned when enqueueing with an empty type
	ErrInvalidJobType = errors.New("job type is required")
)

// PermanentError marks a handler failure that must not be retried
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError wraps err so the worker sends the job straight to dead
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or anything it wraps) is permanent
func IsPermanent(err error) bool {
	if errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrHandlerNotFound) {
		return true
	}
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
