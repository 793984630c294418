package tracking

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidKey is returned for malformed waybill/courier pairs. The
	// provider is never called for them.
	ErrInvalidKey = errors.New("invalid tracking key")

	// ErrEntryNotFound is returned by stores on a cache miss
	ErrEntryNotFound = errors.New("tracking entry not found")

	// ErrNoProvider is returned by ResolveTracking when the cache was built
	// without a provider
	ErrNoProvider = errors.New("tracking provider not configured")
)

// ProviderError is a failed provider call. Transient errors (network,
// timeouts, 5xx, 429) may be retried; the rest may not.
type ProviderError struct {
	StatusCode int
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("tracking provider returned %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("tracking provider: %v", e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a provider failure worth retrying
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Transient
}
