package ipverse

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyBuilding means another build holds the lock for this
	// (country, date). Callers should retry later; the core never queues.
	ErrAlreadyBuilding = errors.New("report build already in progress")

	// ErrInvalidCountry means no usable content could be assembled at all:
	// the first listing page failed, or every ASN came back without data.
	ErrInvalidCountry = errors.New("no IP range data for country")

	// ErrQuotaExceeded is returned by the coin gate when a user has spent
	// both the free daily requests and their coin balance.
	ErrQuotaExceeded = errors.New("request quota exceeded")
)

// UpstreamError is a non-retryable unexpected response from the ASN source.
// Rate-limit exhaustion surfaces as an UpstreamError with status 429.
type UpstreamError struct {
	StatusCode int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}
