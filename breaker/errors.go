package breaker

import (
	"errors"
	"fmt"
	"time"
)

// OpenError is returned when a call is rejected because the breaker is open.
// Callers must apply their own fallback or surface the failure; the backing
// store was never contacted.
type OpenError struct {
	// RetryAfter is the remaining recovery wait, zero when unknown.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *OpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("breaker: circuit open, retry after %v", e.RetryAfter)
	}
	return "breaker: circuit open"
}

// IsOpen reports whether err indicates a call rejected by an open breaker.
func IsOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}
