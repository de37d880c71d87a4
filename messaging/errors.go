package messaging

import (
	"errors"
	"fmt"
	"time"

	"github.com/fleetwise/vehicle-tracking/internal/reliability"
)

var (
	// ErrRequestTimeout is matched by every TimeoutError
	ErrRequestTimeout = errors.New("messaging: request timed out")
	// ErrEmptyRequest is reported for a request without a body
	ErrEmptyRequest = errors.New("messaging: empty request body")
	// ErrRequestRejected is returned when the worker could not process the request
	ErrRequestRejected = errors.New("messaging: request rejected by worker")
	// ErrNoHandler is returned by workers constructed without a handler
	ErrNoHandler = errors.New("messaging: handler is required")
)

// TimeoutError reports that no matching reply arrived in time. It is
// distinct from connection and publish failures.
type TimeoutError struct {
	CorrelationID string
	Route         string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("messaging: no reply for %s on %q within %s", e.CorrelationID, e.Route, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return ErrRequestTimeout
}

// ErrorKind reports KindTimeout to reliability.KindOf
func (e *TimeoutError) ErrorKind() reliability.Kind {
	return reliability.KindTimeout
}

// IsTimeout reports whether err is an RPC timeout
func IsTimeout(err error) bool {
	return errors.Is(err, ErrRequestTimeout)
}
