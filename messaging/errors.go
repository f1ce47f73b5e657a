package messaging

import (
	"errors"
	"fmt"
	"time"
)

// ErrNilHandler is returned when a subscriber is created without a handler.
var ErrNilHandler = errors.New("messaging: handler is required")

// DrainTimeoutError reports that WaitForDrain gave up with messages still
// unconfirmed or queued for resend. The caller decides whether to exit
// anyway.
type DrainTimeoutError struct {
	Timeout   time.Duration
	Remaining int
}

func (e *DrainTimeoutError) Error() string {
	return fmt.Sprintf("messaging: drain timed out after %s with %d messages still unconfirmed", e.Timeout, e.Remaining)
}
