package contracts

import (
	"errors"
	"fmt"
)

// ErrMalformedPayload is returned when a payload cannot be decoded at all.
var ErrMalformedPayload = errors.New("contracts: malformed payload")

// ValidationError reports a message that is not well formed enough to send.
type ValidationError struct {
	Field  string // dotted path of the offending field
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("contracts: invalid message: field %q %s", e.Field, e.Reason)
}
