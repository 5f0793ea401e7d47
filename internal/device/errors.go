package device

import (
	"errors"
	"fmt"
)

// ErrTimeout matches every *TimeoutError.
var ErrTimeout = errors.New("device timeout")

// TimeoutError is returned by Fetch when a bounded retry policy ran out of
// attempts without a complete response.
type TimeoutError struct {
	Endpoint Endpoint
	Attempts uint
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("device %s: no complete response after %d attempts: %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// errIncomplete marks an attempt that hit the chunk ceiling before the frame
// terminator arrived.
var errIncomplete = errors.New("incomplete frame")
