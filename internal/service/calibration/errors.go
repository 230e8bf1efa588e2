package calibration

import (
	"errors"
	"fmt"
)

// Common errors returned by the controller
var (
	ErrNoOptimalUserCount = errors.New("no optimal user count found")
	ErrInvalidConfig      = errors.New("invalid calibration config")
)

// ProbeError wraps a failed probe with the phase and concurrency involved
type ProbeError struct {
	Phase Phase
	Users int
	Err   error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("%s probe at %d users failed: %v", e.Phase, e.Users, e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}
