package dispatch

import (
	"errors"
	"fmt"

	"github.com/openride/taxi-dispatch/internal/fraud"
)

var (
	ErrRideNotFound = errors.New("dispatch: ride not found")
	// ErrRideTerminal is returned for lifecycle signals against a ride
	// that already reached finalizada or cancelada.
	ErrRideTerminal      = errors.New("dispatch: ride already terminal")
	ErrInvalidTransition = errors.New("dispatch: invalid transition")
)

// ValidationError rejects a malformed ride request before any
// coordinator exists. It is the only error class reported back to the
// intake channel synchronously.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid ride request: %s %s", e.Field, e.Msg)
}

// FraudBlockedError carries the guard verdict that vetoed ride
// creation. Blocks during the offer search are absorbed internally and
// never surface as errors.
type FraudBlockedError struct {
	Verdict fraud.Verdict
}

func (e *FraudBlockedError) Error() string {
	return fmt.Sprintf("ride blocked by fraud guard: %s", e.Verdict.Reason)
}
