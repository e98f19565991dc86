package resilience

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen matches calls rejected without invoking the dependency.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTimeout matches calls abandoned after their deadline.
	ErrTimeout = errors.New("protected call timed out")
)

// CircuitOpenError is returned while a breaker rejects calls, either because
// it is OPEN or because the HALF_OPEN trial budget is in use.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open", e.Name)
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1.
func (e *CircuitOpenError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// TimeoutError is returned when a protected call exceeds its deadline. It
// counts as a dependency failure.
type TimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call to %s timed out after %s", e.Name, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// callerGaveUp marks an error seen after the caller's own context ended.
type callerGaveUp struct {
	err error
}

func (e *callerGaveUp) Error() string { return e.err.Error() }

func (e *callerGaveUp) Unwrap() error { return e.err }

type callerFault struct {
	err error
}

func (e *callerFault) Error() string { return e.err.Error() }

func (e *callerFault) Unwrap() error { return e.err }

// CallerFault marks err as caused by the request rather than the dependency
// (a 4xx from an upstream, a validation failure). It is returned to the caller
// unchanged in meaning but does not count toward opening the circuit.
func CallerFault(err error) error {
	if err == nil {
		return nil
	}
	return &callerFault{err: err}
}

// IsCallerFault reports whether err was marked with CallerFault.
func IsCallerFault(err error) bool {
	var cf *callerFault
	return errors.As(err, &cf)
}
