package ratelimit

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every error returned by Limiter.Check matches exactly one
// of them through errors.Is.
var (
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrStoreUnavailable   = errors.New("rate limit store unavailable")
	ErrInvalidIdentifier  = errors.New("invalid rate limit identifier")
	ErrActionNotPermitted = errors.New("action not permitted for tier")
)

// ErrContention is returned by stores that emulate the atomic upsert with an
// optimistic retry loop once the attempt budget is spent.
var ErrContention = errors.New("counter update contention")

// ExceededError is the user-facing denial. RetryAfter is in whole seconds.
type ExceededError struct {
	Key        string
	Limit      int
	RetryAfter int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (limit %d), retry after %ds", e.Key, e.Limit, e.RetryAfter)
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// StoreUnavailableError means the atomic upsert could not be completed and the
// request was denied.
type StoreUnavailableError struct {
	Key   string
	Cause error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("rate limit store unavailable for %s: %v", e.Key, e.Cause)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Cause
}

func (e *StoreUnavailableError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// NotPermittedError is returned when no limit row exists for (tier, action) or
// when the row does not admit anonymous callers.
type NotPermittedError struct {
	Tier   Tier
	Action string
	Reason string
}

func (e *NotPermittedError) Error() string {
	return fmt.Sprintf("action %q not permitted for tier %q: %s", e.Action, e.Tier, e.Reason)
}

func (e *NotPermittedError) Is(target error) bool {
	return target == ErrActionNotPermitted
}
