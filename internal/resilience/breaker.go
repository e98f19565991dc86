// Package resilience guards calls to external dependencies with per-dependency
// circuit breakers and call timeouts.
package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aidin1998/scriptforge/pkg/logger"
	"github.com/Aidin1998/scriptforge/pkg/metrics"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// State is the breaker state as exposed to operators.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func (s State) gauge() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// Defaults applied to zero fields of Settings.
const (
	DefaultFailureThreshold  = 5
	DefaultResetTimeout      = 30 * time.Second
	DefaultSuccessesRequired = 2
	DefaultCallTimeout       = 10 * time.Second
)

// Settings configures one dependency's breaker.
type Settings struct {
	Name              string        `mapstructure:"name" json:"name"`
	FailureThreshold  uint32        `mapstructure:"failure_threshold" json:"failure_threshold"`
	ResetTimeout      time.Duration `mapstructure:"reset_timeout" json:"reset_timeout"`
	SuccessesRequired uint32        `mapstructure:"successes_required" json:"successes_required"`
	CallTimeout       time.Duration `mapstructure:"call_timeout" json:"call_timeout"`
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = DefaultResetTimeout
	}
	if s.SuccessesRequired == 0 {
		s.SuccessesRequired = DefaultSuccessesRequired
	}
	if s.CallTimeout <= 0 {
		s.CallTimeout = DefaultCallTimeout
	}
	return s
}

// StateListener is notified after every transition. It runs while the breaker
// holds its lock and must not call back into the breaker.
type StateListener func(name string, from, to State)

// Snapshot is a point-in-time view of a breaker for operators.
type Snapshot struct {
	Name         string    `json:"name"`
	State        State     `json:"state"`
	FailureCount uint32    `json:"failure_count"`
	SuccessCount uint32    `json:"success_count"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
}

// Breaker is a per-dependency circuit breaker. CLOSED counts consecutive
// failures and opens at FailureThreshold; OPEN rejects until ResetTimeout has
// passed; HALF_OPEN admits at most SuccessesRequired trial calls, closing after that
// many consecutive successes and reopening on any failure.
type Breaker struct {
	settings  Settings
	logger    *zap.Logger
	listeners []StateListener

	mu       sync.Mutex
	cb       atomic.Pointer[gobreaker.CircuitBreaker[any]]
	openedAt atomic.Int64
}

func NewBreaker(settings Settings, lg *zap.Logger, listeners ...StateListener) *Breaker {
	b := &Breaker{
		settings:  settings.withDefaults(),
		logger:    logger.OrNop(lg),
		listeners: listeners,
	}
	b.cb.Store(b.newCircuit())
	metrics.BreakerState.WithLabelValues(b.settings.Name).Set(StateClosed.gauge())
	return b
}

func (b *Breaker) newCircuit() *gobreaker.CircuitBreaker[any] {
	threshold := b.settings.FailureThreshold
	var cb *gobreaker.CircuitBreaker[any]
	cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        b.settings.Name,
		MaxRequests: b.settings.SuccessesRequired,
		Timeout:     b.settings.ResetTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool { return err == nil },
		IsExcluded:   isExcluded,
		OnStateChange: func(_ string, from, to gobreaker.State) {
			// Circuits discarded by Reset may still see late results.
			if b.cb.Load() != cb {
				return
			}
			b.onStateChange(from, to)
		},
	})
	return cb
}

// A call abandoned by its own caller, or rejected because of the request,
// says nothing about the dependency. Such outcomes count as neither success
// nor failure.
func isExcluded(err error) bool {
	var gu *callerGaveUp
	return errors.As(err, &gu) || IsCallerFault(err)
}

func (b *Breaker) onStateChange(from, to gobreaker.State) {
	f, t := fromGobreaker(from), fromGobreaker(to)
	if t == StateOpen {
		b.openedAt.Store(time.Now().UnixNano())
	} else if t == StateClosed {
		b.openedAt.Store(0)
	}
	b.notify(f, t)
}

func (b *Breaker) notify(from, to State) {
	name := b.settings.Name
	metrics.BreakerState.WithLabelValues(name).Set(to.gauge())
	metrics.BreakerTransitions.WithLabelValues(name, string(from), string(to)).Inc()

	fields := []zap.Field{zap.String("dependency", name), zap.String("from", string(from)), zap.String("to", string(to))}
	if to == StateOpen {
		b.logger.Warn("Circuit breaker opened", fields...)
	} else {
		b.logger.Info("Circuit breaker state changed", fields...)
	}

	for _, l := range b.listeners {
		l(name, from, to)
	}
}

func (b *Breaker) Name() string { return b.settings.Name }

// Settings returns the effective settings after defaults.
func (b *Breaker) Settings() Settings { return b.settings }

func (b *Breaker) State() State {
	return fromGobreaker(b.cb.Load().State())
}

// Execute runs fn under the breaker with the given per-call timeout (<= 0
// means no timeout). While the breaker rejects, fn is not invoked and a
// *CircuitOpenError is returned.
func (b *Breaker) Execute(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (any, error)) (any, error) {
	name := b.settings.Name
	res, err := b.cb.Load().Execute(func() (any, error) {
		v, err := runWithTimeout(ctx, name, timeout, fn, b.logger)
		if err != nil && ctx.Err() != nil {
			return v, &callerGaveUp{err: err}
		}
		return v, err
	})

	var gu *callerGaveUp
	if errors.As(err, &gu) {
		metrics.BreakerCalls.WithLabelValues(name, "excluded").Inc()
		return res, gu.err
	}

	switch {
	case err == nil:
		metrics.BreakerCalls.WithLabelValues(name, "success").Inc()
	case IsCallerFault(err):
		metrics.BreakerCalls.WithLabelValues(name, "excluded").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.BreakerCalls.WithLabelValues(name, "rejected").Inc()
		return nil, &CircuitOpenError{Name: name, RetryAfter: b.retryAfter()}
	case errors.Is(err, ErrTimeout):
		metrics.BreakerCalls.WithLabelValues(name, "timeout").Inc()
	default:
		metrics.BreakerCalls.WithLabelValues(name, "failure").Inc()
	}
	return res, err
}

func (b *Breaker) retryAfter() time.Duration {
	opened := b.openedAt.Load()
	if opened == 0 {
		return time.Second
	}
	remaining := time.Until(time.Unix(0, opened).Add(b.settings.ResetTimeout))
	if remaining < time.Second {
		return time.Second
	}
	return remaining
}

func (b *Breaker) Snapshot() Snapshot {
	cb := b.cb.Load()
	counts := cb.Counts()
	s := Snapshot{
		Name:         b.settings.Name,
		State:        fromGobreaker(cb.State()),
		FailureCount: counts.ConsecutiveFailures,
		SuccessCount: counts.ConsecutiveSuccesses,
	}
	if opened := b.openedAt.Load(); opened != 0 && s.State != StateClosed {
		s.OpenedAt = time.Unix(0, opened).UTC()
	}
	return s
}

// Reset forces the breaker back to CLOSED with cleared counters. Calls already
// running report to the discarded circuit and do not affect the new one.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := fromGobreaker(b.cb.Swap(b.newCircuit()).State())
	b.openedAt.Store(0)
	if prev != StateClosed {
		b.notify(prev, StateClosed)
	}
	b.logger.Info("Circuit breaker reset", zap.String("dependency", b.settings.Name))
}
