package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("scriptforge/resilience")

// Call runs fn against the dependency guarded by b, bounded by the breaker's
// CallTimeout. The error is one of: fn's own error, *CircuitOpenError,
// *TimeoutError, or the caller's context error.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	return CallWithTimeout(ctx, b, b.settings.CallTimeout, fn)
}

// CallWithTimeout is Call with an explicit per-call timeout.
func CallWithTimeout[T any](ctx context.Context, b *Breaker, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	ctx, span := tracer.Start(ctx, "resilience.Call")
	span.SetAttributes(attribute.String("dependency", b.Name()), attribute.Int64("timeout_ms", timeout.Milliseconds()))
	defer span.End()

	res, err := b.Execute(ctx, timeout, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}

type outcome struct {
	value any
	err   error
}

// runWithTimeout races fn against the deadline. Each call owns a buffered
// result channel, so a result arriving after the deadline is dropped without
// blocking the worker goroutine and can never be observed by another call.
func runWithTimeout(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) (any, error), lg *zap.Logger) (any, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	callID := uuid.NewString()
	done := make(chan outcome, 1)
	var abandoned atomic.Bool

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic in call to %s: %v", name, r)}
			}
		}()
		v, err := fn(callCtx)
		if abandoned.Load() {
			lg.Debug("Discarding late result",
				zap.String("dependency", name),
				zap.String("call_id", callID),
				zap.Error(err))
		}
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		return o.value, classifyDeadline(ctx, callCtx, name, timeout, o.err)
	case <-callCtx.Done():
		abandoned.Store(true)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lg.Warn("Protected call timed out",
			zap.String("dependency", name),
			zap.String("call_id", callID),
			zap.Duration("timeout", timeout))
		return nil, &TimeoutError{Name: name, Timeout: timeout}
	}
}

// classifyDeadline turns a deadline error that fn surfaced itself into a
// TimeoutError when it was our deadline, not the caller's, that fired.
func classifyDeadline(parent, callCtx context.Context, name string, timeout time.Duration, err error) error {
	if err == nil || parent.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Name: name, Timeout: timeout}
	}
	return err
}
