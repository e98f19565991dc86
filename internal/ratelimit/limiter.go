package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Aidin1998/scriptforge/pkg/logger"
	"github.com/Aidin1998/scriptforge/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Decision is the outcome of one Check. When Allowed is false the accompanying
// error is always non-nil.
type Decision struct {
	Allowed           bool      `json:"allowed"`
	Count             int64     `json:"count"`
	Limit             int       `json:"limit"`
	Remaining         int       `json:"remaining"`
	ResetAt           time.Time `json:"reset_at"`
	RetryAfterSeconds int       `json:"retry_after_seconds,omitempty"`
}

// Limiter enforces fixed-window tiered limits against a CounterStore.
type Limiter struct {
	store     CounterStore
	storeName string
	tiers     atomic.Pointer[TierTable]
	deny      DenyCache
	clock     Clock
	pinned    bool
	logger    *zap.Logger
	tracer    trace.Tracer
}

type Option func(*Limiter)

func WithDenyCache(c DenyCache) Option { return func(l *Limiter) { l.deny = c } }

// WithClock pins every time decision, the store's included, to c.
func WithClock(c Clock) Option {
	return func(l *Limiter) {
		l.clock = c
		l.pinned = true
	}
}

func WithLogger(lg *zap.Logger) Option { return func(l *Limiter) { l.logger = lg } }

// WithStoreName labels store latency metrics.
func WithStoreName(name string) Option { return func(l *Limiter) { l.storeName = name } }

func NewLimiter(store CounterStore, tiers *TierTable, opts ...Option) *Limiter {
	l := &Limiter{
		store:     store,
		storeName: fmt.Sprintf("%T", store),
		clock:     SystemClock,
		tracer:    otel.Tracer("scriptforge/ratelimit"),
	}
	l.tiers.Store(tiers)
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logger.OrNop(l.logger)
	return l
}

// Tiers returns the active limit table.
func (l *Limiter) Tiers() *TierTable { return l.tiers.Load() }

// UpdateTiers swaps the limit table. In-flight windows keep their reset time;
// the new limit applies from the next Check.
func (l *Limiter) UpdateTiers(t *TierTable) {
	l.tiers.Store(t)
	l.logger.Info("Rate limit tiers updated", zap.Int("rows", len(t.limits)))
}

// Check counts one request by id against the (tier, action) limit. It fails
// closed: any store error yields a denial wrapped in StoreUnavailableError.
func (l *Limiter) Check(ctx context.Context, id Identifier, action string, tier Tier) (Decision, error) {
	ctx, span := l.tracer.Start(ctx, "ratelimit.Check", trace.WithAttributes(
		attribute.String("ratelimit.tier", string(tier)),
		attribute.String("ratelimit.action", action),
	))
	defer span.End()

	d, result, err := l.check(ctx, id, action, tier)
	metrics.RateLimitDecisions.WithLabelValues(string(tier), action, result).Inc()
	span.SetAttributes(attribute.String("ratelimit.result", result))
	if err != nil && !errors.Is(err, ErrRateLimitExceeded) {
		span.SetStatus(codes.Error, err.Error())
	}
	return d, err
}

func (l *Limiter) check(ctx context.Context, id Identifier, action string, tier Tier) (Decision, string, error) {
	id, err := id.normalize()
	if err != nil {
		return Decision{}, "invalid_identifier", err
	}

	limit, ok := l.Tiers().Lookup(tier, action)
	if !ok {
		return Decision{}, "not_permitted", &NotPermittedError{Tier: tier, Action: action, Reason: "no limit configured"}
	}
	if id.Kind == KindIP && !limit.AnonymousAllowed {
		return Decision{}, "not_permitted", &NotPermittedError{Tier: tier, Action: action, Reason: "authentication required"}
	}

	key := BuildKey(tier, id, action)
	now := l.clock.Now()

	if l.deny != nil {
		if until, blocked := l.deny.Blocked(ctx, key, now); blocked {
			retry := retryAfterSeconds(until, now)
			return Decision{Limit: limit.RequestsPerWindow, ResetAt: until, RetryAfterSeconds: retry},
				"deny_cached",
				&ExceededError{Key: key, Limit: limit.RequestsPerWindow, RetryAfter: retry}
		}
	}

	start := time.Now()
	rec, err := l.store.Increment(ctx, key, limit.Window(), l.storeTime())
	metrics.RateLimitStoreLatency.WithLabelValues(l.storeName).Observe(time.Since(start).Seconds())
	if err != nil {
		l.logger.Error("Rate limit store unavailable, denying request",
			zap.String("key", key),
			zap.String("store", l.storeName),
			zap.Error(err))
		return Decision{Limit: limit.RequestsPerWindow}, "store_unavailable", &StoreUnavailableError{Key: key, Cause: err}
	}

	d := Decision{
		Count:   rec.Count,
		Limit:   limit.RequestsPerWindow,
		ResetAt: rec.WindowResetAt,
	}
	if rec.Count <= int64(limit.RequestsPerWindow) {
		d.Allowed = true
		d.Remaining = limit.RequestsPerWindow - int(rec.Count)
		return d, "allowed", nil
	}

	storeNow := rec.Now
	if storeNow.IsZero() {
		storeNow = now
	}
	d.RetryAfterSeconds = retryAfterSeconds(rec.WindowResetAt, storeNow)
	if l.deny != nil {
		// The deny cache runs on the local clock; carry over only the
		// remaining window.
		l.deny.Block(ctx, key, now.Add(rec.WindowResetAt.Sub(storeNow)), now)
	}
	l.logger.Debug("Rate limit exceeded",
		zap.String("key", key),
		zap.Int64("count", rec.Count),
		zap.Int("limit", limit.RequestsPerWindow),
		zap.Int("retry_after", d.RetryAfterSeconds))
	return d, "denied", &ExceededError{Key: key, Limit: limit.RequestsPerWindow, RetryAfter: d.RetryAfterSeconds}
}

// storeTime is the time handed to the store: zero, meaning the store's own
// clock, unless a clock was pinned.
func (l *Limiter) storeTime() time.Time {
	if l.pinned {
		return l.clock.Now()
	}
	return time.Time{}
}

// retryAfterSeconds is ceil((resetAt-now)/1s), never less than 1.
func retryAfterSeconds(resetAt, now time.Time) int {
	remaining := resetAt.Sub(now)
	secs := int((remaining + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// Reset drops the counter for (tier, id, action) when the store supports it.
func (l *Limiter) Reset(ctx context.Context, id Identifier, action string, tier Tier) error {
	r, ok := l.store.(Resetter)
	if !ok {
		return fmt.Errorf("store %s does not support reset", l.storeName)
	}
	id, err := id.normalize()
	if err != nil {
		return err
	}
	key := BuildKey(tier, id, action)
	if err := r.Reset(ctx, key); err != nil {
		return fmt.Errorf("reset %s: %w", key, err)
	}
	if l.deny != nil {
		l.deny.Forget(ctx, key)
	}
	l.logger.Info("Rate limit counter reset", zap.String("key", key))
	return nil
}

// Purge removes expired counters from stores that keep them.
func (l *Limiter) Purge(ctx context.Context) (int64, error) {
	p, ok := l.store.(Purger)
	if !ok {
		return 0, nil
	}
	n, err := p.Purge(ctx, l.storeTime())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired counters: %w", err)
	}
	if sweeper, ok := l.deny.(*MemoryDenyCache); ok {
		sweeper.Sweep(l.clock.Now())
	}
	return n, nil
}

// StartCleanup purges expired counters every interval until ctx is done.
func (l *Limiter) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := l.Purge(ctx)
				if err != nil {
					l.logger.Error("Background counter purge failed", zap.Error(err))
					continue
				}
				if n > 0 {
					l.logger.Debug("Purged expired rate limit counters", zap.Int64("count", n))
				}
			}
		}
	}()
}

// SetHeaders writes the standard X-RateLimit headers, plus Retry-After on a
// denial.
func SetHeaders(h http.Header, d Decision) {
	if d.Limit > 0 {
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	}
	if !d.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if !d.Allowed && d.RetryAfterSeconds > 0 {
		h.Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
	}
}
