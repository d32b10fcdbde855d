// Package ratelimit counts expensive operations per user in fixed windows
// backed by the shared TTL key-value store, so every service instance sees
// the same counters. Denial is a decision, not an error: callers degrade to
// cheaper behavior instead of failing the user's request.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Operation names one metered expensive call.
type Operation string

const (
	OpAIParse    Operation = "ai_parse"
	OpTranscribe Operation = "transcribe"
)

// Counter is the narrow store capability the limiter needs.
type Counter interface {
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Quota bounds one operation over an hourly and a daily window. A zero limit
// disables that window.
type Quota struct {
	PerHour int64
	PerDay  int64
}

// Decision is the outcome of one acquisition attempt.
type Decision struct {
	Allowed   bool
	Remaining int64
	// RetryAfter approximates when the tight window reopens.
	RetryAfter time.Duration
}

// Limiter hands out fixed-window permits per (user, operation).
type Limiter struct {
	counter Counter
	quotas  map[Operation]Quota
	now     func() time.Time
	logger  *slog.Logger
}

// New builds a limiter. A nil clock uses time.Now.
func New(counter Counter, quotas map[Operation]Quota, now func() time.Time, logger *slog.Logger) *Limiter {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{counter: counter, quotas: quotas, now: now, logger: logger}
}

// TryAcquire consumes one permit for the operation in both the hourly and
// daily windows. The count increments even on denial, matching counter
// semantics where the increment itself is the check. Store failures allow
// the call: losing a little cost control beats dropping user requests.
func (l *Limiter) TryAcquire(ctx context.Context, userID string, op Operation) (Decision, error) {
	quota, ok := l.quotas[op]
	if !ok {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	now := l.now()
	decision := Decision{Allowed: true, Remaining: -1}

	if quota.PerHour > 0 {
		d, err := l.checkWindow(ctx, userID, op, "h", now.Truncate(time.Hour), time.Hour, quota.PerHour)
		if err != nil {
			l.logger.WarnContext(ctx, "rate counter unavailable, allowing", "operation", op, "error", err)
			return Decision{Allowed: true, Remaining: -1}, nil
		}
		decision = merge(decision, d)
	}
	if quota.PerDay > 0 {
		d, err := l.checkWindow(ctx, userID, op, "d", now.Truncate(24*time.Hour), 24*time.Hour, quota.PerDay)
		if err != nil {
			l.logger.WarnContext(ctx, "rate counter unavailable, allowing", "operation", op, "error", err)
			return Decision{Allowed: true, Remaining: -1}, nil
		}
		decision = merge(decision, d)
	}
	return decision, nil
}

func (l *Limiter) checkWindow(ctx context.Context, userID string, op Operation, suffix string, windowStart time.Time, window time.Duration, limit int64) (Decision, error) {
	key := fmt.Sprintf("ratelimit:%s:%s:%s%d", userID, op, suffix, windowStart.Unix())
	count, err := l.counter.Increment(ctx, key, window)
	if err != nil {
		return Decision{}, err
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:    count <= limit,
		Remaining:  remaining,
		RetryAfter: windowStart.Add(window).Sub(l.now()),
	}, nil
}

// merge keeps the tighter of two window decisions.
func merge(a, b Decision) Decision {
	out := Decision{Allowed: a.Allowed && b.Allowed}
	out.Remaining = a.Remaining
	if a.Remaining < 0 || (b.Remaining >= 0 && b.Remaining < a.Remaining) {
		out.Remaining = b.Remaining
	}
	out.RetryAfter = a.RetryAfter
	if !b.Allowed && b.RetryAfter > out.RetryAfter {
		out.RetryAfter = b.RetryAfter
	}
	return out
}

// DefaultQuotas mirrors the production limits: 50 AI parses and 20
// transcriptions per hour, 200 and 100 per day.
func DefaultQuotas() map[Operation]Quota {
	return map[Operation]Quota{
		OpAIParse:    {PerHour: 50, PerDay: 200},
		OpTranscribe: {PerHour: 20, PerDay: 100},
	}
}
