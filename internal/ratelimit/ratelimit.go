// Package ratelimit enforces per-instance sliding-window budgets
// against the shared counter store. Two axes apply in order, IP then
// session; counters are read-modify-write with no compare-and-swap, so
// concurrent requests can overshoot a budget by a small margin.
package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/embedchat/agent-gateway/internal/domain"
	"github.com/embedchat/agent-gateway/internal/kv"
)

const (
	AxisIP      = "ip"
	AxisSession = "session"

	IPWindow      = time.Hour
	SessionWindow = 10 * time.Minute

	// IPHeader names the proxy header carrying the client address.
	IPHeader = "CF-Connecting-IP"
)

// Key returns the counter key for an axis, instance and principal.
func Key(axis, instanceID, principal string) string {
	return "ratelimit:" + axis + ":" + instanceID + ":" + principal
}

// Result is the outcome of a rate-limit check. On a deny, Axis names
// the budget that rejected the request and the remaining fields feed
// the 429 response headers.
type Result struct {
	Allowed    bool
	Axis       string
	Limit      int
	RetryAfter time.Duration
	Reset      time.Time
}

// Err returns the public error for a denied result, nil otherwise.
func (r Result) Err() *domain.APIError {
	if r.Allowed {
		return nil
	}
	if r.Axis == AxisSession {
		return domain.ErrSessionRateLimited()
	}
	return domain.ErrIPRateLimited()
}

// Limiter applies the per-instance budgets.
type Limiter struct {
	store  kv.Store
	logger *slog.Logger
	now    func() time.Time
}

func New(store kv.Store, logger *slog.Logger) *Limiter {
	return &Limiter{store: store, logger: logger, now: time.Now}
}

// Check admits or rejects a request. clientIP may be empty, in which
// case requests share an "unknown" bucket. The session axis only runs
// when sessionID is non-empty, and an IP deny short-circuits it.
func (l *Limiter) Check(ctx context.Context, cfg *domain.InstanceConfig, clientIP, sessionID string) Result {
	now := l.now()

	principal := clientIP
	if principal == "" {
		principal = "unknown"
	}
	res := l.checkAxis(ctx, AxisIP, cfg.ID, principal, cfg.RateLimit.PerHour, IPWindow, now)
	if !res.Allowed {
		return res
	}

	if sessionID != "" {
		return l.checkAxis(ctx, AxisSession, cfg.ID, sessionID, cfg.RateLimit.PerSession, SessionWindow, now)
	}
	return res
}

func (l *Limiter) checkAxis(ctx context.Context, axis, instanceID, principal string, budget int, window time.Duration, now time.Time) Result {
	key := Key(axis, instanceID, principal)
	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()

	stamps, err := l.read(ctx, key)
	if err != nil {
		// Fail open: an unreachable counter store must not take the
		// chat path down with it.
		l.logger.Warn("rate limit read failed, admitting request",
			slog.String("axis", axis),
			slog.String("instance_id", instanceID),
			slog.String("error", err.Error()))
		return Result{Allowed: true}
	}

	kept := stamps[:0]
	for _, ts := range stamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= budget {
		// Deny without writing; the record keeps its original TTL.
		reset := now.Add(window)
		if len(kept) > 0 {
			reset = time.UnixMilli(kept[0] + window.Milliseconds())
		}
		retry := reset.Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return Result{
			Allowed:    false,
			Axis:       axis,
			Limit:      budget,
			RetryAfter: retry,
			Reset:      reset,
		}
	}

	kept = append(kept, nowMs)
	if err := l.write(ctx, key, kept, window); err != nil {
		l.logger.Warn("rate limit write failed",
			slog.String("axis", axis),
			slog.String("instance_id", instanceID),
			slog.String("error", err.Error()))
	}
	return Result{Allowed: true}
}

func (l *Limiter) read(ctx context.Context, key string) ([]int64, error) {
	raw, err := l.store.Get(ctx, key)
	if err == kv.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec domain.CounterRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		// A corrupt record restarts the window; the next write
		// replaces it wholesale.
		l.logger.Warn("rate limit record is not valid JSON, resetting window")
		return nil, nil
	}
	return rec.Messages, nil
}

func (l *Limiter) write(ctx context.Context, key string, stamps []int64, ttl time.Duration) error {
	raw, err := json.Marshal(domain.CounterRecord{Messages: stamps})
	if err != nil {
		return err
	}
	return l.store.Set(ctx, key, raw, ttl)
}
