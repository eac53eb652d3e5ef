// Package ratelimit enforces a fixed per-source quota: at most Points
// actions per Window for each key. Counters live either in process memory
// or in Redis so that several processes can share one budget.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited matches every *RateLimitError via errors.Is.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitError reports an exhausted quota for Key.
type RateLimitError struct {
	Key        string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (%d per window), retry in %s", e.Key, e.Limit, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// Limiter consumes one action from the quota of key. It returns nil when the
// action is allowed, a *RateLimitError when the quota is exhausted, and any
// other error when the backing store could not be reached.
type Limiter interface {
	Consume(ctx context.Context, key string) error
}

// Quota is the allowance shared by every key of a limiter.
type Quota struct {
	Points int
	Window time.Duration
}

func (q Quota) sanitize() Quota {
	if q.Points <= 0 {
		q.Points = 1
	}
	if q.Window <= 0 {
		q.Window = time.Second
	}
	return q
}

// Prefixed scopes every key of l under prefix, so one store can hold
// independent budgets (handshakes and messages, for instance).
func Prefixed(l Limiter, prefix string) Limiter {
	return prefixed{inner: l, prefix: prefix}
}

type prefixed struct {
	inner  Limiter
	prefix string
}

func (p prefixed) Consume(ctx context.Context, key string) error {
	return p.inner.Consume(ctx, p.prefix+":"+key)
}
