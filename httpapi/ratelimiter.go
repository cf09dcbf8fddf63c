package httpapi

import (
	"time"

	"golang.org/x/time/rate"
)

// TokenBucketLimiter enforces a maximum number of events per window by
// refilling a token bucket at limit/window and capping its burst at limit,
// so the first `limit` requests in a cold window succeed immediately and
// the bucket then drains at a steady rate rather than resetting in a block.
type TokenBucketLimiter struct {
	limiter *rate.Limiter
}

// NewTokenBucketLimiter constructs a limiter allowing up to limit events
// per window, refilled continuously rather than in discrete window resets.
func NewTokenBucketLimiter(window time.Duration, limit int) *TokenBucketLimiter {
	if window <= 0 || limit <= 0 {
		return &TokenBucketLimiter{}
	}
	return &TokenBucketLimiter{limiter: rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)}
}

// Allow reports whether the caller may proceed under the current rate limit.
func (l *TokenBucketLimiter) Allow() bool {
	if l == nil || l.limiter == nil {
		return true
	}
	return l.limiter.Allow()
}
