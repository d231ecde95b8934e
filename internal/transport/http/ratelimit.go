package http

import (
	"time"

	"golang.org/x/time/rate"
)

// newRateLimiter returns a per-connection token bucket allowing perMinute
// frames with an equal burst. Non-positive limits disable limiting.
func newRateLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}
