package types

import (
	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"
)

const (
	DefaultRateLimit = 1 * humanize.GByte // 1GB/s
	DefaultRateBurst = 4 * humanize.MByte
)

// RateLimiter throttles download throughput in bytes per second.
type RateLimiter struct {
	*rate.Limiter
}

func DefaultRateLimiter() *RateLimiter {
	return NewRateLimiter(DefaultRateLimit, DefaultRateBurst)
}

// NewRateLimiter creates a limiter for the given rate and burst. A zero
// rate disables throttling.
func NewRateLimiter(rateLimit, rateBurst Bytes) *RateLimiter {
	if rateLimit == 0 {
		return &RateLimiter{rate.NewLimiter(rate.Inf, 0)}
	}

	burst := int(rateBurst.Bytes())
	if burst > int(rateLimit/10) && rateLimit > 0 {
		burst = int(rateLimit / 10)
	}
	if burst < 1 {
		burst = 1
	}

	return &RateLimiter{rate.NewLimiter(rate.Limit(rateLimit.Bytes()), burst)}
}
