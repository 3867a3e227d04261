package ws

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/wetrill/tern/internal/ratelimit"
)

// NewSendLimiter returns the gateway send throttler, 120 payloads per
// minute.
func NewSendLimiter() *ratelimit.TimePer {
	return ratelimit.NewTimePer(120, time.Minute)
}

// NewDialLimiter returns the connect throttler, one dial per 5 seconds.
func NewDialLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(5*time.Second), 1)
}
