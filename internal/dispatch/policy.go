package dispatch

import (
	"time"

	"github.com/talkincode/wabridge/internal/retry"
	"golang.org/x/time/rate"
)

// Policy bounds how a session queue sends: retry ceiling, backoff and rate cap.
type Policy struct {
	MaxRetries    int           // transient retries before a message fails
	Backoff       retry.Backoff // wait between retries of the head message
	SendTimeout   time.Duration // per attempt
	RatePerMinute int           // sustained sends per session, 0 disables the cap
	Burst         int
	PausePoll     time.Duration // recheck interval while the session is not ready
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		Backoff:       retry.Backoff{Base: time.Second, Max: 30 * time.Second},
		SendTimeout:   30 * time.Second,
		RatePerMinute: 20,
		Burst:         5,
		PausePoll:     time.Second,
	}
}

func (p Policy) newLimiter() *rate.Limiter {
	if p.RatePerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := p.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(p.RatePerMinute)), burst)
}
