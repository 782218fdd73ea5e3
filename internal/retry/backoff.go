// Package retry holds the backoff arithmetic shared by reconnects and sends.
package retry

import "time"

// Backoff is an exponential delay schedule with a cap.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64 // defaults to 2
}

// Delay returns the wait before retry number attempt (1-based).
// The result never decreases with attempt and never exceeds Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= mult
		if b.Max > 0 && d >= float64(b.Max) {
			return b.Max
		}
	}
	if b.Max > 0 && time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}
