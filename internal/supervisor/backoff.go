package supervisor

import "time"

// Backoff computes restart delays: exponential from Base, capped at Cap.
// Retries are unlimited; a systemic outage keeps retrying at the capped
// interval instead of restart-storming or giving up.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Next returns the delay before restart attempt number `failures`
// (1-based count of consecutive failures).
//
// With Base=2s, Cap=60s: 2s, 4s, 8s, 16s, 32s, 60s, 60s, ...
func (b Backoff) Next(failures int) time.Duration {
	if failures < 1 {
		return b.Base
	}
	// Shifting past 30 bits would overflow long before any realistic cap.
	if failures-1 > 30 {
		return b.Cap
	}
	d := b.Base << uint(failures-1)
	if d > b.Cap || d <= 0 {
		return b.Cap
	}
	return d
}
