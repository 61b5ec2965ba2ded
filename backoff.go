package chatwidget

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	DefaultReconnectBase   = time.Second
	DefaultReconnectCap    = 30 * time.Second
	DefaultReconnectJitter = 20
)

// Backoff produces capped exponential reconnect delays with jitter. Delays
// never decrease between resets, even with jitter applied.
type Backoff struct {
	Base          time.Duration
	Cap           time.Duration
	JitterPercent int // 0 disables jitter

	next time.Duration
	last time.Duration
}

// Next returns the delay before the next reconnect attempt.
func (b *Backoff) Next() time.Duration {
	base, capd := b.Base, b.Cap
	if base <= 0 {
		base = DefaultReconnectBase
	}
	if capd < base {
		capd = base
	}
	if b.next == 0 {
		b.next = base
	}

	wait := jitteredDelay(b.next, capd, b.JitterPercent)
	if wait < b.last {
		wait = b.last
	}
	b.last = wait

	if b.next*2 < capd {
		b.next *= 2
	} else {
		b.next = capd
	}
	return wait
}

// Reset starts the sequence over. Called after a successful subscription.
func (b *Backoff) Reset() {
	b.next = 0
	b.last = 0
}

func jitteredDelay(base, capd time.Duration, jitterPct int) time.Duration {
	wait := base
	if jitterPct > 0 {
		delta := (rand.Float64()*2 - 1) * float64(jitterPct) / 100.0
		wait = time.Duration(float64(base) * (1 + delta))
		if wait < 0 {
			wait = base
		}
	}
	if wait > capd {
		wait = capd
	}
	return wait
}

// waitFor blocks for d or until ctx is done.
func waitFor(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
