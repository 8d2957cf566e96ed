package busclient

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff computes capped exponential reconnect delays.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Jitter bool

	mu  sync.Mutex
	rnd *rand.Rand
}

// Delay returns the wait before reconnect attempt n (n starts at 1).
func (b *Backoff) Delay(attempt int) time.Duration {
	lo, hi := b.Min, b.Max
	if lo <= 0 {
		lo = time.Second
	}
	if hi < lo {
		hi = lo
	}
	delay := lo
	for i := 1; i < attempt && delay < hi; i++ {
		delay *= 2
	}
	if delay > hi {
		delay = hi
	}
	if b.Jitter {
		delay = b.jitter(delay, lo)
	}
	return delay
}

// jitter spreads d over [d/2, d], never below floor.
func (b *Backoff) jitter(d, floor time.Duration) time.Duration {
	b.mu.Lock()
	if b.rnd == nil {
		b.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	half := int64(d / 2)
	n := half
	if half > 0 {
		n = half + b.rnd.Int63n(half+1)
	}
	b.mu.Unlock()
	if time.Duration(n) < floor {
		return floor
	}
	return time.Duration(n)
}
