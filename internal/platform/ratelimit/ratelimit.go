// Package ratelimit provides token-bucket limiters keyed by an arbitrary string (client IP for login).
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Keyed holds one rate.Limiter per key. Entries idle longer than idleTTL are dropped by Sweep.
type Keyed struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewPerMinute returns a limiter allowing perMinute events per key with an equal burst.
func NewPerMinute(perMinute int) *Keyed {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &Keyed{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   perMinute,
		idleTTL: 10 * time.Minute,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Allow reports whether one more event for key is permitted now.
func (k *Keyed) Allow(key string) bool {
	now := k.now()
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.entries[key] = e
	}
	e.lastSeen = now
	k.mu.Unlock()
	return e.limiter.AllowN(now, 1)
}

// Sweep drops entries idle longer than the idle TTL and returns how many were removed.
func (k *Keyed) Sweep() int {
	cutoff := k.now().Add(-k.idleTTL)
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for key, e := range k.entries {
		if e.lastSeen.Before(cutoff) {
			delete(k.entries, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// StartSweeper runs Sweep every interval until stop is closed.
func (k *Keyed) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				k.Sweep()
			}
		}
	}()
}
