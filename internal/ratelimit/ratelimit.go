// Package ratelimit bounds how many new connections per second a
// single client address may open (internal/listener consults it once
// per accepted connection, not per ICAP transaction), protecting the
// pipeline (and the scan engine behind it) from one noisy client
// exhausting shared capacity. Generalizes the teacher's hand-rolled per-client attempt
// window into golang.org/x/time/rate's token-bucket limiter, keeping
// the teacher's map-of-clients-plus-mutex-plus-Cleanup shape.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// entry pairs a client's token bucket with the last time it was used,
// so Cleanup can evict clients that have gone quiet.
type entry struct {
	limiter *rate.Limiter
	lastUse time.Time
}

// Limiter rate-limits per-client-address, each client on its own
// token bucket sized by ratePerSecond/burst.
type Limiter struct {
	mu            sync.Mutex
	clients       map[string]*entry
	ratePerSecond rate.Limit
	burst         int
	idleEvict     time.Duration
}

// New creates a limiter allowing ratePerSecond sustained Allow calls
// per client with bursts up to burst. idleEvict bounds how long a
// quiet client's bucket is retained before Cleanup reclaims it.
func New(ratePerSecond float64, burst int, idleEvict time.Duration) *Limiter {
	if idleEvict <= 0 {
		idleEvict = 10 * time.Minute
	}
	return &Limiter{
		clients:       make(map[string]*entry),
		ratePerSecond: rate.Limit(ratePerSecond),
		burst:         burst,
		idleEvict:     idleEvict,
	}
}

// Allow reports whether clientAddr may proceed now, consuming one
// token from its bucket if so.
func (l *Limiter) Allow(clientAddr string) bool {
	l.mu.Lock()
	e, ok := l.clients[clientAddr]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.ratePerSecond, l.burst)}
		l.clients[clientAddr] = e
	}
	e.lastUse = time.Now()
	l.mu.Unlock()

	return e.limiter.Allow()
}

// Cleanup evicts clients that have not been seen within idleEvict, so
// a long-running server doesn't accumulate one bucket per ephemeral
// client address forever.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for addr, e := range l.clients {
		if now.Sub(e.lastUse) >= l.idleEvict {
			delete(l.clients, addr)
		}
	}
}

// Stats reports the number of currently-tracked clients.
func (l *Limiter) Stats() (totalClients int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
