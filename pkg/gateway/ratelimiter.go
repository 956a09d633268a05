package gateway

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxConcurrent = 8
	limiterIdleTTL       = 10 * time.Minute
)

// ConnLimiter throttles one websocket connection. Requests beyond the rate or
// the concurrency cap wait instead of failing, which applies backpressure to
// the reader.
type ConnLimiter struct {
	rate *rate.Limiter
	sem  chan struct{}
}

// NewConnLimiter creates a limiter allowing rps requests per second with burst
// and at most maxConcurrent in flight. rps <= 0 disables the rate limit.
func NewConnLimiter(rps float64, burst, maxConcurrent int) *ConnLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	l := &ConnLimiter{sem: make(chan struct{}, maxConcurrent)}
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		l.rate = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return l
}

// Acquire waits for a rate token and a concurrency slot
func (l *ConnLimiter) Acquire(ctx context.Context) error {
	if l.rate != nil {
		if err := l.rate.Wait(ctx); err != nil {
			return err
		}
	}
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a concurrency slot taken by Acquire
func (l *ConnLimiter) Release() {
	select {
	case <-l.sem:
	default:
	}
}

// InFlight returns the number of held slots
func (l *ConnLimiter) InFlight() int {
	return len(l.sem)
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPLimiter is a token bucket per client address, used by /rpc
type IPLimiter struct {
	mu      sync.Mutex
	entries map[string]*ipEntry
	rps     rate.Limit
	burst   int
	now     func() time.Time
}

// NewIPLimiter creates a per-address limiter. rps <= 0 allows everything.
func NewIPLimiter(rps float64, burst int) *IPLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &IPLimiter{
		entries: make(map[string]*ipEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow reports whether addr may make a request now
func (l *IPLimiter) Allow(addr string) bool {
	if l.rps <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[addr]
	if !ok {
		e = &ipEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.entries[addr] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Sweep forgets addresses idle for longer than the idle TTL
func (l *IPLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-limiterIdleTTL)
	removed := 0
	for addr, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, addr)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked addresses
func (l *IPLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// clientIP returns the first X-Forwarded-For hop or the remote host
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
