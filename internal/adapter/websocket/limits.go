package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	handshakeLimiterIdle = 10 * time.Minute
	handshakeSweepEvery  = 5 * time.Minute
)

// globalLimiter caps concurrent connections on this instance.
type globalLimiter struct {
	current atomic.Int64
	max     int64
}

func (l *globalLimiter) acquire() bool {
	for {
		current := l.current.Load()
		if current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *globalLimiter) release() {
	l.current.Add(-1)
}

// ipLimiter caps concurrent connections per client address.
type ipLimiter struct {
	mu     sync.Mutex
	ips    map[string]int
	maxPer int
}

func (l *ipLimiter) acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ips[ip] >= l.maxPer {
		return false
	}
	l.ips[ip]++
	return true
}

func (l *ipLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := l.ips[ip]; n > 1 {
		l.ips[ip] = n - 1
	} else {
		delete(l.ips, ip)
	}
}

func (l *ipLimiter) count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ips[ip]
}

// handshakeLimiter is a token bucket per client address. Idle buckets are
// swept lazily.
type handshakeLimiter struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	buckets   map[string]*bucket
	rate      rate.Limit
	burst     int
	nextSweep time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func (l *handshakeLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.nextSweep) {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > handshakeLimiterIdle {
				delete(l.buckets, k)
			}
		}
		l.nextSweep = now.Add(handshakeSweepEvery)
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (l *handshakeLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// LimitReason is the metric label for a rejected handshake.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

// Admission combines the instance cap, the per-address cap and the
// per-address handshake rate.
type Admission struct {
	global    *globalLimiter
	perIP     *ipLimiter
	handshake *handshakeLimiter
}

func NewAdmission(maxConnections int64, maxPerIP int, handshakesPerSecond float64, burst int, clock clockwork.Clock) *Admission {
	return &Admission{
		global: &globalLimiter{max: maxConnections},
		perIP:  &ipLimiter{ips: make(map[string]int), maxPer: maxPerIP},
		handshake: &handshakeLimiter{
			clock:     clock,
			buckets:   make(map[string]*bucket),
			rate:      rate.Limit(handshakesPerSecond),
			burst:     burst,
			nextSweep: clock.Now().Add(handshakeSweepEvery),
		},
	}
}

// Acquire reserves a slot for ip. On success the caller must Release.
func (a *Admission) Acquire(ip string) (bool, LimitReason) {
	if !a.handshake.allow(ip) {
		return false, LimitReasonRate
	}
	if !a.global.acquire() {
		return false, LimitReasonGlobal
	}
	if !a.perIP.acquire(ip) {
		a.global.release()
		return false, LimitReasonPerIP
	}
	return true, ""
}

func (a *Admission) Release(ip string) {
	a.perIP.release(ip)
	a.global.release()
}

// Current returns the number of admitted connections.
func (a *Admission) Current() int64 {
	return a.global.current.Load()
}
