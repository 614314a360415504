package network

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"truman/internal/peer"
)

type ipLimiter struct {
	mu           sync.Mutex
	maxConns     int
	maxStreams   int
	connCounts   map[string]int
	streamCounts map[string]int
}

func newIPLimiter(maxConns, maxStreams int) *ipLimiter {
	return &ipLimiter{
		maxConns:     maxConns,
		maxStreams:   maxStreams,
		connCounts:   make(map[string]int),
		streamCounts: make(map[string]int),
	}
}

func (l *ipLimiter) acquireConn(ip string) bool {
	return l.acquire(l.connCounts, l.maxConns, ip)
}

func (l *ipLimiter) releaseConn(ip string) {
	l.release(l.connCounts, l.maxConns, ip)
}

func (l *ipLimiter) acquireStream(ip string) bool {
	return l.acquire(l.streamCounts, l.maxStreams, ip)
}

func (l *ipLimiter) releaseStream(ip string) {
	l.release(l.streamCounts, l.maxStreams, ip)
}

func (l *ipLimiter) acquire(counts map[string]int, max int, ip string) bool {
	if max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if counts[ip] >= max {
		return false
	}
	counts[ip]++
	return true
}

func (l *ipLimiter) release(counts map[string]int, max int, ip string) {
	if max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if counts[ip] <= 1 {
		delete(counts, ip)
		return
	}
	counts[ip]--
}

// PeerLimiter is a per-peer token bucket for inbound frames.
type PeerLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[peer.ID]*peerBucket
}

type peerBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewPeerLimiter allows perSecond frames per peer with the given burst.
// perSecond <= 0 disables limiting.
func NewPeerLimiter(perSecond float64, burst int) *PeerLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &PeerLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[peer.ID]*peerBucket),
	}
}

func (l *PeerLimiter) Allow(id peer.ID, now time.Time) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets[id]
	if !ok {
		b = &peerBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[id] = b
	}
	b.lastSeen = now
	l.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// Forget drops buckets idle for longer than idle.
func (l *PeerLimiter) Forget(now time.Time, idle time.Duration) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, b := range l.buckets {
		if now.Sub(b.lastSeen) > idle {
			delete(l.buckets, id)
			n++
		}
	}
	return n
}
