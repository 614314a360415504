package peer

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultCandidateCap         = 512
	DefaultCandidateTTL         = 30 * time.Minute
	DefaultCandidateBackoffBase = 500 * time.Millisecond
	DefaultCandidateBackoffMax  = 30 * time.Second
	DefaultCandidateMaxAttempts = 5
)

type CandidateOptions struct {
	Cap         int
	TTL         time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxAttempts int
}

type Candidate struct {
	ID          ID
	Addr        string
	Attempts    int
	NextAttempt time.Time
}

// CandidatePool is the discovery queue: peers waiting for a dial, with
// exponential backoff between failed attempts and a bounded attempt count.
type CandidatePool struct {
	mu          sync.Mutex
	cap         int
	ttl         time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration
	maxAttempts int
	hot         map[ID]*list.Element
	order       *list.List
}

type candidateEntry struct {
	Candidate
	inFlight  bool
	expiresAt time.Time
}

func NewCandidatePool(opts CandidateOptions) *CandidatePool {
	if opts.Cap <= 0 {
		opts.Cap = DefaultCandidateCap
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultCandidateTTL
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultCandidateBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = DefaultCandidateBackoffMax
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultCandidateMaxAttempts
	}
	return &CandidatePool{
		cap:         opts.Cap,
		ttl:         opts.TTL,
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
		maxAttempts: opts.MaxAttempts,
		hot:         make(map[ID]*list.Element),
		order:       list.New(),
	}
}

// Add queues id for an immediate dial. A queued id only gets its address and
// expiry refreshed; its attempt count is kept.
func (c *CandidatePool) Add(id ID, addr string, now time.Time) bool {
	if id == "" || addr == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
	if el, ok := c.hot[id]; ok {
		ent := el.Value.(*candidateEntry)
		ent.Addr = addr
		ent.expiresAt = now.Add(c.ttl)
		c.order.MoveToFront(el)
		return false
	}
	if len(c.hot) >= c.cap {
		c.evictLocked(len(c.hot) - c.cap + 1)
	}
	ent := &candidateEntry{
		Candidate: Candidate{ID: id, Addr: addr, NextAttempt: now},
		expiresAt: now.Add(c.ttl),
	}
	c.hot[id] = c.order.PushFront(ent)
	return true
}

// Due returns up to limit candidates whose backoff has elapsed and marks them
// in flight. Each must be answered with Failed, Succeeded or Remove.
func (c *CandidatePool) Due(now time.Time, limit int) []Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
	var out []Candidate
	for el := c.order.Back(); el != nil; el = el.Prev() {
		if limit > 0 && len(out) >= limit {
			break
		}
		ent := el.Value.(*candidateEntry)
		if ent.inFlight || ent.NextAttempt.After(now) {
			continue
		}
		ent.inFlight = true
		ent.Attempts++
		out = append(out, ent.Candidate)
	}
	return out
}

// Failed schedules the next attempt, or drops the candidate once it has used
// all of its attempts.
func (c *CandidatePool) Failed(id ID, now time.Time) (dropped bool, attempts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.hot[id]
	if !ok {
		return false, 0
	}
	ent := el.Value.(*candidateEntry)
	ent.inFlight = false
	if ent.Attempts >= c.maxAttempts {
		delete(c.hot, id)
		c.order.Remove(el)
		return true, ent.Attempts
	}
	ent.NextAttempt = now.Add(BackoffDuration(c.backoffBase, c.backoffMax, ent.Attempts))
	return false, ent.Attempts
}

func (c *CandidatePool) Succeeded(id ID) {
	c.Remove(id)
}

func (c *CandidatePool) Remove(id ID) {
	c.mu.Lock()
	if el, ok := c.hot[id]; ok {
		delete(c.hot, id)
		c.order.Remove(el)
	}
	c.mu.Unlock()
}

func (c *CandidatePool) Has(id ID) bool {
	c.mu.Lock()
	_, ok := c.hot[id]
	c.mu.Unlock()
	return ok
}

func (c *CandidatePool) Len() int {
	c.mu.Lock()
	n := len(c.hot)
	c.mu.Unlock()
	return n
}

func (c *CandidatePool) List() []Candidate {
	c.mu.Lock()
	out := make([]Candidate, 0, len(c.hot))
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*candidateEntry).Candidate)
	}
	c.mu.Unlock()
	return out
}

// BackoffDuration is base*2^(attempts-1), capped at max.
func BackoffDuration(base, max time.Duration, attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (c *CandidatePool) pruneLocked(now time.Time) {
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*candidateEntry)
		if ent.inFlight || ent.expiresAt.After(now) {
			el = prev
			continue
		}
		delete(c.hot, ent.ID)
		c.order.Remove(el)
		el = prev
	}
}

func (c *CandidatePool) evictLocked(n int) {
	for el := c.order.Back(); el != nil && n > 0; {
		prev := el.Prev()
		ent := el.Value.(*candidateEntry)
		if !ent.inFlight {
			delete(c.hot, ent.ID)
			c.order.Remove(el)
			n--
		}
		el = prev
	}
}
