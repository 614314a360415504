package gossip

import (
	"container/list"
	"sync"
	"time"
)

const (
	defaultSeenCap = 2048
	defaultSeenTTL = 2 * time.Minute
)

// seenCache remembers message ids for ttl, evicting the least recently
// touched id once cap is reached.
type seenCache struct {
	mu      sync.Mutex
	cap     int
	ttl     time.Duration
	entries map[[32]byte]*list.Element
	order   *list.List
}

type seenEntry struct {
	id      [32]byte
	expires time.Time
}

func newSeenCache(capacity int, ttl time.Duration) *seenCache {
	if capacity <= 0 {
		capacity = defaultSeenCap
	}
	if ttl <= 0 {
		ttl = defaultSeenTTL
	}
	return &seenCache{
		cap:     capacity,
		ttl:     ttl,
		entries: make(map[[32]byte]*list.Element),
		order:   list.New(),
	}
}

func (c *seenCache) Seen(id [32]byte, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[id]
	if !ok {
		return false
	}
	ent := el.Value.(*seenEntry)
	if ent.expires.After(now) {
		c.order.MoveToFront(el)
		return true
	}
	delete(c.entries, id)
	c.order.Remove(el)
	return false
}

// Add records id and reports whether it was new.
func (c *seenCache) Add(id [32]byte, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[id]; ok {
		ent := el.Value.(*seenEntry)
		fresh := !ent.expires.After(now)
		ent.expires = now.Add(c.ttl)
		c.order.MoveToFront(el)
		return fresh
	}
	for len(c.entries) >= c.cap {
		back := c.order.Back()
		if back == nil {
			break
		}
		delete(c.entries, back.Value.(*seenEntry).id)
		c.order.Remove(back)
	}
	c.entries[id] = c.order.PushFront(&seenEntry{id: id, expires: now.Add(c.ttl)})
	return true
}

func (c *seenCache) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*seenEntry)
		if ent.expires.After(now) {
			el = prev
			continue
		}
		delete(c.entries, ent.id)
		c.order.Remove(el)
		n++
		el = prev
	}
	return n
}

func (c *seenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
