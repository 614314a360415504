package gossip

import (
	"testing"
	"time"
)

func seenID(b byte) [32]byte {
	var id [32]byte
	id[0] = b
	return id
}

func TestSeenCacheTTL(t *testing.T) {
	c := newSeenCache(8, time.Second)
	now := time.Unix(100, 0)
	if !c.Add(seenID(1), now) {
		t.Fatalf("first add must be new")
	}
	if !c.Seen(seenID(1), now.Add(500*time.Millisecond)) {
		t.Fatalf("expected id within ttl to be seen")
	}
	if c.Add(seenID(1), now.Add(500*time.Millisecond)) {
		t.Fatalf("re-add within ttl must not be new")
	}
	if c.Seen(seenID(1), now.Add(3*time.Second)) {
		t.Fatalf("expected id past ttl to be forgotten")
	}
}

func TestSeenCacheEvictsOldest(t *testing.T) {
	c := newSeenCache(2, time.Minute)
	now := time.Unix(100, 0)
	c.Add(seenID(1), now)
	c.Add(seenID(2), now)
	c.Seen(seenID(1), now)
	c.Add(seenID(3), now)
	if c.Len() != 2 {
		t.Fatalf("expected cap of 2, got %d", c.Len())
	}
	if c.Seen(seenID(2), now) {
		t.Fatalf("expected least recently used id to be evicted")
	}
	if !c.Seen(seenID(1), now) || !c.Seen(seenID(3), now) {
		t.Fatalf("expected touched and newest ids to remain")
	}
}

func TestSeenCachePrune(t *testing.T) {
	c := newSeenCache(8, time.Second)
	now := time.Unix(100, 0)
	c.Add(seenID(1), now)
	c.Add(seenID(2), now.Add(2*time.Second))
	if n := c.Prune(now.Add(1500 * time.Millisecond)); n != 1 {
		t.Fatalf("expected one pruned id, got %d", n)
	}
	if c.Len() != 1 {
		t.Fatalf("expected one id left, got %d", c.Len())
	}
}
