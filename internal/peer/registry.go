package peer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrUnknownPeer       = errors.New("unknown peer")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Status int

const (
	StatusDiscovered Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusDiscovered:
		return "discovered"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

type Role int

const (
	RoleNormal Role = iota
	RoleWolf
)

func (r Role) String() string {
	if r == RoleWolf {
		return "wolf"
	}
	return "normal"
}

// Record is handed out by value; the registry never exposes its stored copy.
type Record struct {
	ID       ID
	Addr     string
	Status   Status
	Role     Role
	LastSeen time.Time
	Since    time.Time
}

var transitions = map[Status][]Status{
	StatusDiscovered:   {StatusConnecting, StatusDisconnected},
	StatusConnecting:   {StatusConnected, StatusDisconnected},
	StatusConnected:    {StatusDisconnected},
	StatusDisconnected: {StatusDiscovered},
}

func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

const registryShards = 16

type registryShard struct {
	mu   sync.RWMutex
	recs map[ID]Record
}

type Registry struct {
	shards [registryShards]registryShard
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].recs = make(map[ID]Record)
	}
	return r
}

func (r *Registry) shard(id ID) *registryShard {
	return &r.shards[xxhash.Sum64String(string(id))%registryShards]
}

// Upsert stores rec as a whole, replacing any previous record.
func (r *Registry) Upsert(rec Record) {
	if rec.ID == "" {
		return
	}
	s := r.shard(rec.ID)
	s.mu.Lock()
	s.recs[rec.ID] = rec
	s.mu.Unlock()
}

// Discover registers id as Discovered, or resets a Disconnected record back
// to Discovered. It reports whether the record is now waiting for a dial.
// Records that are already Discovered, Connecting or Connected only get their
// address refreshed.
func (r *Registry) Discover(id ID, addr string, now time.Time) (Record, bool) {
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		rec = Record{ID: id, Addr: addr, Status: StatusDiscovered, LastSeen: now, Since: now}
		s.recs[id] = rec
		return rec, true
	}
	if addr != "" {
		rec.Addr = addr
	}
	reset := rec.Status == StatusDisconnected
	if reset {
		rec.Status = StatusDiscovered
		rec.Since = now
	}
	s.recs[id] = rec
	return rec, reset || rec.Status == StatusDiscovered
}

func (r *Registry) Transition(id ID, to Status, now time.Time) (Record, error) {
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return Record{}, ErrUnknownPeer
	}
	if rec.Status == to {
		return rec, nil
	}
	if !CanTransition(rec.Status, to) {
		return rec, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, to)
	}
	rec.Status = to
	rec.Since = now
	if to == StatusConnected {
		rec.LastSeen = now
	}
	s.recs[id] = rec
	return rec, nil
}

func (r *Registry) Touch(id ID, now time.Time) {
	s := r.shard(id)
	s.mu.Lock()
	if rec, ok := s.recs[id]; ok {
		rec.LastSeen = now
		s.recs[id] = rec
	}
	s.mu.Unlock()
}

func (r *Registry) SetRole(id ID, role Role) (Record, error) {
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return Record{}, ErrUnknownPeer
	}
	rec.Role = role
	s.recs[id] = rec
	return rec, nil
}

func (r *Registry) Get(id ID) (Record, bool) {
	s := r.shard(id)
	s.mu.RLock()
	rec, ok := s.recs[id]
	s.mu.RUnlock()
	return rec, ok
}

func (r *Registry) Remove(id ID) bool {
	s := r.shard(id)
	s.mu.Lock()
	_, ok := s.recs[id]
	delete(s.recs, id)
	s.mu.Unlock()
	return ok
}

func (r *Registry) IsConnected(id ID) bool {
	rec, ok := r.Get(id)
	return ok && rec.Status == StatusConnected
}

// Connected returns the ids of Connected peers in a stable order.
func (r *Registry) Connected() []ID {
	var out []ID
	r.each(func(rec Record) {
		if rec.Status == StatusConnected {
			out = append(out, rec.ID)
		}
	})
	SortIDs(out)
	return out
}

func (r *Registry) List() []Record {
	var out []Record
	r.each(func(rec Record) { out = append(out, rec) })
	return out
}

func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.recs)
		s.mu.RUnlock()
	}
	return n
}

func (r *Registry) CountByStatus() map[Status]int {
	out := make(map[Status]int, 4)
	r.each(func(rec Record) { out[rec.Status]++ })
	return out
}

func (r *Registry) each(fn func(Record)) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, rec := range s.recs {
			fn(rec)
		}
		s.mu.RUnlock()
	}
}
