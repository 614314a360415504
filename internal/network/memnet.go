package network

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"truman/internal/peer"
)

// MemNetwork is an in-process switch for MemTransports. It records every
// frame sent so tests can count deliveries per peer.
type MemNetwork struct {
	mu     sync.Mutex
	byAddr map[string]*MemTransport
	sends  map[peer.ID]map[peer.ID][][]byte
	seq    int
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		byAddr: make(map[string]*MemTransport),
		sends:  make(map[peer.ID]map[peer.ID][][]byte),
	}
}

// NewTransport returns a transport for id. It becomes dialable at its
// address once started.
func (n *MemNetwork) NewTransport(id peer.ID) *MemTransport {
	n.mu.Lock()
	n.seq++
	addr := fmt.Sprintf("mem-%d", n.seq)
	n.mu.Unlock()
	return &MemTransport{
		net:   n,
		id:    id,
		addr:  addr,
		conns: make(map[peer.ID]*MemTransport),
	}
}

func (n *MemNetwork) lookup(addr string) *MemTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.byAddr[addr]
}

func (n *MemNetwork) record(from, to peer.ID, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	m, ok := n.sends[from]
	if !ok {
		m = make(map[peer.ID][][]byte)
		n.sends[from] = m
	}
	m[to] = append(m[to], append([]byte(nil), data...))
}

// Sent returns the frames from sent to to, in send order.
func (n *MemNetwork) Sent(from, to peer.ID) [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	frames := n.sends[from][to]
	out := make([][]byte, len(frames))
	copy(out, frames)
	return out
}

// SentTo counts every frame addressed to to from any sender.
func (n *MemNetwork) SentTo(to peer.ID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, m := range n.sends {
		total += len(m[to])
	}
	return total
}

type MemTransport struct {
	net  *MemNetwork
	id   peer.ID
	addr string

	mu      sync.Mutex
	h       Handler
	started bool
	closed  bool
	conns   map[peer.ID]*MemTransport
	dropTo  map[peer.ID]bool
}

func (t *MemTransport) ID() peer.ID { return t.id }

func (t *MemTransport) Start(_ context.Context, h Handler) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.started {
		t.mu.Unlock()
		return errors.New("transport already started")
	}
	t.h = h
	t.started = true
	t.mu.Unlock()

	t.net.mu.Lock()
	t.net.byAddr[t.addr] = t
	t.net.mu.Unlock()
	return nil
}

func (t *MemTransport) ListenAddr() string {
	return t.addr
}

func (t *MemTransport) handler() Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.h
}

func (t *MemTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *MemTransport) Dial(ctx context.Context, id peer.ID, addr string) error {
	if t.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.Connected(id) {
		return nil
	}
	remote := t.net.lookup(addr)
	if remote == nil || remote.isClosed() {
		return fmt.Errorf("dial %s: connection refused", addr)
	}
	if remote.id != id {
		return ErrIdentityMismatch
	}
	rh := remote.handler()
	if !rh.admit(t.id) {
		return ErrRejected
	}
	t.link(remote)
	remote.link(t)
	rh.connected(t.id, t.addr)
	return nil
}

func (t *MemTransport) link(remote *MemTransport) {
	t.mu.Lock()
	t.conns[remote.id] = remote
	t.mu.Unlock()
}

func (t *MemTransport) unlink(id peer.ID) bool {
	t.mu.Lock()
	_, ok := t.conns[id]
	delete(t.conns, id)
	t.mu.Unlock()
	return ok
}

func (t *MemTransport) remote(id peer.ID) *MemTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[id]
}

// DropFramesTo makes sends to id succeed without delivery, which looks like a
// silent peer from the sender's side.
func (t *MemTransport) DropFramesTo(id peer.ID, drop bool) {
	t.mu.Lock()
	if t.dropTo == nil {
		t.dropTo = make(map[peer.ID]bool)
	}
	t.dropTo[id] = drop
	t.mu.Unlock()
}

func (t *MemTransport) Send(ctx context.Context, to peer.ID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	remote := t.remote(to)
	if remote == nil {
		return ErrNotConnected
	}
	t.net.record(t.id, to, data)
	t.mu.Lock()
	drop := t.dropTo[to]
	t.mu.Unlock()
	if drop {
		return nil
	}
	remote.handler().frame(t.id, append([]byte(nil), data...))
	return nil
}

func (t *MemTransport) Connected(id peer.ID) bool {
	return t.remote(id) != nil
}

func (t *MemTransport) Disconnect(id peer.ID) error {
	remote := t.remote(id)
	if remote == nil || !t.unlink(id) {
		return ErrNotConnected
	}
	if remote.unlink(t.id) {
		remote.handler().disconnected(t.id)
	}
	return nil
}

// Sever cuts the link to id as a network failure would: both sides get a
// Disconnected callback.
func (t *MemTransport) Sever(id peer.ID) {
	remote := t.remote(id)
	if remote == nil {
		return
	}
	if t.unlink(id) {
		t.handler().disconnected(id)
	}
	if remote.unlink(t.id) {
		remote.handler().disconnected(t.id)
	}
}

func (t *MemTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := make([]*MemTransport, 0, len(t.conns))
	for _, r := range t.conns {
		peers = append(peers, r)
	}
	t.conns = make(map[peer.ID]*MemTransport)
	t.mu.Unlock()

	t.net.mu.Lock()
	if t.net.byAddr[t.addr] == t {
		delete(t.net.byAddr, t.addr)
	}
	t.net.mu.Unlock()

	for _, r := range peers {
		if r.unlink(t.id) {
			r.handler().disconnected(t.id)
		}
	}
	return nil
}
