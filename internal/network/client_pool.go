package network

import (
	"sync"

	quic "github.com/quic-go/quic-go"

	"truman/internal/peer"
)

type pooledConn struct {
	conn   *quic.Conn
	dialer peer.ID
}

// connTable holds the single live connection per remote peer.
type connTable struct {
	mu    sync.Mutex
	self  peer.ID
	conns map[peer.ID]*pooledConn
}

func newConnTable(self peer.ID) *connTable {
	return &connTable{self: self, conns: make(map[peer.ID]*pooledConn)}
}

func (p *connTable) get(id peer.ID) *quic.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	ent, ok := p.conns[id]
	if !ok || ent.conn.Context().Err() != nil {
		return nil
	}
	return ent.conn
}

// put registers conn for id and reports whether it was kept. When both peers
// dial each other at once, each side keeps the connection dialed by the
// smaller id, so both converge on the same one.
func (p *connTable) put(id peer.ID, conn *quic.Conn, dialer peer.ID) bool {
	if conn.Context().Err() != nil {
		return false
	}
	p.mu.Lock()
	cur, ok := p.conns[id]
	if ok && cur.conn.Context().Err() == nil && cur.dialer != dialer {
		winner := p.self
		if id < winner {
			winner = id
		}
		if cur.dialer == winner {
			p.mu.Unlock()
			_ = conn.CloseWithError(closeNormal, "duplicate")
			return false
		}
	}
	p.conns[id] = &pooledConn{conn: conn, dialer: dialer}
	p.mu.Unlock()
	if ok && cur.conn != conn {
		_ = cur.conn.CloseWithError(closeNormal, "duplicate")
	}
	return true
}

// forget removes conn if it is still the live entry for id and reports
// whether it was.
func (p *connTable) forget(id peer.ID, conn *quic.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ent, ok := p.conns[id]
	if !ok || ent.conn != conn {
		return false
	}
	delete(p.conns, id)
	return true
}

func (p *connTable) drop(id peer.ID, reason string) bool {
	p.mu.Lock()
	ent, ok := p.conns[id]
	delete(p.conns, id)
	p.mu.Unlock()
	if ok {
		_ = ent.conn.CloseWithError(closeNormal, reason)
	}
	return ok
}

func (p *connTable) dropAll(reason string) {
	p.mu.Lock()
	all := p.conns
	p.conns = make(map[peer.ID]*pooledConn)
	p.mu.Unlock()
	for _, ent := range all {
		_ = ent.conn.CloseWithError(closeNormal, reason)
	}
}
