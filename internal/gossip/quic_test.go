package gossip

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"truman/internal/events"
	"truman/internal/network"
	"truman/internal/node"
	"truman/internal/peer"
	"truman/internal/testutil"
)

type quicNode struct {
	id  *node.Identity
	tr  *network.QUICTransport
	eng *Engine
	q   *events.Queue
	evs []events.Event
}

func startQUICNode(t *testing.T, id *node.Identity, whitelist []peer.ID) *quicNode {
	t.Helper()
	log := zaptest.NewLogger(t)
	tr, err := network.NewQUICTransport(id, network.QUICOptions{ListenAddr: "127.0.0.1:0", DialTimeout: 2 * time.Second}, log)
	if err != nil {
		t.Fatalf("transport failed: %v", err)
	}
	n := &quicNode{id: id, tr: tr, q: events.NewQueue(0)}
	eng, err := New(Options{
		Self:        id,
		Transport:   tr,
		Whitelist:   peer.NewWhitelist(whitelist),
		Queue:       n.q,
		Logger:      log,
		Gossip:      testGossipConfig(),
		DialTimeout: 2 * time.Second,
		SendTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	n.eng = eng
	ctx, cancel := context.WithCancel(context.Background())
	if err := tr.Start(ctx, eng.Handler()); err != nil {
		t.Fatalf("transport start failed: %v", err)
	}
	if !eng.Start(ctx) {
		t.Fatalf("engine did not start")
	}
	t.Cleanup(func() {
		eng.Stop()
		_ = tr.Close()
		cancel()
	})
	return n
}

func (n *quicNode) count(typ events.Type, id peer.ID) int {
	n.evs = append(n.evs, n.q.Drain()...)
	c := 0
	for _, ev := range n.evs {
		if ev.Type == typ && ev.Peer == id {
			c++
		}
	}
	return c
}

func TestQUICRefusedDialerNeverJoins(t *testing.T) {
	aID := newIdentity(t)
	// a admits only itself, so c's dials are refused after the handshake
	a := startQUICNode(t, aID, []peer.ID{aID.ID})
	c := startQUICNode(t, newIdentity(t), nil)

	if err := c.eng.AddCandidate(a.id.ID, a.tr.ListenAddr()); err != nil {
		t.Fatalf("add candidate failed: %v", err)
	}
	testutil.Eventually(t, 10*time.Second, "c giving up on a", func() bool {
		return c.count(events.PeerUnreachable, a.id.ID) == 1
	})
	if got := c.count(events.PeerJoined, a.id.ID); got != 0 {
		t.Fatalf("refused peer reported as joined %d times", got)
	}
	if got := c.count(events.PeerLeft, a.id.ID); got != 0 {
		t.Fatalf("refused peer reported as left %d times", got)
	}
	if rec, ok := c.eng.Registry().Get(a.id.ID); ok && rec.Status == peer.StatusConnected {
		t.Fatalf("refused peer must not be connected")
	}
	if got := a.count(events.PeerJoined, c.id.ID); got != 0 {
		t.Fatalf("acceptor reported a refused peer as joined")
	}
}

func TestQUICAdmittedPeersJoin(t *testing.T) {
	a := startQUICNode(t, newIdentity(t), nil)
	b := startQUICNode(t, newIdentity(t), nil)
	if err := b.eng.AddCandidate(a.id.ID, a.tr.ListenAddr()); err != nil {
		t.Fatalf("add candidate failed: %v", err)
	}
	testutil.Eventually(t, 10*time.Second, "both sides joined", func() bool {
		return a.count(events.PeerJoined, b.id.ID) == 1 && b.count(events.PeerJoined, a.id.ID) == 1
	})
}
