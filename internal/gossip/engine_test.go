package gossip

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"truman/internal/config"
	"truman/internal/events"
	"truman/internal/network"
	"truman/internal/node"
	"truman/internal/peer"
	"truman/internal/proto"
	"truman/internal/testutil"
)

const settle = 300 * time.Millisecond

type testNode struct {
	id  *node.Identity
	tr  *network.MemTransport
	eng *Engine
	q   *events.Queue

	mu  sync.Mutex
	evs []events.Event
}

func testGossipConfig() config.GossipConfig {
	g := config.Default().Gossip
	g.TickInterval = 10 * time.Millisecond
	g.ProbeInterval = time.Minute
	g.ProbeTimeout = 5 * time.Second
	g.PexInterval = time.Minute
	g.BackoffBase = 10 * time.Millisecond
	g.BackoffMax = 40 * time.Millisecond
	g.DialMaxAttempts = 2
	g.InboundRate = 0
	return g
}

func newIdentity(t *testing.T) *node.Identity {
	t.Helper()
	id, err := node.NewIdentity("")
	if err != nil {
		t.Fatalf("identity failed: %v", err)
	}
	return id
}

func startNode(t *testing.T, net *network.MemNetwork, id *node.Identity, whitelist []peer.ID, tweak func(*config.GossipConfig)) *testNode {
	t.Helper()
	g := testGossipConfig()
	if tweak != nil {
		tweak(&g)
	}
	n := &testNode{id: id, tr: net.NewTransport(id.ID), q: events.NewQueue(0)}
	eng, err := New(Options{
		Self:        id,
		Transport:   n.tr,
		Whitelist:   peer.NewWhitelist(whitelist),
		Queue:       n.q,
		Logger:      zaptest.NewLogger(t),
		Gossip:      g,
		DialTimeout: time.Second,
		SendTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	n.eng = eng
	ctx, cancel := context.WithCancel(context.Background())
	if err := n.tr.Start(ctx, eng.Handler()); err != nil {
		t.Fatalf("transport start failed: %v", err)
	}
	if !eng.Start(ctx) {
		t.Fatalf("engine did not start")
	}
	t.Cleanup(func() {
		eng.Stop()
		_ = n.tr.Close()
		cancel()
	})
	return n
}

func newNode(t *testing.T, net *network.MemNetwork, whitelist []peer.ID) *testNode {
	t.Helper()
	return startNode(t, net, newIdentity(t), whitelist, nil)
}

func (n *testNode) collect() []events.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evs = append(n.evs, n.q.Drain()...)
	out := make([]events.Event, len(n.evs))
	copy(out, n.evs)
	return out
}

func (n *testNode) count(typ events.Type, id peer.ID) int {
	c := 0
	for _, ev := range n.collect() {
		if ev.Type == typ && ev.Peer == id {
			c++
		}
	}
	return c
}

func (n *testNode) dial(t *testing.T, other *testNode) {
	t.Helper()
	if err := n.eng.AddCandidate(other.id.ID, other.tr.ListenAddr()); err != nil {
		t.Fatalf("add candidate failed: %v", err)
	}
}

func connect(t *testing.T, a, b *testNode) {
	t.Helper()
	a.dial(t, b)
	testutil.Eventually(t, 0, "both sides connected", func() bool {
		return a.eng.Registry().IsConnected(b.id.ID) && b.eng.Registry().IsConnected(a.id.ID)
	})
}

func countFrames(net *network.MemNetwork, from, to peer.ID, typ string) int {
	n := 0
	for _, raw := range net.Sent(from, to) {
		f, err := proto.DecodeGossipFrame(raw)
		if err == nil && f.Type == typ {
			n++
		}
	}
	return n
}

func TestWhitelistGatesAdmission(t *testing.T) {
	net := network.NewMemNetwork()
	aID, bID := newIdentity(t), newIdentity(t)
	a := startNode(t, net, aID, []peer.ID{aID.ID, bID.ID}, nil)
	b := startNode(t, net, bID, nil, nil)
	c := newNode(t, net, nil)

	connect(t, b, a)
	c.dial(t, a)

	testutil.Eventually(t, 0, "c to give up on a", func() bool {
		return c.count(events.PeerUnreachable, a.id.ID) == 1
	})
	if got := a.count(events.PeerJoined, b.id.ID); got != 1 {
		t.Fatalf("expected b to join a once, got %d", got)
	}
	testutil.Never(t, settle, "non-whitelisted peer joining", func() bool {
		return a.count(events.PeerJoined, c.id.ID) > 0 || a.eng.Registry().IsConnected(c.id.ID)
	})
	rec, ok := c.eng.Registry().Get(a.id.ID)
	if !ok || rec.Status != peer.StatusDisconnected {
		t.Fatalf("expected unreachable record to be disconnected, got %+v %v", rec, ok)
	}
}

func TestOpenAdmissionJoinsOnce(t *testing.T) {
	net := network.NewMemNetwork()
	a := newNode(t, net, nil)
	d := newNode(t, net, nil)
	connect(t, d, a)
	testutil.Never(t, settle, "duplicate join", func() bool {
		return a.count(events.PeerJoined, d.id.ID) > 1 || d.count(events.PeerJoined, a.id.ID) > 1
	})
	if a.count(events.PeerJoined, d.id.ID) != 1 || d.count(events.PeerJoined, a.id.ID) != 1 {
		t.Fatalf("expected exactly one join on each side")
	}
}

func TestBroadcastReachesEachPeerOnce(t *testing.T) {
	net := network.NewMemNetwork()
	hub := newNode(t, net, nil)
	var spokes []*testNode
	for i := 0; i < 4; i++ {
		// spokes only admit the hub so the topology stays a star
		sid := newIdentity(t)
		s := startNode(t, net, sid, []peer.ID{hub.id.ID}, nil)
		connect(t, s, hub)
		spokes = append(spokes, s)
	}
	if err := hub.eng.Broadcast([]byte("chat"), []byte("hello"), nil); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	for _, s := range spokes {
		s := s
		testutil.Eventually(t, 0, "spoke receiving message", func() bool {
			return s.count(events.MessageReceived, hub.id.ID) == 1
		})
	}
	testutil.Never(t, settle, "extra message sends", func() bool {
		for _, s := range spokes {
			if countFrames(net, hub.id.ID, s.id.ID, proto.TypeMessage) != 1 {
				return true
			}
		}
		return false
	})
	for _, s := range spokes {
		for _, ev := range s.collect() {
			if ev.Type == events.MessageReceived && (string(ev.Tag) != "chat" || string(ev.Payload) != "hello") {
				t.Fatalf("unexpected message %q/%q", ev.Tag, ev.Payload)
			}
		}
	}
}

func TestBroadcastErrors(t *testing.T) {
	net := network.NewMemNetwork()
	a := newNode(t, net, nil)
	if err := a.eng.Broadcast(nil, []byte("x"), nil); !errors.Is(err, ErrNoConnectedPeers) {
		t.Fatalf("expected ErrNoConnectedPeers, got %v", err)
	}
	stranger := newIdentity(t).ID
	if err := a.eng.Broadcast(nil, []byte("x"), &stranger); !errors.Is(err, peer.ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
	a.eng.Registry().Upsert(peer.Record{ID: stranger, Status: peer.StatusDiscovered})
	if err := a.eng.Broadcast(nil, []byte("x"), &stranger); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := a.eng.Ping(stranger); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected from ping, got %v", err)
	}
}

func TestDuplicateDeliveriesCollapse(t *testing.T) {
	net := network.NewMemNetwork()
	a, b, c := newNode(t, net, nil), newNode(t, net, nil), newNode(t, net, nil)
	connect(t, b, a)
	connect(t, c, a)
	connect(t, c, b)

	for i := 0; i < 2; i++ {
		if err := a.eng.Broadcast([]byte("t"), []byte("same"), nil); err != nil {
			t.Fatalf("broadcast failed: %v", err)
		}
	}
	for _, n := range []*testNode{b, c} {
		n := n
		testutil.Eventually(t, 0, "both broadcasts delivered", func() bool {
			return n.count(events.MessageReceived, a.id.ID) == 2
		})
	}
	testutil.Never(t, settle, "relayed duplicate delivered", func() bool {
		return b.count(events.MessageReceived, a.id.ID) > 2 || c.count(events.MessageReceived, a.id.ID) > 2
	})
	if a.count(events.MessageReceived, a.id.ID) != 0 {
		t.Fatalf("origin must not receive its own message")
	}
}

func TestRelayCarriesOrigin(t *testing.T) {
	net := network.NewMemNetwork()
	aID, bID, cID := newIdentity(t), newIdentity(t), newIdentity(t)
	a := startNode(t, net, aID, nil, nil)
	b := startNode(t, net, bID, nil, nil)
	c := startNode(t, net, cID, []peer.ID{bID.ID}, nil)
	connect(t, a, b)
	connect(t, c, b)

	if err := a.eng.Broadcast([]byte("relay"), []byte("over b"), nil); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	testutil.Eventually(t, 0, "c receiving relayed message", func() bool {
		return c.count(events.MessageReceived, a.id.ID) == 1
	})
	if a.eng.Registry().IsConnected(c.id.ID) {
		t.Fatalf("c must not have admitted a")
	}
}

func TestDirectMessageOnlyReachesTarget(t *testing.T) {
	net := network.NewMemNetwork()
	a, b, c := newNode(t, net, nil), newNode(t, net, nil), newNode(t, net, nil)
	connect(t, b, a)
	connect(t, c, a)
	target := c.id.ID
	if err := a.eng.Broadcast([]byte("dm"), []byte("psst"), &target); err != nil {
		t.Fatalf("direct message failed: %v", err)
	}
	testutil.Eventually(t, 0, "target receiving message", func() bool {
		return c.count(events.MessageReceived, a.id.ID) == 1
	})
	testutil.Never(t, settle, "non-target receiving message", func() bool {
		return b.count(events.MessageReceived, a.id.ID) > 0
	})
}

func TestPingReportsLatency(t *testing.T) {
	net := network.NewMemNetwork()
	a, b := newNode(t, net, nil), newNode(t, net, nil)
	connect(t, a, b)
	if err := a.eng.Ping(newIdentity(t).ID); !errors.Is(err, peer.ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
	if err := a.eng.Ping(b.id.ID); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	testutil.Eventually(t, 0, "ping result", func() bool {
		for _, ev := range a.collect() {
			if ev.Type == events.PingResult && ev.Peer == b.id.ID {
				return ev.Success && ev.Latency >= 0
			}
		}
		return false
	})
}

func TestSilentPeerIsDropped(t *testing.T) {
	net := network.NewMemNetwork()
	a := startNode(t, net, newIdentity(t), nil, func(g *config.GossipConfig) {
		g.ProbeInterval = 30 * time.Millisecond
		g.ProbeTimeout = 20 * time.Millisecond
		g.ProbeFailures = 2
	})
	b := newNode(t, net, nil)
	connect(t, a, b)
	b.tr.DropFramesTo(a.id.ID, true)

	testutil.Eventually(t, 0, "silent peer dropped", func() bool {
		return a.count(events.PeerLeft, b.id.ID) == 1
	})
	if a.eng.Registry().IsConnected(b.id.ID) {
		t.Fatalf("expected b to be disconnected")
	}
}

func TestSeveredPeerLeaves(t *testing.T) {
	net := network.NewMemNetwork()
	a, b := newNode(t, net, nil), newNode(t, net, nil)
	connect(t, a, b)
	if err := b.eng.Ping(a.id.ID); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	a.tr.Sever(b.id.ID)
	testutil.Eventually(t, 0, "both sides see the peer leave", func() bool {
		return a.count(events.PeerLeft, b.id.ID) == 1 && b.count(events.PeerLeft, a.id.ID) == 1
	})
	if len(a.eng.Peers()) != 0 {
		t.Fatalf("expected no connected peers, got %v", a.eng.Peers())
	}
}

func TestPeerListDiscovery(t *testing.T) {
	net := network.NewMemNetwork()
	a := startNode(t, net, newIdentity(t), nil, func(g *config.GossipConfig) {
		g.PexInterval = 50 * time.Millisecond
	})
	b := newNode(t, net, nil)
	c := newNode(t, net, nil)
	connect(t, b, a)
	connect(t, c, a)
	testutil.Eventually(t, 0, "b and c finding each other through a", func() bool {
		return b.eng.Registry().IsConnected(c.id.ID) && c.eng.Registry().IsConnected(b.id.ID)
	})
}

func TestPeerListRespectsWhitelist(t *testing.T) {
	net := network.NewMemNetwork()
	aID, bID, cID := newIdentity(t), newIdentity(t), newIdentity(t)
	a := startNode(t, net, aID, nil, nil)
	b := startNode(t, net, bID, []peer.ID{aID.ID, bID.ID}, nil)
	c := startNode(t, net, cID, nil, nil)
	connect(t, c, a)
	connect(t, b, a)
	testutil.Never(t, settle, "b learning about c", func() bool {
		_, ok := b.eng.Registry().Get(c.id.ID)
		return ok
	})
}

func TestPromoteIsIdempotent(t *testing.T) {
	net := network.NewMemNetwork()
	a, b := newNode(t, net, nil), newNode(t, net, nil)
	connect(t, a, b)
	if err := a.eng.Promote(newIdentity(t).ID); !errors.Is(err, peer.ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := a.eng.Promote(b.id.ID); err != nil {
			t.Fatalf("promote failed: %v", err)
		}
	}
	if got := a.count(events.WolfPromoted, b.id.ID); got != 1 {
		t.Fatalf("expected one promotion event, got %d", got)
	}
	rec, _ := a.eng.Registry().Get(b.id.ID)
	if rec.Role != peer.RoleWolf {
		t.Fatalf("expected wolf role, got %s", rec.Role)
	}
	testutil.Eventually(t, 0, "announcement sent", func() bool {
		return countFrames(net, a.id.ID, b.id.ID, proto.TypeNewWolf) == 1
	})
}

func TestWolfAnnouncementFromWhitelistedOrigin(t *testing.T) {
	net := network.NewMemNetwork()
	aID, bID, cID := newIdentity(t), newIdentity(t), newIdentity(t)
	all := []peer.ID{aID.ID, bID.ID, cID.ID}
	a := startNode(t, net, aID, all, nil)
	b := startNode(t, net, bID, all, nil)
	c := startNode(t, net, cID, all, nil)
	connect(t, b, a)
	connect(t, c, a)
	connect(t, c, b)

	if err := a.eng.Promote(c.id.ID); err != nil {
		t.Fatalf("promote failed: %v", err)
	}
	testutil.Eventually(t, 0, "b learning the new wolf", func() bool {
		return b.count(events.WolfPromoted, c.id.ID) == 1
	})
	if !b.eng.roles.IsWolf(c.id.ID) {
		t.Fatalf("expected c to be a wolf on b")
	}
}

func TestUnauthorizedWolfAnnouncementIgnored(t *testing.T) {
	net := network.NewMemNetwork()
	a, b, c := newNode(t, net, nil), newNode(t, net, nil), newNode(t, net, nil)
	connect(t, b, a)
	connect(t, c, a)
	connect(t, c, b)

	if err := a.eng.Promote(c.id.ID); err != nil {
		t.Fatalf("promote failed: %v", err)
	}
	testutil.Eventually(t, 0, "announcement delivered", func() bool {
		return countFrames(net, a.id.ID, b.id.ID, proto.TypeNewWolf) == 1
	})
	testutil.Never(t, settle, "unauthorized promotion applied", func() bool {
		return b.count(events.WolfPromoted, c.id.ID) > 0 || b.eng.roles.IsWolf(c.id.ID)
	})
}

func TestForgedMessageDropped(t *testing.T) {
	net := network.NewMemNetwork()
	a, b := newNode(t, net, nil), newNode(t, net, nil)
	connect(t, a, b)
	f, err := proto.NewMessage(a.id.ID, a.id.PubKey, a.id, []byte("t"), []byte("real"), 4, 1)
	if err != nil {
		t.Fatalf("new message failed: %v", err)
	}
	f.Payload = []byte("forged")
	data, err := proto.EncodeGossipFrame(f)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := a.tr.Send(context.Background(), b.id.ID, data); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	testutil.Never(t, settle, "forged message delivered", func() bool {
		return b.count(events.MessageReceived, a.id.ID) > 0
	})
}

func TestStoppedEngineRejectsCommands(t *testing.T) {
	net := network.NewMemNetwork()
	a, b := newNode(t, net, nil), newNode(t, net, nil)
	connect(t, a, b)
	a.eng.Stop()
	a.eng.Stop()
	if a.eng.Running() {
		t.Fatalf("engine still running after stop")
	}
	if err := a.eng.Ping(b.id.ID); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if a.eng.Start(context.Background()) {
		t.Fatalf("stopped engine must not restart")
	}
}

func TestResolveAdvertised(t *testing.T) {
	cases := []struct {
		adv, observed, want string
	}{
		{"0.0.0.0:7000", "10.0.0.5:51234", "10.0.0.5:7000"},
		{"[::]:7000", "10.0.0.5:51234", "10.0.0.5:7000"},
		{":7000", "10.0.0.5:51234", "10.0.0.5:7000"},
		{"192.168.1.2:7000", "10.0.0.5:51234", "192.168.1.2:7000"},
		{"node.example:7000", "10.0.0.5:51234", "node.example:7000"},
		{"0.0.0.0:7000", "", "0.0.0.0:7000"},
		{"mem-3", "mem-4", "mem-3"},
	}
	for _, tc := range cases {
		if got := resolveAdvertised(tc.adv, tc.observed); got != tc.want {
			t.Fatalf("resolveAdvertised(%q, %q) = %q, want %q", tc.adv, tc.observed, got, tc.want)
		}
	}
}
