package gossip

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"truman/internal/events"
	"truman/internal/peer"
	"truman/internal/proto"
)

func (e *Engine) tick(ctx context.Context) {
	now := e.now()
	e.dialDue(ctx, now)
	e.expireProbes(ctx, now)
	e.probePeers(ctx, now)
	e.prune(now)
	if now.Sub(e.lastPex) >= e.cfg.PexInterval {
		e.lastPex = now
		e.exchangePeers(ctx)
	}
	e.report()
}

func (e *Engine) dialDue(ctx context.Context, now time.Time) {
	for _, c := range e.cands.Due(now, e.cfg.MaxDialsPerTick) {
		if c.ID == e.self.ID || !e.wl.Allowed(c.ID) {
			e.cands.Remove(c.ID)
			continue
		}
		rec, ok := e.reg.Get(c.ID)
		if ok && rec.Status == peer.StatusConnected {
			e.cands.Succeeded(c.ID)
			continue
		}
		if !ok || rec.Status == peer.StatusDisconnected {
			e.reg.Discover(c.ID, c.Addr, now)
		}
		if _, err := e.reg.Transition(c.ID, peer.StatusConnecting, now); err != nil {
			e.log.Warn("dial transition failed", zap.String("peer", c.ID.Short()), zap.Error(err))
			e.cands.Remove(c.ID)
			continue
		}
		e.dial(ctx, c)
	}
}

func (e *Engine) dial(ctx context.Context, c peer.Candidate) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		dctx, cancel := context.WithTimeout(ctx, e.dialTO)
		err := e.tr.Dial(dctx, c.ID, c.Addr)
		cancel()
		e.deliver(inbound{kind: inDialResult, from: c.ID, addr: c.Addr, err: err})
	}()
}

func (e *Engine) sendProbe(ctx context.Context, id peer.ID, host bool, now time.Time) {
	pid := uuid.NewString()
	e.probes[pid] = probe{peer: id, sentAt: now, host: host}
	if !host {
		l := e.live[id]
		if l == nil {
			l = &liveness{}
			e.live[id] = l
		}
		l.inflight = pid
		l.lastProbe = now
	}
	e.sendFrame(ctx, id, &proto.Frame{Type: proto.TypePing, ProbeID: pid, SentUnixMilli: now.UnixMilli()})
}

func (e *Engine) expireProbes(ctx context.Context, now time.Time) {
	for pid, p := range e.probes {
		if now.Sub(p.sentAt) < e.cfg.ProbeTimeout {
			continue
		}
		delete(e.probes, pid)
		if p.host {
			e.emit(events.Ping(p.peer, false, 0, now))
			continue
		}
		l := e.live[p.peer]
		if l == nil || l.inflight != pid {
			continue
		}
		l.inflight = ""
		l.misses++
		e.log.Debug("probe timed out", zap.String("peer", p.peer.Short()), zap.Int("misses", l.misses))
		if l.misses >= e.cfg.ProbeFailures {
			e.dropPeer(p.peer, "liveness probe failed")
		}
	}
}

func (e *Engine) probePeers(ctx context.Context, now time.Time) {
	for _, id := range e.reg.Connected() {
		l := e.live[id]
		if l == nil {
			l = &liveness{lastProbe: now}
			e.live[id] = l
			continue
		}
		if l.inflight != "" || now.Sub(l.lastProbe) < e.cfg.ProbeInterval {
			continue
		}
		e.sendProbe(ctx, id, false, now)
	}
}

// dropPeer gives up on a connected peer locally. The transport does not call
// back for a local disconnect, so the transition happens here.
func (e *Engine) dropPeer(id peer.ID, reason string) {
	e.onDisconnected(id, reason)
	e.disconnectAsync(id)
}

func (e *Engine) disconnectAsync(id peer.ID) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_ = e.tr.Disconnect(id)
	}()
}

func (e *Engine) prune(now time.Time) {
	for _, rec := range e.reg.List() {
		if rec.Status != peer.StatusDisconnected || now.Sub(rec.Since) < e.cfg.PruneGrace {
			continue
		}
		if e.cands.Has(rec.ID) {
			continue
		}
		e.reg.Remove(rec.ID)
		delete(e.observed, rec.ID)
	}
	e.seen.Prune(now)
	e.limiter.Forget(now, e.cfg.SeenTTL)
}

func (e *Engine) exchangePeers(ctx context.Context) {
	connected := e.reg.Connected()
	if len(connected) < 2 {
		return
	}
	to := connected[e.rng.Intn(len(connected))]
	e.sendFrame(ctx, to, &proto.Frame{Type: proto.TypePeerList, Peers: e.peerInfos(to)})
}

func (e *Engine) sendHello(ctx context.Context, to peer.ID) {
	addr := e.advertise
	if addr == "" {
		addr = e.tr.ListenAddr()
	}
	e.sendFrame(ctx, to, &proto.Frame{Type: proto.TypeHello, ListenAddr: addr, Peers: e.peerInfos(to)})
}

func (e *Engine) peerInfos(exclude peer.ID) []proto.PeerInfo {
	var recs []peer.Record
	for _, id := range e.reg.Connected() {
		if id == exclude {
			continue
		}
		if rec, ok := e.reg.Get(id); ok {
			recs = append(recs, rec)
		}
	}
	return proto.PeerInfos(recs)
}

func (e *Engine) report() {
	if e.m == nil {
		return
	}
	counts := e.reg.CountByStatus()
	byStatus := make(map[string]int, 4)
	for _, s := range []peer.Status{peer.StatusDiscovered, peer.StatusConnecting, peer.StatusConnected, peer.StatusDisconnected} {
		byStatus[s.String()] = counts[s]
	}
	e.m.SetPeers(byStatus)
	e.m.SetQueued(e.queue.Len())
}
