package gossip

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"truman/internal/events"
	"truman/internal/network"
	"truman/internal/peer"
	"truman/internal/proto"
)

func (e *Engine) handleInbound(ctx context.Context, in inbound) {
	switch in.kind {
	case inConnected:
		e.onConnected(ctx, in.from, in.addr)
	case inDisconnected:
		e.onDisconnected(in.from, "transport closed")
	case inFrame:
		e.onFrame(ctx, in.from, in.data)
	case inDialResult:
		e.onDialResult(ctx, in.from, in.addr, in.err)
	case inSendFailed:
		e.onSendFailed(in.from, in.err)
	}
}

func (e *Engine) onConnected(ctx context.Context, id peer.ID, remoteAddr string) {
	now := e.now()
	if id == e.self.ID || !e.wl.Allowed(id) {
		e.disconnectAsync(id)
		return
	}
	if remoteAddr != "" {
		e.observed[id] = remoteAddr
	}
	rec, known := e.reg.Get(id)
	if known && rec.Status == peer.StatusConnected {
		e.reg.Touch(id, now)
		return
	}
	if !known || rec.Status == peer.StatusDisconnected {
		e.reg.Discover(id, rec.Addr, now)
	}
	if _, err := e.reg.Transition(id, peer.StatusConnecting, now); err != nil {
		e.log.Warn("connect transition failed", zap.String("peer", id.Short()), zap.Error(err))
		return
	}
	if _, err := e.reg.Transition(id, peer.StatusConnected, now); err != nil {
		e.log.Warn("connect transition failed", zap.String("peer", id.Short()), zap.Error(err))
		return
	}
	e.cands.Succeeded(id)
	e.live[id] = &liveness{lastProbe: now}
	e.log.Info("peer joined", zap.String("peer", id.Short()))
	e.emit(events.Joined(id, now))
	if e.roles.Sync(id) {
		e.emit(events.Promoted(id, now))
	}
	e.sendHello(ctx, id)
}

func (e *Engine) onDisconnected(id peer.ID, reason string) {
	rec, ok := e.reg.Get(id)
	if !ok {
		return
	}
	if rec.Status != peer.StatusConnected && rec.Status != peer.StatusConnecting {
		return
	}
	now := e.now()
	if _, err := e.reg.Transition(id, peer.StatusDisconnected, now); err != nil {
		e.log.Warn("disconnect transition failed", zap.String("peer", id.Short()), zap.Error(err))
		return
	}
	delete(e.live, id)
	e.failProbes(id, now)
	if rec.Status == peer.StatusConnected {
		e.log.Info("peer left", zap.String("peer", id.Short()), zap.String("reason", reason))
		e.emit(events.Left(id, now))
	}
}

func (e *Engine) onDialResult(ctx context.Context, id peer.ID, addr string, err error) {
	now := e.now()
	if err == nil && e.tr.Connected(id) {
		e.m.IncDial("ok")
		e.onConnected(ctx, id, addr)
		return
	}
	if err == nil {
		err = network.ErrNotConnected
	}
	rec, ok := e.reg.Get(id)
	if ok && rec.Status == peer.StatusConnected {
		// an inbound channel won the race
		e.cands.Remove(id)
		return
	}
	e.m.IncDial("error")
	dropped, attempts := e.cands.Failed(id, now)
	if ok && rec.Status == peer.StatusConnecting {
		if _, terr := e.reg.Transition(id, peer.StatusDisconnected, now); terr != nil {
			e.log.Warn("dial failure transition", zap.String("peer", id.Short()), zap.Error(terr))
		}
	}
	if errors.Is(err, network.ErrRejected) || errors.Is(err, network.ErrIdentityMismatch) {
		e.log.Info("dial refused", zap.String("peer", id.Short()), zap.String("addr", addr), zap.Error(err))
	} else {
		e.log.Debug("dial failed", zap.String("peer", id.Short()), zap.String("addr", addr), zap.Int("attempt", attempts), zap.Error(err))
	}
	if dropped {
		e.log.Warn("peer unreachable", zap.String("peer", id.Short()), zap.String("addr", addr), zap.Int("attempts", attempts))
		e.emit(events.Unreachable(id, now))
	}
}

func (e *Engine) onSendFailed(id peer.ID, err error) {
	if errors.Is(err, network.ErrNotConnected) && !e.tr.Connected(id) {
		e.onDisconnected(id, "channel lost")
		return
	}
	e.log.Debug("send failed", zap.String("peer", id.Short()), zap.Error(err))
}

func (e *Engine) onFrame(ctx context.Context, from peer.ID, data []byte) {
	now := e.now()
	if !e.limiter.Allow(from, now) {
		e.m.IncDrop("rate_limited")
		return
	}
	f, err := proto.DecodeGossipFrame(data)
	if err != nil {
		e.m.IncDrop("malformed")
		if e.logLimit.Allow("malformed:"+string(from), now) {
			e.log.Warn("malformed frame", zap.String("peer", from.Short()), zap.Error(err))
		}
		return
	}
	if !e.reg.IsConnected(from) {
		if !e.tr.Connected(from) {
			e.m.IncDrop("not_connected")
			return
		}
		// the remote's hello can overtake our own dial result
		e.onConnected(ctx, from, "")
		if !e.reg.IsConnected(from) {
			return
		}
	}
	e.reg.Touch(from, now)
	if l := e.live[from]; l != nil {
		l.misses = 0
	}
	e.m.IncFrameReceived(f.Type)

	switch f.Type {
	case proto.TypeHello:
		if f.ListenAddr != "" {
			e.reg.Discover(from, resolveAdvertised(f.ListenAddr, e.observed[from]), now)
		}
		e.learnPeers(from, f.Peers, now)
	case proto.TypePeerList:
		e.learnPeers(from, f.Peers, now)
	case proto.TypePing:
		e.sendFrame(ctx, from, &proto.Frame{Type: proto.TypePong, ProbeID: f.ProbeID, SentUnixMilli: f.SentUnixMilli})
	case proto.TypePong:
		e.onPong(from, f, now)
	case proto.TypeMessage:
		e.onMessage(ctx, from, f, now)
	case proto.TypeNewWolf:
		e.onNewWolf(ctx, from, f, now)
	}
}

func (e *Engine) onPong(from peer.ID, f *proto.Frame, now time.Time) {
	p, ok := e.probes[f.ProbeID]
	if !ok || p.peer != from {
		e.m.IncDrop("stale_pong")
		return
	}
	delete(e.probes, f.ProbeID)
	if l := e.live[from]; l != nil && l.inflight == f.ProbeID {
		l.inflight = ""
	}
	rtt := now.Sub(p.sentAt)
	e.m.ObservePing(rtt)
	if p.host {
		e.emit(events.Ping(from, true, rtt, now))
	}
}

// accept verifies origin and dedups a gossiped frame. It returns the origin
// when the frame is new.
func (e *Engine) accept(from peer.ID, f *proto.Frame, now time.Time) (peer.ID, bool) {
	origin, err := f.VerifyOrigin()
	if err != nil {
		e.m.IncDrop("bad_origin")
		if e.logLimit.Allow("bad_origin:"+string(from), now) {
			e.log.Warn("dropping frame with bad origin", zap.String("from", from.Short()), zap.String("type", f.Type), zap.Error(err))
		}
		return "", false
	}
	if origin == e.self.ID {
		e.m.IncDrop("own")
		return "", false
	}
	if !e.seen.Add(f.MessageID(), now) {
		e.m.IncDrop("duplicate")
		return "", false
	}
	return origin, true
}

func (e *Engine) onMessage(ctx context.Context, from peer.ID, f *proto.Frame, now time.Time) {
	origin, ok := e.accept(from, f, now)
	if !ok {
		return
	}
	if len(f.Target) > 0 {
		target, err := peer.IDFromBytes(f.Target)
		if err != nil || target != e.self.ID {
			e.m.IncDrop("not_target")
			return
		}
		e.emit(events.Message(origin, f.Tag, f.Payload, now))
		return
	}
	e.emit(events.Message(origin, f.Tag, f.Payload, now))
	e.relay(ctx, f, from, origin)
}

func (e *Engine) onNewWolf(ctx context.Context, from peer.ID, f *proto.Frame, now time.Time) {
	origin, ok := e.accept(from, f, now)
	if !ok {
		return
	}
	wolf, err := peer.IDFromBytes(f.Target)
	if err != nil {
		e.m.IncDrop("malformed")
		return
	}
	if !e.roles.IsWolf(origin) && !e.wl.Contains(origin) {
		e.m.IncDrop("unauthorized")
		e.log.Warn("ignoring unauthorized wolf announcement",
			zap.String("origin", origin.Short()), zap.String("wolf", wolf.Short()))
		return
	}
	if wolf != e.self.ID {
		promoted, err := e.roles.Promote(wolf)
		switch {
		case errors.Is(err, peer.ErrUnknownPeer):
			e.roles.Remember(wolf)
		case err != nil:
			e.log.Warn("wolf promotion failed", zap.String("wolf", wolf.Short()), zap.Error(err))
		case promoted:
			e.log.Info("wolf promoted", zap.String("wolf", wolf.Short()), zap.String("origin", origin.Short()))
			e.emit(events.Promoted(wolf, now))
		}
	}
	e.relay(ctx, f, from, origin)
}

func (e *Engine) relay(ctx context.Context, f *proto.Frame, from, origin peer.ID) {
	next, ok := f.Relay(e.cfg.Hops)
	if !ok {
		return
	}
	targets := e.orderPeers(e.reg.Connected(), e.cfg.Fanout, from, origin)
	if len(targets) == 0 {
		return
	}
	data, err := proto.EncodeGossipFrame(next)
	if err != nil {
		e.log.Warn("encode relay failed", zap.Error(err))
		return
	}
	for _, id := range targets {
		e.sendRaw(ctx, id, next.Type, data)
		e.m.IncRelayed()
	}
}

func (e *Engine) learnPeers(from peer.ID, infos []proto.PeerInfo, now time.Time) {
	for _, pi := range infos {
		id, err := peer.IDFromBytes(pi.ID)
		if err != nil {
			e.m.IncDrop("malformed_peer")
			continue
		}
		e.learnPeer(id, pi.Addr, now)
	}
}

func (e *Engine) learnPeer(id peer.ID, addr string, now time.Time) {
	if id == e.self.ID || addr == "" || !e.wl.Allowed(id) {
		return
	}
	if rec, ok := e.reg.Get(id); ok && (rec.Status == peer.StatusConnected || rec.Status == peer.StatusConnecting) {
		return
	}
	if _, waiting := e.reg.Discover(id, addr, now); waiting {
		if e.cands.Add(id, addr, now) {
			e.log.Debug("peer discovered", zap.String("peer", id.Short()), zap.String("addr", addr))
		}
	}
}

func (e *Engine) failProbes(id peer.ID, now time.Time) {
	for pid, p := range e.probes {
		if p.peer != id {
			continue
		}
		delete(e.probes, pid)
		if p.host {
			e.emit(events.Ping(id, false, 0, now))
		}
	}
}

// resolveAdvertised fills an unspecified advertised host with the host the
// channel was observed on.
func resolveAdvertised(advertised, observed string) string {
	host, port, err := net.SplitHostPort(advertised)
	if err != nil {
		return advertised
	}
	if host != "" {
		if ip := net.ParseIP(host); ip == nil || !ip.IsUnspecified() {
			return advertised
		}
	}
	ohost, _, err := net.SplitHostPort(observed)
	if err != nil || ohost == "" {
		return advertised
	}
	return net.JoinHostPort(ohost, port)
}
