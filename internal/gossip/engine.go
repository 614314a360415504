package gossip

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"truman/internal/config"
	"truman/internal/events"
	"truman/internal/logging"
	"truman/internal/metrics"
	"truman/internal/network"
	"truman/internal/node"
	"truman/internal/peer"
	"truman/internal/proto"
)

var (
	ErrBusy             = errors.New("gossip engine busy")
	ErrStopped          = errors.New("gossip engine stopped")
	ErrNoConnectedPeers = errors.New("no connected peers")
	ErrNotConnected     = errors.New("peer not connected")
	ErrPayloadTooLarge  = errors.New("payload too large")
)

const (
	inboxSize   = 1024
	commandSize = 256
)

type Options struct {
	Self      *node.Identity
	Transport network.Transport
	Whitelist *peer.Whitelist
	Registry  *peer.Registry
	Roles     *peer.RoleManager
	Queue     *events.Queue
	Metrics   *metrics.Metrics
	Logger    *zap.Logger

	Gossip        config.GossipConfig
	DialTimeout   time.Duration
	SendTimeout   time.Duration
	AdvertiseAddr string

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Engine runs the gossip loop. One goroutine owns peer status transitions,
// probes and the seen-set; host calls and transport callbacks reach it over
// buffered channels.
type Engine struct {
	self      *node.Identity
	tr        network.Transport
	wl        *peer.Whitelist
	reg       *peer.Registry
	roles     *peer.RoleManager
	queue     *events.Queue
	m         *metrics.Metrics
	log       *zap.Logger
	cfg       config.GossipConfig
	dialTO    time.Duration
	sendTO    time.Duration
	advertise string
	now       func() time.Time

	cands    *peer.CandidatePool
	seen     *seenCache
	limiter  *network.PeerLimiter
	logLimit *logging.RateLimiter
	inbox    chan inbound
	cmds     chan command
	sendSem  chan struct{}
	done     chan struct{}

	// loop-owned
	rng      *rand.Rand
	live     map[peer.ID]*liveness
	probes   map[string]probe
	observed map[peer.ID]string
	lastPex  time.Time

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type liveness struct {
	lastProbe time.Time
	inflight  string
	misses    int
}

type probe struct {
	peer   peer.ID
	sentAt time.Time
	host   bool
}

type inboundKind int

const (
	inConnected inboundKind = iota
	inDisconnected
	inFrame
	inDialResult
	inSendFailed
)

type inbound struct {
	kind inboundKind
	from peer.ID
	addr string
	data []byte
	err  error
}

type commandKind int

const (
	cmdBroadcast commandKind = iota
	cmdPing
	cmdAnnounceWolf
	cmdCandidate
)

type command struct {
	kind   commandKind
	frame  *proto.Frame
	target peer.ID
	addr   string
}

func New(opts Options) (*Engine, error) {
	if opts.Self == nil {
		return nil, errors.New("gossip: identity required")
	}
	if opts.Transport == nil {
		return nil, errors.New("gossip: transport required")
	}
	if opts.Registry == nil {
		opts.Registry = peer.NewRegistry()
	}
	if opts.Roles == nil {
		opts.Roles = peer.NewRoleManager(opts.Registry)
	}
	if opts.Queue == nil {
		opts.Queue = events.NewQueue(0)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	def := config.Default()
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = def.Transport.DialTimeout
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = def.Transport.SendTimeout
	}
	g := opts.Gossip
	if g.TickInterval <= 0 {
		g = def.Gossip
	}
	if g.MaxInflightSends <= 0 {
		g.MaxInflightSends = def.Gossip.MaxInflightSends
	}
	if g.Hops <= 0 || g.Hops > proto.MaxHops {
		return nil, fmt.Errorf("gossip: hops %d out of range", g.Hops)
	}
	return &Engine{
		self:      opts.Self,
		tr:        opts.Transport,
		wl:        opts.Whitelist,
		reg:       opts.Registry,
		roles:     opts.Roles,
		queue:     opts.Queue,
		m:         opts.Metrics,
		log:       opts.Logger.With(zap.String("self", opts.Self.ID.Short())),
		cfg:       g,
		dialTO:    opts.DialTimeout,
		sendTO:    opts.SendTimeout,
		advertise: opts.AdvertiseAddr,
		now:       opts.Now,
		cands: peer.NewCandidatePool(peer.CandidateOptions{
			BackoffBase: g.BackoffBase,
			BackoffMax:  g.BackoffMax,
			MaxAttempts: g.DialMaxAttempts,
		}),
		seen:     newSeenCache(g.SeenCap, g.SeenTTL),
		limiter:  network.NewPeerLimiter(g.InboundRate, g.InboundBurst),
		logLimit: logging.NewRateLimiter(10 * time.Second),
		inbox:    make(chan inbound, inboxSize),
		cmds:     make(chan command, commandSize),
		sendSem:  make(chan struct{}, g.MaxInflightSends),
		done:     make(chan struct{}),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		live:     make(map[peer.ID]*liveness),
		probes:   make(map[string]probe),
		observed: make(map[peer.ID]string),
	}, nil
}

// Handler returns the transport callbacks feeding this engine. The transport
// may be started with it before the loop runs; callbacks queue up until Start.
func (e *Engine) Handler() network.Handler {
	return network.Handler{
		Admit: e.admit,
		Connected: func(id peer.ID, remoteAddr string) {
			e.deliver(inbound{kind: inConnected, from: id, addr: remoteAddr})
		},
		Frame: func(from peer.ID, data []byte) {
			e.deliverNoWait(inbound{kind: inFrame, from: from, data: data}, "inbox_full")
		},
		Disconnected: func(id peer.ID) {
			e.deliver(inbound{kind: inDisconnected, from: id})
		},
	}
}

func (e *Engine) admit(id peer.ID) bool {
	if id == e.self.ID {
		return false
	}
	if !e.wl.Allowed(id) {
		if e.logLimit.Allow("reject:"+string(id), e.now()) {
			e.log.Info("rejected peer not on whitelist", zap.String("peer", id.Short()))
		}
		e.m.IncDrop("not_whitelisted")
		return false
	}
	return true
}

func (e *Engine) deliver(in inbound) {
	select {
	case e.inbox <- in:
	case <-e.done:
	}
}

func (e *Engine) deliverNoWait(in inbound, reason string) {
	select {
	case e.inbox <- in:
	default:
		e.m.IncDrop(reason)
	}
}

// Start runs the loop in the background. It returns false when the engine
// is already running or has been stopped.
func (e *Engine) Start(parent context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.stopped {
		return false
	}
	ctx, cancel := context.WithCancel(parent)
	e.cancel = cancel
	e.started = true
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()
	return true
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && !e.stopped
}

// Stop cancels the loop and waits for it and every dial and send it spawned.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		cancel := e.cancel
		e.mu.Unlock()
		close(e.done)
		if cancel != nil {
			cancel()
		}
		e.wg.Wait()
	})
}

func (e *Engine) run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	e.lastPex = e.now()
	e.log.Debug("gossip loop started")
	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			e.log.Debug("gossip loop stopped")
			return
		case in := <-e.inbox:
			e.handleInbound(ctx, in)
		case c := <-e.cmds:
			e.handleCommand(ctx, c)
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) enqueue(c command) error {
	select {
	case <-e.done:
		return ErrStopped
	default:
	}
	select {
	case e.cmds <- c:
		return nil
	default:
		return ErrBusy
	}
}

// Broadcast queues a tagged message. With a nil target it goes to every
// connected peer; otherwise only to target, which must be connected.
func (e *Engine) Broadcast(tag, payload []byte, target *peer.ID) error {
	if len(tag)+len(payload) > proto.MaxPayloadSize {
		return ErrPayloadTooLarge
	}
	now := e.now()
	var (
		f   *proto.Frame
		err error
	)
	if target != nil {
		if err := e.checkConnected(*target); err != nil {
			return err
		}
		f, err = proto.NewDirectMessage(e.self.ID, e.self.PubKey, e.self, *target, tag, payload, now.UnixMilli())
	} else {
		if len(e.reg.Connected()) == 0 {
			return ErrNoConnectedPeers
		}
		f, err = proto.NewMessage(e.self.ID, e.self.PubKey, e.self, tag, payload, e.cfg.Hops, now.UnixMilli())
	}
	if err != nil {
		return err
	}
	c := command{kind: cmdBroadcast, frame: f}
	if target != nil {
		c.target = *target
	}
	return e.enqueue(c)
}

// Ping probes a connected peer; the outcome arrives as a PingResult event.
func (e *Engine) Ping(id peer.ID) error {
	if err := e.checkConnected(id); err != nil {
		return err
	}
	return e.enqueue(command{kind: cmdPing, target: id})
}

// Promote makes id a wolf. The first promotion emits WolfPromoted and is
// gossiped; repeating it is a no-op.
func (e *Engine) Promote(id peer.ID) error {
	promoted, err := e.roles.Promote(id)
	if err != nil {
		return err
	}
	if !promoted {
		return nil
	}
	e.emit(events.Promoted(id, e.now()))
	f, err := proto.NewWolfAnnouncement(e.self.ID, e.self.PubKey, e.self, id, e.cfg.Hops, e.now().UnixMilli())
	if err != nil {
		return err
	}
	if err := e.enqueue(command{kind: cmdAnnounceWolf, frame: f}); err != nil {
		e.log.Warn("wolf announcement not queued", zap.String("wolf", id.Short()), zap.Error(err))
	}
	return nil
}

// AddCandidate queues a peer for dialing, subject to the whitelist.
func (e *Engine) AddCandidate(id peer.ID, addr string) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if addr == "" {
		return errors.New("candidate address required")
	}
	return e.enqueue(command{kind: cmdCandidate, target: id, addr: addr})
}

func (e *Engine) Peers() []peer.ID {
	return e.reg.Connected()
}

func (e *Engine) Registry() *peer.Registry {
	return e.reg
}

func (e *Engine) checkConnected(id peer.ID) error {
	rec, ok := e.reg.Get(id)
	if !ok {
		return peer.ErrUnknownPeer
	}
	if rec.Status != peer.StatusConnected {
		return ErrNotConnected
	}
	return nil
}

func (e *Engine) handleCommand(ctx context.Context, c command) {
	now := e.now()
	switch c.kind {
	case cmdBroadcast:
		e.seen.Add(c.frame.MessageID(), now)
		if c.target != "" {
			if !e.reg.IsConnected(c.target) {
				e.log.Debug("direct message target gone", zap.String("peer", c.target.Short()))
				return
			}
			e.sendFrame(ctx, c.target, c.frame)
			return
		}
		targets := e.orderPeers(e.reg.Connected(), 0)
		data, err := proto.EncodeGossipFrame(c.frame)
		if err != nil {
			e.log.Warn("encode broadcast failed", zap.Error(err))
			return
		}
		for _, id := range targets {
			e.sendRaw(ctx, id, c.frame.Type, data)
		}
		e.log.Debug("broadcast sent", zap.Int("peers", len(targets)), zap.ByteString("tag", c.frame.Tag))
	case cmdAnnounceWolf:
		e.seen.Add(c.frame.MessageID(), now)
		data, err := proto.EncodeGossipFrame(c.frame)
		if err != nil {
			e.log.Warn("encode wolf announcement failed", zap.Error(err))
			return
		}
		for _, id := range e.orderPeers(e.reg.Connected(), 0) {
			e.sendRaw(ctx, id, c.frame.Type, data)
		}
	case cmdPing:
		if !e.reg.IsConnected(c.target) {
			e.emit(events.Ping(c.target, false, 0, now))
			return
		}
		e.sendProbe(ctx, c.target, true, now)
	case cmdCandidate:
		e.learnPeer(c.target, c.addr, now)
	}
}

func (e *Engine) emit(ev events.Event) {
	if !e.queue.Push(ev) {
		e.m.IncDrop("event_queue_full")
		if e.logLimit.Allow("event_queue_full", ev.At) {
			e.log.Warn("event queue full, dropping events", zap.String("type", string(ev.Type)))
		}
		return
	}
	e.m.IncEvent(string(ev.Type))
}

// orderPeers puts wolves first, then the rest in random order, and trims to
// limit when limit > 0.
func (e *Engine) orderPeers(ids []peer.ID, limit int, exclude ...peer.ID) []peer.ID {
	var wolves, rest []peer.ID
	for _, id := range ids {
		if id == e.self.ID || containsID(exclude, id) {
			continue
		}
		if e.roles.IsWolf(id) {
			wolves = append(wolves, id)
		} else {
			rest = append(rest, id)
		}
	}
	e.rng.Shuffle(len(wolves), func(i, j int) { wolves[i], wolves[j] = wolves[j], wolves[i] })
	e.rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	out := append(wolves, rest...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func containsID(ids []peer.ID, id peer.ID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
