// Package backend is the host-facing facade over the gossip engine. It owns
// the init/start/cleanup lifecycle; every other call requires Init.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"truman/internal/config"
	"truman/internal/discovery"
	"truman/internal/events"
	"truman/internal/gossip"
	"truman/internal/logging"
	"truman/internal/metrics"
	"truman/internal/network"
	"truman/internal/node"
	"truman/internal/peer"
)

var (
	ErrAlreadyInitialized = errors.New("network already initialized")
	ErrNotInitialized     = errors.New("network not initialized")
	ErrTransportFailure   = errors.New("transport failure")

	ErrUnknownPeer      = peer.ErrUnknownPeer
	ErrNotConnected     = gossip.ErrNotConnected
	ErrNoConnectedPeers = gossip.ErrNoConnectedPeers
)

// TransportFactory builds the transport for a freshly loaded identity.
type TransportFactory func(self *node.Identity, cfg *config.Config, log *zap.Logger) (network.Transport, error)

type Options struct {
	// Logger replaces the logger built from the config's log section.
	Logger    *zap.Logger
	Transport TransportFactory
}

// Network is safe for concurrent use. Init and Cleanup may be repeated in
// that order any number of times.
type Network struct {
	opts Options
	mu   sync.Mutex
	st   *session
}

type session struct {
	cfg     *config.Config
	self    *node.Identity
	tr      network.Transport
	eng     *gossip.Engine
	queue   *events.Queue
	metrics *metrics.Metrics
	log     *zap.Logger
	logDone func()
	ctx     context.Context
	cancel  context.CancelFunc

	etcd  *clientv3.Client
	lease clientv3.LeaseID
	mdns  *mdns.Server
	wg    sync.WaitGroup
}

func New(opts Options) *Network {
	if opts.Transport == nil {
		opts.Transport = QUICTransport
	}
	return &Network{opts: opts}
}

func QUICTransport(self *node.Identity, cfg *config.Config, log *zap.Logger) (network.Transport, error) {
	return network.NewQUICTransport(self, network.QUICOptions{
		ListenAddr:      cfg.ListenAddr,
		MaxConnsPerIP:   cfg.Transport.MaxConnsPerIP,
		MaxStreamsPerIP: cfg.Transport.MaxStreamsPerIP,
		DialTimeout:     cfg.Transport.DialTimeout,
		SendTimeout:     cfg.Transport.SendTimeout,
		IdleTimeout:     cfg.Transport.IdleTimeout,
	}, log)
}

// Init starts a node with default settings admitting only whitelist (or
// everyone when it is empty).
func (n *Network) Init(whitelist []peer.ID) error {
	cfg := config.Default()
	for _, id := range whitelist {
		cfg.Whitelist = append(cfg.Whitelist, id.String())
	}
	return n.InitConfig(&cfg)
}

func (n *Network) InitConfig(cfg *config.Config) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.st != nil {
		return ErrAlreadyInitialized
	}
	if cfg == nil {
		def := config.Default()
		cfg = &def
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := n.opts.Logger
	logDone := func() { _ = log.Sync() }
	if log == nil {
		var err error
		if log, logDone, err = logging.New(cfg.Log); err != nil {
			return fmt.Errorf("logger: %w", err)
		}
	}
	initialized := false
	defer func() {
		if !initialized {
			logDone()
		}
	}()

	self, err := node.NewIdentity(cfg.Home)
	if err != nil {
		return fmt.Errorf("%w: identity: %w", ErrTransportFailure, err)
	}
	log = log.With(zap.String("node", self.ID.Short()))
	wl, err := cfg.WhitelistIDs()
	if err != nil {
		return err
	}
	reg := peer.NewRegistry()
	roles := peer.NewRoleManager(reg)
	for _, w := range cfg.WolfIDs() {
		roles.Remember(w)
	}
	queue := events.NewQueue(cfg.Events.QueueCap)
	m := metrics.New()

	tr, err := n.opts.Transport(self, cfg, log)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransportFailure, err)
	}
	eng, err := gossip.New(gossip.Options{
		Self:          self,
		Transport:     tr,
		Whitelist:     peer.NewWhitelist(wl),
		Registry:      reg,
		Roles:         roles,
		Queue:         queue,
		Metrics:       m,
		Logger:        log,
		Gossip:        cfg.Gossip,
		DialTimeout:   cfg.Transport.DialTimeout,
		SendTimeout:   cfg.Transport.SendTimeout,
		AdvertiseAddr: cfg.AdvertiseAddr,
	})
	if err != nil {
		_ = tr.Close()
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := tr.Start(ctx, eng.Handler()); err != nil {
		cancel()
		_ = tr.Close()
		return fmt.Errorf("%w: %w", ErrTransportFailure, err)
	}
	st := &session{
		cfg:     cfg,
		self:    self,
		tr:      tr,
		eng:     eng,
		queue:   queue,
		metrics: m,
		log:     log,
		logDone: logDone,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, b := range cfg.Bootstrap {
		id, err := peer.Decode(b.ID)
		if err != nil {
			log.Warn("bootstrap peer id invalid", zap.String("id", b.ID), zap.String("addr", b.Addr), zap.Error(err))
			continue
		}
		if err := eng.AddCandidate(id, b.Addr); err != nil {
			log.Warn("bootstrap peer not queued", zap.String("addr", b.Addr), zap.Error(err))
		}
	}
	if len(cfg.Discovery.Endpoints) > 0 {
		st.startDiscovery()
	}
	if cfg.Discovery.MDNS {
		st.startMDNS()
	}
	n.st = st
	initialized = true
	log.Info("network initialized",
		zap.String("peer_id", self.ID.String()),
		zap.String("listen", tr.ListenAddr()),
		zap.Int("whitelist", len(wl)))
	return nil
}

func (s *session) advertiseAddr() string {
	if s.cfg.AdvertiseAddr != "" {
		return s.cfg.AdvertiseAddr
	}
	return s.tr.ListenAddr()
}

// startDiscovery is best effort: a node without etcd still runs on its
// bootstrap list.
func (s *session) startDiscovery() {
	d := s.cfg.Discovery
	cli, err := discovery.NewClient(d, s.log)
	if err != nil {
		s.log.Warn("discovery disabled", zap.Error(err))
		return
	}
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	rctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	lease, err := discovery.Register(s.ctx, cli, d.Prefix, s.self.ID, s.advertiseAddr(), d.LeaseTTL)
	if err != nil {
		s.log.Warn("discovery register failed", zap.Error(err))
		_ = cli.Close()
		return
	}
	s.etcd, s.lease = cli, lease
	entries, err := discovery.List(rctx, cli, d.Prefix)
	if err != nil {
		s.log.Warn("discovery list failed", zap.Error(err))
	}
	for _, e := range entries {
		s.addDiscovered(e)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		discovery.Watch(s.ctx, cli, d.Prefix, s.addDiscovered)
	}()
}

// startMDNS announces this node on the local link and feeds every peer
// seen there to the candidate list. Failures leave the node running.
func (s *session) startMDNS() {
	d := s.cfg.Discovery
	port, err := discovery.ListenPort(s.advertiseAddr())
	if err != nil {
		s.log.Warn("mdns disabled", zap.Error(err))
		return
	}
	srv, err := discovery.Announce(d.MDNSService, s.self.ID, port, s.log)
	if err != nil {
		s.log.Warn("mdns announce failed", zap.Error(err))
	} else {
		s.mdns = srv
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		discovery.Browse(s.ctx, d.MDNSService, d.MDNSInterval, s.log, s.addDiscovered)
	}()
}

func (s *session) addDiscovered(e discovery.Entry) {
	if e.ID == s.self.ID {
		return
	}
	if err := s.eng.AddCandidate(e.ID, e.Addr); err != nil {
		s.log.Debug("discovered peer not queued", zap.String("peer", e.ID.Short()), zap.Error(err))
	}
}

func (n *Network) current() (*session, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.st == nil {
		return nil, ErrNotInitialized
	}
	return n.st, nil
}

// StartGossipLoop starts the engine in the background. A second call logs a
// warning and returns nil.
func (n *Network) StartGossipLoop() error {
	st, err := n.current()
	if err != nil {
		return err
	}
	if !st.eng.Start(st.ctx) {
		st.log.Warn("gossip loop already running")
	}
	return nil
}

func (n *Network) Running() bool {
	st, err := n.current()
	return err == nil && st.eng.Running()
}

// CollectEvents drains every pending event. Before Init it returns an empty
// list.
func (n *Network) CollectEvents() []events.Event {
	st, err := n.current()
	if err != nil {
		return []events.Event{}
	}
	evs := st.queue.Drain()
	st.metrics.SetQueued(0)
	return evs
}

func (n *Network) CollectEventsJSON() ([][]byte, error) {
	return events.EncodeJSON(n.CollectEvents())
}

func (n *Network) Ping(target peer.ID) error {
	st, err := n.current()
	if err != nil {
		return err
	}
	return st.eng.Ping(target)
}

func (n *Network) GetPeers() []string {
	st, err := n.current()
	if err != nil {
		return []string{}
	}
	ids := st.eng.Peers()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func (n *Network) BroadcastMessage(payload, tag []byte, target *peer.ID) error {
	st, err := n.current()
	if err != nil {
		return err
	}
	return st.eng.Broadcast(tag, payload, target)
}

func (n *Network) NewWolf(id peer.ID) error {
	st, err := n.current()
	if err != nil {
		return err
	}
	return st.eng.Promote(id)
}

func (n *Network) LocalPeerID() (string, error) {
	st, err := n.current()
	if err != nil {
		return "", err
	}
	return st.self.ID.String(), nil
}

func (n *Network) ListenAddr() (string, error) {
	st, err := n.current()
	if err != nil {
		return "", err
	}
	return st.tr.ListenAddr(), nil
}

func (n *Network) Peers() ([]peer.Record, error) {
	st, err := n.current()
	if err != nil {
		return nil, err
	}
	return st.eng.Registry().List(), nil
}

func (n *Network) MetricsHandler() http.Handler {
	st, err := n.current()
	if err != nil {
		return http.NotFoundHandler()
	}
	return st.metrics.Handler()
}

// Cleanup stops the loop, closes the transport and forgets all state. It is
// safe to call at any time and more than once.
func (n *Network) Cleanup() {
	n.mu.Lock()
	st := n.st
	n.st = nil
	n.mu.Unlock()
	if st == nil {
		return
	}
	st.eng.Stop()
	if st.etcd != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := discovery.Deregister(ctx, st.etcd, st.lease); err != nil {
			st.log.Debug("discovery deregister failed", zap.Error(err))
		}
		cancel()
	}
	st.cancel()
	if st.mdns != nil {
		_ = st.mdns.Shutdown()
	}
	if err := st.tr.Close(); err != nil {
		st.log.Warn("transport close failed", zap.Error(err))
	}
	if st.etcd != nil {
		_ = st.etcd.Close()
	}
	st.wg.Wait()
	st.log.Info("network cleaned up")
	st.logDone()
}
