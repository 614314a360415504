package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"truman/internal/node"
	"truman/internal/peer"
	"truman/internal/proto"
)

const (
	alpnProto            = "truman-gossip/1"
	maxIdleTimeout       = 30 * time.Second
	keepAlivePeriod      = 10 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	maxIncomingStreams   = 256
)

// Application close codes. A dialer seeing closeLimit or closeNotAdmitted
// from the remote reports ErrRejected.
const (
	closeNormal quic.ApplicationErrorCode = iota
	closeLimit
	closeIdentity
	closeNotAdmitted
)

// admitAck is the body of the first stream an acceptor opens once it has
// admitted the dialer. Until it arrives the dialer holds no channel.
var admitAck = []byte("truman-admit")

type QUICOptions struct {
	ListenAddr       string
	MaxConnsPerIP    int
	MaxStreamsPerIP  int
	DialTimeout      time.Duration
	SendTimeout      time.Duration
	IdleTimeout      time.Duration
	KeepAlivePeriod  time.Duration
	HandshakeTimeout time.Duration
}

// QUICTransport carries frames over QUIC. Both ends present self-signed
// certificates made from their identity key, so the remote peer id is read
// off the TLS handshake rather than trusted from the wire.
type QUICTransport struct {
	self    *node.Identity
	opts    QUICOptions
	log     *zap.Logger
	cert    tls.Certificate
	conns   *connTable
	limiter *ipLimiter

	mu       sync.Mutex
	h        Handler
	listener *quic.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	closed   bool
	wg       sync.WaitGroup
}

func NewQUICTransport(self *node.Identity, opts QUICOptions, log *zap.Logger) (*QUICTransport, error) {
	if self == nil {
		return nil, errors.New("missing identity")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = maxIdleTimeout
	}
	if opts.KeepAlivePeriod <= 0 {
		opts.KeepAlivePeriod = keepAlivePeriod
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = handshakeIdleTimeout
	}
	cert, err := identityCert(self)
	if err != nil {
		return nil, fmt.Errorf("identity cert: %w", err)
	}
	return &QUICTransport{
		self:    self,
		opts:    opts,
		log:     log.Named("quic"),
		cert:    cert,
		conns:   newConnTable(self.ID),
		limiter: newIPLimiter(opts.MaxConnsPerIP, opts.MaxStreamsPerIP),
	}, nil
}

func identityCert(self *node.Identity) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{self.ID.String()},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, self.PubKey, self.PrivateKey())
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  self.PrivateKey(),
	}, nil
}

// certPeerID extracts the peer id from a raw ed25519 leaf certificate.
func certPeerID(rawCerts [][]byte) (peer.ID, error) {
	if len(rawCerts) == 0 {
		return "", errors.New("no peer certificate")
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return "", err
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", errors.New("peer certificate is not ed25519")
	}
	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return "", fmt.Errorf("peer certificate not self-signed: %w", err)
	}
	return peer.IDFromPublicKey(pub)
}

func (t *QUICTransport) serverTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{t.cert},
		ClientAuth:   tls.RequireAnyClientCert,
		NextProtos:   []string{alpnProto},
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			_, err := certPeerID(rawCerts)
			return err
		},
	}
}

// clientTLSConfig pins the expected remote id. Chain verification is skipped
// because certificates are self-signed; the id check replaces it.
func (t *QUICTransport) clientTLSConfig(want peer.ID) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		Certificates:       []tls.Certificate{t.cert},
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProto},
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			got, err := certPeerID(rawCerts)
			if err != nil {
				return err
			}
			if got != want {
				return ErrIdentityMismatch
			}
			return nil
		},
	}
}

func (t *QUICTransport) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        t.opts.IdleTimeout,
		KeepAlivePeriod:       t.opts.KeepAlivePeriod,
		HandshakeIdleTimeout:  t.opts.HandshakeTimeout,
		MaxIncomingUniStreams: maxIncomingStreams,
	}
}

func (t *QUICTransport) Start(ctx context.Context, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.listener != nil {
		return errors.New("transport already started")
	}
	listener, err := quic.ListenAddr(t.opts.ListenAddr, t.serverTLSConfig(), t.quicConfig())
	if err != nil {
		return fmt.Errorf("quic listen %s: %w", t.opts.ListenAddr, err)
	}
	t.h = h
	t.listener = listener
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.log.Info("quic listen ready", zap.String("addr", listener.Addr().String()), zap.String("peer_id", t.self.ID.String()))
	t.wg.Add(1)
	go t.acceptLoop(t.ctx, listener)
	return nil
}

func (t *QUICTransport) ListenAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

func (t *QUICTransport) handler() Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.h
}

func (t *QUICTransport) acceptLoop(ctx context.Context, listener *quic.Listener) {
	defer t.wg.Done()
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.log.Warn("quic accept error", zap.Error(err))
			}
			return
		}
		ip := remoteIP(conn.RemoteAddr())
		if !t.limiter.acquireConn(ip) {
			t.log.Debug("inbound conn over per-ip limit", zap.String("ip", ip))
			_ = conn.CloseWithError(closeLimit, "limit")
			continue
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer t.limiter.releaseConn(ip)
			t.serveInbound(ctx, conn, ip)
		}()
	}
}

func (t *QUICTransport) serveInbound(ctx context.Context, conn *quic.Conn, ip string) {
	var raw [][]byte
	for _, c := range conn.ConnectionState().TLS.PeerCertificates {
		raw = append(raw, c.Raw)
	}
	id, err := certPeerID(raw)
	if err != nil {
		t.log.Debug("inbound conn without usable identity", zap.Error(err))
		_ = conn.CloseWithError(closeIdentity, "identity")
		return
	}
	h := t.handler()
	if !h.admit(id) {
		t.log.Info("inbound peer rejected", zap.String("peer_id", id.String()))
		_ = conn.CloseWithError(closeNotAdmitted, "not admitted")
		return
	}
	remote := conn.RemoteAddr().String()
	if !t.conns.put(id, conn, id) {
		return
	}
	if err := t.sendAdmit(ctx, conn); err != nil {
		t.log.Debug("admission ack failed", zap.String("peer_id", id.String()), zap.Error(err))
		if t.conns.forget(id, conn) {
			_ = conn.CloseWithError(closeNormal, "ack failed")
		}
		return
	}
	h.connected(id, remote)
	t.readLoop(ctx, id, conn, ip)
}

func (t *QUICTransport) Dial(ctx context.Context, id peer.ID, addr string) error {
	if t.isClosed() {
		return ErrClosed
	}
	if t.conns.get(id) != nil {
		return nil
	}
	ctx, cancel := withDefaultTimeout(ctx, t.opts.DialTimeout)
	defer cancel()
	t.log.Debug("quic dial", zap.String("peer_id", id.String()), zap.String("addr", addr))
	conn, err := quic.DialAddr(ctx, addr, t.clientTLSConfig(id), t.quicConfig())
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := t.awaitAdmit(ctx, conn); err != nil {
		_ = conn.CloseWithError(closeNormal, "not admitted")
		if !errors.Is(err, ErrRejected) && t.conns.get(id) != nil {
			// the remote dropped ours in favour of its own crossing dial
			return nil
		}
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if !t.conns.put(id, conn, t.self.ID) {
		// A crossing inbound connection won; it is already live.
		return nil
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readLoop(t.loopCtx(), id, conn, remoteIP(conn.RemoteAddr()))
	}()
	return nil
}

func (t *QUICTransport) sendAdmit(ctx context.Context, conn *quic.Conn) error {
	ctx, cancel := withDefaultTimeout(ctx, t.opts.SendTimeout)
	defer cancel()
	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetWriteDeadline(deadline)
	}
	if err := proto.WriteFrame(stream, admitAck); err != nil {
		stream.CancelWrite(1)
		return err
	}
	return stream.Close()
}

// awaitAdmit blocks until the acceptor's admission ack arrives, the acceptor
// closes the connection, or ctx expires.
func (t *QUICTransport) awaitAdmit(ctx context.Context, conn *quic.Conn) error {
	stream, err := conn.AcceptUniStream(ctx)
	if err != nil {
		var appErr *quic.ApplicationError
		if errors.As(err, &appErr) && appErr.Remote &&
			(appErr.ErrorCode == closeNotAdmitted || appErr.ErrorCode == closeLimit) {
			return fmt.Errorf("%w: %s", ErrRejected, appErr.ErrorMessage)
		}
		return fmt.Errorf("await admission: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(deadline)
	}
	data, err := proto.ReadFrame(stream)
	if err != nil {
		return fmt.Errorf("read admission: %w", err)
	}
	if !bytes.Equal(data, admitAck) {
		return errors.New("unexpected first frame from acceptor")
	}
	return nil
}

func (t *QUICTransport) loopCtx() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx == nil {
		return context.Background()
	}
	return t.ctx
}

func (t *QUICTransport) readLoop(ctx context.Context, id peer.ID, conn *quic.Conn, ip string) {
	h := t.handler()
	for {
		stream, err := conn.AcceptUniStream(ctx)
		if err != nil {
			if t.conns.forget(id, conn) {
				t.log.Debug("quic conn lost", zap.String("peer_id", id.String()), zap.Error(err))
				_ = conn.CloseWithError(closeNormal, "read loop exit")
				if ctx.Err() == nil {
					h.disconnected(id)
				}
			}
			return
		}
		if !t.limiter.acquireStream(ip) {
			stream.CancelRead(1)
			continue
		}
		go func(s *quic.ReceiveStream) {
			defer t.limiter.releaseStream(ip)
			_ = s.SetReadDeadline(time.Now().Add(t.opts.SendTimeout))
			data, err := proto.ReadFrame(s)
			if err != nil {
				t.log.Debug("quic read frame error", zap.String("peer_id", id.String()), zap.Error(err))
				s.CancelRead(2)
				return
			}
			h.frame(id, data)
		}(stream)
	}
}

func (t *QUICTransport) Send(ctx context.Context, to peer.ID, data []byte) error {
	conn := t.conns.get(to)
	if conn == nil {
		return ErrNotConnected
	}
	ctx, cancel := withDefaultTimeout(ctx, t.opts.SendTimeout)
	defer cancel()
	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetWriteDeadline(deadline)
	}
	if err := proto.WriteFrame(stream, data); err != nil {
		stream.CancelWrite(1)
		return fmt.Errorf("write frame: %w", err)
	}
	return stream.Close()
}

func (t *QUICTransport) Connected(id peer.ID) bool {
	return t.conns.get(id) != nil
}

func (t *QUICTransport) Disconnect(id peer.ID) error {
	if !t.conns.drop(id, "disconnect") {
		return ErrNotConnected
	}
	return nil
}

func (t *QUICTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *QUICTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listener := t.listener
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.conns.dropAll("shutdown")
	var err error
	if listener != nil {
		err = listener.Close()
	}
	t.wg.Wait()
	return err
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
