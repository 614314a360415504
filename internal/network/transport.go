package network

import (
	"context"
	"errors"
	"time"

	"truman/internal/peer"
)

var (
	ErrNotConnected     = errors.New("no live channel to peer")
	ErrRejected         = errors.New("connection rejected by remote")
	ErrIdentityMismatch = errors.New("remote identity does not match expected peer")
	ErrClosed           = errors.New("transport closed")
)

const (
	defaultDialTimeout = 8 * time.Second
	defaultSendTimeout = 5 * time.Second
)

// Handler receives transport callbacks. Callbacks run on transport
// goroutines and must not block for long.
type Handler struct {
	// Admit decides whether an authenticated inbound peer may connect.
	Admit func(id peer.ID) bool
	// Connected reports an admitted inbound connection.
	Connected func(id peer.ID, remoteAddr string)
	// Frame delivers one received frame body.
	Frame func(from peer.ID, data []byte)
	// Disconnected reports loss of the live channel to id. It is not called
	// for channels closed through Disconnect or Close.
	Disconnected func(id peer.ID)
}

// Transport provides authenticated point-to-point channels keyed by peer id.
// At most one live channel exists per remote peer.
type Transport interface {
	Start(ctx context.Context, h Handler) error
	ListenAddr() string
	// Dial opens a channel to id at addr. It succeeds without dialing when a
	// live channel already exists.
	Dial(ctx context.Context, id peer.ID, addr string) error
	Send(ctx context.Context, to peer.ID, data []byte) error
	Connected(id peer.ID) bool
	Disconnect(id peer.ID) error
	Close() error
}

func withDefaultTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (h Handler) admit(id peer.ID) bool {
	if h.Admit == nil {
		return true
	}
	return h.Admit(id)
}

func (h Handler) connected(id peer.ID, addr string) {
	if h.Connected != nil {
		h.Connected(id, addr)
	}
}

func (h Handler) frame(from peer.ID, data []byte) {
	if h.Frame != nil {
		h.Frame(from, data)
	}
}

func (h Handler) disconnected(id peer.ID) {
	if h.Disconnected != nil {
		h.Disconnected(id)
	}
}
