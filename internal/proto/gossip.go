package proto

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"truman/internal/crypto"
	"truman/internal/peer"
)

const (
	TypeHello    = "hello"
	TypePing     = "ping"
	TypePong     = "pong"
	TypeMessage  = "message"
	TypePeerList = "peer_list"
	TypeNewWolf  = "new_wolf"

	MaxPeerListLen = 64
	MaxHops        = 16
)

const (
	frameSigLabel = "truman:frame:v1"
	msgIDLabel    = "truman:msgid:v1"
)

var (
	ErrUnknownType    = errors.New("unknown frame type")
	ErrBadSignature   = errors.New("bad origin signature")
	ErrOriginMismatch = errors.New("origin key does not match origin id")
)

type PeerInfo struct {
	ID   []byte `cbor:"1,keyasint"`
	Addr string `cbor:"2,keyasint,omitempty"`
}

// Frame is the single wire body for every message type. Fields that a type
// does not use stay empty and are omitted from the encoding.
type Frame struct {
	Type          string     `cbor:"1,keyasint"`
	Origin        []byte     `cbor:"2,keyasint,omitempty"`
	OriginKey     []byte     `cbor:"3,keyasint,omitempty"`
	Sig           []byte     `cbor:"4,keyasint,omitempty"`
	Nonce         []byte     `cbor:"5,keyasint,omitempty"`
	Tag           []byte     `cbor:"6,keyasint,omitempty"`
	Payload       []byte     `cbor:"7,keyasint,omitempty"`
	Hops          int        `cbor:"8,keyasint,omitempty"`
	Target        []byte     `cbor:"9,keyasint,omitempty"`
	Peers         []PeerInfo `cbor:"10,keyasint,omitempty"`
	ListenAddr    string     `cbor:"11,keyasint,omitempty"`
	ProbeID       string     `cbor:"12,keyasint,omitempty"`
	SentUnixMilli int64      `cbor:"13,keyasint,omitempty"`
}

type Signer interface {
	Sign(msg []byte) []byte
}

var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		MaxArrayElements: 1024,
		MaxMapPairs:      64,
		MaxNestedLevels:  8,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

func knownType(t string) bool {
	switch t {
	case TypeHello, TypePing, TypePong, TypeMessage, TypePeerList, TypeNewWolf:
		return true
	}
	return false
}

func EncodeGossipFrame(f *Frame) ([]byte, error) {
	if f == nil || !knownType(f.Type) {
		return nil, ErrUnknownType
	}
	return cbor.Marshal(f)
}

func DecodeGossipFrame(data []byte) (*Frame, error) {
	if len(data) == 0 || len(data) > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame size %d", len(data))
	}
	var f Frame
	if err := decMode.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if !knownType(f.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	if len(f.Peers) > MaxPeerListLen {
		return nil, fmt.Errorf("peer list too long: %d", len(f.Peers))
	}
	if f.Hops < 0 || f.Hops > MaxHops {
		return nil, fmt.Errorf("hops out of range: %d", f.Hops)
	}
	return &f, nil
}

// NewMessage builds an origin-signed message frame. A fresh nonce keeps two
// broadcasts of the same payload distinct in every seen-set.
func NewMessage(self peer.ID, pub ed25519.PublicKey, signer Signer, tag, payload []byte, hops int, sentMilli int64) (*Frame, error) {
	return newOriginFrame(TypeMessage, self, pub, signer, tag, payload, nil, hops, sentMilli)
}

// NewDirectMessage builds a message for a single connected target. It is sent
// with one hop and never relayed.
func NewDirectMessage(self peer.ID, pub ed25519.PublicKey, signer Signer, target peer.ID, tag, payload []byte, sentMilli int64) (*Frame, error) {
	return newOriginFrame(TypeMessage, self, pub, signer, tag, payload, target.Bytes(), 1, sentMilli)
}

func NewWolfAnnouncement(self peer.ID, pub ed25519.PublicKey, signer Signer, wolf peer.ID, hops int, sentMilli int64) (*Frame, error) {
	return newOriginFrame(TypeNewWolf, self, pub, signer, nil, nil, wolf.Bytes(), hops, sentMilli)
}

func newOriginFrame(typ string, self peer.ID, pub ed25519.PublicKey, signer Signer, tag, payload, target []byte, hops int, sentMilli int64) (*Frame, error) {
	nonce, err := crypto.RandomNonce()
	if err != nil {
		return nil, err
	}
	f := &Frame{
		Type:          typ,
		Origin:        self.Bytes(),
		OriginKey:     append([]byte(nil), pub...),
		Nonce:         nonce,
		Tag:           tag,
		Payload:       payload,
		Target:        target,
		Hops:          hops,
		SentUnixMilli: sentMilli,
	}
	f.Sig = signer.Sign(f.signingBytes())
	return f, nil
}

// signingBytes covers everything except Hops and Sig, which relays rewrite
// or carry through untouched.
func (f *Frame) signingBytes() []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(f.SentUnixMilli))
	sum := crypto.Digest(frameSigLabel, []byte(f.Type), f.Origin, f.Nonce, f.Tag, f.Payload, f.Target, ts[:])
	return sum[:]
}

// VerifyOrigin checks that OriginKey hashes to Origin and that Sig is the
// origin's signature over the frame.
func (f *Frame) VerifyOrigin() (peer.ID, error) {
	origin, err := peer.IDFromBytes(f.Origin)
	if err != nil {
		return "", err
	}
	if !origin.MatchesKey(f.OriginKey) {
		return "", ErrOriginMismatch
	}
	if !crypto.Verify(f.OriginKey, f.signingBytes(), f.Sig) {
		return "", ErrBadSignature
	}
	return origin, nil
}

// MessageID identifies one broadcast across every relay of it.
func (f *Frame) MessageID() [32]byte {
	return crypto.Digest(msgIDLabel, []byte(f.Type), f.Tag, f.Payload, f.Origin, f.Nonce)
}

// Relay returns the copy to forward, with Hops decremented. Hops is not
// signed, so a frame claiming more than limit hops is treated as if it
// carried limit.
func (f *Frame) Relay(limit int) (*Frame, bool) {
	hops := f.Hops
	if limit > 0 && hops > limit {
		hops = limit
	}
	if hops <= 1 {
		return nil, false
	}
	cp := *f
	cp.Hops = hops - 1
	return &cp, true
}

func PeerInfos(recs []peer.Record) []PeerInfo {
	out := make([]PeerInfo, 0, len(recs))
	for _, r := range recs {
		if r.Addr == "" {
			continue
		}
		out = append(out, PeerInfo{ID: r.ID.Bytes(), Addr: r.Addr})
		if len(out) >= MaxPeerListLen {
			break
		}
	}
	return out
}
