package peer

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"

	"github.com/multiformats/go-multihash"
)

var ErrMalformedID = errors.New("malformed peer id")

// ID is the raw multihash (sha2-256) of a peer's Ed25519 public key. It is
// comparable, so it is used directly as a map key; String gives the base58
// text form exchanged with hosts.
type ID string

func IDFromPublicKey(pub ed25519.PublicKey) (ID, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("bad public key size %d", len(pub))
	}
	mh, err := multihash.Sum(pub, multihash.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return ID(mh), nil
}

func IDFromBytes(b []byte) (ID, error) {
	if _, err := multihash.Cast(b); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedID, err)
	}
	return ID(b), nil
}

// Decode parses the base58 text form.
func Decode(s string) (ID, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrMalformedID)
	}
	mh, err := multihash.FromB58String(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedID, err)
	}
	return ID(mh), nil
}

func (id ID) String() string {
	if id == "" {
		return ""
	}
	return multihash.Multihash(id).B58String()
}

// Short is a log-friendly suffix of the text form.
func (id ID) Short() string {
	s := id.String()
	if len(s) > 10 {
		return "…" + s[len(s)-8:]
	}
	return s
}

func (id ID) Bytes() []byte {
	return []byte(id)
}

func (id ID) Validate() error {
	_, err := IDFromBytes([]byte(id))
	return err
}

func (id ID) MatchesKey(pub ed25519.PublicKey) bool {
	want, err := IDFromPublicKey(pub)
	if err != nil {
		return false
	}
	return want == id
}

func SortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
