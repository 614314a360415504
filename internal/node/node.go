package node

import (
	"crypto/ed25519"
	"fmt"
	"os"

	"truman/internal/crypto"
	"truman/internal/peer"
)

// Identity is the local peer's keypair and derived id. It never changes after
// construction.
type Identity struct {
	ID      peer.ID
	PubKey  ed25519.PublicKey
	privKey ed25519.PrivateKey
}

// NewIdentity loads the keypair stored under home, generating and saving one
// on first use. An empty home yields an ephemeral identity.
func NewIdentity(home string) (*Identity, error) {
	if home == "" {
		pub, priv, err := crypto.GenKeypair()
		if err != nil {
			return nil, err
		}
		return FromKeypair(pub, priv)
	}
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	pub, priv, err := crypto.LoadKeypair(home)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		pub, priv, err = crypto.GenKeypair()
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveKeypair(home, pub, priv); err != nil {
			return nil, err
		}
	}
	return FromKeypair(pub, priv)
}

func FromKeypair(pub ed25519.PublicKey, priv ed25519.PrivateKey) (*Identity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("bad private key size %d", len(priv))
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &Identity{ID: id, PubKey: pub, privKey: priv}, nil
}

func (n *Identity) Sign(msg []byte) []byte {
	return crypto.Sign(n.privKey, msg)
}

func (n *Identity) PrivateKey() ed25519.PrivateKey {
	return n.privKey
}
