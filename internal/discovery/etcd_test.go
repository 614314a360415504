package discovery

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"go.etcd.io/etcd/api/v3/mvccpb"

	"truman/internal/config"
	"truman/internal/peer"
)

func testID(t *testing.T) peer.ID {
	t.Helper()
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("id failed: %v", err)
	}
	return id
}

func TestKeyRoundTrip(t *testing.T) {
	id := testID(t)
	key := Key("/truman/peers/", id)
	if key != "/truman/peers/"+id.String() {
		t.Fatalf("unexpected key %q", key)
	}
	got, err := ParseKey("/truman/peers", key)
	if err != nil || got != id {
		t.Fatalf("parse key: %v %v", got, err)
	}
	if _, err := ParseKey("/other", key); !errors.Is(err, ErrForeignKey) {
		t.Fatalf("expected ErrForeignKey, got %v", err)
	}
	if _, err := ParseKey("/truman/peers", "/truman/peers/1111"); !errors.Is(err, peer.ErrMalformedID) {
		t.Fatalf("expected ErrMalformedID, got %v", err)
	}
}

func TestEntriesFromKVsSkipsJunk(t *testing.T) {
	a, b := testID(t), testID(t)
	kvs := []*mvccpb.KeyValue{
		{Key: []byte(Key("/p", a)), Value: []byte("10.0.0.1:7000")},
		{Key: []byte("/p/not-an-id"), Value: []byte("10.0.0.2:7000")},
		{Key: []byte(Key("/p", b)), Value: nil},
		nil,
		{Key: []byte(Key("/q", b)), Value: []byte("10.0.0.3:7000")},
	}
	got := entriesFromKVs("/p", kvs)
	if len(got) != 1 || got[0].ID != a || got[0].Addr != "10.0.0.1:7000" {
		t.Fatalf("unexpected entries %+v", got)
	}
}

func TestNewClientNeedsEndpoints(t *testing.T) {
	if _, err := NewClient(config.DiscoveryConfig{}, nil); err == nil {
		t.Fatalf("expected error without endpoints")
	}
}
