package peer

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
)

func newTestID(t *testing.T) ID {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("gen key failed: %v", err)
	}
	id, err := IDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("id from key failed: %v", err)
	}
	return id
}

func TestIDTextRoundTrip(t *testing.T) {
	id := newTestID(t)
	s := id.String()
	if s == "" {
		t.Fatalf("expected text form")
	}
	got, err := Decode(s)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got != id {
		t.Fatalf("id mismatch after decode")
	}
}

func TestIDMatchesKey(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	other, _, _ := ed25519.GenerateKey(rand.Reader)
	id, err := IDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("id from key failed: %v", err)
	}
	if !id.MatchesKey(pub) {
		t.Fatalf("expected id to match its key")
	}
	if id.MatchesKey(other) {
		t.Fatalf("expected id not to match another key")
	}
	if _, err := IDFromPublicKey(pub[:5]); err == nil {
		t.Fatalf("expected short key error")
	}
}

func TestMalformedIDs(t *testing.T) {
	cases := []string{"", "0OIl", "1111"}
	for _, s := range cases {
		if _, err := Decode(s); !errors.Is(err, ErrMalformedID) {
			t.Fatalf("decode(%q): expected ErrMalformedID, got %v", s, err)
		}
	}
	if _, err := IDFromBytes([]byte{0x12, 0x20, 0x01}); !errors.Is(err, ErrMalformedID) {
		t.Fatalf("expected truncated multihash to be rejected, got %v", err)
	}
	if err := ID("garbage").Validate(); err == nil {
		t.Fatalf("expected validate error")
	}
	if err := newTestID(t).Validate(); err != nil {
		t.Fatalf("expected valid id, got %v", err)
	}
}

func TestWhitelist(t *testing.T) {
	a, b, c := newTestID(t), newTestID(t), newTestID(t)

	open := NewWhitelist(nil)
	if !open.Open() || !open.Allowed(c) {
		t.Fatalf("empty whitelist must admit everyone")
	}
	if open.Contains(c) {
		t.Fatalf("open whitelist must not claim explicit membership")
	}

	wl := NewWhitelist([]ID{a, b, ""})
	if wl.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", wl.Len())
	}
	if !wl.Allowed(a) || !wl.Allowed(b) {
		t.Fatalf("expected members to be allowed")
	}
	if wl.Allowed(c) {
		t.Fatalf("expected non-member to be rejected")
	}
	if got := wl.List(); len(got) != 2 {
		t.Fatalf("expected 2 listed ids, got %d", len(got))
	}

	var nilList *Whitelist
	if !nilList.Allowed(a) {
		t.Fatalf("nil whitelist must admit everyone")
	}
}

func TestParseWhitelist(t *testing.T) {
	a, b := newTestID(t), newTestID(t)
	ids, err := ParseWhitelist([]string{a.String(), b.String()})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != a || ids[1] != b {
		t.Fatalf("unexpected ids %v", ids)
	}
	if _, err := ParseWhitelist([]string{a.String(), "not-an-id"}); !errors.Is(err, ErrMalformedID) {
		t.Fatalf("expected ErrMalformedID, got %v", err)
	}
}
