package events

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"sync"
	"testing"
	"time"

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

func TestDrainEmpty(t *testing.T) {
	q := NewQueue(0)
	got := q.Drain()
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v", got)
	}
}

func TestDrainIsExhaustiveAndNonDuplicating(t *testing.T) {
	q := NewQueue(0)
	const producers = 8
	const perProducer = 2000

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(Event{Type: MessageReceived, Latency: time.Duration(p*perProducer + i)})
			}
		}(p)
	}

	seen := make(map[time.Duration]int)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	collect := func() {
		for _, e := range q.Drain() {
			seen[e.Latency]++
		}
	}
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
			collect()
		}
	}
	collect()

	if len(seen) != producers*perProducer {
		t.Fatalf("expected %d distinct events, got %d", producers*perProducer, len(seen))
	}
	for k, n := range seen {
		if n != 1 {
			t.Fatalf("event %d delivered %d times", k, n)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue after final drain")
	}
}

func TestBoundedQueueCountsDrops(t *testing.T) {
	q := NewQueue(2)
	q.Push(Event{Type: PeerJoined})
	q.Push(Event{Type: PeerLeft})
	if q.Push(Event{Type: PeerJoined}) {
		t.Fatalf("expected push at capacity to fail")
	}
	if q.Dropped() != 1 {
		t.Fatalf("expected one drop, got %d", q.Dropped())
	}
	if got := q.Drain(); len(got) != 2 || got[0].Type != PeerJoined || got[1].Type != PeerLeft {
		t.Fatalf("unexpected drain %+v", got)
	}
	if !q.Push(Event{Type: PeerJoined}) {
		t.Fatalf("expected room after drain")
	}
}

func TestEventJSON(t *testing.T) {
	id := testID(t)
	at := time.UnixMilli(1700000000123)

	cases := []struct {
		ev   Event
		want map[string]any
		none []string
	}{
		{
			ev:   Joined(id, at),
			want: map[string]any{"type": "peer_joined", "peer_id": id.String(), "timestamp": float64(1700000000123)},
			none: []string{"tag", "payload", "latency_ms", "success"},
		},
		{
			ev:   Message(id, []byte("chat"), []byte("hello"), at),
			want: map[string]any{"type": "message", "tag": "chat", "payload": "aGVsbG8="},
			none: []string{"latency_ms", "success"},
		},
		{
			ev:   Message(id, []byte{0xff, 0xfe}, []byte("x"), at),
			want: map[string]any{"type": "message", "tag_b64": "//4=", "payload": "eA=="},
			none: []string{"tag"},
		},
		{
			ev:   Message(id, []byte("chat"), nil, at),
			want: map[string]any{"type": "message", "payload": ""},
		},
		{
			ev:   Ping(id, true, 42*time.Millisecond, at),
			want: map[string]any{"type": "ping_result", "success": true, "latency_ms": float64(42)},
			none: []string{"tag", "payload"},
		},
		{
			ev:   Ping(id, false, 0, at),
			want: map[string]any{"success": false, "latency_ms": float64(0)},
		},
		{
			ev:   Promoted(id, at),
			want: map[string]any{"type": "wolf_promoted"},
		},
		{
			ev:   Unreachable(id, at),
			want: map[string]any{"type": "peer_unreachable"},
		},
	}
	for _, tc := range cases {
		raw, err := json.Marshal(tc.ev)
		if err != nil {
			t.Fatalf("marshal %s failed: %v", tc.ev.Type, err)
		}
		var got map[string]any
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("unmarshal %s failed: %v", tc.ev.Type, err)
		}
		for k, v := range tc.want {
			if got[k] != v {
				t.Errorf("%s: field %s = %v, want %v", tc.ev.Type, k, got[k], v)
			}
		}
		for _, k := range tc.none {
			if _, ok := got[k]; ok {
				t.Errorf("%s: unexpected field %s", tc.ev.Type, k)
			}
		}
	}
}

func TestEncodeJSON(t *testing.T) {
	out, err := EncodeJSON([]Event{Joined(testID(t), time.Now()), Left(testID(t), time.Now())})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 records, got %d", len(out))
	}
}
