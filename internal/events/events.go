package events

import (
	"encoding/base64"
	"encoding/json"
	"time"
	"unicode/utf8"

	"truman/internal/peer"
)

type Type string

const (
	PeerJoined      Type = "peer_joined"
	PeerLeft        Type = "peer_left"
	MessageReceived Type = "message"
	PingResult      Type = "ping_result"
	WolfPromoted    Type = "wolf_promoted"
	PeerUnreachable Type = "peer_unreachable"
)

type Event struct {
	Type    Type
	Peer    peer.ID
	Tag     []byte
	Payload []byte
	Success bool
	Latency time.Duration
	At      time.Time
}

func Joined(id peer.ID, at time.Time) Event {
	return Event{Type: PeerJoined, Peer: id, At: at}
}

func Left(id peer.ID, at time.Time) Event {
	return Event{Type: PeerLeft, Peer: id, At: at}
}

func Message(from peer.ID, tag, payload []byte, at time.Time) Event {
	return Event{Type: MessageReceived, Peer: from, Tag: tag, Payload: payload, At: at}
}

func Ping(id peer.ID, success bool, latency time.Duration, at time.Time) Event {
	return Event{Type: PingResult, Peer: id, Success: success, Latency: latency, At: at}
}

func Promoted(id peer.ID, at time.Time) Event {
	return Event{Type: WolfPromoted, Peer: id, At: at}
}

func Unreachable(id peer.ID, at time.Time) Event {
	return Event{Type: PeerUnreachable, Peer: id, At: at}
}

type wireEvent struct {
	Type      Type    `json:"type"`
	PeerID    string  `json:"peer_id,omitempty"`
	Tag       *string `json:"tag,omitempty"`
	TagB64    *string `json:"tag_b64,omitempty"`
	Payload   *string `json:"payload,omitempty"`
	Success   *bool   `json:"success,omitempty"`
	LatencyMs *int64  `json:"latency_ms,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// MarshalJSON writes the host-facing form: base58 peer id, tag as text,
// payload as base64. A tag that is not valid UTF-8 goes out as base64 in
// tag_b64 instead of tag. Only fields that belong to the event type are
// present.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Type:      e.Type,
		PeerID:    e.Peer.String(),
		Timestamp: e.At.UnixMilli(),
	}
	switch e.Type {
	case MessageReceived:
		if utf8.Valid(e.Tag) {
			tag := string(e.Tag)
			w.Tag = &tag
		} else {
			tag := base64.StdEncoding.EncodeToString(e.Tag)
			w.TagB64 = &tag
		}
		payload := base64.StdEncoding.EncodeToString(e.Payload)
		w.Payload = &payload
	case PingResult:
		ok := e.Success
		ms := e.Latency.Milliseconds()
		w.Success = &ok
		w.LatencyMs = &ms
	}
	return json.Marshal(w)
}

func EncodeJSON(evs []Event) ([][]byte, error) {
	out := make([][]byte, 0, len(evs))
	for _, e := range evs {
		b, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
