package proto

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := []byte{0xa1, 0x01, 0x64, 'p', 'i', 'n', 'g'}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
}

func TestEnvelopeRejectsBadSizes(t *testing.T) {
	if _, err := EncodeFrame(nil); err == nil {
		t.Fatalf("expected empty payload error")
	}
	if _, err := EncodeFrame(make([]byte, MaxFrameSize+1)); err == nil {
		t.Fatalf("expected oversize error")
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	if _, err := ReadFrame(bytes.NewReader(hdr[:])); err == nil {
		t.Fatalf("expected oversize header to be rejected")
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0})); err == nil {
		t.Fatalf("expected zero size to be rejected")
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 9, 1, 2})); err == nil {
		t.Fatalf("expected truncated body error")
	}
}
