package main

import (
	"errors"

	"truman/internal/backend"
	"truman/internal/gossip"
	"truman/internal/peer"
)

// Result codes returned across the C boundary. Zero is success.
const (
	codeOK                 = 0
	codeAlreadyInitialized = -1
	codeNotInitialized     = -2
	codeTransportFailure   = -3
	codeUnknownPeer        = -4
	codeNotConnected       = -5
	codeNoConnectedPeers   = -6
	codeBusy               = -7
	codeMalformedID        = -8
	codePayloadTooLarge    = -9
	codeInternal           = -99
)

func resultCode(err error) int {
	switch {
	case err == nil:
		return codeOK
	case errors.Is(err, backend.ErrAlreadyInitialized):
		return codeAlreadyInitialized
	case errors.Is(err, backend.ErrNotInitialized), errors.Is(err, gossip.ErrStopped):
		return codeNotInitialized
	case errors.Is(err, backend.ErrTransportFailure):
		return codeTransportFailure
	case errors.Is(err, backend.ErrUnknownPeer):
		return codeUnknownPeer
	case errors.Is(err, backend.ErrNotConnected):
		return codeNotConnected
	case errors.Is(err, backend.ErrNoConnectedPeers):
		return codeNoConnectedPeers
	case errors.Is(err, gossip.ErrBusy):
		return codeBusy
	case errors.Is(err, peer.ErrMalformedID):
		return codeMalformedID
	case errors.Is(err, gossip.ErrPayloadTooLarge):
		return codePayloadTooLarge
	default:
		return codeInternal
	}
}

// decodeIDs turns the base58 strings handed over by the host into peer ids.
// One bad entry fails the whole list.
func decodeIDs(raw [][]byte) ([]peer.ID, error) {
	out := make([]peer.ID, 0, len(raw))
	for _, b := range raw {
		id, err := peer.Decode(string(b))
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func stringsToBytes(ss []string) [][]byte {
	out := make([][]byte, len(ss))
	for i, s := range ss {
		out[i] = []byte(s)
	}
	return out
}
