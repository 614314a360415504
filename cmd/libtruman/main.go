// Command libtruman builds the gossip network as a C shared library:
//
//	go build -buildmode=c-shared -o libtruman.so ./cmd/libtruman
//
// Every list handed to the host is allocated with malloc and must be
// returned through free_ffi_list.
package main

/*
#include "libtruman.h"
*/
import "C"

import (
	"unsafe"

	"go.uber.org/zap"

	"truman/internal/backend"
	"truman/internal/config"
	"truman/internal/logging"
	"truman/internal/peer"
)

var (
	log = newLogger()
	nw  = backend.New(backend.Options{Logger: log})
)

func newLogger() *zap.Logger {
	l, _, err := logging.New(config.Default().Log)
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func main() {}

func goBytes(ptr *C.uint8_t, n C.uintptr_t) []byte {
	if ptr == nil || n == 0 {
		return nil
	}
	return C.GoBytes(unsafe.Pointer(ptr), C.int(n))
}

func goList(ptrs **C.uint8_t, sizes *C.uintptr_t, n C.uintptr_t) [][]byte {
	if ptrs == nil || sizes == nil || n == 0 {
		return nil
	}
	ps := unsafe.Slice(ptrs, int(n))
	ss := unsafe.Slice(sizes, int(n))
	out := make([][]byte, int(n))
	for i := range out {
		out[i] = goBytes(ps[i], ss[i])
	}
	return out
}

func cList(items [][]byte) C.FFIList {
	if len(items) == 0 {
		return C.FFIList{}
	}
	n := C.size_t(len(items))
	ptrs := (**C.uint8_t)(C.malloc(n * C.size_t(unsafe.Sizeof(uintptr(0)))))
	sizes := (*C.uintptr_t)(C.malloc(n * C.size_t(unsafe.Sizeof(C.uintptr_t(0)))))
	ps := unsafe.Slice(ptrs, len(items))
	ss := unsafe.Slice(sizes, len(items))
	for i, it := range items {
		ps[i] = (*C.uint8_t)(C.CBytes(it))
		ss[i] = C.uintptr_t(len(it))
	}
	return C.FFIList{ptr: ptrs, sizes_ptr: sizes, size: C.uintptr_t(len(items))}
}

func decodeOne(ptr *C.uint8_t, n C.uintptr_t) (peer.ID, error) {
	return peer.Decode(string(goBytes(ptr, n)))
}

//export truman_init
func truman_init(ptrs **C.uint8_t, sizes *C.uintptr_t, n C.uintptr_t) C.int {
	ids, err := decodeIDs(goList(ptrs, sizes, n))
	if err != nil {
		return C.int(resultCode(err))
	}
	return C.int(resultCode(nw.Init(ids)))
}

//export start_gossip_loop
func start_gossip_loop() {
	if err := nw.StartGossipLoop(); err != nil {
		log.Warn("start gossip loop failed", zap.Error(err))
	}
}

//export collect_events
func collect_events() C.FFIList {
	raw, err := nw.CollectEventsJSON()
	if err != nil {
		log.Warn("encode events failed", zap.Error(err))
	}
	return cList(raw)
}

//export ping
func ping(target *C.uint8_t, n C.uintptr_t) C.int {
	id, err := decodeOne(target, n)
	if err != nil {
		return C.int(resultCode(err))
	}
	return C.int(resultCode(nw.Ping(id)))
}

//export get_peers
func get_peers() C.FFIList {
	return cList(stringsToBytes(nw.GetPeers()))
}

//export broadcast_message
func broadcast_message(payload *C.uint8_t, payloadLen C.uintptr_t, tag *C.uint8_t, tagLen C.uintptr_t) C.int {
	return C.int(resultCode(nw.BroadcastMessage(goBytes(payload, payloadLen), goBytes(tag, tagLen), nil)))
}

//export send_direct_message
func send_direct_message(target *C.uint8_t, targetLen C.uintptr_t, payload *C.uint8_t, payloadLen C.uintptr_t, tag *C.uint8_t, tagLen C.uintptr_t) C.int {
	id, err := decodeOne(target, targetLen)
	if err != nil {
		return C.int(resultCode(err))
	}
	return C.int(resultCode(nw.BroadcastMessage(goBytes(payload, payloadLen), goBytes(tag, tagLen), &id)))
}

//export new_wolf
func new_wolf(id *C.uint8_t, n C.uintptr_t) C.int {
	pid, err := decodeOne(id, n)
	if err != nil {
		return C.int(resultCode(err))
	}
	return C.int(resultCode(nw.NewWolf(pid)))
}

//export get_local_peer_id
func get_local_peer_id() C.FFIList {
	id, err := nw.LocalPeerID()
	if err != nil {
		return C.FFIList{}
	}
	return cList([][]byte{[]byte(id)})
}

//export cleanup
func cleanup() {
	nw.Cleanup()
}

//export free_ffi_list
func free_ffi_list(l C.FFIList) {
	if l.ptr == nil {
		return
	}
	ps := unsafe.Slice(l.ptr, int(l.size))
	for _, p := range ps {
		C.free(unsafe.Pointer(p))
	}
	C.free(unsafe.Pointer(l.ptr))
	C.free(unsafe.Pointer(l.sizes_ptr))
}
