package gossip

import (
	"context"

	"go.uber.org/zap"

	"truman/internal/peer"
	"truman/internal/proto"
)

func (e *Engine) sendFrame(ctx context.Context, to peer.ID, f *proto.Frame) {
	data, err := proto.EncodeGossipFrame(f)
	if err != nil {
		e.log.Warn("encode frame failed", zap.String("type", f.Type), zap.Error(err))
		return
	}
	e.sendRaw(ctx, to, f.Type, data)
}

// sendRaw hands data to the transport on its own goroutine. At most
// MaxInflightSends run at once; beyond that the frame is dropped.
func (e *Engine) sendRaw(ctx context.Context, to peer.ID, typ string, data []byte) {
	select {
	case e.sendSem <- struct{}{}:
	default:
		e.m.IncDrop("send_backpressure")
		return
	}
	e.wg.Add(1)
	go func() {
		defer func() {
			<-e.sendSem
			e.wg.Done()
		}()
		sctx, cancel := context.WithTimeout(ctx, e.sendTO)
		err := e.tr.Send(sctx, to, data)
		cancel()
		if err != nil {
			e.deliverNoWait(inbound{kind: inSendFailed, from: to, err: err}, "inbox_full")
			return
		}
		e.m.IncFrameSent(typ)
	}()
}
