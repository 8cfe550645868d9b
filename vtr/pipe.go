package vtr

import (
	"context"

	"github.com/taskmesh/vtr/pipe"
	"github.com/taskmesh/vtr/registry"
	"github.com/taskmesh/vtr/term"
	"github.com/taskmesh/vtr/vtctx"
)

// PipeSender adapts a Runtime to pipe.Sender, so callback.Trigger can ship
// a SendToHandler/BroadcastToHandler variant over the runtime's own
// ActiveMessenger. Pipes and callbacks have no dedicated control handler
// of their own: a Callback's target handler is whatever application
// handler the caller registered via Runtime.RegisterHandler, so triggering
// one is an ordinary SendMsg/BroadcastMsg call at the current epoch.
func (rt *Runtime) PipeSender(epoch int32) pipe.Sender {
	return pipeSender{rt: rt, epoch: epoch}
}

type pipeSender struct {
	rt    *Runtime
	epoch int32
}

func (s pipeSender) Send(node vtctx.Node, handler registry.HandlerID, payload []byte) {
	s.rt.Messenger.SendMsg(context.Background(), node, handler, payload, s.epoch)
}

func (s pipeSender) Broadcast(handler registry.HandlerID, payload []byte) {
	s.rt.Messenger.BroadcastMsg(context.Background(), handler, payload, s.epoch)
}

// PipeControlSender returns the term.AnyEpoch-pinned Sender used by control
// traffic (e.g. a callback fired purely to notify completion, with nothing
// for the termination detector to track).
func (rt *Runtime) PipeControlSender() pipe.Sender {
	return pipeSender{rt: rt, epoch: term.AnyEpoch}
}
