package vtr

import (
	"context"

	"github.com/taskmesh/vtr/am"
	"github.com/taskmesh/vtr/event"
	"github.com/taskmesh/vtr/registry"
	"github.com/taskmesh/vtr/seq"
	"github.com/taskmesh/vtr/vtctx"
)

// MatcherCodec supplies the wire encoding for one sequenced message type M,
// mirroring LocationCodec's self-delimiting contract: DecodeMsg returns the
// decoded value plus whatever bytes (if any) follow it.
type MatcherCodec[M any] struct {
	EncodeMsg func(M) []byte
	DecodeMsg func([]byte) (M, []byte)
}

// SequencedMessenger wires one seq.Matcher[M] to a single Registry
// handler: a sequence's wait/trigger protocol rides on the runtime's own
// ActiveMessenger instead of a bespoke transport, with the arriving
// message's tag threaded through the wire to dispatch into the Matcher.
type SequencedMessenger[M any] struct {
	Matcher *seq.Matcher[M]
	Handler registry.HandlerID

	rt    *Runtime
	codec MatcherCodec[M]
}

// NewSequencedMessenger constructs a Matcher[M] for rt and registers its
// handler. critical should be registry.Dispatchable for application-level
// sequences (the common case): the matcher's own Wait/SequenceMsg pairing
// is pure in-memory bookkeeping, cheap enough to run off the comm
// goroutine, unlike location/term/RDMA's control-plane traffic.
func NewSequencedMessenger[M any](rt *Runtime, codec MatcherCodec[M], critical registry.CommCritical) *SequencedMessenger[M] {
	sm := &SequencedMessenger[M]{Matcher: seq.NewMatcher[M](), rt: rt, codec: codec}
	sm.Handler = rt.RegisterHandler(func(msg *am.Message) {
		tag, tagged, rest := decodeSeqHeader(msg.Payload)
		m, _ := codec.DecodeMsg(rest)
		sm.Matcher.SequenceMsg(sm.Handler, tag, tagged, m)
	}, critical)
	return sm
}

// Send ships msg to node under this matcher's handler, tagged as given.
func (sm *SequencedMessenger[M]) Send(ctx context.Context, node vtctx.Node, tag int32, tagged bool, msg M, epoch int32) *event.Event {
	payload := append(encodeSeqHeader(tag, tagged), sm.codec.EncodeMsg(msg)...)
	return sm.rt.Messenger.SendMsg(ctx, node, sm.Handler, payload, epoch)
}

// Wait registers trigger against the next arriving message matching tag.
func (sm *SequencedMessenger[M]) Wait(tag int32, tagged bool, trigger func(M)) {
	sm.Matcher.Wait(sm.Handler, tag, tagged, trigger)
}
