package pipe_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/vtr/pipe"
	"github.com/taskmesh/vtr/registry"
	"github.com/taskmesh/vtr/vtctx"
)

func TestPipeFiresOnceAndBuffersLateSubscribers(t *testing.T) {
	p := pipe.NewPipe(pipe.NewID(vtctx.Node(0), 1))

	var first, second []byte
	p.Subscribe(func(v []byte) { first = v })
	p.Trigger([]byte("hello"))
	p.Trigger([]byte("again")) // must be a no-op, settle-once

	require.Equal(t, []byte("hello"), first)

	// A subscriber added after firing must run inline immediately.
	p.Subscribe(func(v []byte) { second = v })
	require.Equal(t, []byte("hello"), second)
}

func TestPersistentPipeFansOutEveryTrigger(t *testing.T) {
	p := pipe.NewPersistentPipe(pipe.NewID(vtctx.Node(0), 2))

	var seen []string
	p.Subscribe(func(v []byte) { seen = append(seen, string(v)) })

	p.Trigger([]byte("a"))
	p.Trigger([]byte("b"))

	require.Equal(t, []string{"a", "b"}, seen)
}

type recordingSender struct {
	sent      []sentCall
	broadcast []broadcastCall
}

type sentCall struct {
	node    vtctx.Node
	handler registry.HandlerID
	payload []byte
}

type broadcastCall struct {
	handler registry.HandlerID
	payload []byte
}

func (s *recordingSender) Send(node vtctx.Node, handler registry.HandlerID, payload []byte) {
	s.sent = append(s.sent, sentCall{node, handler, payload})
}

func (s *recordingSender) Broadcast(handler registry.HandlerID, payload []byte) {
	s.broadcast = append(s.broadcast, broadcastCall{handler, payload})
}

func TestAnonymousCallbackInvokesLocalClosure(t *testing.T) {
	var got []byte
	cb := pipe.NewAnonymous(func(payload []byte) { got = payload })
	cb.Trigger([]byte("x"))
	require.Equal(t, []byte("x"), got)
}

func TestSendToHandlerCallbackTriggersSender(t *testing.T) {
	sender := &recordingSender{}
	handler := registry.PackHandlerID(registry.NoNodeSlot, 5)
	cb := pipe.NewSendToHandler(pipe.NewID(vtctx.Node(0), 1), vtctx.Node(3), handler, sender)

	cb.Trigger([]byte("payload"))
	require.Len(t, sender.sent, 1)
	require.Equal(t, vtctx.Node(3), sender.sent[0].node)
	require.Equal(t, handler, sender.sent[0].handler)
	require.Equal(t, []byte("payload"), sender.sent[0].payload)
}

func TestBroadcastToHandlerCallbackTriggersSender(t *testing.T) {
	sender := &recordingSender{}
	handler := registry.PackHandlerID(registry.NoNodeSlot, 9)
	cb := pipe.NewBroadcastToHandler(pipe.NewID(vtctx.Node(0), 1), handler, sender)

	cb.TriggerVoid()
	require.Len(t, sender.broadcast, 1)
	require.Equal(t, handler, sender.broadcast[0].handler)
	require.Nil(t, sender.broadcast[0].payload)
}

func TestCallbackMarshalRoundTrip(t *testing.T) {
	handler := registry.PackHandlerID(registry.NoNodeSlot, 11)
	orig := pipe.NewCollectionElementSend(pipe.NewID(vtctx.Node(2), 7), 42, handler, vtctx.Node(5), nil)

	data, err := orig.MarshalBinary()
	require.NoError(t, err)

	var decoded pipe.Callback
	require.NoError(t, decoded.UnmarshalBinary(data))

	require.Equal(t, orig.Kind, decoded.Kind)
	require.Equal(t, orig.PipeID, decoded.PipeID)
	require.Equal(t, orig.Handler, decoded.Handler)
	require.Equal(t, orig.Dest, decoded.Dest)
	require.Equal(t, orig.ElementID, decoded.ElementID)

	sender := &recordingSender{}
	bound := decoded.WithSender(sender)
	bound.Trigger([]byte("m1"))
	require.Len(t, sender.sent, 1)
	require.Equal(t, vtctx.Node(5), sender.sent[0].node)
}
