package vtr_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/vtr/am"
	"github.com/taskmesh/vtr/pipe"
	"github.com/taskmesh/vtr/registry"
	"github.com/taskmesh/vtr/transport/inmem"
	"github.com/taskmesh/vtr/vtctx"
	"github.com/taskmesh/vtr/vtr"
)

// TestPipeSenderTriggersRemoteHandler exercises pipe.Callback's
// SendToHandler variant bound to a real Runtime via PipeSender: triggering
// the callback on rank 0 must invoke rank 1's registered handler with the
// triggered payload.
func TestPipeSenderTriggersRemoteHandler(t *testing.T) {
	ctx := context.Background()
	net := inmem.NewNetwork(2)

	rt0 := vtr.InitializeContext(vtctx.Node(0), 2, vtctx.WorldComm, net.Rank(0))
	rt1 := vtr.InitializeContext(vtctx.Node(1), 2, vtctx.WorldComm, net.Rank(1))
	runtimes := []*vtr.Runtime{rt0, rt1}

	var invocations int32
	var lastPayload []byte
	var mu sync.Mutex
	handler := rt1.RegisterHandler(func(msg *am.Message) {
		atomic.AddInt32(&invocations, 1)
		mu.Lock()
		lastPayload = append([]byte(nil), msg.Payload...)
		mu.Unlock()
	}, registry.Dispatchable)

	collectiveBarrier(func(rt *vtr.Runtime) { rt.FinishRegistration(ctx) })(runtimes)

	cb := pipe.NewSendToHandler(pipe.NewID(vtctx.Node(0), 1), vtctx.Node(1), handler, rt0.PipeControlSender())
	cb.Trigger([]byte("fired"))

	pollUntil(t, ctx, runtimes, func() bool { return atomic.LoadInt32(&invocations) == 1 })
	mu.Lock()
	require.Equal(t, []byte("fired"), lastPayload)
	mu.Unlock()

	collectiveBarrier(func(rt *vtr.Runtime) { rt.FinalizeContext(ctx) })(runtimes)
	for _, rt := range runtimes {
		rt.FinalizeRuntime()
	}
}

// TestPipeSenderBroadcastsToEveryRank exercises the BroadcastToHandler
// variant over a real k=2 spanning tree: every rank's handler must fire
// exactly once.
func TestPipeSenderBroadcastsToEveryRank(t *testing.T) {
	ctx := context.Background()
	const size = 4
	net := inmem.NewNetwork(size)

	runtimes := make([]*vtr.Runtime, size)
	invocations := make([]int32, size)
	var handlerIDs [size]registry.HandlerID
	for i := 0; i < size; i++ {
		runtimes[i] = vtr.InitializeContext(vtctx.Node(i), size, vtctx.WorldComm, net.Rank(i))
		r := i
		handlerIDs[i] = runtimes[i].RegisterHandler(func(msg *am.Message) {
			atomic.AddInt32(&invocations[r], 1)
		}, registry.Dispatchable)
	}

	collectiveBarrier(func(rt *vtr.Runtime) { rt.FinishRegistration(ctx) })(runtimes)

	cb := pipe.NewBroadcastToHandler(pipe.NewID(vtctx.Node(0), 1), handlerIDs[0], runtimes[0].PipeControlSender())
	cb.TriggerVoid()

	for i := 0; i < 50; i++ {
		for _, rt := range runtimes {
			rt.Poll(ctx)
		}
	}

	for i := 0; i < size; i++ {
		require.EqualValuesf(t, 1, atomic.LoadInt32(&invocations[i]), "rank %d must receive the broadcast callback exactly once", i)
	}

	collectiveBarrier(func(rt *vtr.Runtime) { rt.FinalizeContext(ctx) })(runtimes)
	for _, rt := range runtimes {
		rt.FinalizeRuntime()
	}
}
