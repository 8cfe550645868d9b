// Command vtrpingpong is a runnable two-rank worked example: both ranks
// register the same handler, rank 0 sends one message to rank 1, and the
// demo waits for the event returned on rank 0 to go Ready and for the
// detector to declare the epoch terminated, then prints what each rank
// observed.
package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/taskmesh/vtr/am"
	"github.com/taskmesh/vtr/event"
	"github.com/taskmesh/vtr/registry"
	"github.com/taskmesh/vtr/transport/inmem"
	"github.com/taskmesh/vtr/vtctx"
	"github.com/taskmesh/vtr/vtr"
)

// collective runs fn for every runtime concurrently and joins on all of
// them, the shape every barrier-backed call needs (each rank's call blocks
// until the others arrive).
func collective(ctx context.Context, runtimes []*vtr.Runtime, fn func(*vtr.Runtime) error) error {
	g, _ := am.RunGroup(ctx)
	for _, rt := range runtimes {
		rt := rt
		g.Go(func() error { return fn(rt) })
	}
	return g.Wait()
}

func main() {
	ctx := context.Background()
	net := inmem.NewNetwork(2)

	var invocations int32
	var payload [8]byte

	runtimes := make([]*vtr.Runtime, 2)
	var handlerID registry.HandlerID

	for rank := 0; rank < 2; rank++ {
		rt := vtr.InitializeContext(vtctx.Node(rank), 2, vtctx.WorldComm, net.Rank(rank))
		runtimes[rank] = rt

		id := rt.RegisterHandler(func(msg *am.Message) {
			atomic.AddInt32(&invocations, 1)
			fmt.Printf("rank %d: H invoked with payload=%v\n", rt.Context.Node(), msg.Payload)
		}, registry.Dispatchable)
		if rank == 0 {
			handlerID = id
		}
	}

	if err := collective(ctx, runtimes, func(rt *vtr.Runtime) error {
		rt.FinishRegistration(ctx)
		return nil
	}); err != nil {
		panic(err)
	}

	rt0, rt1 := runtimes[0], runtimes[1]

	const epoch int32 = 1
	rt0.Term.NewEpoch(epoch)
	rt1.Term.NewEpoch(epoch)

	copy(payload[:], []byte{1, 0, 0, 0, 0, 0, 0, 0}) // {seq:1}
	sendEvent := rt0.Messenger.SendMsg(ctx, vtctx.Node(1), handlerID, payload[:], epoch)

	for sendEvent.Test() != event.Ready {
		rt0.Poll(ctx)
		rt1.Poll(ctx)
		time.Sleep(time.Millisecond)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !rt0.Term.EpochFinished(epoch) && time.Now().Before(deadline) {
		rt0.Poll(ctx)
		rt1.Poll(ctx)
		time.Sleep(time.Millisecond)
	}

	fmt.Printf("handler invocations: %d\n", atomic.LoadInt32(&invocations))
	fmt.Printf("epoch %d finished on rank 0: %v\n", epoch, rt0.Term.EpochFinished(epoch))

	rt0.FinalizeRuntime()
	rt1.FinalizeRuntime()

	if err := collective(ctx, runtimes, func(rt *vtr.Runtime) error {
		rt.FinalizeContext(ctx)
		return nil
	}); err != nil {
		panic(err)
	}
}
