package am

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/vtr/event"
	"github.com/taskmesh/vtr/internal/vtlog"
	"github.com/taskmesh/vtr/registry"
	"github.com/taskmesh/vtr/term"
	"github.com/taskmesh/vtr/transport/inmem"
	"github.com/taskmesh/vtr/vtctx"
)

// newRank assembles a Messenger plus the subsystems it needs over one rank
// of an inmem network, the same wiring vtr.InitializeContext performs minus
// the control handlers this package never dispatches.
func newRank(net *inmem.Network, rank, size, poolSize int) (*Messenger, *term.Detector, *registry.Registry[*Message]) {
	vctx := vtctx.New(vtctx.Node(rank), size, vtctx.WorldComm)
	reg := registry.New[*Message]()
	events := event.NewManager(vtctx.Node(rank), nil)
	det := term.NewDetector(vtctx.Node(rank), size, nil, vtlog.Get())
	return New(vctx, net.Rank(rank), reg, events, det, vtlog.Get(), poolSize), det, reg
}

// TestBroadcastChildrenMatchesWorkedExample pins the l1/l2 arithmetic on
// a 5-rank job rooted at rank 2: the root fans to 3 and 4, rank 3 wraps
// around to 0 and 1, and every other rank is a leaf.
func TestBroadcastChildrenMatchesWorkedExample(t *testing.T) {
	m := &Messenger{ctx: vtctx.New(0, 5, vtctx.WorldComm)}
	const root vtctx.Node = 2

	want := map[vtctx.Node][]vtctx.Node{
		0: nil,
		1: nil,
		2: {3, 4},
		3: {0, 1},
		4: nil,
	}
	for self, children := range want {
		require.Equalf(t, children, m.broadcastChildren(root, self), "children of rank %d", self)
	}
}

func TestSendAccountsProduceAndConsume(t *testing.T) {
	ctx := context.Background()
	net := inmem.NewNetwork(2)
	m0, det0, reg0 := newRank(net, 0, 2, 0)
	m1, det1, reg1 := newRank(net, 1, 2, 0)

	var got []byte
	id0 := reg0.RegisterNext(func(msg *Message) {}, registry.Dispatchable)
	id1 := reg1.RegisterNext(func(msg *Message) { got = msg.Payload }, registry.Dispatchable)
	require.Equal(t, id0, id1, "same-order bootstrap must assign identical ids on every rank")

	const epoch int32 = 3
	e := m0.SendMsg(ctx, 1, id0, []byte{9, 8, 7}, epoch)
	require.NotNil(t, e)

	require.Eventually(t, func() bool { return m1.TryProcessIncoming(ctx) }, time.Second, time.Millisecond)
	require.Equal(t, []byte{9, 8, 7}, got)

	prod, cons := det0.LocalCounts(epoch)
	require.EqualValues(t, 1, prod)
	require.EqualValues(t, 0, cons)
	prod, cons = det1.LocalCounts(epoch)
	require.EqualValues(t, 0, prod)
	require.EqualValues(t, 1, cons)
}

// TestTermMessageBypassesDetectorCounters covers the termination-message
// fast path: is_term traffic is invisible to the four counters on both the
// send and receive edge.
func TestTermMessageBypassesDetectorCounters(t *testing.T) {
	ctx := context.Background()
	net := inmem.NewNetwork(2)
	m0, det0, reg0 := newRank(net, 0, 2, 0)
	m1, det1, reg1 := newRank(net, 1, 2, 0)

	invoked := false
	reg0.RegisterNext(func(msg *Message) {}, registry.Critical)
	id := reg1.RegisterNext(func(msg *Message) { invoked = true }, registry.Critical)

	m0.SendTermMsg(ctx, 1, id, []byte("wave"))
	require.Eventually(t, func() bool { return m1.TryProcessIncoming(ctx) }, time.Second, time.Millisecond)
	require.True(t, invoked)

	for _, det := range []*term.Detector{det0, det1} {
		prod, cons := det.LocalCounts(term.AnyEpoch)
		require.Zero(t, prod)
		require.Zero(t, cons)
	}
}

func TestWorkerPoolDefersOnlyDispatchableHandlers(t *testing.T) {
	ctx := context.Background()
	net := inmem.NewNetwork(2)
	m0, _, reg0 := newRank(net, 0, 2, 0)
	m1, _, reg1 := newRank(net, 1, 2, 2)
	defer m1.Close()

	done := make(chan struct{})
	inline := false
	reg0.RegisterNext(func(msg *Message) {}, registry.Dispatchable)
	reg0.RegisterNext(func(msg *Message) {}, registry.Critical)
	hPooled := reg1.RegisterNext(func(msg *Message) { close(done) }, registry.Dispatchable)
	hCritical := reg1.RegisterNext(func(msg *Message) { inline = true }, registry.Critical)

	m0.SendMsg(ctx, 1, hPooled, nil, term.AnyEpoch)
	require.Eventually(t, func() bool { return m1.TryProcessIncoming(ctx) }, time.Second, time.Millisecond)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pooled handler never ran")
	}

	m0.SendMsg(ctx, 1, hCritical, nil, term.AnyEpoch)
	require.Eventually(t, func() bool { return m1.TryProcessIncoming(ctx) }, time.Second, time.Millisecond)
	require.True(t, inline, "CommCritical handler must complete before TryProcessIncoming returns")
}
