package rdma_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/vtr/internal/vtrtest"
	"github.com/taskmesh/vtr/rdma"
	"github.com/taskmesh/vtr/transport/inmem"
	"github.com/taskmesh/vtr/vtctx"
	"github.com/taskmesh/vtr/vtrerr"
)

func TestHandleBitPackingRoundTrips(t *testing.T) {
	h := rdma.PackHandle(true, false, true, rdma.OpPut, 0xABCD1234&0xFFFFFFFF, vtctx.Node(7))

	require.True(t, h.Sized())
	require.False(t, h.Collective())
	require.True(t, h.IsHandlerType())
	require.Equal(t, rdma.OpPut, h.OpType())
	require.Equal(t, uint32(0xABCD1234), h.Identifier())
	require.Equal(t, vtctx.Node(7), h.Node())
}

func TestRegisterNewRDMAHandlerAssignsOwningNode(t *testing.T) {
	m := rdma.NewManager(vtctx.Node(3))
	buf := make([]byte, 8192)
	for i := range buf {
		buf[i] = 0xAB
	}

	h := m.RegisterNewRDMAHandler(buf, false)
	require.Equal(t, vtctx.Node(3), h.Node())
	require.True(t, h.Sized())
}

func TestGetRequestParksUntilHandlerAssociated(t *testing.T) {
	m := rdma.NewManager(vtctx.Node(1))
	buf := []byte{0xAB, 0xAB, 0xAB, 0xAB}
	h := m.RegisterNewRDMAHandler(buf, false)

	const tag int32 = 7
	replayed := 0
	_, ok := m.HandleGetMessage(h, tag, func() { replayed++ })
	require.False(t, ok, "get must park with no handler registered for this tag")

	m.AssociateGetFunction(h, tag, func(int32) []byte {
		out := make([]byte, len(buf))
		copy(out, buf)
		return out
	})
	require.Equal(t, 1, replayed, "associating a handler must replay the parked request")

	data, ok := m.HandleGetMessage(h, tag, func() {})
	require.True(t, ok)
	require.Equal(t, buf, data)
}

func TestGetRequestAnyTagFallback(t *testing.T) {
	m := rdma.NewManager(vtctx.Node(0))
	h := m.RegisterNewRDMAHandler([]byte{1, 2, 3}, false)

	m.AssociateGetFunction(h, rdma.AnyTag, func(int32) []byte { return []byte{9, 9} })

	data, ok := m.HandleGetMessage(h, 42, func() {})
	require.True(t, ok)
	require.Equal(t, []byte{9, 9}, data)
}

func TestPutRequestAppliesBoundHandler(t *testing.T) {
	m := rdma.NewManager(vtctx.Node(0))
	target := make([]byte, 4)
	h := m.RegisterNewRDMAHandler(target, false)

	m.AssociatePutFunction(h, 3, func(_ int32, data []byte) { copy(target, data) })

	ok := m.HandlePutMessage(h, 3, []byte{1, 2, 3, 4}, func() {})
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3, 4}, target)
}

// TestRDMAGetViaChannel: target rank 1
// registers a handle over an 8192-byte buffer initialized to 0xAB;
// non-target rank 0 performs a Get through a Channel, and after
// SyncChannelLocal the local buffer holds the target's bytes. The transfer
// goes through a real two-rank inmem.Network, exercising the same
// WinCreate/WinLock/Get/FlushLocal path a real wire transport would.
func TestRDMAGetViaChannel(t *testing.T) {
	ctx := context.Background()
	net := inmem.NewNetwork(2)

	targetBuf := make([]byte, 8192)
	for i := range targetBuf {
		targetBuf[i] = 0xAB
	}

	targetCh := rdma.NewChannel(net.Rank(1), vtctx.Node(1), vtctx.Node(0), rdma.OpGet)
	require.NoError(t, targetCh.InitChannelGroup(ctx, targetBuf))

	nonTargetCh := rdma.NewChannel(net.Rank(0), vtctx.Node(1), vtctx.Node(0), rdma.OpGet)
	require.NoError(t, nonTargetCh.InitChannelGroup(ctx, nil))

	local := make([]byte, 1024)
	require.NoError(t, nonTargetCh.Lock(ctx))
	require.NoError(t, nonTargetCh.WriteDataToChannel(ctx, local, 2048))
	require.NoError(t, nonTargetCh.SyncChannelLocal(ctx))

	for i, b := range local {
		require.Equalf(t, byte(0xAB), b, "byte %d must equal the target's initialized value", i)
	}
}

func TestChannelWriteOutsideLockAborts(t *testing.T) {
	ctx := context.Background()
	net := inmem.NewNetwork(2)
	ch := rdma.NewChannel(net.Rank(0), vtctx.Node(1), vtctx.Node(0), rdma.OpGet)
	require.NoError(t, ch.InitChannelGroup(ctx, nil))

	fault := vtrtest.CaptureAbort(t, func() {
		ch.WriteDataToChannel(ctx, make([]byte, 4), 0)
	})
	require.Equal(t, vtrerr.ContractViolation, fault.Kind)
}

// TestRDMAPutViaChannel mirrors the Put direction: non-target rank 0 writes
// into target rank 1's window, and SyncChannelGlobal releases the
// exclusive lock once the transfer settles.
func TestRDMAPutViaChannel(t *testing.T) {
	ctx := context.Background()
	net := inmem.NewNetwork(2)

	targetBuf := make([]byte, 16)

	targetCh := rdma.NewChannel(net.Rank(1), vtctx.Node(1), vtctx.Node(0), rdma.OpPut)
	require.NoError(t, targetCh.InitChannelGroup(ctx, targetBuf))

	nonTargetCh := rdma.NewChannel(net.Rank(0), vtctx.Node(1), vtctx.Node(0), rdma.OpPut)
	require.NoError(t, nonTargetCh.InitChannelGroup(ctx, nil))

	payload := []byte{1, 2, 3, 4}
	require.NoError(t, nonTargetCh.Lock(ctx))
	require.NoError(t, nonTargetCh.WriteDataToChannel(ctx, payload, 4))
	require.NoError(t, nonTargetCh.SyncChannelGlobal(ctx))

	require.Equal(t, payload, targetBuf[4:8])
}

func TestGroupLocatesElementByBlock(t *testing.T) {
	g := &rdma.Group{
		BlockForNode: func(block int) vtctx.Node { return vtctx.Node(block % 3) },
		RangeForElem: func(elem int) (block, lo, hi int) {
			return elem / 10, (elem % 10) * 4, (elem%10)*4 + 4
		},
	}

	node, lo, hi := g.Locate(23)
	require.Equal(t, vtctx.Node(2), node) // block 2 % 3
	require.Equal(t, 12, lo)
	require.Equal(t, 16, hi)
}
