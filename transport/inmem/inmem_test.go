package inmem_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/vtr/transport"
	"github.com/taskmesh/vtr/transport/inmem"
)

func TestSendRecvRoundTrip(t *testing.T) {
	ctx := context.Background()
	net := inmem.NewNetwork(2)
	a, b := net.Rank(0), net.Rank(1)

	req, err := a.Isend(ctx, []byte("hello"), 1, 7)
	require.NoError(t, err)
	require.True(t, req.Test())

	status, found, err := b.Iprobe(ctx, transport.AnySource, transport.AnyTag)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 0, status.Source)
	require.Equal(t, 7, status.Tag)
	require.Equal(t, int64(5), status.Bytes)

	buf := make([]byte, status.Bytes)
	require.NoError(t, b.Recv(ctx, buf, status))
	require.Equal(t, "hello", string(buf))
}

func TestIprobeFalseWhenNothingArrived(t *testing.T) {
	net := inmem.NewNetwork(2)
	_, found, err := net.Rank(1).Iprobe(context.Background(), transport.AnySource, transport.AnyTag)
	require.NoError(t, err)
	require.False(t, found)
}

func TestBarrierReleasesOnceEveryRankArrives(t *testing.T) {
	net := inmem.NewNetwork(3)
	done := make(chan int, 3)
	for r := 0; r < 3; r++ {
		go func(r int) {
			_ = net.Rank(r).Barrier(context.Background())
			done <- r
		}(r)
	}
	for i := 0; i < 3; i++ {
		<-done
	}
}

func TestWinPutGetAddressTargetRankRegardlessOfCaller(t *testing.T) {
	ctx := context.Background()
	net := inmem.NewNetwork(2)
	owner, peer := net.Rank(1), net.Rank(0)

	ownerBuf := make([]byte, 8)
	group, err := owner.GroupFromRanks([]int{0, 1})
	require.NoError(t, err)
	comm, err := owner.CommCreateGroup(ctx, group, 42)
	require.NoError(t, err)

	ownerWin, err := owner.WinCreate(ownerBuf, comm)
	require.NoError(t, err)
	peerWin, err := peer.WinCreate(nil, comm)
	require.NoError(t, err)

	require.NoError(t, peer.WinLock(ctx, 1, peerWin, transport.LockExclusive))
	require.NoError(t, peer.Put(ctx, []byte{1, 2, 3, 4}, 1, 2, peerWin))
	require.NoError(t, peer.Flush(ctx, 1, peerWin))
	require.NoError(t, peer.WinUnlock(ctx, 1, peerWin))

	require.Equal(t, []byte{0, 0, 1, 2, 3, 4, 0, 0}, ownerBuf)

	out := make([]byte, 2)
	require.NoError(t, owner.Get(ctx, out, 1, 3, ownerWin))
	require.Equal(t, []byte{2, 3}, out)
}
