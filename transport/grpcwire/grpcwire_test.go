package grpcwire_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/vtr/transport"
	"github.com/taskmesh/vtr/transport/grpcwire"
)

// reserveAddrs grabs n ephemeral loopback ports and releases them again, so
// every in-test rank can be handed the full address list up front the way a
// real launcher would distribute it.
func reserveAddrs(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, n)
	for i := range addrs {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addrs[i] = lis.Addr().String()
		require.NoError(t, lis.Close())
	}
	return addrs
}

func newMesh(t *testing.T, n int) []*grpcwire.Transport {
	t.Helper()
	ctx := context.Background()
	addrs := reserveAddrs(t, n)
	ts := make([]*grpcwire.Transport, n)
	for i := range ts {
		tp, err := grpcwire.New(ctx, i, addrs)
		require.NoError(t, err)
		ts[i] = tp
		t.Cleanup(tp.Close)
	}
	return ts
}

func TestSendProbeRecvAcrossRealWire(t *testing.T) {
	ctx := context.Background()
	ts := newMesh(t, 2)

	payload := []byte("over the wire")
	req, err := ts[0].Isend(ctx, payload, 1, 4)
	require.NoError(t, err)
	require.True(t, req.Test())

	var status transport.Status
	require.Eventually(t, func() bool {
		st, found, err := ts[1].Iprobe(ctx, transport.AnySource, transport.AnyTag)
		if err != nil || !found {
			return false
		}
		status = st
		return true
	}, 5*time.Second, time.Millisecond)

	require.Equal(t, 0, status.Source)
	require.Equal(t, 4, status.Tag)
	require.EqualValues(t, len(payload), status.Bytes)

	buf := make([]byte, status.Bytes)
	require.NoError(t, ts[1].Recv(ctx, buf, status))
	require.Equal(t, payload, buf)
}

func TestBarrierReleasesEveryRank(t *testing.T) {
	ctx := context.Background()
	ts := newMesh(t, 3)

	var wg sync.WaitGroup
	errs := make([]error, len(ts))
	for i, tp := range ts {
		wg.Add(1)
		go func(i int, tp *grpcwire.Transport) {
			defer wg.Done()
			errs[i] = tp.Barrier(ctx)
		}(i, tp)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoErrorf(t, err, "rank %d barrier", i)
	}
}

// TestPutGetTargetWindow exercises the one-sided control plane: rank 0
// writes into rank 1's registered window over the Control RPC and reads the
// same region back.
func TestPutGetTargetWindow(t *testing.T) {
	ctx := context.Background()
	ts := newMesh(t, 2)

	// Collective creation: both ranks call WinCreate once, in the same
	// order, so the assigned window ids line up. The non-owner passes nil.
	target := make([]byte, 64)
	_, err := ts[1].WinCreate(target, nil)
	require.NoError(t, err)
	w0, err := ts[0].WinCreate(nil, nil)
	require.NoError(t, err)

	require.NoError(t, ts[0].WinLock(ctx, 1, w0, transport.LockExclusive))
	require.NoError(t, ts[0].Put(ctx, []byte{0xAB, 0xCD}, 1, 8, w0))
	require.NoError(t, ts[0].Flush(ctx, 1, w0))
	require.NoError(t, ts[0].WinUnlock(ctx, 1, w0))

	require.Equal(t, byte(0xAB), target[8])
	require.Equal(t, byte(0xCD), target[9])

	back := make([]byte, 2)
	require.NoError(t, ts[0].Get(ctx, back, 1, 8, w0))
	require.Equal(t, []byte{0xAB, 0xCD}, back)
}
