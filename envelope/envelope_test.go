package envelope_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/vtr/envelope"
	"github.com/taskmesh/vtr/registry"
	"github.com/taskmesh/vtr/vtctx"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	h := registry.PackHandlerID(registry.NoNodeSlot, 0x1234)
	e := envelope.New(vtctx.Node(3), h, 7, 99)
	e = e.WithFlag(envelope.FlagIsBcast)
	e.BroadcastRoot = 2
	e.Group = vtctx.Comm(0xDEADBEEF)

	buf, err := e.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, envelope.Size)

	var got envelope.Envelope
	require.NoError(t, got.UnmarshalBinary(buf))
	require.Equal(t, e.Dest, got.Dest)
	require.Equal(t, e.Handler, got.Handler)
	require.Equal(t, e.Epoch, got.Epoch)
	require.Equal(t, e.Tag, got.Tag)
	require.Equal(t, e.Flags, got.Flags)
	require.Equal(t, e.BroadcastRoot, got.BroadcastRoot)
	require.Equal(t, e.Group, got.Group)
	require.True(t, got.IsBcast())
	require.False(t, got.IsTerm())
}

func TestUnmarshalShortBufferErrors(t *testing.T) {
	var e envelope.Envelope
	err := e.UnmarshalBinary(make([]byte, envelope.Size-1))
	require.Error(t, err)
}

func TestFrameSplitsEnvelopeAndPayload(t *testing.T) {
	h := registry.PackHandlerID(registry.NoNodeSlot, 5)
	e := envelope.New(vtctx.Node(1), h, 0, 0)
	payload := []byte("hello")

	buf := envelope.Pack(e, payload)
	require.Len(t, buf, envelope.Size+len(payload))

	got, rest, err := envelope.Frame(buf)
	require.NoError(t, err)
	require.Equal(t, e.Dest, got.Dest)
	require.Equal(t, payload, rest)
}

func TestFlagBitsAreIndependent(t *testing.T) {
	var e envelope.Envelope
	e = e.WithFlag(envelope.FlagIsTerm)
	require.True(t, e.IsTerm())
	require.False(t, e.IsBcast())

	e = e.WithFlag(envelope.FlagIsBcast)
	require.True(t, e.IsTerm())
	require.True(t, e.IsBcast())
	require.False(t, e.HasFlag(envelope.FlagIsLocation))
}

func TestHandlerIDReconstructsNodeScope(t *testing.T) {
	h := registry.PackHandlerID(registry.NoNodeSlot, 0xAB)
	e := envelope.New(vtctx.Node(4), h, 0, 0)
	scoped := e.HandlerID(4)
	require.EqualValues(t, 4, scoped.NodeSlot())
	require.EqualValues(t, 0xAB, scoped.Identifier())
}
