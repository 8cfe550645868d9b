// Package envelope implements the fixed-size wire header carried on the
// front of every active-message byte buffer.
package envelope

import (
	"encoding/binary"

	"github.com/taskmesh/vtr/registry"
	"github.com/taskmesh/vtr/vtctx"
)

// Size is the exact on-wire byte length of an Envelope.
const Size = 24

// Flag bits.
const (
	FlagIsTerm            uint16 = 1 << 0
	FlagIsBcast           uint16 = 1 << 1
	FlagHasBeenSerialized uint16 = 1 << 2
	FlagIsLocation        uint16 = 1 << 3
	FlagIsPipe            uint16 = 1 << 4
	FlagDeliverToSender   uint16 = 1 << 5
)

// NoBroadcastRoot is the sentinel broadcast_root value before a tree
// broadcast's root has been set.
const NoBroadcastRoot int16 = -1

// Envelope is the fixed 24-byte prefix of every message on the wire:
//
//	dest:i16, handler:i16, epoch:i32, tag:i32, flags:u16,
//	broadcast_root:i16, group:u64
//
// The wire handler field carries only the 16-bit identifier component of a
// registry.HandlerID: the node-slot component, where present, is always the
// envelope's own Dest, so it is never duplicated on the wire.
type Envelope struct {
	Dest          vtctx.Node
	Handler       uint16
	Epoch         int32
	Tag           int32
	Flags         uint16
	BroadcastRoot int16
	Group         vtctx.Comm
}

// New constructs a plain (non-term, non-bcast) Envelope addressed to dest.
func New(dest vtctx.Node, handler registry.HandlerID, epoch int32, tag int32) Envelope {
	return Envelope{
		Dest:          dest,
		Handler:       handler.Identifier(),
		Epoch:         epoch,
		Tag:           tag,
		BroadcastRoot: NoBroadcastRoot,
		Group:         vtctx.WorldComm,
	}
}

// HandlerID reconstructs the full registry.HandlerID this envelope names,
// scoped to the node slot of the receiving rank (conventionally e.Dest, the
// rank at which this envelope is being dispatched).
func (e Envelope) HandlerID(slot int16) registry.HandlerID {
	return registry.PackHandlerID(slot, e.Handler)
}

// HasFlag reports whether bit is set in e.Flags.
func (e Envelope) HasFlag(bit uint16) bool { return e.Flags&bit != 0 }

// WithFlag returns a copy of e with bit set.
func (e Envelope) WithFlag(bit uint16) Envelope {
	e.Flags |= bit
	return e
}

// IsTerm reports the is_term flag.
func (e Envelope) IsTerm() bool { return e.HasFlag(FlagIsTerm) }

// IsBcast reports the is_bcast flag.
func (e Envelope) IsBcast() bool { return e.HasFlag(FlagIsBcast) }

// MarshalBinary encodes e into the exact 24-byte little-endian wire
// layout.
func (e Envelope) MarshalBinary() ([]byte, error) {
	buf := make([]byte, Size)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(e.Dest))
	binary.LittleEndian.PutUint16(buf[2:4], e.Handler)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(e.Epoch))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(e.Tag))
	binary.LittleEndian.PutUint16(buf[12:14], e.Flags)
	binary.LittleEndian.PutUint16(buf[14:16], uint16(e.BroadcastRoot))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(e.Group))
	return buf, nil
}

// UnmarshalBinary decodes the first Size bytes of data into e. Returns an
// error if data is shorter than Size.
func (e *Envelope) UnmarshalBinary(data []byte) error {
	if len(data) < Size {
		return errShortEnvelope
	}
	e.Dest = vtctx.Node(int16(binary.LittleEndian.Uint16(data[0:2])))
	e.Handler = binary.LittleEndian.Uint16(data[2:4])
	e.Epoch = int32(binary.LittleEndian.Uint32(data[4:8]))
	e.Tag = int32(binary.LittleEndian.Uint32(data[8:12]))
	e.Flags = binary.LittleEndian.Uint16(data[12:14])
	e.BroadcastRoot = int16(binary.LittleEndian.Uint16(data[14:16]))
	e.Group = vtctx.Comm(binary.LittleEndian.Uint64(data[16:24]))
	return nil
}

type envelopeError string

func (e envelopeError) Error() string { return string(e) }

const errShortEnvelope envelopeError = "envelope: buffer shorter than envelope.Size"

// Frame splits a received buffer into its Envelope prefix and the
// remaining payload.
func Frame(buf []byte) (Envelope, []byte, error) {
	var e Envelope
	if err := e.UnmarshalBinary(buf); err != nil {
		return Envelope{}, nil, err
	}
	return e, buf[Size:], nil
}

// Pack prepends e's wire encoding to payload, producing a buffer ready to
// hand to a transport's Isend.
func Pack(e Envelope, payload []byte) []byte {
	head, _ := e.MarshalBinary()
	buf := make([]byte, 0, len(head)+len(payload))
	buf = append(buf, head...)
	buf = append(buf, payload...)
	return buf
}
