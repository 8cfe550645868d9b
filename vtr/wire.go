package vtr

import (
	"encoding/binary"

	"github.com/taskmesh/vtr/event"
	"github.com/taskmesh/vtr/vtctx"
)

// This file encodes the runtime's own internal control messages: the
// event system's remote completion query and the termination detector's
// wave/epoch protocol. Both are carried as ordinary active messages
// against reserved handler ids registered during InitializeContext,
// exactly like any user message; there is no separate control-plane
// transport.

func putNode(buf []byte, off int, n vtctx.Node) {
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(n))
}

func getNode(buf []byte, off int) vtctx.Node {
	return vtctx.Node(int16(binary.LittleEndian.Uint16(buf[off : off+2])))
}

func putEventID(buf []byte, off int, id event.ID) {
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(id))
}

func getEventID(buf []byte, off int) event.ID {
	return event.ID(binary.LittleEndian.Uint64(buf[off : off+8]))
}

// checkEventFinishedWire: target:event.ID(8), requester:Node(2), proxy:event.ID(8)
func encodeCheckEventFinished(target event.ID, requester vtctx.Node, proxy event.ID) []byte {
	buf := make([]byte, 18)
	putEventID(buf, 0, target)
	putNode(buf, 8, requester)
	putEventID(buf, 10, proxy)
	return buf
}

func decodeCheckEventFinished(buf []byte) (target event.ID, requester vtctx.Node, proxy event.ID) {
	return getEventID(buf, 0), getNode(buf, 8), getEventID(buf, 10)
}

// eventFinishedWire: proxy:event.ID(8)
func encodeEventFinished(proxy event.ID) []byte {
	buf := make([]byte, 8)
	putEventID(buf, 0, proxy)
	return buf
}

func decodeEventFinished(buf []byte) (proxy event.ID) {
	return getEventID(buf, 0)
}

// termCounterWire: epoch:i32(4), prod:i64(8), cons:i64(8)
func encodeTermCounter(epoch int32, prod, cons int64) []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(epoch))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(prod))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(cons))
	return buf
}

func decodeTermCounter(buf []byte) (epoch int32, prod, cons int64) {
	epoch = int32(binary.LittleEndian.Uint32(buf[0:4]))
	prod = int64(binary.LittleEndian.Uint64(buf[4:12]))
	cons = int64(binary.LittleEndian.Uint64(buf[12:20]))
	return
}

// epochWire: epoch:i32(4)
func encodeEpoch(epoch int32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(epoch))
	return buf
}

func decodeEpoch(buf []byte) int32 {
	return int32(binary.LittleEndian.Uint32(buf[0:4]))
}

// epochFinishedWire: epoch:i32(4), finished:u8(1)
func encodeEpochFinished(epoch int32, finished bool) []byte {
	buf := make([]byte, 5)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(epoch))
	if finished {
		buf[4] = 1
	}
	return buf
}

func decodeEpochFinished(buf []byte) (epoch int32, finished bool) {
	return int32(binary.LittleEndian.Uint32(buf[0:4])), buf[4] != 0
}
