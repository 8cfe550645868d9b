package vtr

import (
	"encoding/binary"

	"github.com/taskmesh/vtr/event"
	"github.com/taskmesh/vtr/vtctx"
)

// Fixed-size wire fragments for location's control messages. id and msg
// payloads are appended/consumed by the caller-supplied LocationCodec,
// since K and M are generic over the entity-id type a LocationRuntime is
// instantiated for.

// locGetLocationWire: eventID(8), askNode(2), then idBytes.
func encodeLocGetLocation(eventID event.ID, askNode vtctx.Node) []byte {
	buf := make([]byte, 10)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(eventID))
	putNode(buf, 8, askNode)
	return buf
}

func decodeLocGetLocation(buf []byte) (eventID event.ID, askNode vtctx.Node, rest []byte) {
	eventID = event.ID(binary.LittleEndian.Uint64(buf[0:8]))
	askNode = getNode(buf, 8)
	return eventID, askNode, buf[10:]
}

// locGetLocationReplyWire: node(2), eventID(8), then idBytes.
func encodeLocGetLocationReply(node vtctx.Node, eventID event.ID) []byte {
	buf := make([]byte, 10)
	putNode(buf, 0, node)
	binary.LittleEndian.PutUint64(buf[2:10], uint64(eventID))
	return buf
}

func decodeLocGetLocationReply(buf []byte) (node vtctx.Node, eventID event.ID, rest []byte) {
	node = getNode(buf, 0)
	eventID = event.ID(binary.LittleEndian.Uint64(buf[2:10]))
	return node, eventID, buf[10:]
}

// locUpdateLocationWire: node(2), then idBytes.
func encodeLocUpdateLocation(node vtctx.Node) []byte {
	buf := make([]byte, 2)
	putNode(buf, 0, node)
	return buf
}

func decodeLocUpdateLocation(buf []byte) (node vtctx.Node, rest []byte) {
	return getNode(buf, 0), buf[2:]
}

// locEagerUpdateWire: home(2), deliverNode(2), then idBytes. home rides
// along even though location.Manager.HandleEagerUpdate itself does not
// need it (the delivering node is self-evident from deliverNode once it
// is this rank).
func encodeLocEagerUpdate(home, deliverNode vtctx.Node) []byte {
	buf := make([]byte, 4)
	putNode(buf, 0, home)
	putNode(buf, 2, deliverNode)
	return buf
}

func decodeLocEagerUpdate(buf []byte) (home, deliverNode vtctx.Node, rest []byte) {
	return getNode(buf, 0), getNode(buf, 2), buf[4:]
}

// locRoutedWire: home(2), askNode(2), then idBytes, then msgBytes.
func encodeLocRoutedHeader(home, askNode vtctx.Node) []byte {
	buf := make([]byte, 4)
	putNode(buf, 0, home)
	putNode(buf, 2, askNode)
	return buf
}

func decodeLocRoutedHeader(buf []byte) (home, askNode vtctx.Node, rest []byte) {
	return getNode(buf, 0), getNode(buf, 2), buf[4:]
}
