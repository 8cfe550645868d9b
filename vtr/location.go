package vtr

import (
	"context"

	"github.com/taskmesh/vtr/am"
	"github.com/taskmesh/vtr/event"
	"github.com/taskmesh/vtr/location"
	"github.com/taskmesh/vtr/registry"
	"github.com/taskmesh/vtr/vtctx"
)

// LocationCodec supplies the wire encode/decode pair for one entity-id
// type K and one routed-message type M. Instantiating LocationRuntime[K, M]
// IS the coordinator instance for that entity-id type, so there is no
// separate instance-id field anywhere on the wire. DecodeID/DecodeMsg must
// be self-delimiting: each returns the decoded value plus whatever bytes
// follow it, so a fixed-size encoding or a length-prefixed one both
// work.
type LocationCodec[K comparable, M any] struct {
	EncodeID  func(K) []byte
	DecodeID  func([]byte) (K, []byte)
	EncodeMsg func(M) []byte
	DecodeMsg func([]byte) (M, []byte)
}

// LocationRuntime wires a location.Manager[K, M] into rt's control
// surface. GetLocationMsg, its reply, the unsolicited UpdateLocationMsg
// push, HandleEagerUpdate, and routed application messages all become
// ordinary Registry-dispatched handlers, every one CommCritical so
// location control traffic never leaves the comm goroutine.
type LocationRuntime[K comparable, M any] struct {
	Manager *location.Manager[K, M]

	rt    *Runtime
	codec LocationCodec[K, M]

	hGetLocation      registry.HandlerID
	hGetLocationReply registry.HandlerID
	hUpdateLocation   registry.HandlerID
	hEagerUpdate      registry.HandlerID
	hRouted           registry.HandlerID
}

// NewLocationRuntime constructs a location.Manager[K, M] for rt's rank and
// registers its five control handlers. Every rank in a job must call this
// with the same codec and in the same order relative to other
// RegisterHandler calls, exactly like any other bootstrap registration,
// since handler ids are assigned by position.
func NewLocationRuntime[K comparable, M any](rt *Runtime, codec LocationCodec[K, M]) *LocationRuntime[K, M] {
	lr := &LocationRuntime[K, M]{rt: rt, codec: codec}
	lr.Manager = location.NewManager[K, M](vtctx.Node(rt.Context.Node()), locSender[K, M]{lr}, rt.Events)

	lr.hGetLocation = rt.RegisterHandler(func(msg *am.Message) {
		eventID, askNode, rest := decodeLocGetLocation(msg.Payload)
		id, _ := codec.DecodeID(rest)
		lr.Manager.HandleGetLocation(id, eventID, askNode)
	}, registry.Critical)

	lr.hGetLocationReply = rt.RegisterHandler(func(msg *am.Message) {
		node, eventID, rest := decodeLocGetLocationReply(msg.Payload)
		id, _ := codec.DecodeID(rest)
		lr.Manager.HandleGetLocationReply(id, node, eventID)
	}, registry.Critical)

	lr.hUpdateLocation = rt.RegisterHandler(func(msg *am.Message) {
		node, rest := decodeLocUpdateLocation(msg.Payload)
		id, _ := codec.DecodeID(rest)
		lr.Manager.HandleUpdateLocation(id, node)
	}, registry.Critical)

	lr.hEagerUpdate = rt.RegisterHandler(func(msg *am.Message) {
		_, deliverNode, rest := decodeLocEagerUpdate(msg.Payload)
		id, _ := codec.DecodeID(rest)
		lr.Manager.HandleEagerUpdate(id, deliverNode)
	}, registry.Critical)

	// Arrival always resolves eagerly: by the time a routed message is in
	// flight, the forwarding hop already chose a concrete next node from
	// its own registration/cache state, so there is nothing left to wait
	// on at this end, and no reason to re-enter the GetLocation round trip.
	lr.hRouted = rt.RegisterHandler(func(msg *am.Message) {
		home, askNode, rest := decodeLocRoutedHeader(msg.Payload)
		id, rest := codec.DecodeID(rest)
		m, _ := codec.DecodeMsg(rest)
		lr.Manager.RouteMsg(id, home, m, true, askNode)
	}, registry.Critical)

	return lr
}

// locSender adapts LocationRuntime to location.Sender[K, M], routing every
// control message and every routed application message through the
// runtime's own ActiveMessenger.
//
// All of these are sent is_term-flagged: location.Manager carries no
// epoch parameter anywhere in its API, so it cannot itself participate
// correctly in the four-counter termination protocol. A caller whose
// routed payloads represent
// termination-tracked application work should account for that itself
// (e.g. call Term.Produce/Consume around RouteMsg, keyed by an epoch
// carried inside M), rather than have location silently mis-account it.
type locSender[K comparable, M any] struct {
	lr *LocationRuntime[K, M]
}

func (s locSender[K, M]) SendUpdateLocation(to vtctx.Node, id K, node vtctx.Node) {
	payload := append(encodeLocUpdateLocation(node), s.lr.codec.EncodeID(id)...)
	s.lr.rt.Messenger.SendTermMsg(context.Background(), to, s.lr.hUpdateLocation, payload)
}

func (s locSender[K, M]) SendGetLocation(to vtctx.Node, id K, eventID event.ID, askNode vtctx.Node, home vtctx.Node) {
	payload := append(encodeLocGetLocation(eventID, askNode), s.lr.codec.EncodeID(id)...)
	s.lr.rt.Messenger.SendTermMsg(context.Background(), to, s.lr.hGetLocation, payload)
}

func (s locSender[K, M]) SendGetLocationReply(to vtctx.Node, id K, node vtctx.Node, eventID event.ID) {
	payload := append(encodeLocGetLocationReply(node, eventID), s.lr.codec.EncodeID(id)...)
	s.lr.rt.Messenger.SendTermMsg(context.Background(), to, s.lr.hGetLocationReply, payload)
}

func (s locSender[K, M]) SendEagerUpdate(to vtctx.Node, id K, home vtctx.Node, deliverNode vtctx.Node) {
	payload := append(encodeLocEagerUpdate(home, deliverNode), s.lr.codec.EncodeID(id)...)
	s.lr.rt.Messenger.SendTermMsg(context.Background(), to, s.lr.hEagerUpdate, payload)
}

func (s locSender[K, M]) RouteTo(to vtctx.Node, id K, home vtctx.Node, askNode vtctx.Node, msg M) {
	payload := encodeLocRoutedHeader(home, askNode)
	payload = append(payload, s.lr.codec.EncodeID(id)...)
	payload = append(payload, s.lr.codec.EncodeMsg(msg)...)
	s.lr.rt.Messenger.SendTermMsg(context.Background(), to, s.lr.hRouted, payload)
}
