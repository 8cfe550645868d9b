// Package pipe implements typed sinks and callbacks: a
// process-addressable pipe identified by a 64-bit id, and a serializable
// callback value type closed over one of several delivery variants. A
// one-shot Pipe settles once and replays its value to late subscribers;
// the persistent variant fans every trigger out to a listener list.
package pipe

import (
	"encoding/binary"
	"sync"

	"github.com/taskmesh/vtr/registry"
	"github.com/taskmesh/vtr/vtctx"
)

// ID is a 64-bit pipe identifier; the high bits name the owning node.
type ID uint64

const nodeShift = 48

// NewID packs a node and a counter into a pipe ID.
func NewID(node vtctx.Node, counter uint64) ID {
	return ID(uint64(uint16(node))<<nodeShift | (counter & (1<<nodeShift - 1)))
}

// Node returns the owning node of id.
func (id ID) Node() vtctx.Node { return vtctx.Node(int16(uint16(id >> nodeShift))) }

// CallbackKind is the tagged-union discriminant for Callback.
type CallbackKind int

const (
	// CallbackAnonymous invokes a purely local closure; never serialized.
	CallbackAnonymous CallbackKind = iota
	// CallbackSendToHandler ships the message to one handler on one node.
	CallbackSendToHandler
	// CallbackBroadcastToHandler ships the message to a handler on every node.
	CallbackBroadcastToHandler
	// CallbackCollectionElementSend targets one collection element.
	CallbackCollectionElementSend
	// CallbackCollectionElementBcast targets every element of a collection.
	CallbackCollectionElementBcast
	// CallbackObjGroupSend targets one member of an object group.
	CallbackObjGroupSend
	// CallbackObjGroupBcast targets every member of an object group.
	CallbackObjGroupBcast
)

// Sender is callback's narrow dependency on the messaging layer, invoked by
// Trigger for every non-anonymous variant.
type Sender interface {
	Send(node vtctx.Node, handler registry.HandlerID, payload []byte)
	Broadcast(handler registry.HandlerID, payload []byte)
}

// Callback is a tagged union over the delivery variants. It is a value
// type carrying only a pipe id, a handler id, and a destination hint, so
// it may be serialized and shipped across ranks; the Anonymous variant is
// the one exception (local func value) and is never itself serializable.
type Callback struct {
	Kind      CallbackKind
	PipeID    ID
	Handler   registry.HandlerID
	Dest      vtctx.Node // node for SendToHandler/CollectionElementSend/ObjGroupSend
	ElementID int64      // for the collection-element variants
	ObjID     int64      // for the objgroup variants

	anon func(payload []byte)
	sender Sender
}

// NewAnonymous constructs a purely local callback.
func NewAnonymous(fn func(payload []byte)) Callback {
	return Callback{Kind: CallbackAnonymous, anon: fn}
}

// NewSendToHandler constructs a callback that ships to one handler on node.
func NewSendToHandler(pipeID ID, node vtctx.Node, handler registry.HandlerID, sender Sender) Callback {
	return Callback{Kind: CallbackSendToHandler, PipeID: pipeID, Dest: node, Handler: handler, sender: sender}
}

// NewBroadcastToHandler constructs a callback that ships to handler on
// every rank.
func NewBroadcastToHandler(pipeID ID, handler registry.HandlerID, sender Sender) Callback {
	return Callback{Kind: CallbackBroadcastToHandler, PipeID: pipeID, Handler: handler, sender: sender}
}

// NewCollectionElementSend constructs a callback targeting one collection
// element.
func NewCollectionElementSend(pipeID ID, elementID int64, handler registry.HandlerID, node vtctx.Node, sender Sender) Callback {
	return Callback{Kind: CallbackCollectionElementSend, PipeID: pipeID, ElementID: elementID, Handler: handler, Dest: node, sender: sender}
}

// NewObjGroupSend constructs a callback targeting one object-group member.
func NewObjGroupSend(pipeID ID, objID int64, handler registry.HandlerID, node vtctx.Node, sender Sender) Callback {
	return Callback{Kind: CallbackObjGroupSend, PipeID: pipeID, ObjID: objID, Handler: handler, Dest: node, sender: sender}
}

// Trigger serializes and issues the appropriate active-message invocation
// for this callback's variant.
func (c Callback) Trigger(payload []byte) {
	switch c.Kind {
	case CallbackAnonymous:
		if c.anon != nil {
			c.anon(payload)
		}
	case CallbackSendToHandler, CallbackCollectionElementSend, CallbackObjGroupSend:
		c.sender.Send(c.Dest, c.Handler, payload)
	case CallbackBroadcastToHandler, CallbackCollectionElementBcast, CallbackObjGroupBcast:
		c.sender.Broadcast(c.Handler, payload)
	}
}

// TriggerVoid is Trigger with no payload, for fire-only notifications.
func (c Callback) TriggerVoid() { c.Trigger(nil) }

// callbackWireSize is the fixed encoding of a Callback's value-type fields:
// kind:u8, pipe_id:u64, handler:u16, dest:i16, element_id:i64, obj_id:i64.
// Only these value fields cross the wire, never the func fields: the
// receiving side reattaches its own Sender after decoding.
const callbackWireSize = 1 + 8 + 2 + 2 + 8 + 8

// MarshalBinary encodes the serializable portion of c: everything except
// the CallbackAnonymous variant's closure, which cannot be shipped.
func (c Callback) MarshalBinary() ([]byte, error) {
	buf := make([]byte, callbackWireSize)
	buf[0] = byte(c.Kind)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(c.PipeID))
	binary.LittleEndian.PutUint16(buf[9:11], c.Handler.Identifier())
	binary.LittleEndian.PutUint16(buf[11:13], uint16(c.Dest))
	binary.LittleEndian.PutUint64(buf[13:21], uint64(c.ElementID))
	binary.LittleEndian.PutUint64(buf[21:29], uint64(c.ObjID))
	return buf, nil
}

// UnmarshalBinary decodes a Callback encoded by MarshalBinary. The caller
// must set Sender afterward (WithSender) before calling Trigger, since the
// transport dependency is never itself serialized.
func (c *Callback) UnmarshalBinary(data []byte) error {
	if len(data) < callbackWireSize {
		return errShortCallback
	}
	c.Kind = CallbackKind(data[0])
	c.PipeID = ID(binary.LittleEndian.Uint64(data[1:9]))
	c.Handler = registry.PackHandlerID(registry.NoNodeSlot, binary.LittleEndian.Uint16(data[9:11]))
	c.Dest = vtctx.Node(int16(binary.LittleEndian.Uint16(data[11:13])))
	c.ElementID = int64(binary.LittleEndian.Uint64(data[13:21]))
	c.ObjID = int64(binary.LittleEndian.Uint64(data[21:29]))
	return nil
}

// WithSender returns a copy of c bound to sender, for use immediately
// after UnmarshalBinary.
func (c Callback) WithSender(sender Sender) Callback {
	c.sender = sender
	return c
}

type callbackError string

func (e callbackError) Error() string { return string(e) }

const errShortCallback callbackError = "pipe: buffer shorter than callback wire size"

// Pipe is a process-addressable one-shot sink: the first Trigger call
// settles it and fans out to every subscriber exactly once; subscribers
// arriving after the trigger replay the settled value immediately.
type Pipe struct {
	id ID

	mu          sync.Mutex
	fired       bool
	value       []byte
	subscribers []func([]byte)
}

// NewPipe constructs an unfired, one-shot Pipe with the given id.
func NewPipe(id ID) *Pipe {
	return &Pipe{id: id}
}

// ID returns this pipe's identifier.
func (p *Pipe) ID() ID { return p.id }

// Trigger settles the pipe with value, running every subscriber exactly
// once. Subsequent Trigger calls are no-ops, matching ready-once semantics.
func (p *Pipe) Trigger(value []byte) {
	p.mu.Lock()
	if p.fired {
		p.mu.Unlock()
		return
	}
	p.fired = true
	p.value = value
	subs := p.subscribers
	p.subscribers = nil
	p.mu.Unlock()

	for _, fn := range subs {
		fn(value)
	}
}

// Subscribe registers fn to run when the pipe fires. If already fired, fn
// runs inline immediately.
func (p *Pipe) Subscribe(fn func([]byte)) {
	p.mu.Lock()
	if p.fired {
		val := p.value
		p.mu.Unlock()
		fn(val)
		return
	}
	p.subscribers = append(p.subscribers, fn)
	p.mu.Unlock()
}

// PersistentPipe is a process-addressable sink that may trigger any number
// of times, fanning each trigger out to every current subscriber. It is
// the recurring-notification generalization of Pipe: no settlement, no
// replay to late subscribers.
type PersistentPipe struct {
	id ID

	mu          sync.Mutex
	subscribers []func([]byte)
}

// NewPersistentPipe constructs an empty PersistentPipe with the given id.
func NewPersistentPipe(id ID) *PersistentPipe {
	return &PersistentPipe{id: id}
}

// ID returns this pipe's identifier.
func (p *PersistentPipe) ID() ID { return p.id }

// Trigger fans value out to every current subscriber. Does not settle the
// pipe; later Trigger calls fan out again.
func (p *PersistentPipe) Trigger(value []byte) {
	p.mu.Lock()
	subs := append([]func([]byte){}, p.subscribers...)
	p.mu.Unlock()

	for _, fn := range subs {
		fn(value)
	}
}

// Subscribe registers fn to run on every future Trigger call.
func (p *PersistentPipe) Subscribe(fn func([]byte)) {
	p.mu.Lock()
	p.subscribers = append(p.subscribers, fn)
	p.mu.Unlock()
}
