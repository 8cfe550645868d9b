// Package event implements the completion-tracking layer: MPIEvent,
// NormalEvent, and ParentEvent records, each with ready-once semantics and
// FIFO action firing, plus the remote completion query protocol for events
// owned by another node. An Event's identity is globally routable (the
// high bits of its ID name the owning node) and firing discards the action
// list along with the record itself.
package event

import (
	"sync"
	"sync/atomic"

	"github.com/taskmesh/vtr/vtctx"
)

// ID is a 64-bit event identifier. The top 16 bits name the owning node;
// the low 48 bits are a monotonic per-node counter.
type ID uint64

const nodeShift = 48

// NewID packs a node and a counter into an ID.
func NewID(node vtctx.Node, counter uint64) ID {
	return ID(uint64(uint16(node))<<nodeShift | (counter & (1<<nodeShift - 1)))
}

// Node returns the owning node of id.
func (id ID) Node() vtctx.Node { return vtctx.Node(int16(uint16(id >> nodeShift))) }

// Counter returns the per-node monotonic counter component of id.
func (id ID) Counter() uint64 { return uint64(id) & (1<<nodeShift - 1) }

// Kind distinguishes the three event record shapes.
type Kind int

const (
	// KindMPI events are polled against a non-blocking transport predicate.
	KindMPI Kind = iota
	// KindNormal events are set ready imperatively by a handler.
	KindNormal
	// KindParent events aggregate children by conjunction.
	KindParent
)

// State is the result of testing an event for completion.
type State int

const (
	// Waiting means the event has not yet completed.
	Waiting State = iota
	// Ready means the event has completed and any attached actions have run.
	Ready
	// RemoteUnknown means the event is owned by another node and no local
	// completion information is available; a remote query is required.
	RemoteUnknown
)

// Action is a completion callback attached to an event.
type Action func()

// Poller is satisfied by an MPIEvent's underlying non-blocking transport
// test (e.g. a wrapped Transport.Test call).
type Poller func() bool

// Event is a single completion record. The zero value is not usable;
// construct via Manager.
type Event struct {
	id       ID
	kind     Kind
	mgr      *Manager
	mu       sync.Mutex
	ready    bool
	poll     Poller // KindMPI only
	children []ID   // KindParent only
	pending  int32  // KindParent only: remaining incomplete children
	actions  []Action
}

// ID returns this event's identifier.
func (e *Event) ID() ID { return e.id }

// Kind returns this event's kind.
func (e *Event) Kind() Kind { return e.kind }

// fire marks the event ready and runs every attached action in attachment
// order. Safe to call more than once; only the first call has effect.
func (e *Event) fire() {
	e.mu.Lock()
	if e.ready {
		e.mu.Unlock()
		return
	}
	e.ready = true
	actions := e.actions
	e.actions = nil
	e.mu.Unlock()

	for _, a := range actions {
		a()
	}

	if e.kind == KindParent {
		for _, childID := range e.children {
			e.mgr.notifyParents(childID)
		}
	}

	e.mgr.erase(e.id)
}

// SetReady marks a KindNormal event complete. Panics if called on any other
// kind, matching the contract that only handlers imperatively ready a
// NormalEvent.
func (e *Event) SetReady() {
	if e.kind != KindNormal {
		panic("event: SetReady called on non-NormalEvent")
	}
	e.fire()
}

// Test evaluates the current completion state without blocking. For a
// KindMPI event this polls the underlying transport predicate and fires on
// first true observation.
func (e *Event) Test() State {
	e.mu.Lock()
	if e.ready {
		e.mu.Unlock()
		return Ready
	}
	kind := e.kind
	poll := e.poll
	children := e.children
	e.mu.Unlock()

	if kind == KindMPI && poll != nil && poll() {
		e.fire()
		return Ready
	}

	// A parent aggregates by conjunction. Normal children push their
	// completion through notifyParents when SetReady fires them, but MPI
	// children are pull-based: nothing fires them until someone tests, so
	// testing the parent tests each child in turn.
	if kind == KindParent {
		for _, childID := range children {
			e.mgr.TestEventComplete(childID)
		}
		e.mu.Lock()
		ready := e.ready
		e.mu.Unlock()
		if ready {
			return Ready
		}
	}
	return Waiting
}

// AttachAction registers fn to run when e becomes ready. If e is already
// ready, fn runs inline, synchronously, before AttachAction returns.
func (e *Event) AttachAction(fn Action) {
	e.mu.Lock()
	if e.ready {
		e.mu.Unlock()
		fn()
		return
	}
	e.actions = append(e.actions, fn)
	e.mu.Unlock()
}

// Manager owns every locally-created Event and the counter used to mint
// new IDs. One Manager exists per rank.
type Manager struct {
	node    vtctx.Node
	counter atomic.Uint64

	mu       sync.Mutex
	events   map[ID]*Event
	parentOf map[ID][]ID // child event id -> parent events awaiting it

	sender Sender
}

// Sender is the narrow dependency Manager uses to issue the remote
// completion-query protocol (CheckEventFinishedMsg / EventFinishedMsg)
// without importing the am package directly.
type Sender interface {
	SendCheckEventFinished(owner vtctx.Node, target ID, requester vtctx.Node, proxy ID)
	SendEventFinished(requester vtctx.Node, proxy ID)
}

// NewManager constructs a Manager for this rank's node identity.
func NewManager(node vtctx.Node, sender Sender) *Manager {
	return &Manager{
		node:     node,
		events:   make(map[ID]*Event),
		parentOf: make(map[ID][]ID),
		sender:   sender,
	}
}

// Live returns the number of events currently in the live container. Every
// event leaves the container when it fires, so a caller that drives all
// outstanding work to completion should see this return to its baseline.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *Manager) nextID() ID {
	return NewID(m.node, m.counter.Add(1))
}

func (m *Manager) register(e *Event) *Event {
	m.mu.Lock()
	m.events[e.id] = e
	m.mu.Unlock()
	return e
}

// erase removes a fired event from the live container before fire
// returns. Subsequent lookups treat id as Ready (see TestEventComplete and
// AttachAction's not-found fallback), preserving ready-once semantics
// without retaining the record.
func (m *Manager) erase(id ID) {
	m.mu.Lock()
	delete(m.events, id)
	m.mu.Unlock()
}

// CreateMPIEvent allocates a KindMPI event whose completion predicate is
// poll.
func (m *Manager) CreateMPIEvent(poll Poller) *Event {
	e := &Event{id: m.nextID(), kind: KindMPI, mgr: m, poll: poll}
	return m.register(e)
}

// CreateNormalEvent allocates a KindNormal event that a handler will ready
// imperatively.
func (m *Manager) CreateNormalEvent() *Event {
	e := &Event{id: m.nextID(), kind: KindNormal, mgr: m}
	return m.register(e)
}

// CreateParentEvent allocates a KindParent event that becomes ready once
// every child in children is ready. children already known to be Ready are
// counted immediately.
func (m *Manager) CreateParentEvent(children []ID) *Event {
	e := &Event{id: m.nextID(), kind: KindParent, mgr: m, children: append([]ID(nil), children...)}
	e.pending = int32(len(children))
	m.register(e)

	if len(children) == 0 {
		e.fire()
		return e
	}

	for _, childID := range children {
		m.mu.Lock()
		m.parentOf[childID] = append(m.parentOf[childID], e.id)
		child, local := m.events[childID]
		m.mu.Unlock()

		if local {
			child.AttachAction(func() { m.notifyParents(childID) })
		} else if childID.Node() == m.node {
			// A local child no longer in the container has already fired.
			m.notifyParents(childID)
		}
	}
	return e
}

// notifyParents decrements the pending count of every locally-tracked
// parent waiting on childID, firing any parent that reaches zero.
func (m *Manager) notifyParents(childID ID) {
	m.mu.Lock()
	parents := m.parentOf[childID]
	delete(m.parentOf, childID)
	m.mu.Unlock()

	for _, pid := range parents {
		m.mu.Lock()
		parent, ok := m.events[pid]
		m.mu.Unlock()
		if !ok {
			continue
		}
		if atomic.AddInt32(&parent.pending, -1) == 0 {
			parent.fire()
		}
	}
}

// PerformTriggeredActions tests every live transport-backed event once,
// firing (and erasing) any whose send has completed. The scheduler loop
// calls this each pass so events nobody retained a handle to (a forwarded
// broadcast's per-link sends, a fire-and-forget SendMsg) still fire their
// actions and leave the live container.
func (m *Manager) PerformTriggeredActions() {
	m.mu.Lock()
	mpi := make([]*Event, 0, len(m.events))
	for _, e := range m.events {
		if e.kind == KindMPI {
			mpi = append(mpi, e)
		}
	}
	m.mu.Unlock()

	for _, e := range mpi {
		e.Test()
	}
}

// Lookup returns the locally-tracked event for id, if any.
func (m *Manager) Lookup(id ID) (*Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	return e, ok
}

// AttachAction registers fn against id. If id is owned by this node and
// known, fn is attached directly. If id is owned by this node but unknown
// (already fired and erased, or never existed locally) it runs
// immediately, matching ready-once semantics. If id is owned by a remote
// node, a CheckEventFinishedMsg round trip is initiated: a local
// NormalEvent proxy is created, fn is attached to the proxy, and the proxy
// is readied by the EventFinishedMsg handler once the owner confirms
// completion.
func (m *Manager) AttachAction(id ID, fn Action) {
	if id.Node() != m.node {
		proxy := m.CreateNormalEvent()
		proxy.AttachAction(fn)
		m.sender.SendCheckEventFinished(id.Node(), id, m.node, proxy.ID())
		return
	}

	e, ok := m.Lookup(id)
	if !ok {
		fn()
		return
	}
	e.AttachAction(fn)
}

// TestEventComplete reports id's completion state. A remote id with no
// outstanding local proxy reports RemoteUnknown; callers that need a
// remote answer should use AttachAction.
func (m *Manager) TestEventComplete(id ID) State {
	if id.Node() != m.node {
		return RemoteUnknown
	}
	e, ok := m.Lookup(id)
	if !ok {
		return Ready
	}
	return e.Test()
}

// HandleCheckEventFinished implements the owner side of the remote query
// protocol: if target is Ready, reply immediately with EventFinishedMsg;
// otherwise attach a send-back action that fires once target completes.
func (m *Manager) HandleCheckEventFinished(target ID, requester vtctx.Node, proxy ID) {
	m.AttachAction(target, func() {
		m.sender.SendEventFinished(requester, proxy)
	})
}

// HandleEventFinished implements the requester side of the remote query
// protocol: readies the local proxy NormalEvent, firing whatever action
// AttachAction attached to it.
func (m *Manager) HandleEventFinished(proxy ID) {
	e, ok := m.Lookup(proxy)
	if !ok {
		return
	}
	e.SetReady()
}
