// Package location routes messages to migratable entities: registration,
// eager/non-eager routing, an LRU location cache, forwarding-chain
// collapse, and migration. Each entity has an immutable home node whose
// record is authoritative; every other rank learns locations through
// caching and collapse notifications.
//
// There is exactly one Manager[K] per entity-id type K; the generic
// instantiation itself plays the role of a coordinator instance, so no
// instance-index indirection exists anywhere on the wire.
package location

import (
	"sync"

	"github.com/taskmesh/vtr/event"
	"github.com/taskmesh/vtr/internal/lru"
	"github.com/taskmesh/vtr/vtctx"
	"github.com/taskmesh/vtr/vtrerr"
)

const defaultCacheCapacity = 128

// recordState distinguishes a cached location record's two shapes.
type recordState int

const (
	stateLocal recordState = iota
	stateRemote
)

type record struct {
	state       recordState
	currentNode vtctx.Node
}

// MsgAction is invoked on the node an entity currently resides on when a
// message is routed to it, per registerEntity's msg_action parameter.
type MsgAction[M any] func(id any, msg M)

// Sender is location's narrow dependency on the messaging layer: every
// control message (UpdateLocationMsg, GetLocationMsg, GetLocationReply,
// HandleEagerUpdate) and every routed application message goes out through
// this interface.
type Sender[K comparable, M any] interface {
	SendUpdateLocation(to vtctx.Node, id K, node vtctx.Node)
	SendGetLocation(to vtctx.Node, id K, eventID event.ID, askNode vtctx.Node, home vtctx.Node)
	// SendGetLocationReply answers a GetLocationMsg. The reply must echo
	// eventID back so the asker's HandleGetLocationReply can resolve the
	// correct pending action, rather than only updating its cache as an
	// unsolicited SendUpdateLocation push would.
	SendGetLocationReply(to vtctx.Node, id K, node vtctx.Node, eventID event.ID)
	SendEagerUpdate(to vtctx.Node, id K, home vtctx.Node, deliverNode vtctx.Node)
	// RouteTo carries askNode on the wire alongside the routed message:
	// each forwarding hop advertises itself as the new ask_node so the next
	// hop's forward-chain bookkeeping has someone to notify.
	RouteTo(to vtctx.Node, id K, home vtctx.Node, askNode vtctx.Node, msg M)
}

// Manager is the location coordinator for one entity-id type K.
type Manager[K comparable, M any] struct {
	node   vtctx.Node
	sender Sender[K, M]
	events *event.Manager

	mu              sync.Mutex
	local           map[K]struct{}
	localAction     map[K]MsgAction[M]
	cache           *lru.Cache[K, record]
	pendingActions  map[event.ID]func(vtctx.Node)
	pendingLookups  map[K][]func(vtctx.Node)
	locAsks         map[K]map[vtctx.Node]struct{} // forward-chain collapse bookkeeping
}

// NewManager constructs a Manager for this rank with the default cache
// capacity.
func NewManager[K comparable, M any](node vtctx.Node, sender Sender[K, M], events *event.Manager) *Manager[K, M] {
	return &Manager[K, M]{
		node:           node,
		sender:         sender,
		events:         events,
		local:          make(map[K]struct{}),
		localAction:    make(map[K]MsgAction[M]),
		cache:          lru.New[K, record](defaultCacheCapacity),
		pendingActions: make(map[event.ID]func(vtctx.Node)),
		pendingLookups: make(map[K][]func(vtctx.Node)),
		locAsks:        make(map[K]map[vtctx.Node]struct{}),
	}
}

// RegisterEntity records id as resident on this node. If home differs from
// this node, an UpdateLocationMsg is sent so the home node's cache learns
// the current location immediately. Registering an already-registered id
// is fatal.
func (m *Manager[K, M]) RegisterEntity(id K, home vtctx.Node, action MsgAction[M]) {
	m.mu.Lock()
	if _, exists := m.local[id]; exists {
		m.mu.Unlock()
		vtrerr.Abort(vtrerr.New(vtrerr.ContractViolation, "entity already registered", map[string]any{
			"entity_id": id,
		}))
		return
	}
	m.local[id] = struct{}{}
	if action != nil {
		m.localAction[id] = action
	}
	pending := m.pendingLookups[id]
	delete(m.pendingLookups, id)
	m.mu.Unlock()

	if home != m.node {
		m.sender.SendUpdateLocation(home, id, m.node)
	}

	for _, fn := range pending {
		fn(m.node)
	}
}

// UnregisterEntity removes id's local registration.
func (m *Manager[K, M]) UnregisterEntity(id K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.local, id)
	delete(m.localAction, id)
}

// EntityEmigrated removes id's local registration and replaces any cached
// record with Remote -> newNode. Home is immutable and is not touched
// here.
func (m *Manager[K, M]) EntityEmigrated(id K, newNode vtctx.Node) {
	m.mu.Lock()
	delete(m.local, id)
	delete(m.localAction, id)
	m.cache.Put(id, record{state: stateRemote, currentNode: newNode})
	m.mu.Unlock()
}

// EntityImmigrated registers id as arriving on this node via migration;
// equivalent to RegisterEntity with the migrated intent.
func (m *Manager[K, M]) EntityImmigrated(id K, home vtctx.Node, action MsgAction[M]) {
	m.RegisterEntity(id, home, action)
}

// isLocal reports whether id is currently known to reside on this node,
// either because it is registered locally or because the cache says so.
func (m *Manager[K, M]) isLocal(id K) bool {
	if _, ok := m.local[id]; ok {
		return true
	}
	if rec, ok := m.cache.Peek(id); ok && rec.state == stateLocal {
		return true
	}
	return false
}

// cachedRemote returns the cached remote node for id, if any.
func (m *Manager[K, M]) cachedRemote(id K) (vtctx.Node, bool) {
	if rec, ok := m.cache.Get(id); ok && rec.state == stateRemote {
		return rec.currentNode, true
	}
	return 0, false
}

// GetLocation resolves id's current node, invoking action with the result.
// If id is known locally, action runs immediately with this node. Otherwise
// a GetLocationMsg is sent to home and action is parked until the reply
// arrives.
func (m *Manager[K, M]) GetLocation(id K, home vtctx.Node, action func(vtctx.Node)) {
	m.mu.Lock()
	if m.isLocal(id) {
		m.mu.Unlock()
		action(m.node)
		return
	}
	if node, ok := m.cachedRemote(id); ok {
		m.mu.Unlock()
		action(node)
		return
	}
	m.mu.Unlock()

	// A NormalEvent id serves as the correlation token for the
	// GetLocationMsg round trip; UpdatePendingRequest readies it once the
	// reply resolves the pending action, releasing it from the event
	// manager's live container.
	proxy := m.events.CreateNormalEvent()
	m.mu.Lock()
	m.pendingActions[proxy.ID()] = action
	m.mu.Unlock()

	m.sender.SendGetLocation(home, id, proxy.ID(), m.node, home)
}

// UpdatePendingRequest resolves the pending GetLocation action keyed by
// eventID with the answer node.
func (m *Manager[K, M]) UpdatePendingRequest(eventID event.ID, node vtctx.Node) {
	m.mu.Lock()
	fn, ok := m.pendingActions[eventID]
	delete(m.pendingActions, eventID)
	m.mu.Unlock()

	// Ready the correlation event so it leaves the event manager's live
	// container; without this, every resolved cross-rank GetLocation would
	// strand one event record for the life of the process.
	if proxy, live := m.events.Lookup(eventID); live {
		proxy.SetReady()
	}

	if ok {
		fn(node)
	}
}

// HandleGetLocation answers a GetLocationMsg on the home node: if id is
// locally known or cached, reply immediately to askNode; otherwise buffer
// the request until the entity registers.
func (m *Manager[K, M]) HandleGetLocation(id K, eventID event.ID, askNode vtctx.Node) {
	m.mu.Lock()
	local := m.isLocal(id)
	var cachedNode vtctx.Node
	var hasCached bool
	if !local {
		cachedNode, hasCached = m.cachedRemote(id)
	}
	if !local && !hasCached {
		m.pendingLookups[id] = append(m.pendingLookups[id], func(resolvedNode vtctx.Node) {
			m.sender.SendGetLocationReply(askNode, id, resolvedNode, eventID)
		})
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	answer := m.node
	if hasCached {
		answer = cachedNode
	}
	m.sender.SendGetLocationReply(askNode, id, answer, eventID)
}

// HandleUpdateLocation applies an unsolicited UpdateLocationMsg, sent by
// RegisterEntity to push a fresh registration to the home node's cache.
func (m *Manager[K, M]) HandleUpdateLocation(id K, node vtctx.Node) {
	state := stateRemote
	if node == m.node {
		state = stateLocal
	}
	m.mu.Lock()
	m.cache.Put(id, record{state: state, currentNode: node})
	m.mu.Unlock()
}

// HandleGetLocationReply applies the home node's answer to a prior
// GetLocation request: it caches the record and resolves the pending
// action correlated by eventID.
func (m *Manager[K, M]) HandleGetLocationReply(id K, node vtctx.Node, eventID event.ID) {
	m.HandleUpdateLocation(id, node)
	m.UpdatePendingRequest(eventID, node)
}

// RouteMsg delivers msg to id, choosing eager or non-eager routing based
// on eager alone. RouteMsg does not inspect msg: the caller's flag decides
// even for serialized messages.
func (m *Manager[K, M]) RouteMsg(id K, home vtctx.Node, msg M, eager bool, askNode vtctx.Node) {
	if eager {
		m.routeMsgEager(id, home, msg, askNode)
		return
	}
	m.GetLocation(id, home, func(resolved vtctx.Node) {
		m.routeMsgNode(id, home, resolved, msg, askNode)
	})
}

func (m *Manager[K, M]) routeMsgEager(id K, home vtctx.Node, msg M, askNode vtctx.Node) {
	m.mu.Lock()
	target := home
	switch {
	case m.isLocal(id):
		target = m.node
	default:
		if node, ok := m.cachedRemote(id); ok {
			target = node
		}
	}
	m.mu.Unlock()
	m.routeMsgNode(id, home, target, msg, askNode)
}

// routeMsgNode delivers msg to target if target is this node (invoking the
// registered action, or buffering in pendingLookups if the entity hasn't
// registered yet), or forwards otherwise. Whichever branch this node
// takes, it first records askNode in locAsks[id] (skipping itself, which
// needs no notification); once delivery occurs, the delivering node sends
// HandleEagerUpdate to the askers recorded on that node. Each forwarding
// hop advertises itself as the next askNode, so askers recorded on an
// earlier hop are not notified by this delivery.
func (m *Manager[K, M]) routeMsgNode(id K, home vtctx.Node, target vtctx.Node, msg M, askNode vtctx.Node) {
	m.recordAsk(id, askNode)

	if target != m.node {
		// Advertise self as the next hop's ask_node.
		m.sender.RouteTo(target, id, home, m.node, msg)
		return
	}

	m.mu.Lock()
	_, ok := m.localAction[id]
	if !ok {
		// Buffer until the entity registers; no deadlock detection is
		// attempted.
		m.pendingLookups[id] = append(m.pendingLookups[id], func(vtctx.Node) {
			m.deliverLocal(id, home, msg)
		})
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.deliverLocal(id, home, msg)
}

// recordAsk notes that askNode is waiting on id's location, so it can be
// notified when delivery finally occurs. A node never needs to notify
// itself.
func (m *Manager[K, M]) recordAsk(id K, askNode vtctx.Node) {
	if askNode == m.node {
		return
	}
	m.mu.Lock()
	if m.locAsks[id] == nil {
		m.locAsks[id] = make(map[vtctx.Node]struct{})
	}
	m.locAsks[id][askNode] = struct{}{}
	m.mu.Unlock()
}

// deliverLocal invokes id's registered action with msg and runs
// forward-chain collapse. Called either directly, when the entity is
// already registered, or via a buffered pendingLookups closure once it
// registers.
func (m *Manager[K, M]) deliverLocal(id K, home vtctx.Node, msg M) {
	m.mu.Lock()
	action, ok := m.localAction[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	action(id, msg)
	m.collapseForwardChain(id, home)
}

// collapseForwardChain notifies every recorded forwarding hop that
// delivery finally occurred on this node, so they can update their caches
// and shortcut future routing to a single hop.
func (m *Manager[K, M]) collapseForwardChain(id K, home vtctx.Node) {
	m.mu.Lock()
	askers := m.locAsks[id]
	delete(m.locAsks, id)
	m.mu.Unlock()

	for asker := range askers {
		if asker == m.node {
			continue
		}
		m.sender.SendEagerUpdate(asker, id, home, m.node)
	}
}

// HandleEagerUpdate applies a forward-chain-collapse notification by
// caching id as resident on deliverNode.
func (m *Manager[K, M]) HandleEagerUpdate(id K, deliverNode vtctx.Node) {
	state := stateRemote
	if deliverNode == m.node {
		state = stateLocal
	}
	m.mu.Lock()
	m.cache.Put(id, record{state: state, currentNode: deliverNode})
	m.mu.Unlock()
}
