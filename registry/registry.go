// Package registry implements the write-once handler table: a stable
// mapping from a packed handler identifier to the callable it names,
// established during bootstrap and never mutated afterward.
//
// Registry is generic over the message type a handler accepts so that it
// has no dependency on the am package: am instantiates Registry[*am.Message]
// itself, keeping the dependency edge pointed the one sensible direction.
package registry

import (
	"sync"

	"github.com/taskmesh/vtr/vtrerr"
)

// HandlerID packs a node slot (for per-node registrations) and a per-node
// identifier into a single 32-bit value. Global handlers (registered
// identically on every rank, the common case) use NoNodeSlot.
type HandlerID uint32

// NoNodeSlot is the node-slot value for a handler registered identically
// across every rank, rather than scoped to one rank's private object.
const NoNodeSlot int16 = -1

// PackHandlerID builds a HandlerID from a node slot and an identifier.
// Identifier must fit in 16 bits.
func PackHandlerID(node int16, identifier uint16) HandlerID {
	return HandlerID(uint32(uint16(node))<<16 | uint32(identifier))
}

// NodeSlot returns the node-slot component of h.
func (h HandlerID) NodeSlot() int16 { return int16(uint32(h) >> 16) }

// Identifier returns the identifier component of h.
func (h HandlerID) Identifier() uint16 { return uint16(h) }

// IsGlobal reports whether h was registered without a node scope.
func (h HandlerID) IsGlobal() bool { return h.NodeSlot() == NoNodeSlot }

// CommCritical marks a handler as required to run inline on the comm
// goroutine rather than be dispatched onto a worker pool. Termination,
// location, and RDMA control-plane handlers are always CommCritical.
type CommCritical bool

const (
	// Critical handlers never leave the comm goroutine.
	Critical CommCritical = true
	// Dispatchable handlers may run on a worker pool, if one exists.
	Dispatchable CommCritical = false
)

type entry[T any] struct {
	fn       func(T)
	critical CommCritical
}

// Registry is a write-once-per-slot map from HandlerID to a callable
// accepting T. It is safe for concurrent Lookup from any number of
// goroutines; Register is intended for single-threaded bootstrap use but
// is mutex-protected regardless, since the worker pool may be dispatching
// concurrently with late registration in tests.
type Registry[T any] struct {
	mu    sync.RWMutex
	table map[HandlerID]entry[T]
	next  uint16
}

// New constructs an empty Registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{table: make(map[HandlerID]entry[T])}
}

// Register installs fn under id. Aborts fatally (vtrerr.ContractViolation)
// if id already names a handler.
func (r *Registry[T]) Register(id HandlerID, fn func(T), critical CommCritical) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.table[id]; exists {
		vtrerr.Abort(vtrerr.New(vtrerr.ContractViolation, "duplicate handler registration", map[string]any{
			"handler_id": uint32(id),
			"node_slot":  id.NodeSlot(),
			"identifier": id.Identifier(),
		}))
		return
	}
	r.table[id] = entry[T]{fn: fn, critical: critical}
}

// RegisterNext allocates the next unused global identifier and registers
// fn under it, returning the assigned HandlerID. This is the path
// vtr.Runtime.RegisterHandler uses: the core requires only that handlers
// be registrable by an opaque identifier, not named at compile time.
func (r *Registry[T]) RegisterNext(fn func(T), critical CommCritical) HandlerID {
	r.mu.Lock()
	id := PackHandlerID(NoNodeSlot, r.next)
	r.next++
	r.mu.Unlock()
	r.Register(id, fn, critical)
	return id
}

// Lookup returns the handler registered under id. Aborts fatally
// (vtrerr.ContractViolation) if no handler is registered.
func (r *Registry[T]) Lookup(id HandlerID) (fn func(T), critical CommCritical) {
	r.mu.RLock()
	e, ok := r.table[id]
	r.mu.RUnlock()
	if !ok {
		vtrerr.Abort(vtrerr.New(vtrerr.ContractViolation, "unknown handler id", map[string]any{
			"handler_id": uint32(id),
			"node_slot":  id.NodeSlot(),
			"identifier": id.Identifier(),
		}))
		return nil, Dispatchable
	}
	return e.fn, e.critical
}

// Len returns the number of registered handlers.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.table)
}
