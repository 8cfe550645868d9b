// Package rdma implements the one-sided data plane: bit-packed handle
// identifiers, per-handle get/put handler association with a memcpy-style
// default, and the Channel/Group abstractions over a transport's one-sided
// window primitives.
package rdma

import (
	"context"
	"sync"

	"github.com/taskmesh/vtr/transport"
	"github.com/taskmesh/vtr/vtctx"
	"github.com/taskmesh/vtr/vtrerr"
)

// OpType distinguishes the direction a Handle's default handler and any
// bound Channel support.
type OpType uint8

const (
	OpGet OpType = iota
	OpPut
)

// Handle is a 64-bit bit-packed RDMA handle: sized:1, collective:1,
// is_handler_type:1, op_type:4, identifier:32, node:16, reserved:9 (LSB to
// MSB). Once set, the home node and identifier fields are immutable.
type Handle uint64

const (
	shiftSized     = 0
	shiftCollective = 1
	shiftIsHandler = 2
	shiftOpType    = 3
	shiftIdentifier = 7
	shiftNode      = 39

	maskOpType     = 0xF
	maskIdentifier = 0xFFFFFFFF
	maskNode       = 0xFFFF
)

// PackHandle builds a Handle from its constituent fields.
func PackHandle(sized, collective, isHandlerType bool, op OpType, identifier uint32, node vtctx.Node) Handle {
	var h uint64
	if sized {
		h |= 1 << shiftSized
	}
	if collective {
		h |= 1 << shiftCollective
	}
	if isHandlerType {
		h |= 1 << shiftIsHandler
	}
	h |= uint64(op&maskOpType) << shiftOpType
	h |= uint64(identifier&maskIdentifier) << shiftIdentifier
	h |= uint64(uint16(node)&maskNode) << shiftNode
	return Handle(h)
}

func (h Handle) Sized() bool        { return h&(1<<shiftSized) != 0 }
func (h Handle) Collective() bool   { return h&(1<<shiftCollective) != 0 }
func (h Handle) IsHandlerType() bool { return h&(1<<shiftIsHandler) != 0 }
func (h Handle) OpType() OpType     { return OpType((h >> shiftOpType) & maskOpType) }
func (h Handle) Identifier() uint32 { return uint32((h >> shiftIdentifier) & maskIdentifier) }
func (h Handle) Node() vtctx.Node   { return vtctx.Node(int16(uint16((h >> shiftNode) & maskNode))) }

// GetFunc resolves a get request to the bytes that satisfy it.
type GetFunc func(tag int32) (ptr []byte)

// PutFunc applies incoming bytes to the registered buffer.
type PutFunc func(tag int32, data []byte)

// State is the per-handle record: the registered buffer plus the
// tag-keyed get/put handler bindings and pending-request queues.
type State struct {
	Handle Handle
	ptr    []byte

	mu          sync.Mutex
	getHandlers map[int32]GetFunc // keyed by tag; anyTag key is -1
	putHandlers map[int32]PutFunc
	pendingGets map[int32][]func()
	pendingPuts map[int32][]func()
}

// anyTag is the sentinel tag key for a get/put handler bound without a tag.
const anyTag int32 = -1

// Manager owns every locally-registered RDMA handle.
type Manager struct {
	node vtctx.Node

	mu      sync.Mutex
	handles map[uint32]*State
	nextID  uint32
}

// NewManager constructs a Manager for this rank.
func NewManager(node vtctx.Node) *Manager {
	return &Manager{node: node, handles: make(map[uint32]*State)}
}

// RegisterNewRDMAHandler allocates an identifier, bit-packs a Handle
// against this node, and records a State over ptr.
func (m *Manager) RegisterNewRDMAHandler(ptr []byte, collective bool) Handle {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.mu.Unlock()

	h := PackHandle(len(ptr) > 0, collective, true, OpGet, id, m.node)
	st := &State{
		Handle:      h,
		ptr:         ptr,
		getHandlers: make(map[int32]GetFunc),
		putHandlers: make(map[int32]PutFunc),
		pendingGets: make(map[int32][]func()),
		pendingPuts: make(map[int32][]func()),
	}

	m.mu.Lock()
	m.handles[id] = st
	m.mu.Unlock()
	return h
}

func (m *Manager) lookup(h Handle) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[h.Identifier()]
}

// AssociateGetFunction binds fn to satisfy get requests against h carrying
// tag (or every tag, if tag is omitted via AnyTag).
func (m *Manager) AssociateGetFunction(h Handle, tag int32, fn GetFunc) {
	st := m.lookup(h)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.getHandlers[tag] = fn
	pending := st.pendingGets[tag]
	delete(st.pendingGets, tag)
	st.mu.Unlock()
	for _, replay := range pending {
		replay()
	}
}

// AssociatePutFunction binds fn to apply put requests against h carrying
// tag.
func (m *Manager) AssociatePutFunction(h Handle, tag int32, fn PutFunc) {
	st := m.lookup(h)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.putHandlers[tag] = fn
	pending := st.pendingPuts[tag]
	delete(st.pendingPuts, tag)
	st.mu.Unlock()
	for _, replay := range pending {
		replay()
	}
}

// AnyTag is the tag value meaning "match any get/put request regardless of
// tag", used when no exact-tag handler has been bound.
const AnyTag int32 = anyTag

// resolveGet finds the best-matching get handler for tag: exact tag first,
// then AnyTag.
func (st *State) resolveGet(tag int32) (GetFunc, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if fn, ok := st.getHandlers[tag]; ok {
		return fn, true
	}
	if fn, ok := st.getHandlers[AnyTag]; ok {
		return fn, true
	}
	return nil, false
}

func (st *State) resolvePut(tag int32) (PutFunc, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if fn, ok := st.putHandlers[tag]; ok {
		return fn, true
	}
	if fn, ok := st.putHandlers[AnyTag]; ok {
		return fn, true
	}
	return nil, false
}

// HandleGetMessage resolves h's best-matching get handler for tag and
// returns the bytes to send back with a data-recv-tag distinct from the
// message tag. If no handler is yet registered, the request is parked and
// replayed by AssociateGetFunction once a handler is associated. ok is false
// while the request is parked.
func (m *Manager) HandleGetMessage(h Handle, tag int32, replay func()) (data []byte, ok bool) {
	st := m.lookup(h)
	if st == nil {
		vtrerr.Abort(vtrerr.New(vtrerr.ContractViolation, "get message against unknown rdma handle", map[string]any{
			"identifier": h.Identifier(),
		}))
		return nil, false
	}
	if fn, found := st.resolveGet(tag); found {
		return fn(tag), true
	}
	st.mu.Lock()
	st.pendingGets[tag] = append(st.pendingGets[tag], replay)
	st.mu.Unlock()
	return nil, false
}

// HandlePutMessage applies data to h's best-matching put handler for tag,
// or parks it if no handler is yet bound.
func (m *Manager) HandlePutMessage(h Handle, tag int32, data []byte, replay func()) (ok bool) {
	st := m.lookup(h)
	if st == nil {
		vtrerr.Abort(vtrerr.New(vtrerr.ContractViolation, "put message against unknown rdma handle", map[string]any{
			"identifier": h.Identifier(),
		}))
		return false
	}
	if fn, found := st.resolvePut(tag); found {
		fn(tag, data)
		return true
	}
	st.mu.Lock()
	st.pendingPuts[tag] = append(st.pendingPuts[tag], replay)
	st.mu.Unlock()
	return false
}

// DefaultGetHandler satisfies a get by copying out of the registered
// buffer.
func (st *State) DefaultGetHandler() GetFunc {
	return func(int32) []byte {
		out := make([]byte, len(st.ptr))
		copy(out, st.ptr)
		return out
	}
}

// DefaultPutHandler satisfies a put by copying into the registered buffer
// at offset 0.
func (st *State) DefaultPutHandler() PutFunc {
	return func(_ int32, data []byte) {
		copy(st.ptr, data)
	}
}

// ChannelState is the lifecycle of a Channel.
type ChannelState int

const (
	Uninit ChannelState = iota
	Created
	Locked
	Unlocked
)

// Channel binds a target (the rank owning the handle's window) and a
// non-target (the remote peer) over a fixed byte region. op fixes the
// allowed direction. A Channel is
// constructed once per rank of the pair, against that rank's own
// transport.Transport; the one-sided transfer itself always goes through
// the transport's window primitives (WinCreate/WinLock/Put/Get/Flush/
// WinUnlock), even on the target's own side, so a Put/Get issued by either
// endpoint takes the same code path.
type Channel struct {
	xport     transport.Transport
	Target    vtctx.Node
	NonTarget vtctx.Node
	Op        OpType

	mu    sync.Mutex
	state ChannelState
	win   transport.Win
}

// NewChannel constructs an uninitialized Channel between target and
// nonTarget for the given operation direction, bound to xport (this rank's
// own transport).
func NewChannel(xport transport.Transport, target, nonTarget vtctx.Node, op OpType) *Channel {
	return &Channel{xport: xport, Target: target, NonTarget: nonTarget, Op: op, state: Uninit}
}

// channelTag derives the two-rank subcommunicator tag deterministically
// from the pair of ranks, so target and non-target arrive at the same tag
// without an out-of-band handshake.
func channelTag(target, nonTarget vtctx.Node) int {
	return int(target)<<16 ^ int(nonTarget)
}

// InitChannelGroup constructs the two-rank subcommunicator and the
// one-sided window. buf is non-nil only when called on the target; the
// non-target passes nil. Both endpoints must call this collectively, per
// the transport's WinCreate contract.
func (c *Channel) InitChannelGroup(ctx context.Context, buf []byte) error {
	group, err := c.xport.GroupFromRanks([]int{int(c.Target), int(c.NonTarget)})
	if err != nil {
		return err
	}
	comm, err := c.xport.CommCreateGroup(ctx, group, channelTag(c.Target, c.NonTarget))
	if err != nil {
		return err
	}
	win, err := c.xport.WinCreate(buf, comm)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.win = win
	c.state = Created
	c.mu.Unlock()
	return nil
}

// Lock transitions the channel to Locked, under shared lock for Get or
// exclusive lock for Put.
func (c *Channel) Lock(ctx context.Context) error {
	c.mu.Lock()
	win := c.win
	c.mu.Unlock()

	lockType := transport.LockShared
	if c.Op == OpPut {
		lockType = transport.LockExclusive
	}
	if err := c.xport.WinLock(ctx, int(c.Target), win, lockType); err != nil {
		return err
	}
	c.mu.Lock()
	c.state = Locked
	c.mu.Unlock()
	return nil
}

// WriteDataToChannel performs the one-sided transfer over the transport's
// window: for OpGet it reads out of the target's window at offset into
// local; for OpPut it writes local into it.
func (c *Channel) WriteDataToChannel(ctx context.Context, local []byte, offset int) error {
	c.mu.Lock()
	state := c.state
	win := c.win
	c.mu.Unlock()
	if state != Locked {
		vtrerr.Abort(vtrerr.New(vtrerr.ContractViolation, "channel write outside lock", map[string]any{
			"state": int(state),
		}))
		return nil
	}
	switch c.Op {
	case OpGet:
		return c.xport.Get(ctx, local, int(c.Target), offset, win)
	case OpPut:
		return c.xport.Put(ctx, local, int(c.Target), offset, win)
	}
	return nil
}

// SyncChannelLocal flushes this side of the channel without releasing the
// lock (MPI_Win_flush_local equivalent).
func (c *Channel) SyncChannelLocal(ctx context.Context) error {
	c.mu.Lock()
	win := c.win
	c.mu.Unlock()
	return c.xport.FlushLocal(ctx, int(c.Target), win)
}

// SyncChannelGlobal flushes the channel and, for Puts, releases the
// lock.
func (c *Channel) SyncChannelGlobal(ctx context.Context) error {
	c.mu.Lock()
	win := c.win
	c.mu.Unlock()
	if err := c.xport.Flush(ctx, int(c.Target), win); err != nil {
		return err
	}
	if c.Op != OpPut {
		return nil
	}
	if err := c.xport.WinUnlock(ctx, int(c.Target), win); err != nil {
		return err
	}
	c.mu.Lock()
	c.state = Unlocked
	c.mu.Unlock()
	return nil
}

// Group walks a block -> node and element -> (block, lo, hi) mapping for
// RDMA collections. The placement policy itself is supplied by the
// caller; Group only requires the two resolver functions to route a
// Get/Put to the right node and byte range.
type Group struct {
	BlockForNode func(block int) vtctx.Node
	RangeForElem func(elem int) (block int, lo, hi int)
}

// Locate resolves elem to the node holding it and its byte range within
// that node's block.
func (g *Group) Locate(elem int) (node vtctx.Node, lo, hi int) {
	block, l, h := g.RangeForElem(elem)
	return g.BlockForNode(block), l, h
}
