// Package am implements the active messenger: envelope setup, direct
// send, k=2 spanning-tree broadcast, and the scheduler's non-blocking
// probe-then-dispatch loop.
package am

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/taskmesh/vtr/envelope"
	"github.com/taskmesh/vtr/event"
	"github.com/taskmesh/vtr/internal/vtlog"
	"github.com/taskmesh/vtr/registry"
	"github.com/taskmesh/vtr/term"
	"github.com/taskmesh/vtr/transport"
	"github.com/taskmesh/vtr/vtctx"
	"github.com/taskmesh/vtr/vtrerr"
)

// Message is what a registered handler receives: the decoded envelope plus
// the raw payload that followed it on the wire.
type Message struct {
	Envelope envelope.Envelope
	Payload  []byte
}

// Messenger is the ActiveMessenger: envelope setup, direct send,
// broadcast, and dispatch, wired against a concrete transport.Transport,
// registry.Registry, event.Manager, and term.Detector.
type Messenger struct {
	ctx       *vtctx.Context
	xport     transport.Transport
	registry  *registry.Registry[*Message]
	events    *event.Manager
	detector  *term.Detector
	log       *vtlog.Logger

	pool    chan func()
	workers *errgroup.Group
	poolN   int
}

// New constructs a Messenger. If poolSize > 0, non-CommCritical handlers
// are dispatched onto a bounded goroutine pool of that size; poolSize == 0
// runs every handler inline on the comm goroutine.
func New(
	vctx *vtctx.Context,
	xport transport.Transport,
	reg *registry.Registry[*Message],
	events *event.Manager,
	detector *term.Detector,
	log *vtlog.Logger,
	poolSize int,
) *Messenger {
	m := &Messenger{ctx: vctx, xport: xport, registry: reg, events: events, detector: detector, log: log}
	if poolSize > 0 {
		m.pool = make(chan func(), poolSize*4)
		m.poolN = poolSize
		m.workers = new(errgroup.Group)
		m.workers.SetLimit(poolSize)
		for i := 0; i < poolSize; i++ {
			m.workers.Go(m.worker)
		}
	}
	return m
}

func (m *Messenger) worker() error {
	for fn := range m.pool {
		fn()
	}
	return nil
}

// Close drains the worker pool, if any.
func (m *Messenger) Close() {
	if m.pool != nil {
		close(m.pool)
		if err := m.workers.Wait(); err != nil {
			m.log.Err().Err(err).Log("worker pool terminated with error")
		}
	}
}

// SendMsg initiates transmission of payload to dest under handler. The
// returned event becomes Ready when the transport reports local completion
// of this particular buffer.
func (m *Messenger) SendMsg(ctx context.Context, dest vtctx.Node, handler registry.HandlerID, payload []byte, epoch int32) *event.Event {
	env := envelope.New(dest, handler, epoch, 0)
	return m.sendEnvelope(ctx, env, payload)
}

func (m *Messenger) sendEnvelope(ctx context.Context, env envelope.Envelope, payload []byte) *event.Event {
	if !env.IsTerm() {
		m.detector.Produce(env.Epoch)
	}

	buf := envelope.Pack(env, payload)
	req, err := m.xport.Isend(ctx, buf, int(env.Dest), 0)
	if err != nil {
		vtrerr.Abort(vtrerr.Wrap(vtrerr.TransportFailure, "isend failed", err, map[string]any{
			"dest": env.Dest,
		}))
		return nil
	}

	return m.events.CreateMPIEvent(req.Test)
}

// SendTermMsg sends payload to dest under handler with the is_term flag
// set, bypassing the detector's counters. Used by the runtime's own
// control traffic so it never perturbs the counts it is trying to
// balance.
func (m *Messenger) SendTermMsg(ctx context.Context, dest vtctx.Node, handler registry.HandlerID, payload []byte) *event.Event {
	env := envelope.New(dest, handler, term.AnyEpoch, 0)
	env = env.WithFlag(envelope.FlagIsTerm)
	return m.sendEnvelope(ctx, env, payload)
}

// BroadcastMsg delivers payload to every rank via the k=2 spanning tree
// rooted at this rank. The root invokes its own registered handler for
// this payload directly (the tree has no incoming link to the root, so
// nothing else would ever deliver it locally) and then forwards to its
// children exactly as every other rank does on receipt. The returned event
// is a ParentEvent over the per-link sends issued directly from this
// rank, or nil when this rank has no children in the tree.
func (m *Messenger) BroadcastMsg(ctx context.Context, handler registry.HandlerID, payload []byte, epoch int32) *event.Event {
	env := envelope.New(vtctx.Node(m.ctx.Node()), handler, epoch, 0)
	env = env.WithFlag(envelope.FlagIsBcast)
	env.BroadcastRoot = int16(m.ctx.Node())
	m.dispatchLocal(env, payload)
	return m.forwardBroadcast(ctx, env, payload)
}

// broadcastChildren computes this rank's children in the tree rooted at
// root: l1 = (n-r)*2+1+r, l2 = (n-r)*2+2+r, modular in the rank space.
// self's position relative to root is first wrapped into [0, size); a
// 5-rank job rooted at 2 fans 3 out to 0 and 1. The child *offsets*
// (2*rel+1, 2*rel+2) are then range-checked against size unwrapped: an
// offset past the root's virtual index space means this node is a leaf,
// not a wraparound back onto an already-visited rank.
func (m *Messenger) broadcastChildren(root, self vtctx.Node) []vtctx.Node {
	size := m.ctx.Size()
	rel := (((int(self) - int(root)) % size) + size) % size

	var out []vtctx.Node
	for _, childRel := range [2]int{rel*2 + 1, rel*2 + 2} {
		if childRel < size {
			out = append(out, vtctx.Node((int(root)+childRel)%size))
		}
	}
	return out
}

// BroadcastTermMsg is BroadcastMsg with the is_term flag set, for the
// termination detector's own epoch-continue/epoch-finished/ready-epoch
// broadcasts.
func (m *Messenger) BroadcastTermMsg(ctx context.Context, handler registry.HandlerID, payload []byte) *event.Event {
	env := envelope.New(vtctx.Node(m.ctx.Node()), handler, term.AnyEpoch, 0)
	env = env.WithFlag(envelope.FlagIsBcast)
	env = env.WithFlag(envelope.FlagIsTerm)
	env.BroadcastRoot = int16(m.ctx.Node())
	return m.forwardBroadcast(ctx, env, payload)
}

// forwardBroadcast sends env (with its broadcast_root already set) to
// this rank's children in the tree rooted at env.BroadcastRoot, accounting
// each forwarded copy in the detector exactly once. If there are no
// children in range, the sentinel (nil) event is returned and any
// continuation the caller supplied should run immediately.
func (m *Messenger) forwardBroadcast(ctx context.Context, env envelope.Envelope, payload []byte) *event.Event {
	root := vtctx.Node(env.BroadcastRoot)
	children := m.broadcastChildren(root, vtctx.Node(m.ctx.Node()))
	if len(children) == 0 {
		return nil
	}

	childEvents := make([]event.ID, 0, len(children))
	for _, c := range children {
		childEnv := env
		childEnv.Dest = c
		e := m.sendEnvelope(ctx, childEnv, payload)
		if e != nil {
			childEvents = append(childEvents, e.ID())
		}
	}
	return m.events.CreateParentEvent(childEvents)
}

// TryProcessIncoming probes for any arrival and, on match, reads the byte
// count, allocates a buffer sized to it, receives into it, decodes the
// envelope prefix, and dispatches to the registered handler. Returns true
// if a message was processed this call.
func (m *Messenger) TryProcessIncoming(ctx context.Context) bool {
	status, found, err := m.xport.Iprobe(ctx, transport.AnySource, transport.AnyTag)
	if err != nil {
		vtrerr.Abort(vtrerr.Wrap(vtrerr.TransportFailure, "iprobe failed", err, nil))
		return false
	}
	if !found {
		return false
	}
	if status.Bytes < envelope.Size {
		vtrerr.Abort(vtrerr.New(vtrerr.ContractViolation, "arrival smaller than envelope size", map[string]any{
			"bytes": status.Bytes,
		}))
		return false
	}

	buf := make([]byte, status.Bytes)
	if err := m.xport.Recv(ctx, buf, status); err != nil {
		vtrerr.Abort(vtrerr.Wrap(vtrerr.TransportFailure, "recv failed", err, nil))
		return false
	}

	env, payload, err := envelope.Frame(buf)
	if err != nil {
		vtrerr.Abort(vtrerr.Wrap(vtrerr.SerializationFailure, "malformed envelope", err, nil))
		return false
	}

	if !env.IsTerm() {
		m.detector.Consume(env.Epoch)
	}

	dispatch := func() {
		m.dispatchLocal(env, payload)
		if env.IsBcast() {
			m.forwardBroadcast(ctx, env, payload)
		}
	}

	_, critical := m.registry.Lookup(env.HandlerID(registry.NoNodeSlot))
	if m.pool != nil && critical == registry.Dispatchable {
		m.pool <- dispatch
	} else {
		dispatch()
	}
	return true
}

// dispatchLocal invokes this rank's registered handler for env/payload
// inline, on whatever goroutine calls it. Shared by TryProcessIncoming's
// arrival path and BroadcastMsg's root self-delivery, so a broadcast's
// originating rank runs its own handler exactly the same way a receiving
// rank would.
func (m *Messenger) dispatchLocal(env envelope.Envelope, payload []byte) {
	fn, _ := m.registry.Lookup(env.HandlerID(registry.NoNodeSlot))
	fn(&Message{Envelope: env, Payload: payload})
}

// RunGroup returns an errgroup.Group bound to ctx, for callers running one
// goroutine per rank (collective calls, dispatch loops in an in-process
// multi-rank demo) that want to join on the first failure.
func RunGroup(ctx context.Context) (*errgroup.Group, context.Context) {
	return errgroup.WithContext(ctx)
}
