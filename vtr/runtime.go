// Package vtr is the root of the task runtime: it aggregates Context,
// Registry, Event, ActiveMessenger, Termination, and RDMA into one Runtime
// value passed by reference wherever process-wide state is needed, and
// exposes the process control surface: InitializeContext, RegisterHandler,
// FinalizeRuntime, FinalizeContext.
package vtr

import (
	"context"

	"github.com/taskmesh/vtr/am"
	"github.com/taskmesh/vtr/event"
	"github.com/taskmesh/vtr/internal/vtlog"
	"github.com/taskmesh/vtr/rdma"
	"github.com/taskmesh/vtr/registry"
	"github.com/taskmesh/vtr/term"
	"github.com/taskmesh/vtr/transport"
	"github.com/taskmesh/vtr/vtctx"
	"github.com/taskmesh/vtr/vtrerr"
)

// Reserved handler identifiers for the runtime's own control messages.
// Registered by every rank identically during InitializeContext, before
// any user RegisterHandler call, so their identifiers are stable across
// ranks. All six are global-slot ids (node slot = registry.NoNodeSlot,
// matching what TryProcessIncoming reconstructs from the wire) with
// identifiers counting down from 0xFFFF, far above the user identifiers
// registry.Registry.RegisterNext hands out counting up from 0.
const (
	handlerCheckEventFinished registry.HandlerID = 0xFFFF_FFFF
	handlerEventFinished      registry.HandlerID = 0xFFFF_FFFE
	handlerTermCounter        registry.HandlerID = 0xFFFF_FFFD
	handlerEpochContinue      registry.HandlerID = 0xFFFF_FFFC
	handlerEpochFinished      registry.HandlerID = 0xFFFF_FFFB
	handlerReadyEpoch         registry.HandlerID = 0xFFFF_FFFA
)

// Runtime is the collapsed aggregate of every core subsystem for one rank.
type Runtime struct {
	Context   *vtctx.Context
	Registry  *registry.Registry[*am.Message]
	Events    *event.Manager
	Term      *term.Detector
	Messenger *am.Messenger
	RDMA      *rdma.Manager
	Log       *vtlog.Logger

	transport transport.Transport
}

// Option configures InitializeContext.
type Option func(*config)

type config struct {
	log            *vtlog.Logger
	workerPoolSize int
}

// WithLogger overrides the default zerolog-backed logger, per the
// ambient-logging stack every package draws from internal/vtlog.
func WithLogger(l *vtlog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithWorkerPool declares a core map of n worker goroutines for
// non-comm-critical handler dispatch.
func WithWorkerPool(n int) Option {
	return func(c *config) { c.workerPoolSize = n }
}

// InitializeContext is the collective process-bootstrap entry point: it
// constructs a Runtime bound to node/size/comm over xport, wires every
// subsystem's cross-dependencies, and registers the runtime's own
// control-message handlers.
func InitializeContext(node vtctx.Node, size int, comm vtctx.Comm, xport transport.Transport, opts ...Option) *Runtime {
	cfg := config{log: vtlog.Get()}
	for _, o := range opts {
		o(&cfg)
	}

	vctx := vtctx.New(node, size, comm)
	reg := registry.New[*am.Message]()
	rt := &Runtime{
		Context:   vctx,
		Registry:  reg,
		RDMA:      rdma.NewManager(node),
		Log:       vtlog.WithRank(cfg.log, int32(node)),
		transport: xport,
	}

	rt.Events = event.NewManager(node, eventSender{rt})
	rt.Term = term.NewDetector(node, size, termSender{rt}, rt.Log)
	rt.Messenger = am.New(vctx, xport, reg, rt.Events, rt.Term, rt.Log, cfg.workerPoolSize)

	rt.registerControlHandlers()
	return rt
}

// registerControlHandlers installs the runtime's own fixed-id handlers for
// the event remote-query protocol and the termination wave protocol. These
// are always CommCritical: termination traffic never leaves the comm
// goroutine.
func (rt *Runtime) registerControlHandlers() {
	rt.Registry.Register(handlerCheckEventFinished, func(msg *am.Message) {
		target, requester, proxy := decodeCheckEventFinished(msg.Payload)
		rt.Events.HandleCheckEventFinished(target, requester, proxy)
	}, registry.Critical)

	rt.Registry.Register(handlerEventFinished, func(msg *am.Message) {
		proxy := decodeEventFinished(msg.Payload)
		rt.Events.HandleEventFinished(proxy)
	}, registry.Critical)

	rt.Registry.Register(handlerTermCounter, func(msg *am.Message) {
		epoch, prod, cons := decodeTermCounter(msg.Payload)
		rt.Term.ChildReport(epoch, prod, cons)
	}, registry.Critical)

	rt.Registry.Register(handlerEpochContinue, func(msg *am.Message) {
		rt.Term.HandleEpochContinue(decodeEpoch(msg.Payload))
	}, registry.Critical)

	rt.Registry.Register(handlerEpochFinished, func(msg *am.Message) {
		epoch, _ := decodeEpochFinished(msg.Payload)
		rt.Term.HandleEpochFinished(epoch)
	}, registry.Critical)

	rt.Registry.Register(handlerReadyEpoch, func(msg *am.Message) {
		rt.Term.HandleReadyEpoch(decodeEpoch(msg.Payload))
	}, registry.Critical)
}

// Transport returns this rank's bound transport, for callers constructing
// an rdma.Channel directly against the runtime's own wire connection.
func (rt *Runtime) Transport() transport.Transport { return rt.transport }

// RegisterHandler allocates the next global handler id and binds fn to
// it. critical should be registry.Critical for handlers that must never be
// deferred to the worker pool.
func (rt *Runtime) RegisterHandler(fn func(*am.Message), critical registry.CommCritical) registry.HandlerID {
	return rt.Registry.RegisterNext(fn, critical)
}

// FinishRegistration runs the process-wide barrier that closes bootstrap
// registration. One barrier at the end of bootstrap, not one per Register
// call: the table is write-once either way, and per-call barriers would
// serialize every rank through every registration.
func (rt *Runtime) FinishRegistration(ctx context.Context) {
	if err := rt.transport.Barrier(ctx); err != nil {
		vtrerr.Abort(vtrerr.Wrap(vtrerr.TransportFailure, "bootstrap barrier failed", err, nil))
	}
}

// Poll advances the scheduler loop by one non-blocking pass: one incoming
// dispatch attempt, one sweep over outstanding transport events, plus one
// termination wave check per epoch in the resolved window.
func (rt *Runtime) Poll(ctx context.Context) {
	rt.Messenger.TryProcessIncoming(ctx)
	rt.Events.PerformTriggeredActions()
	lo, hi := rt.Term.ResolvedWindow()
	if lo == term.NoEpoch {
		return
	}
	for e := lo; e <= hi; e++ {
		rt.Term.CheckWave(e)
	}
}

// FinalizeRuntime tears down this rank's messenger worker pool. All other
// state is in-memory and needs no flushing.
func (rt *Runtime) FinalizeRuntime() {
	rt.Messenger.Close()
}

// FinalizeContext is the collective process-teardown entry point, run
// after FinalizeRuntime on every rank.
func (rt *Runtime) FinalizeContext(ctx context.Context) {
	if err := rt.transport.Barrier(ctx); err != nil {
		vtrerr.Abort(vtrerr.Wrap(vtrerr.TransportFailure, "finalize barrier failed", err, nil))
	}
}

// eventSender adapts Runtime to event.Sender, routing the remote
// completion query protocol through the runtime's own control handlers.
type eventSender struct{ rt *Runtime }

// Event remote-query traffic is runtime metadata, not application work, so
// it is sent with the same is_term exemption as the termination detector's
// own counter messages: it must never perturb the four counters it may
// itself be racing against.
func (s eventSender) SendCheckEventFinished(owner vtctx.Node, target event.ID, requester vtctx.Node, proxy event.ID) {
	payload := encodeCheckEventFinished(target, requester, proxy)
	s.rt.Messenger.SendTermMsg(context.Background(), owner, handlerCheckEventFinished, payload)
}

func (s eventSender) SendEventFinished(requester vtctx.Node, proxy event.ID) {
	payload := encodeEventFinished(proxy)
	s.rt.Messenger.SendTermMsg(context.Background(), requester, handlerEventFinished, payload)
}

// termSender adapts Runtime to term.Sender, routing the four-counter wave
// protocol through the runtime's own control handlers.
type termSender struct{ rt *Runtime }

func (s termSender) SendTermCounter(to vtctx.Node, epoch int32, prod, cons int64) {
	s.rt.Messenger.SendTermMsg(context.Background(), to, handlerTermCounter, encodeTermCounter(epoch, prod, cons))
}

func (s termSender) SendEpochContinue(to vtctx.Node, epoch int32) {
	s.rt.Messenger.SendTermMsg(context.Background(), to, handlerEpochContinue, encodeEpoch(epoch))
}

func (s termSender) Broadcast(epoch int32, finished bool) {
	handler := handlerEpochContinue
	payload := encodeEpoch(epoch)
	if finished {
		handler = handlerEpochFinished
		payload = encodeEpochFinished(epoch, true)
	}
	s.rt.Messenger.BroadcastTermMsg(context.Background(), handler, payload)
}

func (s termSender) BroadcastReadyEpoch(epoch int32) {
	s.rt.Messenger.BroadcastTermMsg(context.Background(), handlerReadyEpoch, encodeEpoch(epoch))
}

