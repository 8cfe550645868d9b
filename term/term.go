// Package term implements the four-counter distributed termination
// detector, running over a k=2 spanning tree identical in shape to the one
// am uses for broadcast. g_prod1/g_cons1 settle a wave; on mismatch they
// rotate into g_prod2/g_cons2 and a fresh wave starts at zero. Detection
// requires two consecutive waves with equal, matching totals.
package term

import (
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/taskmesh/vtr/internal/ring"
	"github.com/taskmesh/vtr/internal/vtlog"
	"github.com/taskmesh/vtr/vtctx"
)

// waveHistoryCapacity bounds the root's retained wave-diagnostics
// history: a small fixed-size window for inspection, not a full trace
// sink.
const waveHistoryCapacity = 32

// WaveRecord is one retained observation of evaluateRoot's invariant check,
// for diagnostics and tests; it is not consulted by the detection
// algorithm itself.
type WaveRecord struct {
	Epoch      int32
	GProd1     int64
	GCons1     int64
	GProd2     int64
	GCons2     int64
	Terminated bool
}

// NoEpoch is the sentinel for "no epoch": ResolvedWindow reports it for
// both bounds until an epoch is resolved. It is not an alias of AnyEpoch.
const NoEpoch int32 = -1

// AnyEpoch is the always-resolved, never-finished accounting bucket that
// tracks whole-job liveness independent of any single epoch.
const AnyEpoch int32 = -2

// Sender is term's narrow dependency on the messaging layer: the detector
// issues its own control messages (TermCounterMsg, EpochContinueMsg,
// EpochFinishedMsg, ReadyEpochMsg) through this interface rather than
// importing am, mirroring event.Sender's role.
type Sender interface {
	SendTermCounter(to vtctx.Node, epoch int32, prod, cons int64)
	SendEpochContinue(to vtctx.Node, epoch int32)
	Broadcast(epoch int32, finished bool)
	BroadcastReadyEpoch(epoch int32)
}

type epochState struct {
	mu       sync.Mutex
	lProd    int64
	lCons    int64
	gProd1   int64
	gCons1   int64
	gProd2   int64
	gCons2   int64
	reported int // number of child reports received this wave
	finished bool
	globalActionsOnly bool // not read by any code path
	epochActions []func()

	// waveActive is root-only: true between CheckWave's initial
	// EpochContinueMsg broadcast and evaluateRoot resolving this
	// generation, so repeated CheckWave polls don't re-flood the tree
	// with redundant broadcasts mid-wave.
	waveActive bool
}

// Detector is one rank's termination-detection state. One Detector exists
// per rank, tracking every epoch plus the AnyEpoch bucket.
type Detector struct {
	node     vtctx.Node
	size     int
	sender   Sender

	mu           sync.Mutex
	epochs       map[int32]*epochState
	globalAction []func()
	resolvedLo   int32
	resolvedHi   int32

	waveLimiter *catrate.Limiter
	waveLog     *ring.Buffer[WaveRecord]
	log         *vtlog.Logger
}

// NewDetector constructs a Detector for this rank.
func NewDetector(node vtctx.Node, size int, sender Sender, log *vtlog.Logger) *Detector {
	return &Detector{
		node:   node,
		size:   size,
		sender: sender,
		epochs: make(map[int32]*epochState),
		resolvedLo: NoEpoch,
		resolvedHi: NoEpoch,
		waveLimiter: catrate.NewLimiter(map[time.Duration]int{time.Second: 5}),
		waveLog:     ring.New[WaveRecord](waveHistoryCapacity),
		log:         log,
	}
}

// RecentWaves returns up to waveHistoryCapacity of the most recent
// evaluateRoot observations, oldest first. Root-only: non-root ranks never
// evaluate a wave and so always return an empty slice.
func (d *Detector) RecentWaves() []WaveRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]WaveRecord, 0, d.waveLog.Len())
	d.waveLog.Do(func(r WaveRecord) bool {
		out = append(out, r)
		return true
	})
	return out
}

func (d *Detector) stateFor(epoch int32) *epochState {
	d.mu.Lock()
	defer d.mu.Unlock()
	es, ok := d.epochs[epoch]
	if !ok {
		es = &epochState{}
		d.epochs[epoch] = es
	}
	return es
}

// Produce accounts for one outbound, non-termination message under epoch.
func (d *Detector) Produce(epoch int32) {
	es := d.stateFor(epoch)
	es.mu.Lock()
	es.lProd++
	es.mu.Unlock()
}

// Consume accounts for one inbound, non-termination message under epoch.
func (d *Detector) Consume(epoch int32) {
	es := d.stateFor(epoch)
	es.mu.Lock()
	es.lCons++
	es.mu.Unlock()
}

// treeParent and treeChildren mirror am's k=2 spanning-tree arithmetic,
// rooted at rank 0, for the up-reduction/down-broadcast the detector runs
// independent of any user broadcast.
func (d *Detector) treeParent() (vtctx.Node, bool) {
	if d.node == 0 {
		return 0, false
	}
	return vtctx.Node((int(d.node) - 1) / 2), true
}

func (d *Detector) treeChildren() []vtctx.Node {
	var out []vtctx.Node
	for _, c := range []int{int(d.node)*2 + 1, int(d.node)*2 + 2} {
		if c < d.size {
			out = append(out, vtctx.Node(c))
		}
	}
	return out
}

// beginWave folds this rank's local counters into the first generation
// global counters and, once every child of this rank has reported in
// (vacuously true for a leaf), forwards the fold up toward the root via
// reduceUp. Used only on non-root ranks, in response to a received
// EpochContinueMsg (HandleEpochContinue). The root drives its own wave
// through the gated CheckWave instead, never through this function.
func (d *Detector) beginWave(epoch int32) {
	es := d.stateFor(epoch)
	es.mu.Lock()
	es.gProd1 += es.lProd
	es.gCons1 += es.lCons
	numChildren := len(d.treeChildren())
	ready := es.reported >= numChildren
	es.mu.Unlock()

	if !ready {
		return
	}
	d.reduceUp(epoch, es)
}

// ChildReport folds a child's reported counters into this rank's wave and,
// once all children have reported, proceeds up the tree.
func (d *Detector) ChildReport(epoch int32, prod, cons int64) {
	es := d.stateFor(epoch)
	es.mu.Lock()
	es.gProd1 += prod
	es.gCons1 += cons
	es.reported++
	numChildren := len(d.treeChildren())
	ready := es.reported >= numChildren
	es.mu.Unlock()

	if ready {
		d.reduceUp(epoch, es)
	}
}

func (d *Detector) reduceUp(epoch int32, es *epochState) {
	if parent, hasParent := d.treeParent(); hasParent {
		es.mu.Lock()
		prod, cons := es.gProd1, es.gCons1
		es.gProd1, es.gCons1 = 0, 0
		es.reported = 0
		es.mu.Unlock()
		d.sender.SendTermCounter(parent, epoch, prod, cons)
		return
	}
	d.evaluateRoot(epoch, es)
}

// evaluateRoot checks the detection invariant at the root of the tree:
// g_prod1 == g_cons1 && g_prod2 == g_cons2 && g_prod1 == g_prod2. On match
// it broadcasts EpochFinishedMsg and fires locally; otherwise it rotates
// counters into the second generation and starts another wave via
// EpochContinueMsg.
func (d *Detector) evaluateRoot(epoch int32, es *epochState) {
	es.mu.Lock()
	p1, c1, p2, c2 := es.gProd1, es.gCons1, es.gProd2, es.gCons2
	es.reported = 0
	terminated := p1 == c1 && p2 == c2 && p1 == p2
	if terminated {
		es.finished = true
	} else {
		es.gProd2, es.gCons2 = p1, c1
	}
	es.gProd1, es.gCons1 = 0, 0
	es.mu.Unlock()

	d.mu.Lock()
	d.waveLog.Push(WaveRecord{Epoch: epoch, GProd1: p1, GCons1: c1, GProd2: p2, GCons2: c2, Terminated: terminated})
	d.mu.Unlock()

	if d.waveLimiter != nil {
		if _, ok := d.waveLimiter.Allow(epoch); ok {
			d.log.Debug().Int("epoch", int(epoch)).Bool("terminated", terminated).
				Int64("g_prod1", p1).Int64("g_cons1", c1).Log("termination wave evaluated")
		}
	}

	if terminated {
		d.sender.Broadcast(epoch, true)
		d.FireEpoch(epoch)
		return
	}

	es.mu.Lock()
	es.waveActive = false
	es.mu.Unlock()
}

// HandleEpochContinue restarts a wave on a non-root rank that received
// EpochContinueMsg from the root.
func (d *Detector) HandleEpochContinue(epoch int32) {
	d.beginWave(epoch)
}

// HandleEpochFinished marks epoch terminated on a non-root rank, in
// response to EpochFinishedMsg, and fires its epoch actions.
func (d *Detector) HandleEpochFinished(epoch int32) {
	es := d.stateFor(epoch)
	es.mu.Lock()
	es.finished = true
	es.mu.Unlock()
	d.FireEpoch(epoch)
}

// CheckWave is called by the scheduler loop once per poll iteration to
// advance the root's wave for any epoch with outstanding counters. It is a
// no-op on every non-root rank: those ranks only ever fold and forward in
// response to a received TermCounterMsg/EpochContinueMsg (ChildReport,
// HandleEpochContinue), never on their own poll tick, since only the root
// owns wave generations. waveActive gates the EpochContinueMsg kickoff so a
// wave still in flight isn't re-broadcast on every subsequent poll.
func (d *Detector) CheckWave(epoch int32) {
	if d.node != 0 {
		return
	}

	es := d.stateFor(epoch)
	es.mu.Lock()
	if es.finished || es.waveActive {
		es.mu.Unlock()
		return
	}
	es.waveActive = true
	es.gProd1 += es.lProd
	es.gCons1 += es.lCons
	numChildren := len(d.treeChildren())
	readyNow := es.reported >= numChildren
	es.mu.Unlock()

	d.sender.Broadcast(epoch, false)
	if readyNow {
		d.reduceUp(epoch, es)
	}
}

// AttachEpochAction registers fn to run exactly once when epoch finishes.
// If epoch has already finished, fn runs immediately.
func (d *Detector) AttachEpochAction(epoch int32, fn func()) {
	es := d.stateFor(epoch)
	es.mu.Lock()
	if es.finished {
		es.mu.Unlock()
		fn()
		return
	}
	es.epochActions = append(es.epochActions, fn)
	es.mu.Unlock()
}

// AttachGlobalAction records fn as a whole-job action. No Detector code
// path runs the recorded global actions: AnyEpoch is never waved, so they
// do not fire.
func (d *Detector) AttachGlobalAction(fn func()) {
	d.mu.Lock()
	d.globalAction = append(d.globalAction, fn)
	d.mu.Unlock()
}

// FireEpoch runs and clears every action attached to epoch.
func (d *Detector) FireEpoch(epoch int32) {
	es := d.stateFor(epoch)
	es.mu.Lock()
	actions := es.epochActions
	es.epochActions = nil
	es.mu.Unlock()

	for _, a := range actions {
		a()
	}
	d.advanceResolvedWindow(epoch)
}

// LocalCounts returns this rank's running produce/consume totals for
// epoch. Diagnostic only: the detection algorithm reads these under the
// epoch's own lock during a wave fold, never through this accessor.
func (d *Detector) LocalCounts(epoch int32) (prod, cons int64) {
	es := d.stateFor(epoch)
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.lProd, es.lCons
}

// EpochFinished reports whether epoch has been detected as terminated.
func (d *Detector) EpochFinished(epoch int32) bool {
	es := d.stateFor(epoch)
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.finished
}

// NewEpoch runs the new-epoch protocol: it allocates epoch state on this
// rank before returning, so that any produce/consume call that races with
// in-flight ReadyEpochMsg propagation observes an initialized state rather
// than a torn map insert.
func (d *Detector) NewEpoch(epoch int32) {
	d.markEpochResolved(epoch)
	if d.node == 0 {
		d.sender.BroadcastReadyEpoch(epoch)
	}
}

// HandleReadyEpoch implements the tree-down broadcast leg of NewEpoch on
// every non-root rank: it widens the resolved window exactly as NewEpoch
// does on the root, per the original's ready_new_epoch, so every rank
// (not just the root) knows the epoch is live.
func (d *Detector) HandleReadyEpoch(epoch int32) {
	d.markEpochResolved(epoch)
}

func (d *Detector) markEpochResolved(epoch int32) {
	d.stateFor(epoch)
	d.mu.Lock()
	if d.resolvedLo == NoEpoch || epoch < d.resolvedLo {
		d.resolvedLo = epoch
	}
	if epoch > d.resolvedHi {
		d.resolvedHi = epoch
	}
	d.mu.Unlock()
}

// advanceResolvedWindow moves resolvedLo forward past any epoch already
// finished; the window advances only when the lowest unresolved epoch
// finishes.
func (d *Detector) advanceResolvedWindow(justFinished int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if justFinished != d.resolvedLo {
		return
	}
	for d.resolvedLo <= d.resolvedHi {
		es, ok := d.epochs[d.resolvedLo]
		if !ok {
			break
		}
		es.mu.Lock()
		finished := es.finished
		es.mu.Unlock()
		if !finished {
			break
		}
		d.resolvedLo++
	}
}

// ResolvedWindow returns the inclusive [lo, hi] range of epochs this rank
// currently tracks as allocated.
func (d *Detector) ResolvedWindow() (lo, hi int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolvedLo, d.resolvedHi
}
