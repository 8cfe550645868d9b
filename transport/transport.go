// Package transport defines the minimal wire contract the runtime's core
// consumes: non-blocking byte send, probe/receive, one-sided windows,
// barrier, and rank/size/group discovery. Any transport satisfying
// Transport may back the runtime; transport/inmem and transport/grpcwire
// are the two reference implementations.
package transport

import "context"

// AnySource and AnyTag are the wildcard values for Iprobe/Recv.
const (
	AnySource = -1
	AnyTag    = -1
)

// Status describes a probed or completed message. Bytes is explicitly
// int64, not int or a narrower type: a narrow probe count cannot represent
// messages >= 2 GiB.
type Status struct {
	Source int
	Tag    int
	Bytes  int64
}

// Request identifies an in-flight non-blocking send.
type Request interface {
	// Test reports whether the send has completed.
	Test() bool
}

// Group is an opaque rank subset handle produced by GroupFromRanks.
type Group interface{}

// Comm is an opaque communicator handle produced by CommCreateGroup.
type Comm interface{}

// Win is an opaque one-sided window handle produced by WinCreate.
type Win interface{}

// LockType selects shared or exclusive access for WinLock.
type LockType int

const (
	LockShared LockType = iota
	LockExclusive
)

// Transport is the abstract contract the runtime requires of the wire
// layer. Every method that can fail returns an error; a non-nil error from
// any of these is a fatal TransportFailure at the call site, not a value
// the core retries or recovers from.
type Transport interface {
	// Size returns the number of ranks in the job.
	Size() int
	// Rank returns this process's rank.
	Rank() int
	// Barrier blocks until every rank has called Barrier.
	Barrier(ctx context.Context) error

	// Isend issues a non-blocking send of buf to dest under tag, returning
	// a Request that completes when the transport has taken ownership of
	// buf.
	Isend(ctx context.Context, buf []byte, dest int, tag int) (Request, error)
	// Iprobe performs a non-blocking probe for a matching arrival. found is
	// false if nothing matches yet.
	Iprobe(ctx context.Context, source, tag int) (status Status, found bool, err error)
	// Recv receives a previously-probed message of exactly status.Bytes
	// bytes into buf.
	Recv(ctx context.Context, buf []byte, status Status) error

	// GroupFromRanks constructs a Group over the given rank list.
	GroupFromRanks(ranks []int) (Group, error)
	// CommCreateGroup constructs a sub-communicator over group, tagged tag.
	CommCreateGroup(ctx context.Context, group Group, tag int) (Comm, error)

	// WinCreate exposes buf as a one-sided window over comm. A non-owning
	// peer passes a nil buf.
	WinCreate(buf []byte, comm Comm) (Win, error)
	// WinLock acquires lockType access to target's window.
	WinLock(ctx context.Context, target int, win Win, lockType LockType) error
	// WinUnlock releases a previously acquired lock.
	WinUnlock(ctx context.Context, target int, win Win) error
	// Flush ensures all outstanding Put/Get to target are visible.
	Flush(ctx context.Context, target int, win Win) error
	// FlushLocal ensures all outstanding local-side buffer reuse is safe.
	FlushLocal(ctx context.Context, target int, win Win) error
	// Put writes buf into target's window at offset.
	Put(ctx context.Context, buf []byte, target int, offset int, win Win) error
	// Get reads len(buf) bytes from target's window at offset into buf.
	Get(ctx context.Context, buf []byte, target int, offset int, win Win) error
}
