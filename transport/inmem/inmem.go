// Package inmem implements an in-process transport.Transport for tests
// and single-binary multi-rank demos: every rank is a goroutine sharing
// one in-memory Network rather than a real NIC, with per-rank mailboxes
// owned by the hub instead of the OS network stack.
package inmem

import (
	"context"
	"sync"

	"github.com/taskmesh/vtr/transport"
)

type message struct {
	source int
	tag    int
	buf    []byte
}

// Network is the shared in-process fabric every rank's Transport routes
// through.
type Network struct {
	ranks int

	mailbox   []chan message
	barrierMu sync.Mutex
	barrierCh chan struct{}
	barrierN  int

	// winMu guards wins. A window is addressed by (owning rank, id); every
	// rank in a WinCreate's comm calls WinCreate the same number of times
	// in the same order (window creation is collective), so ids line up
	// across ranks exactly as they do in transport/grpcwire, even though
	// here every rank shares one process and one Network.
	winMu sync.Mutex
	wins  map[int]map[int]*winEntry
}

// winEntry is one rank's registered window: the buffer a remote Put/Get
// targets, plus the lock WinLock/WinUnlock acquire around it.
type winEntry struct {
	mu  sync.Mutex
	buf []byte
}

// NewNetwork constructs a Network sized for n ranks.
func NewNetwork(n int) *Network {
	net := &Network{
		ranks:   n,
		mailbox: make([]chan message, n),
	}
	for i := range net.mailbox {
		net.mailbox[i] = make(chan message, 256)
	}
	net.resetBarrier()
	return net
}

func (net *Network) resetBarrier() {
	net.barrierMu.Lock()
	net.barrierCh = make(chan struct{})
	net.barrierN = 0
	net.barrierMu.Unlock()
}

// Rank returns a Transport bound to rank r over this Network.
func (net *Network) Rank(r int) *Transport {
	return &Transport{net: net, rank: r}
}

// win is the opaque Win handle returned by WinCreate: a window id,
// addressed together with the owning rank on every subsequent Put/Get/Lock
// call, mirroring transport/grpcwire's win{id}.
type win struct{ id int }

// Transport is one rank's view of a Network.
type Transport struct {
	net     *Network
	rank    int
	pending []message
	winNext int
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Size() int { return t.net.ranks }
func (t *Transport) Rank() int { return t.rank }

func (t *Transport) Barrier(ctx context.Context) error {
	t.net.barrierMu.Lock()
	ch := t.net.barrierCh
	t.net.barrierN++
	arrived := t.net.barrierN
	if arrived == t.net.ranks {
		close(ch)
		t.net.resetBarrier()
		t.net.barrierMu.Unlock()
		return nil
	}
	t.net.barrierMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type request struct{ done bool }

func (r *request) Test() bool { return r.done }

func (t *Transport) Isend(ctx context.Context, buf []byte, dest int, tag int) (transport.Request, error) {
	cp := append([]byte(nil), buf...)
	select {
	case t.net.mailbox[dest] <- message{source: t.rank, tag: tag, buf: cp}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &request{done: true}, nil
}

func (t *Transport) Iprobe(ctx context.Context, source, tag int) (transport.Status, bool, error) {
	// Drain any arrivals into the pending buffer first.
	for {
		select {
		case msg := <-t.net.mailbox[t.rank]:
			t.pending = append(t.pending, msg)
		default:
			goto drained
		}
	}
drained:
	for _, msg := range t.pending {
		if (source == transport.AnySource || source == msg.source) && (tag == transport.AnyTag || tag == msg.tag) {
			return transport.Status{Source: msg.source, Tag: msg.tag, Bytes: int64(len(msg.buf))}, true, nil
		}
	}
	return transport.Status{}, false, nil
}

func (t *Transport) Recv(ctx context.Context, buf []byte, status transport.Status) error {
	for i, msg := range t.pending {
		if msg.source == status.Source && msg.tag == status.Tag && int64(len(msg.buf)) == status.Bytes {
			copy(buf, msg.buf)
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return nil
		}
	}
	return errNoMatch
}

type inmemError string

func (e inmemError) Error() string { return string(e) }

const errNoMatch inmemError = "inmem: no probed message matches this recv"

func (t *Transport) GroupFromRanks(ranks []int) (transport.Group, error) {
	cp := append([]int(nil), ranks...)
	return cp, nil
}

func (t *Transport) CommCreateGroup(ctx context.Context, group transport.Group, tag int) (transport.Comm, error) {
	return group, nil
}

// WinCreate registers buf as this rank's share of a one-sided window under
// comm. A non-owning peer calls this with a nil buf; its own entry is
// registered but never addressed, since every Put/Get that reaches it
// names the owning rank explicitly.
func (t *Transport) WinCreate(buf []byte, comm transport.Comm) (transport.Win, error) {
	t.net.winMu.Lock()
	id := t.winNext
	t.winNext++
	if t.net.wins == nil {
		t.net.wins = make(map[int]map[int]*winEntry)
	}
	if t.net.wins[t.rank] == nil {
		t.net.wins[t.rank] = make(map[int]*winEntry)
	}
	t.net.wins[t.rank][id] = &winEntry{buf: buf}
	t.net.winMu.Unlock()
	return win{id: id}, nil
}

func (t *Transport) entry(rank int, w transport.Win) *winEntry {
	t.net.winMu.Lock()
	defer t.net.winMu.Unlock()
	return t.net.wins[rank][w.(win).id]
}

func (t *Transport) WinLock(ctx context.Context, target int, w transport.Win, lockType transport.LockType) error {
	t.entry(target, w).mu.Lock()
	return nil
}

func (t *Transport) WinUnlock(ctx context.Context, target int, w transport.Win) error {
	t.entry(target, w).mu.Unlock()
	return nil
}

func (t *Transport) Flush(ctx context.Context, target int, w transport.Win) error { return nil }

func (t *Transport) FlushLocal(ctx context.Context, target int, w transport.Win) error { return nil }

func (t *Transport) Put(ctx context.Context, buf []byte, target int, offset int, w transport.Win) error {
	e := t.entry(target, w)
	copy(e.buf[offset:offset+len(buf)], buf)
	return nil
}

func (t *Transport) Get(ctx context.Context, buf []byte, target int, offset int, w transport.Win) error {
	e := t.entry(target, w)
	copy(buf, e.buf[offset:offset+len(buf)])
	return nil
}
