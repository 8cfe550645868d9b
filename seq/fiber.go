// Fiber models a single cooperative execution context as a goroutine
// paired with one-token rendezvous channels standing in for a stackful
// coroutine's suspend/resume.
package seq

import "sync"

// Fiber is a single suspend/resume execution context. The zero value is
// not usable; construct with NewFiber.
type Fiber struct {
	resume  chan struct{}
	blocked chan struct{}

	mu       sync.Mutex
	onBlock  bool
	done     bool
}

// NewFiber constructs a Fiber ready to run body in its own goroutine once
// Start is called. Both channels carry one buffered token so a Resume that
// lands between the fiber's blocked-signal and its actual park point is
// held rather than lost.
func NewFiber() *Fiber {
	return &Fiber{
		resume:  make(chan struct{}, 1),
		blocked: make(chan struct{}, 1),
	}
}

// Start launches body on its own goroutine. body receives the Fiber so it
// can call Suspend at its wait points.
func (f *Fiber) Start(body func(*Fiber)) {
	go func() {
		body(f)
		f.mu.Lock()
		f.done = true
		f.mu.Unlock()
		select {
		case f.blocked <- struct{}{}:
		default:
		}
	}()
}

// Suspend blocks the calling fiber's goroutine until Resume is called.
func (f *Fiber) Suspend() {
	f.mu.Lock()
	f.onBlock = true
	f.mu.Unlock()
	select {
	case f.blocked <- struct{}{}:
	default:
	}
	<-f.resume
}

// Resume clears the blocked flag and wakes the suspended goroutine. It
// does not wait for the goroutine; Leaf.Activate calls Resume and then
// rejoins the fiber itself.
func (f *Fiber) Resume() {
	f.mu.Lock()
	f.onBlock = false
	f.mu.Unlock()
	select {
	case f.resume <- struct{}{}:
	default:
	}
}

// WaitUntilBlockedOrDone blocks the calling (scheduler) goroutine until the
// fiber either suspends via Suspend or finishes running body, giving the
// scheduler a synchronous handle on an otherwise async goroutine.
func (f *Fiber) WaitUntilBlockedOrDone() {
	<-f.blocked
}

// Done reports whether the fiber's body has returned.
func (f *Fiber) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}
