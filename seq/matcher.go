package seq

import (
	"sync"

	"github.com/taskmesh/vtr/registry"
)

// matchKey identifies a (MsgType-via-handler, tag) pair. Untagged entries
// use tagged=false and never match a tagged entry.
type matchKey struct {
	handler registry.HandlerID
	tag     int32
	tagged  bool
}

// Matcher implements the wait/trigger matcher: per (MsgType, handler)
// pair it buffers unmatched messages and unmatched triggers, each
// optionally keyed by tag, in a plain map guarded by one mutex (the
// matcher's cardinality is bounded by live sequences).
type Matcher[M any] struct {
	mu       sync.Mutex
	messages map[matchKey][]M
	triggers map[matchKey][]func(M)
}

// NewMatcher constructs an empty Matcher.
func NewMatcher[M any]() *Matcher[M] {
	return &Matcher[M]{
		messages: make(map[matchKey][]M),
		triggers: make(map[matchKey][]func(M)),
	}
}

// Wait registers trigger to run against the next message matching handler
// (and tag, if tagged). If a buffered message already matches, trigger runs
// immediately (synchronously) with it and the buffered message is
// consumed; otherwise trigger is buffered until SequenceMsg delivers a
// match.
func (m *Matcher[M]) Wait(handler registry.HandlerID, tag int32, tagged bool, trigger func(M)) {
	key := matchKey{handler: handler, tag: tag, tagged: tagged}

	m.mu.Lock()
	if queued := m.messages[key]; len(queued) > 0 {
		msg := queued[0]
		rest := queued[1:]
		if len(rest) == 0 {
			delete(m.messages, key)
		} else {
			m.messages[key] = rest
		}
		m.mu.Unlock()
		trigger(msg)
		return
	}
	m.triggers[key] = append(m.triggers[key], trigger)
	m.mu.Unlock()
}

// SequenceMsg delivers an arriving message for matching against any waiter
// on handler (and tag, if tagged). If a trigger is already waiting it runs
// immediately with msg; otherwise msg is buffered until a matching Wait
// call arrives.
func (m *Matcher[M]) SequenceMsg(handler registry.HandlerID, tag int32, tagged bool, msg M) {
	key := matchKey{handler: handler, tag: tag, tagged: tagged}

	m.mu.Lock()
	if queued := m.triggers[key]; len(queued) > 0 {
		trigger := queued[0]
		rest := queued[1:]
		if len(rest) == 0 {
			delete(m.triggers, key)
		} else {
			m.triggers[key] = rest
		}
		m.mu.Unlock()
		trigger(msg)
		return
	}
	m.messages[key] = append(m.messages[key], msg)
	m.mu.Unlock()
}
