// Package vtrerr implements the runtime's contract-violation error
// taxonomy: every fatal abort (unknown handler, double-registration,
// transport failure, serialization failure) surfaces as a *Fault carrying
// structured condition/location/key-value context instead of a bare
// fmt.Errorf string.
package vtrerr

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/taskmesh/vtr/internal/vtlog"
)

// Kind classifies a Fault.
type Kind int

const (
	// ContractViolation covers unknown handler ids, double-registration,
	// and a node observing an event it doesn't own.
	ContractViolation Kind = iota
	// TransportFailure covers any non-success return from the transport.
	TransportFailure
	// SerializationFailure covers a message that is neither byte-copyable
	// nor fully serializable as declared by its sender.
	SerializationFailure
)

func (k Kind) String() string {
	switch k {
	case ContractViolation:
		return "contract_violation"
	case TransportFailure:
		return "transport_failure"
	case SerializationFailure:
		return "serialization_failure"
	default:
		return "unknown"
	}
}

// Fault is the structured fatal-abort error type used across the runtime.
type Fault struct {
	Kind      Kind
	Condition string
	Loc       string
	KV        map[string]any
	Cause     error
}

func (f *Fault) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s (%s)", f.Kind, f.Condition, f.Loc)
	for k, v := range f.KV {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	if f.Cause != nil {
		fmt.Fprintf(&b, ": %v", f.Cause)
	}
	return b.String()
}

// Unwrap enables errors.Is/errors.As against the cause chain.
func (f *Fault) Unwrap() error { return f.Cause }

// New constructs a Fault with the caller's source location captured
// automatically.
func New(kind Kind, condition string, kv map[string]any) *Fault {
	return &Fault{Kind: kind, Condition: condition, Loc: callerLoc(2), KV: kv}
}

// Wrap is like New but chains an underlying cause.
func Wrap(kind Kind, condition string, cause error, kv map[string]any) *Fault {
	return &Fault{Kind: kind, Condition: condition, Loc: callerLoc(2), KV: kv, Cause: cause}
}

func callerLoc(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// OnFatal is invoked by Abort after logging. Tests may override it to
// capture the fault instead of terminating the process; the default
// exits nonzero on any fatal contract violation.
var OnFatal = func(f *Fault) { os.Exit(1) }

// Abort logs f as a structured fatal error and invokes OnFatal. It never
// returns under the default OnFatal.
func Abort(f *Fault) {
	ev := vtlog.Get().Crit().Str("kind", f.Kind.String()).Str("condition", f.Condition).Str("loc", f.Loc)
	for k, v := range f.KV {
		ev = ev.Interface(k, v)
	}
	if f.Cause != nil {
		ev = ev.Err(f.Cause)
	}
	ev.Log("vtr: fatal contract violation")
	OnFatal(f)
}
