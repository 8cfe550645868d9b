// Package vtrtest provides shared test-only helpers for exercising the
// runtime's fatal-abort paths (vtrerr.Abort) without terminating the test
// binary, and is imported only from _test.go files across the module.
package vtrtest

import (
	"testing"

	"github.com/taskmesh/vtr/vtrerr"
)

type abortPanic struct{ fault *vtrerr.Fault }

// CaptureAbort runs fn with vtrerr.OnFatal rigged to panic instead of
// os.Exit, returning the Fault that vtrerr.Abort was called with. Fails t
// if fn does not reach an abort.
func CaptureAbort(t testing.TB, fn func()) (fault *vtrerr.Fault) {
	t.Helper()
	prev := vtrerr.OnFatal
	vtrerr.OnFatal = func(f *vtrerr.Fault) { panic(abortPanic{f}) }
	defer func() { vtrerr.OnFatal = prev }()

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected abort, got none")
			return
		}
		ap, ok := r.(abortPanic)
		if !ok {
			panic(r)
		}
		fault = ap.fault
	}()

	fn()
	return nil
}
