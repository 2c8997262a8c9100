// Package invariant provides contract assertions for the effect runner's
// internal packages: function preconditions, postconditions, and internal
// consistency checks that catch programming errors at the point they
// happen instead of letting bad state propagate.
//
// A violation panics with an *errors.EffectError carrying
// errors.KindInvariantViolation, so a recover() site (or a test harness
// asserting on panic content) can inspect the failure the same way it would
// inspect any other error in this codebase, rather than matching on a
// free-form string.
package invariant

import (
	"context"
	"fmt"
	"reflect"
	"runtime"

	"github.com/brainrake/hercules-ci-agent/internal/errors"
)

// Precondition checks an input contract at function entry.
//
// Example:
//
//	func Provision(p Params) error {
//	    invariant.Precondition(p.DestDir != "", "destination directory must be set")
//	    // ... work ...
//	}
func Precondition(condition bool, format string, args ...interface{}) {
	if !condition {
		fail("precondition violation", format, args...)
	}
}

// Postcondition checks an output contract before function return.
func Postcondition(condition bool, format string, args ...interface{}) {
	if !condition {
		fail("postcondition violation", format, args...)
	}
}

// Invariant checks an internal consistency condition during function
// execution: loop progress, state machine transitions, and similar.
func Invariant(condition bool, format string, args ...interface{}) {
	if !condition {
		fail("invariant violation", format, args...)
	}
}

// NotNil panics if value is nil, including a typed nil pointer/interface.
func NotNil(value interface{}, name string) {
	if value == nil || isNilValue(value) {
		fail("precondition violation", "%s must not be nil", name)
	}
}

func isNilValue(value interface{}) bool {
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Chan, reflect.Func:
		return v.IsNil()
	default:
		return false
	}
}

// InRange panics if value is outside [minVal, maxVal].
func InRange(value, minVal, maxVal int, name string) {
	if value < minVal || value > maxVal {
		fail("precondition violation", "%s must be in range [%d, %d], got %d", name, minVal, maxVal, value)
	}
}

// Positive panics if value <= 0. Typically used as a postcondition on
// generated identifiers or counts.
func Positive(value int, name string) {
	if value <= 0 {
		fail("postcondition violation", "%s must be positive, got %d", name, value)
	}
}

// ExpectNoError panics if err is non-nil. Used for operations the caller has
// already established cannot fail given the invariants held up to that
// point.
func ExpectNoError(err error, msg string) {
	if err != nil {
		fail("postcondition violation", "%s must not fail: %v", msg, err)
	}
}

// ContextNotBackground panics if ctx is nil or exactly context.Background().
// Catches call sites that dropped a parent context instead of propagating
// it, which would otherwise silently break cancellation and timeouts.
func ContextNotBackground(ctx context.Context, location string) {
	if ctx == nil {
		fail("precondition violation", "%s: context must not be nil", location)
	}
	if ctx == context.Background() {
		fail("precondition violation", "%s: context must not be Background(), parent context required for cancellation", location)
	}
}

// fail panics with an *errors.EffectError carrying the call site's
// file:line so the violation is traceable without a full stack dump.
func fail(reason, format string, args ...interface{}) {
	pc := make([]uintptr, 10)
	n := runtime.Callers(3, pc)
	frames := runtime.CallersFrames(pc[:n])

	ee := errors.New(errors.KindInvariantViolation, fmt.Sprintf(format, args...))
	ee.WithContext("reason", reason)
	if frame, ok := frames.Next(); ok {
		ee.WithContext("file", frame.File).WithContext("line", frame.Line)
	}
	panic(ee)
}
