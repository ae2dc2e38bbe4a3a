// Package asserts implements Granary's invariant-violation tier of error
// handling (spec.md §7: "Invariant violations... unrecoverable; abort the
// process with enough context to attach a debugger"). Grounded on the
// teacher's own "BUG:"-prefixed panic(fmt.Errorf(...)) convention, used
// throughout internal/engine/{interpreter,wazevo,compiler} and
// internal/makefunc for conditions the compiler itself guarantees can't
// happen; Granary's Assert/Unreachable add a captured logging.RingBuffer
// dump on top, since a DBT's invariant violations (malformed IR, an
// encoder rejecting committed bytes, a branch target declared reachable
// that isn't) need the recent trace history a plain panic message can't
// carry.
package asserts

import (
	"fmt"

	"github.com/granaryproject/granary/internal/logging"
)

// Violation is the panic value Assert/Unreachable raise. Callers that want
// to recover and report (rather than letting the process die, e.g. a test
// harness) can type-assert recover()'s result to *Violation.
type Violation struct {
	Message string
	Trace   []string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("BUG: %s", v.Message)
}

// trace is the ring buffer Assert/Unreachable consult for crash context.
// Nil by default; SetTrace installs one, typically the same RingBuffer a
// Logger was constructed with.
var trace *logging.RingBuffer

// SetTrace installs the ring buffer Assert/Unreachable dump into a
// Violation on panic. Call once during startup with the same RingBuffer
// passed to logging.New.
func SetTrace(buf *logging.RingBuffer) {
	trace = buf
}

func dump() []string {
	if trace == nil {
		return nil
	}
	return trace.Dump()
}

// Assert panics with a *Violation if cond is false. format/args build the
// message the way fmt.Errorf does.
func Assert(cond bool, format string, args ...any) {
	if cond {
		return
	}
	panic(&Violation{Message: fmt.Sprintf(format, args...), Trace: dump()})
}

// Unreachable panics unconditionally with a *Violation, for a code path the
// caller has already proven can't execute (e.g. an exhaustive type switch's
// default case).
func Unreachable(format string, args ...any) {
	panic(&Violation{Message: fmt.Sprintf(format, args...), Trace: dump()})
}
