package vm

import (
	"fmt"

	"github.com/kristofer/loaf/pkg/value"
)

// Exception kind tags, fixed by the error taxonomy (not Go types — every
// one of these is carried as a value.Exception.TypeTag string so it can
// cross the VM/scheduler boundary and eventually the wire as
// {"error":{"type":...}}).
const (
	KindFormatError         = "FormatError"
	KindTypeError           = "TypeError"
	KindDivisionByZero      = "DivisionByZero"
	KindIndexOutOfBounds    = "IndexOutOfBounds"
	KindNullReference       = "NullReference"
	KindStackUnderflow      = "StackUnderflow"
	KindStackOverflow       = "StackOverflow"
	KindCrossHeapReference  = "CrossHeapReference"
	KindHeapExhaustion      = "HeapExhaustion"
	KindCircularDependency  = "CircularDependency"
	KindUnresolvedReference = "UnresolvedReference"
	KindHttpError           = "HttpError"
	KindCancelledError      = "CancelledError"
	KindTimeoutError        = "TimeoutError"
	KindInternalError       = "InternalError"
)

func newExc(kind, format string, args ...interface{}) *value.Exception {
	return &value.Exception{TypeTag: kind, Message: fmt.Sprintf(format, args...)}
}

// TryFrame is the unwinder's bookkeeping for one active TRYBLOCK/ENDTRY
// region. catchAddr/finallyAddr of -1 mean "absent" — a try with no
// catch still gets a frame so its finally still runs.
type TryFrame struct {
	CatchAddr   int
	FinallyAddr int
	EndAddr     int
	StackDepth  int
	LocalDepth  int

	inCatch     bool
	finallyRan  bool
	current     *value.Exception // the exception live in this frame's catch, for RETHROW
	propagating *value.Exception // set when a finally is running only to let an exception continue past it
	returning   *value.Value     // set when a finally is running only to let a RETURN continue past it
}

// raise drives the THROW state machine against the VM's try stack.
// It returns true if some try frame intercepted exc
// (either by entering its catch or by needing its finally to run first);
// the caller resumes the dispatch loop at vm.pc either way. It returns
// false once the try stack is exhausted — the caller must then fail the
// binding with exc.
func (vm *VM) raise(exc *value.Exception) bool {
	// CancelledError is never caught by user try blocks: it skips
	// every catch handler and runs only the finallies on its way out.
	catchable := exc.TypeTag != KindCancelledError
	for len(vm.tryStack) > 0 {
		tf := &vm.tryStack[len(vm.tryStack)-1]

		if len(vm.stack) > tf.StackDepth {
			vm.stack = vm.stack[:tf.StackDepth]
		}
		if len(vm.locals) > tf.LocalDepth {
			vm.locals = vm.locals[:tf.LocalDepth]
		}

		// A frame whose finally has started (or finished) offers neither
		// its catch nor its finally again: an exception thrown from
		// inside a finally supersedes whatever was in flight and
		// propagates to the enclosing frame.
		if catchable && !tf.inCatch && !tf.finallyRan && tf.CatchAddr >= 0 {
			tf.inCatch = true
			tf.current = exc
			vm.stack = append(vm.stack, value.Excv(exc))
			vm.pc = tf.CatchAddr
			return true
		}

		if !tf.finallyRan && tf.FinallyAddr >= 0 {
			tf.finallyRan = true
			tf.propagating = exc
			vm.pc = tf.FinallyAddr
			return true
		}

		vm.tryStack = vm.tryStack[:len(vm.tryStack)-1]
	}
	vm.unhandled = exc
	return false
}

// rethrow implements RETHROW: it re-raises the exception currently being
// handled by the innermost in-catch frame, using the *enclosing* frame —
// the frame whose catch produced the value is itself exhausted by this
// rethrow, exactly as if its catch body had thrown.
func (vm *VM) rethrow() bool {
	if len(vm.tryStack) == 0 {
		vm.unhandled = newExc(KindInternalError, "RETHROW outside any catch")
		return false
	}
	tf := vm.tryStack[len(vm.tryStack)-1]
	exc := tf.current
	if exc == nil {
		exc = newExc(KindInternalError, "RETHROW with no active exception")
	}
	return vm.raise(exc)
}

// endTry implements ENDTRY: pop the innermost frame. If that frame's
// finally only just ran on the way to propagating an exception or a
// RETURN further out, resume that propagation against the next
// (enclosing) frame now that this one is retired — this is what makes
// finally-always hold even when a frame has no handler for the thing
// passing through it.
func (vm *VM) endTry() (halt bool) {
	if len(vm.tryStack) == 0 {
		vm.unhandled = newExc(KindInternalError, "ENDTRY with empty try stack")
		return true
	}
	tf := vm.tryStack[len(vm.tryStack)-1]
	vm.tryStack = vm.tryStack[:len(vm.tryStack)-1]

	if tf.propagating != nil {
		if !vm.raise(tf.propagating) {
			return true
		}
		return false
	}
	if tf.returning != nil {
		return vm.doReturn(*tf.returning)
	}
	return false
}
