// Package vm implements the loaf stack virtual machine: the component
// that executes one binding's compiled crouton bytecode against a
// request's arena.
//
// The VM carries three stacks:
//
//  1. Evaluation stack: holds Values mid-computation. Every arithmetic,
//     comparison, and array opcode pops its operands from here and
//     pushes its result back.
//  2. Call stack: one CallFrame per CALL still in flight, recording the
//     return address, the callee's local-slot base, and how far the
//     try stack had grown when the call was made (so a RETURN only
//     ever runs finallies opened inside the call it is leaving).
//  3. Try stack: one TryFrame per active TRYBLOCK, consumed by the
//     unwinder in exceptions.go.
//
// Execution trace for `PUSH 0; PUSH 1; ADD; HALT` with constants [2, 3]:
//
//	pc=0 PUSH 0   stack=[2]
//	pc=1 PUSH 1   stack=[2,3]
//	pc=2 ADD      stack=[5]
//	pc=3 HALT     result=5
//
// Every runtime fault (stack underflow, type mismatch, index out of
// range, ...) is raised as an Exception Value through the same THROW
// state machine explicit THROW bytecode uses (raise, in exceptions.go)
// rather than returned as a Go error from inside the loop — that is what
// lets a document's own try/catch intercept a DivisionByZero the same
// way it intercepts a THROW it wrote itself.
package vm

import (
	"fmt"
	"io"

	"github.com/kristofer/loaf/pkg/crouton"
	"github.com/kristofer/loaf/pkg/heap"
	"github.com/kristofer/loaf/pkg/value"
)

// Limits are conservative defaults; a daemon wires its own via Options.
const (
	DefaultMaxStack     = 4096
	DefaultMaxCallDepth = 512
)

// CallFrame is the call stack's bookkeeping for one CALL still in flight.
type CallFrame struct {
	ReturnPC  int
	LocalBase int
	TryBase   int
}

// VM executes a single crouton Module against one request's arena. A VM
// is not safe for concurrent use — the scheduler gives each binding its
// own VM, sequenced onto the request's single worker.
type VM struct {
	mod       *crouton.Module
	constants []value.Value

	stack     []value.Value
	callStack []CallFrame
	tryStack  []TryFrame
	locals    []value.Value

	pc        int
	halted    bool
	result    value.Value
	unhandled *value.Exception

	heaps  *heap.Manager
	arena  *heap.Arena
	arenas map[uint64]*heap.Arena

	maxStack     int
	maxCallDepth int

	Out io.Writer
}

// Options configures a VM beyond the defaults.
type Options struct {
	MaxStack     int
	MaxCallDepth int
	Out          io.Writer
}

// New builds a VM ready to execute mod's instructions starting at pc 0,
// allocating against arena through heaps. heaps/arena are typically the
// daemon's manager and the request's single arena, passed in by
// pkg/document's Evaluator.
func New(mod *crouton.Module, heaps *heap.Manager, arena *heap.Arena, opts Options) (*VM, error) {
	constants, err := liftConstants(mod.Constants)
	if err != nil {
		return nil, err
	}
	maxStack := opts.MaxStack
	if maxStack == 0 {
		maxStack = DefaultMaxStack
	}
	maxCallDepth := opts.MaxCallDepth
	if maxCallDepth == 0 {
		maxCallDepth = DefaultMaxCallDepth
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	return &VM{
		mod:          mod,
		constants:    constants,
		heaps:        heaps,
		arena:        arena,
		arenas:       map[uint64]*heap.Arena{arena.ID: arena},
		maxStack:     maxStack,
		maxCallDepth: maxCallDepth,
		Out:          out,
	}, nil
}

// liftConstants converts the loader's raw Const records into runtime
// Values once at module load — binary floats become the shortest decimal
// that round-trips to the same float64 at this point, not on every PUSH.
func liftConstants(consts []crouton.Const) ([]value.Value, error) {
	out := make([]value.Value, len(consts))
	for i, c := range consts {
		switch c.Kind {
		case crouton.ConstNull:
			out[i] = value.Null()
		case crouton.ConstInt:
			out[i] = value.Int(c.Int)
		case crouton.ConstFloat:
			v, err := value.DecimalFromString(fmt.Sprintf("%v", c.Flt))
			if err != nil {
				return nil, &crouton.FormatError{Reason: fmt.Sprintf("constant %d: %v", i, err)}
			}
			out[i] = v
		case crouton.ConstString:
			out[i] = value.Str(c.Str)
		case crouton.ConstBool:
			out[i] = value.Bool(c.Bool)
		default:
			return nil, &crouton.FormatError{Reason: fmt.Sprintf("constant %d: unknown tag", i)}
		}
	}
	return out, nil
}

// Run drives the dispatch loop to completion: either a top-level RETURN
// or HALT with no calls pending, or an exception that escaped every try
// frame of this binding. The returned error, when non-nil, is always a
// *value.Exception — the scheduler wraps it into the binding's Failed
// state.
func (vm *VM) Run() (value.Value, error) {
	instrs := vm.mod.Instructions
	for !vm.halted {
		if vm.pc < 0 || vm.pc >= len(instrs) {
			vm.halted = true
			break
		}
		instr := instrs[vm.pc]
		vm.step(instr)
		if vm.unhandled != nil {
			return value.Value{}, vm.unhandled
		}
	}
	if vm.unhandled != nil {
		return value.Value{}, vm.unhandled
	}
	return vm.result, nil
}

// step executes one instruction. Every helper it calls that can fault
// (pop, push, binary ops, array bounds) returns ok=false to mean "this
// instruction's remaining work is abandoned, vm.pc has already been
// redirected by raise (or vm.unhandled has been set)" — step must not
// advance vm.pc itself in that case.
func (vm *VM) step(instr crouton.Instruction) {
	switch instr.Op {
	case crouton.OpNop:
		vm.pc++
	case crouton.OpHalt:
		if len(vm.stack) > 0 {
			vm.result = vm.stack[len(vm.stack)-1]
		}
		vm.halted = true
	case crouton.OpPrint:
		v, ok := vm.pop()
		if !ok {
			return
		}
		fmt.Fprintln(vm.Out, v.String())
		vm.pc++

	case crouton.OpPush:
		idx := int(instr.Operands[0])
		if idx < 0 || idx >= len(vm.constants) {
			vm.fault(KindInternalError, "PUSH constant index %d out of range", idx)
			return
		}
		if !vm.push(vm.constants[idx]) {
			return
		}
		vm.pc++
	case crouton.OpPop:
		if _, ok := vm.pop(); !ok {
			return
		}
		vm.pc++
	case crouton.OpDup:
		v, ok := vm.peek()
		if !ok {
			return
		}
		if !vm.push(v) {
			return
		}
		vm.pc++
	case crouton.OpSwap:
		b, ok := vm.pop()
		if !ok {
			return
		}
		a, ok := vm.pop()
		if !ok {
			return
		}
		if !vm.push(b) || !vm.push(a) {
			return
		}
		vm.pc++

	case crouton.OpAdd:
		vm.binaryOp(value.Add)
	case crouton.OpSub:
		vm.binaryOp(value.Sub)
	case crouton.OpMul:
		vm.binaryOp(value.Mul)
	case crouton.OpDiv:
		vm.binaryOp(value.Div)
	case crouton.OpNeg:
		a, ok := vm.pop()
		if !ok {
			return
		}
		res, err := value.Neg(a)
		if !vm.pushOrFault(res, err) {
			return
		}
		vm.pc++

	case crouton.OpBitAnd, crouton.OpBitOr, crouton.OpBitXor,
		crouton.OpShiftLeft, crouton.OpShiftRight, crouton.OpRotateLeft, crouton.OpRotateRight:
		vm.bitwiseOp(instr.Op)
	case crouton.OpBitNot:
		a, ok := vm.popInt()
		if !ok {
			return
		}
		if !vm.push(value.Int(^a)) {
			return
		}
		vm.pc++

	case crouton.OpAnd:
		b, ok := vm.pop()
		if !ok {
			return
		}
		a, ok := vm.pop()
		if !ok {
			return
		}
		if !vm.push(value.Bool(a.Truthy() && b.Truthy())) {
			return
		}
		vm.pc++
	case crouton.OpOr:
		b, ok := vm.pop()
		if !ok {
			return
		}
		a, ok := vm.pop()
		if !ok {
			return
		}
		if !vm.push(value.Bool(a.Truthy() || b.Truthy())) {
			return
		}
		vm.pc++
	case crouton.OpNot:
		a, ok := vm.pop()
		if !ok {
			return
		}
		if !vm.push(value.Bool(!a.Truthy())) {
			return
		}
		vm.pc++

	case crouton.OpEq:
		b, ok := vm.pop()
		if !ok {
			return
		}
		a, ok := vm.pop()
		if !ok {
			return
		}
		if !vm.push(value.Bool(value.Equal(a, b))) {
			return
		}
		vm.pc++
	case crouton.OpNeq:
		b, ok := vm.pop()
		if !ok {
			return
		}
		a, ok := vm.pop()
		if !ok {
			return
		}
		if !vm.push(value.Bool(!value.Equal(a, b))) {
			return
		}
		vm.pc++
	case crouton.OpLt, crouton.OpLte, crouton.OpGt, crouton.OpGte:
		vm.compareOp(instr.Op)

	case crouton.OpJump:
		vm.pc = int(instr.Operands[0])
	case crouton.OpJumpIf:
		v, ok := vm.pop()
		if !ok {
			return
		}
		if v.Truthy() {
			vm.pc = int(instr.Operands[0])
		} else {
			vm.pc++
		}
	case crouton.OpJumpIfNot:
		v, ok := vm.pop()
		if !ok {
			return
		}
		if !v.Truthy() {
			vm.pc = int(instr.Operands[0])
		} else {
			vm.pc++
		}
	case crouton.OpCall:
		vm.doCall(int(instr.Operands[0]))
	case crouton.OpReturn:
		v, ok := vm.pop()
		if !ok {
			return
		}
		vm.halted = vm.doReturn(v)

	case crouton.OpTryBlock:
		vm.tryStack = append(vm.tryStack, TryFrame{
			CatchAddr:   opOrAbsent(instr.Operands[0]),
			FinallyAddr: opOrAbsent(instr.Operands[1]),
			EndAddr:     int(instr.Operands[2]),
			StackDepth:  len(vm.stack),
			LocalDepth:  len(vm.locals),
		})
		vm.pc++
	case crouton.OpCatchBlock:
		// Control normally arrives here via raise, which already marked
		// the frame; marking again is harmless and covers any compiled
		// layout that falls through into the catch region.
		if n := len(vm.tryStack); n > 0 {
			vm.tryStack[n-1].inCatch = true
		}
		vm.pc++
	case crouton.OpFinallyBlock:
		// Control reaches a finally by natural fall-through (try body or
		// catch body completing) as well as via raise/doReturn redirects.
		// Whichever path, the frame's finally must never run twice and
		// its catch is dead from here on, so the marker records that.
		if n := len(vm.tryStack); n > 0 {
			vm.tryStack[n-1].finallyRan = true
		}
		vm.pc++
	case crouton.OpEndTry:
		vm.halted = vm.endTry()
		if !vm.halted {
			vm.pc++
		}
	case crouton.OpThrow:
		v, ok := vm.pop()
		if !ok {
			return
		}
		vm.halted = !vm.raise(excFromValue(v))
	case crouton.OpRethrow:
		vm.halted = !vm.rethrow()

	case crouton.OpStoreLocal:
		v, ok := vm.pop()
		if !ok {
			return
		}
		vm.setLocal(int(instr.Operands[0]), v)
		vm.pc++
	case crouton.OpLoadLocal:
		v := vm.getLocal(int(instr.Operands[0]))
		if !vm.push(v) {
			return
		}
		vm.pc++

	case crouton.OpCreateHeap:
		a := vm.heaps.CreateArena(vm.mod.Name)
		vm.arenas[a.ID] = a
		if !vm.push(value.HeapID(a.ID)) {
			return
		}
		vm.pc++
	case crouton.OpSwitchHeap:
		v, ok := vm.pop()
		if !ok {
			return
		}
		a, found := vm.arenas[v.HeapID]
		if v.Kind != value.KindHeapID || !found {
			vm.fault(KindInternalError, "SWITCHHEAP: unknown arena handle")
			return
		}
		vm.arena = a
		vm.pc++
	case crouton.OpCollectHeap:
		v, ok := vm.pop()
		if !ok {
			return
		}
		a, found := vm.arenas[v.HeapID]
		if v.Kind != value.KindHeapID || !found {
			vm.fault(KindInternalError, "COLLECTHEAP: unknown arena handle")
			return
		}
		vm.heaps.Collect(a)
		vm.pc++

	case crouton.OpNewArray:
		n := int(instr.Operands[0])
		if n < 0 || n > len(vm.stack) {
			vm.fault(KindStackUnderflow, "NEWARRAY %d: not enough operands", n)
			return
		}
		items := append([]value.Value{}, vm.stack[len(vm.stack)-n:]...)
		vm.stack = vm.stack[:len(vm.stack)-n]
		arr, err := vm.heaps.Alloc(vm.arena, value.Arr(items))
		if !vm.pushOrFault(arr, err) {
			return
		}
		vm.pc++
	case crouton.OpGetElement:
		idx, ok := vm.popInt()
		if !ok {
			return
		}
		arr, ok := vm.pop()
		if !ok {
			return
		}
		if arr.Kind != value.KindArray {
			vm.fault(KindTypeError, "GETELEMENT on non-array (%s)", arr.TypeName())
			return
		}
		if idx < 0 || int(idx) >= len(arr.Arr) {
			vm.fault(KindIndexOutOfBounds, "index %d out of bounds for array of length %d", idx, len(arr.Arr))
			return
		}
		if !vm.push(arr.Arr[idx]) {
			return
		}
		vm.pc++
	case crouton.OpSetElement:
		v, ok := vm.pop()
		if !ok {
			return
		}
		idx, ok := vm.popInt()
		if !ok {
			return
		}
		arr, ok := vm.pop()
		if !ok {
			return
		}
		if arr.Kind != value.KindArray {
			vm.fault(KindTypeError, "SETELEMENT on non-array (%s)", arr.TypeName())
			return
		}
		if idx < 0 || int(idx) >= len(arr.Arr) {
			vm.fault(KindIndexOutOfBounds, "index %d out of bounds for array of length %d", idx, len(arr.Arr))
			return
		}
		out := append([]value.Value{}, arr.Arr...)
		out[idx] = v
		updated, err := vm.heaps.Alloc(vm.arena, value.Arr(out))
		if !vm.pushOrFault(updated, err) {
			return
		}
		vm.pc++
	case crouton.OpArrayLength:
		arr, ok := vm.pop()
		if !ok {
			return
		}
		if arr.Kind != value.KindArray {
			vm.fault(KindTypeError, "ARRAYLENGTH on non-array (%s)", arr.TypeName())
			return
		}
		if !vm.push(value.Int(int64(len(arr.Arr)))) {
			return
		}
		vm.pc++

	default:
		vm.fault(KindFormatError, "unknown opcode 0x%02X at pc=%d", byte(instr.Op), vm.pc)
	}
}

func opOrAbsent(operand int32) int {
	if operand < 0 {
		return -1
	}
	return int(operand)
}

func excFromValue(v value.Value) *value.Exception {
	if v.Kind == value.KindException {
		return v.Exc
	}
	msg := v.String()
	if obj, ok := v.Get(value.Str("message")); ok {
		msg = obj.String()
	}
	tag := KindInternalError
	if t, ok := v.Get(value.Str("type")); ok {
		tag = t.String()
	}
	return &value.Exception{TypeTag: tag, Message: msg}
}

func (vm *VM) doCall(target int) {
	if len(vm.callStack) >= vm.maxCallDepth {
		vm.fault(KindStackOverflow, "call depth exceeded %d", vm.maxCallDepth)
		return
	}
	vm.callStack = append(vm.callStack, CallFrame{
		ReturnPC:  vm.pc + 1,
		LocalBase: len(vm.locals),
		TryBase:   len(vm.tryStack),
	})
	vm.pc = target
}

// doReturn implements the finally-always guarantee for RETURN crossing a
// try frame: any finally opened within the call being left must
// run, in innermost-first order, before control actually transfers back
// to the caller (or the binding terminates, at the outermost call).
func (vm *VM) doReturn(v value.Value) bool {
	base := 0
	if len(vm.callStack) > 0 {
		base = vm.callStack[len(vm.callStack)-1].TryBase
	}
	for len(vm.tryStack) > base {
		tf := &vm.tryStack[len(vm.tryStack)-1]
		if !tf.finallyRan && tf.FinallyAddr >= 0 {
			tf.finallyRan = true
			rv := v
			tf.returning = &rv
			vm.pc = tf.FinallyAddr
			return false
		}
		vm.tryStack = vm.tryStack[:len(vm.tryStack)-1]
	}
	if len(vm.callStack) == 0 {
		vm.result = v
		return true
	}
	cf := vm.callStack[len(vm.callStack)-1]
	vm.callStack = vm.callStack[:len(vm.callStack)-1]
	vm.locals = vm.locals[:cf.LocalBase]
	vm.pc = cf.ReturnPC
	vm.stack = append(vm.stack, v)
	return false
}

func (vm *VM) fault(kind, format string, args ...interface{}) {
	vm.raise(newExc(kind, format, args...))
}

func (vm *VM) push(v value.Value) bool {
	if len(vm.stack) >= vm.maxStack {
		return vm.raise(newExc(KindStackOverflow, "evaluation stack exceeded %d entries", vm.maxStack))
	}
	vm.stack = append(vm.stack, v)
	return true
}

func (vm *VM) pushOrFault(v value.Value, err error) bool {
	if err != nil {
		return vm.raise(excFromErr(err))
	}
	return vm.push(v)
}

func (vm *VM) pop() (value.Value, bool) {
	if len(vm.stack) == 0 {
		return value.Value{}, vm.raise(newExc(KindStackUnderflow, "pop from empty stack at pc=%d", vm.pc))
	}
	v := vm.stack[len(vm.stack)-1]
	vm.stack = vm.stack[:len(vm.stack)-1]
	return v, true
}

func (vm *VM) peek() (value.Value, bool) {
	if len(vm.stack) == 0 {
		return value.Value{}, vm.raise(newExc(KindStackUnderflow, "peek on empty stack at pc=%d", vm.pc))
	}
	return vm.stack[len(vm.stack)-1], true
}

func (vm *VM) popInt() (int64, bool) {
	v, ok := vm.pop()
	if !ok {
		return 0, false
	}
	if v.Kind != value.KindInteger {
		return 0, vm.raise(newExc(KindTypeError, "expected integer, got %s", v.TypeName()))
	}
	return v.Int, true
}

// PresetLocal seeds local slot idx with v before Run. Callers that
// compile a binding's dependency references to local slots (pkg/
// document) use this to pass already-resolved dependency values in as
// a binding's initial locals.
func (vm *VM) PresetLocal(idx int, v value.Value) {
	vm.setLocal(idx, v)
}

func (vm *VM) setLocal(idx int, v value.Value) {
	for idx >= len(vm.locals) {
		vm.locals = append(vm.locals, value.Null())
	}
	vm.locals[idx] = v
}

func (vm *VM) getLocal(idx int) value.Value {
	if idx < 0 || idx >= len(vm.locals) {
		return value.Null()
	}
	return vm.locals[idx]
}

func (vm *VM) binaryOp(f func(a, b value.Value) (value.Value, error)) {
	b, ok := vm.pop()
	if !ok {
		return
	}
	a, ok := vm.pop()
	if !ok {
		return
	}
	res, err := f(a, b)
	if !vm.pushOrFault(res, err) {
		return
	}
	vm.pc++
}

func (vm *VM) compareOp(op crouton.Opcode) {
	b, ok := vm.pop()
	if !ok {
		return
	}
	a, ok := vm.pop()
	if !ok {
		return
	}
	cmp, err := value.Compare(a, b)
	if err != nil {
		vm.raise(excFromErr(err))
		return
	}
	var result bool
	switch op {
	case crouton.OpLt:
		result = cmp < 0
	case crouton.OpLte:
		result = cmp <= 0
	case crouton.OpGt:
		result = cmp > 0
	case crouton.OpGte:
		result = cmp >= 0
	}
	if !vm.push(value.Bool(result)) {
		return
	}
	vm.pc++
}

func (vm *VM) bitwiseOp(op crouton.Opcode) {
	b, ok := vm.popInt()
	if !ok {
		return
	}
	a, ok := vm.popInt()
	if !ok {
		return
	}
	var r int64
	switch op {
	case crouton.OpBitAnd:
		r = a & b
	case crouton.OpBitOr:
		r = a | b
	case crouton.OpBitXor:
		r = a ^ b
	case crouton.OpShiftLeft:
		r = a << uint(b)
	case crouton.OpShiftRight:
		r = a >> uint(b)
	case crouton.OpRotateLeft:
		r = int64(rotl64(uint64(a), uint(b)))
	case crouton.OpRotateRight:
		r = int64(rotl64(uint64(a), 64-uint(b%64)))
	}
	if !vm.push(value.Int(r)) {
		return
	}
	vm.pc++
}

func rotl64(v uint64, n uint) uint64 {
	n %= 64
	return (v << n) | (v >> (64 - n))
}

func excFromErr(err error) *value.Exception {
	if opErr, ok := err.(*value.OpError); ok {
		if opErr.Op == "/" && opErr.Why == "division by zero" {
			return newExc(KindDivisionByZero, "%s", opErr.Error())
		}
		return newExc(KindTypeError, "%s", opErr.Error())
	}
	if heapErr, ok := err.(*heap.HeapExhaustionError); ok {
		return newExc(KindHeapExhaustion, "%s", heapErr.Error())
	}
	if crossErr, ok := err.(*heap.CrossHeapReferenceError); ok {
		return newExc(KindCrossHeapReference, "%s", crossErr.Error())
	}
	return newExc(KindInternalError, "%s", err.Error())
}
