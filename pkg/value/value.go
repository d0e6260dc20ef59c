// Package value implements the loaf runtime's tagged value union.
//
// Every datum the stack VM manipulates — constants loaded from a crouton
// file, results of arithmetic, HTTP response bodies, promise handles — is
// a Value. A Value is a small tagged union rather than an interface
// hierarchy so that the VM's stack can be a flat []Value slice with no
// boxing beyond what the Kind-specific field already costs.
//
// Arithmetic and equality live here as functions over Value so the VM's
// dispatch loop stays a thin shim over Add/Sub/Mul/Compare rather than
// repeating type switches at every call site.
package value

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind identifies which case of the tagged union a Value holds.
type Kind byte

const (
	KindNull Kind = iota
	KindInteger
	KindDecimal
	KindBool
	KindString
	KindArray
	KindObject
	KindHeapID
	KindProgramCounter
	KindClosure
	KindPromiseHandle
	KindException
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInteger:
		return "integer"
	case KindDecimal:
		return "decimal"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	case KindHeapID:
		return "heap-id"
	case KindProgramCounter:
		return "program-counter"
	case KindClosure:
		return "closure"
	case KindPromiseHandle:
		return "promise-handle"
	case KindException:
		return "exception"
	default:
		return "unknown"
	}
}

// ObjectEntry is one key/value pair of an Object, kept in insertion order.
type ObjectEntry struct {
	Key Value
	Val Value
}

// Closure pairs a bytecode entry point with the locals captured at
// creation time. The entry point is an opaque program counter into the
// owning binding's instruction stream.
type Closure struct {
	Entry      int
	Captured   []Value
	ArenaOwner uint64
}

// Frame describes one entry in an Exception's trace.
type Frame struct {
	Binding string
	PC      int
}

// Exception is the runtime's error record. Kind identifiers are the
// taxonomy from the error handling design (FormatError, TypeError, ...),
// not Go types, so they round-trip through JSON and across promise
// boundaries unchanged.
type Exception struct {
	TypeTag string
	Message string
	Trace   []Frame
}

// Error implements the error interface so an Exception can travel as a
// Go error across the VM/scheduler boundary while still carrying its
// typed TypeTag through to the wire as {"error": {"type": ...}}.
func (e *Exception) Error() string {
	return fmt.Sprintf("%s: %s", e.TypeTag, e.Message)
}

// WithFrame returns a copy of e with one more trace frame appended —
// used as an exception propagates from a failed binding to each of its
// dependents. Propagation preserves the original exception; only the
// trace grows.
func (e *Exception) WithFrame(binding string, pc int) *Exception {
	trace := append(append([]Frame{}, e.Trace...), Frame{Binding: binding, PC: pc})
	return &Exception{TypeTag: e.TypeTag, Message: e.Message, Trace: trace}
}

// Value is the runtime's tagged union. The zero Value is KindNull.
type Value struct {
	Kind    Kind
	Int     int64
	Dec     decimal.Decimal
	Bool    bool
	Str     string
	Arr     []Value
	Obj     []ObjectEntry
	HeapID  uint64
	PC      int
	Closure *Closure
	Promise uint64
	Exc     *Exception

	// ArenaID names the arena that owns this Value, enforced by the heap
	// manager on every aggregate store (see pkg/heap). Primitive scalars
	// (null, integer, decimal, bool, string, heap-id, program-counter,
	// promise-handle) are arena-independent copies-by-value and carry
	// ArenaID only informationally.
	ArenaID uint64
}

func Null() Value                 { return Value{Kind: KindNull} }
func Int(i int64) Value           { return Value{Kind: KindInteger, Int: i} }
func Bool(b bool) Value           { return Value{Kind: KindBool, Bool: b} }
func Str(s string) Value          { return Value{Kind: KindString, Str: s} }
func Dec(d decimal.Decimal) Value { return Value{Kind: KindDecimal, Dec: d} }
func Arr(items []Value) Value     { return Value{Kind: KindArray, Arr: items} }
func HeapID(id uint64) Value      { return Value{Kind: KindHeapID, HeapID: id} }
func ProgramCounter(pc int) Value { return Value{Kind: KindProgramCounter, PC: pc} }
func PromiseHandle(id uint64) Value {
	return Value{Kind: KindPromiseHandle, Promise: id}
}
func Excv(e *Exception) Value { return Value{Kind: KindException, Exc: e} }

// DecimalFromString parses a literal the way the crouton loader must:
// preserving every informative digit, including trailing zeros, so that
// "0.10" stays distinguishable in formatting from "0.1" even though the
// two compare equal.
func DecimalFromString(s string) (Value, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Value{}, fmt.Errorf("invalid decimal literal %q: %w", s, err)
	}
	return Dec(d), nil
}

// NewObject builds an Object value from entries, preserving the given
// order (object keys may be any Value, not just strings).
func NewObject(entries ...ObjectEntry) Value {
	return Value{Kind: KindObject, Obj: entries}
}

// Get returns the value for key in an object, and whether it was found.
func (v Value) Get(key Value) (Value, bool) {
	for _, e := range v.Obj {
		if Equal(e.Key, key) {
			return e.Val, true
		}
	}
	return Value{}, false
}

// With returns a copy of the object with key set to val, rhs winning on
// conflict and insertion order preserved for new keys (object "+").
func (v Value) With(key, val Value) Value {
	out := make([]ObjectEntry, 0, len(v.Obj)+1)
	replaced := false
	for _, e := range v.Obj {
		if Equal(e.Key, key) {
			out = append(out, ObjectEntry{Key: key, Val: val})
			replaced = true
		} else {
			out = append(out, e)
		}
	}
	if !replaced {
		out = append(out, ObjectEntry{Key: key, Val: val})
	}
	return NewObject(out...)
}

// Equal implements value equality, including cross-type numeric
// comparison (integer <-> decimal) and decimal value-equality regardless
// of stored scale.
func Equal(a, b Value) bool {
	if isNumeric(a) && isNumeric(b) {
		return asDecimal(a).Equal(asDecimal(b))
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNull:
		return true
	case KindBool:
		return a.Bool == b.Bool
	case KindString:
		return a.Str == b.Str
	case KindHeapID:
		return a.HeapID == b.HeapID
	case KindProgramCounter:
		return a.PC == b.PC
	case KindPromiseHandle:
		return a.Promise == b.Promise
	case KindArray:
		if len(a.Arr) != len(b.Arr) {
			return false
		}
		for i := range a.Arr {
			if !Equal(a.Arr[i], b.Arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.Obj) != len(b.Obj) {
			return false
		}
		for _, e := range a.Obj {
			ov, ok := b.Get(e.Key)
			if !ok || !Equal(e.Val, ov) {
				return false
			}
		}
		return true
	case KindException:
		return a.Exc != nil && b.Exc != nil && a.Exc.TypeTag == b.Exc.TypeTag && a.Exc.Message == b.Exc.Message
	default:
		return false
	}
}

func isNumeric(v Value) bool { return v.Kind == KindInteger || v.Kind == KindDecimal }

func asDecimal(v Value) decimal.Decimal {
	if v.Kind == KindInteger {
		return decimal.NewFromInt(v.Int)
	}
	return v.Dec
}

// Truthy reports whether v counts as true for JUMPIF/JUMPIFNOT and AND/OR.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindNull:
		return false
	case KindBool:
		return v.Bool
	case KindInteger:
		return v.Int != 0
	case KindDecimal:
		return !v.Dec.IsZero()
	case KindString:
		return v.Str != ""
	case KindArray:
		return len(v.Arr) != 0
	case KindObject:
		return len(v.Obj) != 0
	default:
		return true
	}
}

// TypeName returns the GLOSSARY-facing name used in TypeError messages.
func (v Value) TypeName() string { return v.Kind.String() }

// String renders a Value for diagnostics (not the wire format — see
// pkg/stream for JSON serialization).
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindInteger:
		return fmt.Sprintf("%d", v.Int)
	case KindDecimal:
		return v.Dec.String()
	case KindString:
		return v.Str
	case KindArray:
		parts := make([]string, len(v.Arr))
		for i, e := range v.Arr {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindObject:
		parts := make([]string, len(v.Obj))
		for i, e := range v.Obj {
			parts[i] = fmt.Sprintf("%s: %s", e.Key.String(), e.Val.String())
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case KindHeapID:
		return fmt.Sprintf("heap#%d", v.HeapID)
	case KindPromiseHandle:
		return fmt.Sprintf("promise#%d", v.Promise)
	case KindException:
		return fmt.Sprintf("%s: %s", v.Exc.TypeTag, v.Exc.Message)
	default:
		return "<value>"
	}
}

// DistinctCodepoints returns the distinct runes of s in first-occurrence
// order, used by string "x" set-intersection.
func DistinctCodepoints(s string) []rune {
	seen := make(map[rune]bool)
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}
