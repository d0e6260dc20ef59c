package value

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// OpError is returned by the arithmetic operators below; the VM wraps it
// into a TypeError or DivisionByZero Exception before it reaches a try
// frame (see excFromErr in pkg/vm/vm.go).
type OpError struct {
	Op  string
	Lhs Kind
	Rhs Kind
	Why string
}

func (e *OpError) Error() string {
	if e.Why != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Why)
	}
	return fmt.Sprintf("unsupported operand types for %s: %s and %s", e.Op, e.Lhs, e.Rhs)
}

// Add implements the overloaded "+" operator: numeric addition, string
// concatenation, array append, and object merge (rhs wins on conflict).
func Add(lhs, rhs Value) (Value, error) {
	switch {
	case isNumeric(lhs) && isNumeric(rhs):
		return numericResult(lhs, rhs, asDecimal(lhs).Add(asDecimal(rhs))), nil
	case lhs.Kind == KindString && rhs.Kind == KindString:
		return Str(lhs.Str + rhs.Str), nil
	case lhs.Kind == KindArray:
		if rhs.Kind == KindArray {
			out := append(append([]Value{}, lhs.Arr...), rhs.Arr...)
			return Arr(out), nil
		}
		out := append(append([]Value{}, lhs.Arr...), rhs)
		return Arr(out), nil
	case lhs.Kind == KindObject && rhs.Kind == KindObject:
		out := lhs
		for _, e := range rhs.Obj {
			out = out.With(e.Key, e.Val)
		}
		return out, nil
	default:
		return Value{}, &OpError{Op: "+", Lhs: lhs.Kind, Rhs: rhs.Kind}
	}
}

// Sub implements "-": numeric subtraction, string occurrence-removal,
// array element-removal, and object key-removal (by key or array of keys).
func Sub(lhs, rhs Value) (Value, error) {
	switch {
	case isNumeric(lhs) && isNumeric(rhs):
		return numericResult(lhs, rhs, asDecimal(lhs).Sub(asDecimal(rhs))), nil
	case lhs.Kind == KindString && rhs.Kind == KindString:
		return Str(removeAll(lhs.Str, rhs.Str)), nil
	case lhs.Kind == KindArray:
		return Arr(removeMatching(lhs.Arr, rhs)), nil
	case lhs.Kind == KindObject:
		keys := rhs.Arr
		if rhs.Kind != KindArray {
			keys = []Value{rhs}
		}
		out := make([]ObjectEntry, 0, len(lhs.Obj))
		for _, e := range lhs.Obj {
			drop := false
			for _, k := range keys {
				if Equal(e.Key, k) {
					drop = true
					break
				}
			}
			if !drop {
				out = append(out, e)
			}
		}
		return NewObject(out...), nil
	default:
		return Value{}, &OpError{Op: "-", Lhs: lhs.Kind, Rhs: rhs.Kind}
	}
}

// Mul implements "×": numeric multiplication, string set-intersection of
// distinct code points (declaration order of lhs), array ordered
// intersection by equality, and object projection by a key array.
func Mul(lhs, rhs Value) (Value, error) {
	switch {
	case isNumeric(lhs) && isNumeric(rhs):
		return numericResult(lhs, rhs, asDecimal(lhs).Mul(asDecimal(rhs))), nil
	case lhs.Kind == KindString && rhs.Kind == KindString:
		rhsSet := make(map[rune]bool)
		for _, r := range rhs.Str {
			rhsSet[r] = true
		}
		var out []rune
		for _, r := range DistinctCodepoints(lhs.Str) {
			if rhsSet[r] {
				out = append(out, r)
			}
		}
		return Str(string(out)), nil
	case lhs.Kind == KindArray:
		rhsArr := rhs.Arr
		if rhs.Kind != KindArray {
			rhsArr = []Value{rhs}
		}
		out := make([]Value, 0, len(lhs.Arr))
		for _, e := range lhs.Arr {
			for _, r := range rhsArr {
				if Equal(e, r) {
					out = append(out, e)
					break
				}
			}
		}
		return Arr(out), nil
	case lhs.Kind == KindObject:
		keys := rhs.Arr
		if rhs.Kind != KindArray {
			keys = []Value{rhs}
		}
		out := make([]ObjectEntry, 0, len(keys))
		for _, k := range keys {
			if v, ok := lhs.Get(k); ok {
				out = append(out, ObjectEntry{Key: k, Val: v})
			}
		}
		return NewObject(out...), nil
	default:
		return Value{}, &OpError{Op: "×", Lhs: lhs.Kind, Rhs: rhs.Kind}
	}
}

// Div implements numeric division. It backs the VM's DIV opcode and is
// reachable from binding expressions: the document wire format's "/"
// operator (document.OpDiv) compiles to DIV and is tree-walked through
// this function. There is no separate stdlib division call.
func Div(lhs, rhs Value) (Value, error) {
	if !isNumeric(lhs) || !isNumeric(rhs) {
		return Value{}, &OpError{Op: "/", Lhs: lhs.Kind, Rhs: rhs.Kind}
	}
	d := asDecimal(rhs)
	if d.IsZero() {
		return Value{}, &OpError{Op: "/", Why: "division by zero"}
	}
	return Dec(asDecimal(lhs).Div(d)), nil
}

// Neg implements unary negation for integer and decimal values.
func Neg(v Value) (Value, error) {
	switch v.Kind {
	case KindInteger:
		return Int(-v.Int), nil
	case KindDecimal:
		return Dec(v.Dec.Neg()), nil
	default:
		return Value{}, &OpError{Op: "neg", Lhs: v.Kind}
	}
}

// Compare returns -1, 0, 1 for lhs <, ==, > rhs. Only numeric and string
// operands are ordered; other kinds return an error.
func Compare(lhs, rhs Value) (int, error) {
	switch {
	case isNumeric(lhs) && isNumeric(rhs):
		return asDecimal(lhs).Cmp(asDecimal(rhs)), nil
	case lhs.Kind == KindString && rhs.Kind == KindString:
		switch {
		case lhs.Str < rhs.Str:
			return -1, nil
		case lhs.Str > rhs.Str:
			return 1, nil
		default:
			return 0, nil
		}
	default:
		return 0, &OpError{Op: "compare", Lhs: lhs.Kind, Rhs: rhs.Kind}
	}
}

// numericResult preserves Integer+Integer=Integer, but any decimal
// operand promotes the result to decimal — matching "cross-type numeric
// comparison is permitted" while keeping integer arithmetic exact and
// unrounded.
func numericResult(lhs, rhs Value, d decimal.Decimal) Value {
	if lhs.Kind == KindInteger && rhs.Kind == KindInteger && d.Exponent() >= 0 {
		return Int(d.IntPart())
	}
	return Dec(d)
}

func removeAll(s, substr string) string {
	if substr == "" {
		return s
	}
	out := make([]byte, 0, len(s))
	i := 0
	for i < len(s) {
		if i+len(substr) <= len(s) && s[i:i+len(substr)] == substr {
			i += len(substr)
			continue
		}
		out = append(out, s[i])
		i++
	}
	return string(out)
}

func removeMatching(arr []Value, rhs Value) []Value {
	targets := []Value{rhs}
	if rhs.Kind == KindArray {
		targets = rhs.Arr
	}
	out := make([]Value, 0, len(arr))
	for _, e := range arr {
		drop := false
		for _, t := range targets {
			if Equal(e, t) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, e)
		}
	}
	return out
}
