package document

import (
	"fmt"

	"github.com/kristofer/loaf/pkg/crouton"
	"github.com/kristofer/loaf/pkg/value"
)

// ErrNotCompilable is returned by Compile when expr's root uses a
// construct the fixed opcode set has no instruction for (object
// literals, member access, string templates) — the opcode map carries
// array ops (NEWARRAY/GETELEMENT/SETELEMENT/ARRAYLENGTH) but no object-
// construction opcode, so those forms are evaluated directly by
// pkg/document's tree walker (eval.go) instead of compiled.
var ErrNotCompilable = fmt.Errorf("document: expression is not compilable to crouton bytecode")

// builder accumulates a single binding's constant pool and instruction
// stream while walking its Expr tree.
type builder struct {
	consts   []crouton.Const
	instrs   []crouton.Instruction
	slotOf   map[string]int32
	nextSlot int32
}

// Compile lowers expr into a crouton.Module, provided every node in its
// tree is one the opcode set can express (Const/Ref/BinExpr/UnaryExpr/
// IndexExpr/ArrayExpr). Each distinct RefExpr name seen is assigned a
// local slot in first-occurrence order; the caller (pkg/document's
// Evaluator) is responsible for STORELOCAL-ing each dependency's
// resolved value into that slot before running the module.
//
// The returned slots map lets the caller know which local index to
// populate for each dependency name.
func Compile(name string, expr Expr) (mod *crouton.Module, slots map[string]int32, err error) {
	b := &builder{slotOf: make(map[string]int32)}
	if !b.emit(expr) {
		return nil, nil, ErrNotCompilable
	}
	b.instrs = append(b.instrs, crouton.Instruction{Op: crouton.OpHalt})
	return &crouton.Module{
		VersionMajor: 1,
		Name:         name,
		Constants:    b.consts,
		Instructions: b.instrs,
	}, b.slotOf, nil
}

// Compilable reports whether expr's entire tree is expressible in the
// fixed opcode set, without actually compiling it.
func Compilable(expr Expr) bool {
	switch n := expr.(type) {
	case ConstExpr, RefExpr:
		return true
	case BinExpr:
		return Compilable(n.Lhs) && Compilable(n.Rhs)
	case UnaryExpr:
		return Compilable(n.Operand)
	case IndexExpr:
		return Compilable(n.Base) && Compilable(n.Index)
	case ArrayExpr:
		for _, it := range n.Items {
			if !Compilable(it) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func (b *builder) emit(expr Expr) bool {
	switch n := expr.(type) {
	case ConstExpr:
		idx := b.constIndex(n.Value)
		b.push(crouton.OpPush, idx)
		return true
	case RefExpr:
		slot, ok := b.slotOf[n.Name]
		if !ok {
			slot = b.nextSlot
			b.slotOf[n.Name] = slot
			b.nextSlot++
		}
		b.push(crouton.OpLoadLocal, slot)
		return true
	case UnaryExpr:
		if !b.emit(n.Operand) {
			return false
		}
		switch n.Op {
		case OpNeg:
			b.instrs = append(b.instrs, crouton.Instruction{Op: crouton.OpNeg})
		case OpNot:
			b.instrs = append(b.instrs, crouton.Instruction{Op: crouton.OpNot})
		default:
			return false
		}
		return true
	case BinExpr:
		if !b.emit(n.Lhs) || !b.emit(n.Rhs) {
			return false
		}
		op, ok := binOpcode(n.Op)
		if !ok {
			return false
		}
		b.instrs = append(b.instrs, crouton.Instruction{Op: op})
		return true
	case IndexExpr:
		if !b.emit(n.Base) || !b.emit(n.Index) {
			return false
		}
		b.instrs = append(b.instrs, crouton.Instruction{Op: crouton.OpGetElement})
		return true
	case ArrayExpr:
		for _, it := range n.Items {
			if !b.emit(it) {
				return false
			}
		}
		b.push(crouton.OpNewArray, int32(len(n.Items)))
		return true
	default:
		return false
	}
}

func binOpcode(op Op) (crouton.Opcode, bool) {
	switch op {
	case OpAdd:
		return crouton.OpAdd, true
	case OpSub:
		return crouton.OpSub, true
	case OpMul:
		return crouton.OpMul, true
	case OpDiv:
		return crouton.OpDiv, true
	case OpEq:
		return crouton.OpEq, true
	case OpNeq:
		return crouton.OpNeq, true
	case OpLt:
		return crouton.OpLt, true
	case OpLte:
		return crouton.OpLte, true
	case OpGt:
		return crouton.OpGt, true
	case OpGte:
		return crouton.OpGte, true
	case OpAnd:
		return crouton.OpAnd, true
	case OpOr:
		return crouton.OpOr, true
	default:
		return 0, false
	}
}

func (b *builder) push(op crouton.Opcode, operand int32) {
	b.instrs = append(b.instrs, crouton.Instruction{Op: op, Operands: [3]int32{operand}})
}

// constIndex interns v into the constant pool, converting it to the
// crouton.Const the loader's fixed tag set supports: decimals go
// through the 8-byte-float tag, exactly like the crouton loader's own
// load-time conversion — a literal decimal with a float64-representable
// value round-trips exactly through
// value.DecimalFromString(fmt.Sprintf("%v", f)) on the way back in.
func (b *builder) constIndex(v value.Value) int32 {
	var c crouton.Const
	switch v.Kind {
	case value.KindNull:
		c = crouton.Const{Kind: crouton.ConstNull}
	case value.KindInteger:
		c = crouton.Const{Kind: crouton.ConstInt, Int: v.Int}
	case value.KindDecimal:
		f, _ := v.Dec.Float64()
		c = crouton.Const{Kind: crouton.ConstFloat, Flt: f}
	case value.KindString:
		c = crouton.Const{Kind: crouton.ConstString, Str: v.Str}
	case value.KindBool:
		c = crouton.Const{Kind: crouton.ConstBool, Bool: v.Bool}
	default:
		c = crouton.Const{Kind: crouton.ConstNull}
	}
	idx := int32(len(b.consts))
	b.consts = append(b.consts, c)
	return idx
}
