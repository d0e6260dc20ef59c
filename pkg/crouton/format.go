package crouton

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MagicNumber is the crouton file signature.
const MagicNumber uint32 = 0x4C4F4146

// FormatError is returned for any structurally invalid crouton file: bad
// magic, unsupported major version, truncation, unknown constant tag,
// unknown opcode, operand count mismatch, out-of-range constant index, or
// a jump target that does not land on an instruction boundary. The
// runtime must never execute a Module that failed validation.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string { return "FormatError: " + e.Reason }

func formatErrorf(format string, args ...interface{}) error {
	return &FormatError{Reason: fmt.Sprintf(format, args...)}
}

// Encode writes mod to w in the crouton binary layout:
//
//	magic(4) major(1) minor(1) patch(1) nameLen(4) name(nameLen)
//	constCount(4) [tag(1) data...]*
//	instrCount(4) [opcode(1) operand(4)*arity]*
//
// All multi-byte numeric fields are big-endian.
func Encode(mod *Module, w io.Writer) error {
	if err := writeU32(w, MagicNumber); err != nil {
		return err
	}
	if _, err := w.Write([]byte{mod.VersionMajor, mod.VersionMinor, mod.VersionPatch}); err != nil {
		return err
	}
	if err := writeString(w, mod.Name); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(mod.Constants))); err != nil {
		return err
	}
	for _, c := range mod.Constants {
		if err := writeConst(w, c); err != nil {
			return err
		}
	}
	if err := writeU32(w, uint32(len(mod.Instructions))); err != nil {
		return err
	}
	for _, instr := range mod.Instructions {
		n, ok := Arity(instr.Op)
		if !ok {
			return formatErrorf("unknown opcode 0x%02X", byte(instr.Op))
		}
		if _, err := w.Write([]byte{byte(instr.Op)}); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := writeI32(w, instr.Operands[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Decode reads and fully validates a crouton file from r. On success the
// returned Module is safe to execute: every constant index referenced by
// PUSH is in range and every jump target lands on an instruction
// boundary.
func Decode(r io.Reader) (*Module, error) {
	magic, err := readU32(r)
	if err != nil {
		return nil, formatErrorf("truncated header: %v", err)
	}
	if magic != MagicNumber {
		return nil, formatErrorf("bad magic 0x%08X", magic)
	}

	var verBuf [3]byte
	if _, err := io.ReadFull(r, verBuf[:]); err != nil {
		return nil, formatErrorf("truncated version: %v", err)
	}
	if verBuf[0] != supportedMajor {
		return nil, formatErrorf("unsupported major version %d", verBuf[0])
	}

	name, err := readString(r)
	if err != nil {
		return nil, formatErrorf("truncated module name: %v", err)
	}

	constCount, err := readU32(r)
	if err != nil {
		return nil, formatErrorf("truncated constant count: %v", err)
	}
	var constants []Const
	if constCount > 0 {
		constants = make([]Const, constCount)
	}
	for i := range constants {
		c, err := readConst(r)
		if err != nil {
			return nil, formatErrorf("constant %d: %v", i, err)
		}
		constants[i] = c
	}

	instrCount, err := readU32(r)
	if err != nil {
		return nil, formatErrorf("truncated instruction count: %v", err)
	}
	instructions := make([]Instruction, instrCount)
	for i := range instructions {
		var opByte [1]byte
		if _, err := io.ReadFull(r, opByte[:]); err != nil {
			return nil, formatErrorf("instruction %d: truncated opcode: %v", i, err)
		}
		op := Opcode(opByte[0])
		n, ok := Arity(op)
		if !ok {
			return nil, formatErrorf("instruction %d: unknown opcode 0x%02X", i, opByte[0])
		}
		var instr Instruction
		instr.Op = op
		for k := 0; k < n; k++ {
			v, err := readI32(r)
			if err != nil {
				return nil, formatErrorf("instruction %d: truncated operand %d: %v", i, k, err)
			}
			instr.Operands[k] = v
		}
		instructions[i] = instr
	}

	mod := &Module{
		VersionMajor: verBuf[0], VersionMinor: verBuf[1], VersionPatch: verBuf[2],
		Name:         name,
		Constants:    constants,
		Instructions: instructions,
	}
	if err := validate(mod); err != nil {
		return nil, err
	}
	return mod, nil
}

// supportedMajor is the highest crouton major version this runtime
// accepts; bumped only on a breaking bytecode-format change.
const supportedMajor = 1

// validate enforces the loader's validation contract beyond what
// Decode's byte-level reads already catch: constant-index range and
// jump-target alignment.
func validate(mod *Module) error {
	for i, instr := range mod.Instructions {
		switch instr.Op {
		case OpPush:
			idx := int(instr.Operands[0])
			if idx < 0 || idx >= len(mod.Constants) {
				return formatErrorf("instruction %d: constant index %d out of range", i, idx)
			}
		case OpJump, OpJumpIf, OpJumpIfNot, OpCall:
			if !onBoundary(mod, int(instr.Operands[0])) {
				return formatErrorf("instruction %d: jump target %d not on an instruction boundary", i, instr.Operands[0])
			}
		case OpTryBlock:
			// Operands are catch, finally, end; a negative catch or
			// finally means "absent" and is not a jump target.
			for k, target := range instr.Operands {
				if k < 2 && target < 0 {
					continue
				}
				if !onBoundary(mod, int(target)) {
					return formatErrorf("instruction %d: try-block target %d not on an instruction boundary", i, target)
				}
			}
		}
	}
	return nil
}

func onBoundary(mod *Module, target int) bool {
	return target >= 0 && target <= len(mod.Instructions)
}

func writeConst(w io.Writer, c Const) error {
	if _, err := w.Write([]byte{byte(c.Kind)}); err != nil {
		return err
	}
	switch c.Kind {
	case ConstNull:
		return nil
	case ConstInt:
		return binary.Write(w, binary.BigEndian, c.Int)
	case ConstFloat:
		return binary.Write(w, binary.BigEndian, c.Flt)
	case ConstString:
		return writeString(w, c.Str)
	case ConstBool:
		var b byte
		if c.Bool {
			b = 1
		}
		_, err := w.Write([]byte{b})
		return err
	default:
		return formatErrorf("unknown constant tag 0x%02X", byte(c.Kind))
	}
}

func readConst(r io.Reader) (Const, error) {
	var tagBuf [1]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return Const{}, err
	}
	kind := ConstKind(tagBuf[0])
	switch kind {
	case ConstNull:
		return Const{Kind: kind}, nil
	case ConstInt:
		var v int64
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return Const{}, err
		}
		return Const{Kind: kind, Int: v}, nil
	case ConstFloat:
		var v float64
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return Const{}, err
		}
		return Const{Kind: kind, Flt: v}, nil
	case ConstString:
		s, err := readString(r)
		if err != nil {
			return Const{}, err
		}
		return Const{Kind: kind, Str: s}, nil
	case ConstBool:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Const{}, err
		}
		return Const{Kind: kind, Bool: b[0] != 0}, nil
	default:
		return Const{}, formatErrorf("unknown constant tag 0x%02X", tagBuf[0])
	}
}

func writeString(w io.Writer, s string) error {
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeU32(w io.Writer, v uint32) error { return binary.Write(w, binary.BigEndian, v) }
func readU32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}
func writeI32(w io.Writer, v int32) error { return binary.Write(w, binary.BigEndian, v) }
func readI32(r io.Reader) (int32, error) {
	var v int32
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}
