package crouton

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestEncodeDecodeRoundTrip: encoding then decoding a module yields an
// identical Module, bit for bit.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := &Module{
		VersionMajor: 1,
		VersionMinor: 2,
		VersionPatch: 3,
		Name:         "total",
		Constants: []Const{
			{Kind: ConstInt, Int: 42},
			{Kind: ConstFloat, Flt: 3.5},
			{Kind: ConstString, Str: "hello"},
			{Kind: ConstBool, Bool: true},
			{Kind: ConstNull},
		},
		Instructions: []Instruction{
			{Op: OpPush, Operands: [3]int32{0}},
			{Op: OpPush, Operands: [3]int32{1}},
			{Op: OpAdd},
			{Op: OpHalt},
		},
	}

	var buf bytes.Buffer
	if err := Encode(original, &buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if diff := cmp.Diff(original, decoded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xde, 0xad, 0xbe, 0xef})
	if _, err := Decode(&buf); err == nil {
		t.Fatal("expected a FormatError for bad magic")
	}
}

// TestTryBlockAbsentHandlersRoundTrip: a try with no catch (or no
// finally) encodes the absent handler as -1, which is a sentinel, not a
// jump target — the loader must accept it while still validating the
// end address.
func TestTryBlockAbsentHandlersRoundTrip(t *testing.T) {
	shapes := [][3]int32{
		{-1, 1, 2}, // no catch
		{1, -1, 2}, // no finally
	}
	for _, ops := range shapes {
		original := &Module{
			VersionMajor: 1,
			Name:         "try-shapes",
			Instructions: []Instruction{
				{Op: OpTryBlock, Operands: ops},
				{Op: OpNop},
				{Op: OpEndTry},
				{Op: OpHalt},
			},
		}
		var buf bytes.Buffer
		if err := Encode(original, &buf); err != nil {
			t.Fatalf("Encode(%v): %v", ops, err)
		}
		decoded, err := Decode(&buf)
		if err != nil {
			t.Fatalf("Decode(%v): %v", ops, err)
		}
		if diff := cmp.Diff(original, decoded); diff != "" {
			t.Errorf("round trip mismatch for %v (-want +got):\n%s", ops, diff)
		}
	}
}

func TestDecodeRejectsNegativeTryEnd(t *testing.T) {
	mod := &Module{
		VersionMajor: 1,
		Name:         "bad-end",
		Instructions: []Instruction{
			{Op: OpTryBlock, Operands: [3]int32{-1, -1, -1}},
			{Op: OpEndTry},
			{Op: OpHalt},
		},
	}
	var buf bytes.Buffer
	if err := Encode(mod, &buf); err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(&buf); err == nil {
		t.Fatal("expected a FormatError for a negative try end address")
	}
}

func TestDecodeRejectsJumpTargetOutOfBounds(t *testing.T) {
	mod := &Module{
		VersionMajor: 1,
		Name:         "bad",
		Instructions: []Instruction{
			{Op: OpJump, Operands: [3]int32{99}},
			{Op: OpHalt},
		},
	}
	var buf bytes.Buffer
	if err := Encode(mod, &buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(&buf); err == nil {
		t.Fatal("expected a FormatError for an out-of-bounds jump target")
	}
}

func TestDecodeRejectsTruncatedInstructionStream(t *testing.T) {
	mod := &Module{
		VersionMajor: 1,
		Name:         "truncated",
		Instructions: []Instruction{
			{Op: OpPush, Operands: [3]int32{0}},
		},
		Constants: []Const{{Kind: ConstInt, Int: 1}},
	}
	var buf bytes.Buffer
	if err := Encode(mod, &buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-1])
	if _, err := Decode(truncated); err == nil {
		t.Fatal("expected a FormatError for a truncated operand")
	}
}

func TestDecodeRejectsConstantIndexOutOfRange(t *testing.T) {
	mod := &Module{
		VersionMajor: 1,
		Name:         "bad-const-index",
		Instructions: []Instruction{
			{Op: OpPush, Operands: [3]int32{5}},
		},
	}
	var buf bytes.Buffer
	if err := Encode(mod, &buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(&buf); err == nil {
		t.Fatal("expected a FormatError for an out-of-range constant index")
	}
}

func TestOpcodeStringUnknown(t *testing.T) {
	var op Opcode = 0xFF
	if op.String() != "UNKNOWN" {
		t.Errorf("String() = %q, want UNKNOWN", op.String())
	}
}
