package bytecode

import (
	"bytes"
	"strings"
	"testing"

	"github.com/soloverdrive/mondot/internal/builtins"
	"github.com/soloverdrive/mondot/internal/value"
)

func roundTrip(t *testing.T, src *Assembler) *Assembler {
	t.Helper()
	var buf bytes.Buffer
	if err := Save(&buf, src); err != nil {
		t.Fatalf("save: %v", err)
	}
	dst := New(value.NewHeap())
	if err := Load(&buf, dst); err != nil {
		t.Fatalf("load: %v", err)
	}
	return dst
}

func TestRoundTripScalarsAndCode(t *testing.T) {
	h := value.NewHeap()
	a := New(h)
	a.AddConstant(value.Nil())
	a.AddConstant(value.Bool(true))
	a.AddConstant(value.Int(-7))
	a.AddConstant(value.Scaled(value.ScaledFromFloat(2.5)))
	a.AddConstant(h.NewString("hello\nworld"))
	a.Emit(OpConst, 3, 0, 2, 0)
	a.Emit(OpJmp, 4, 0, 0, 0)
	a.Emit(OpReturn, 5, 0, 0, 0)

	b := roundTrip(t, a)

	if len(b.Constants) != len(a.Constants) {
		t.Fatalf("constants = %d, want %d", len(b.Constants), len(a.Constants))
	}
	if !b.Constants[0].IsNil() || !b.Constants[1].AsBool() {
		t.Error("nil/bool constants corrupted")
	}
	if b.Constants[2].AsScaled() != -7<<value.IntScaledShift {
		t.Errorf("negative number corrupted: %d", b.Constants[2].AsScaled())
	}
	if b.Constants[3].Raw() != a.Constants[3].Raw() {
		t.Error("fractional number corrupted")
	}
	if got := b.Heap.StringVal(b.Constants[4]); got != "hello\nworld" {
		t.Errorf("string constant = %q", got)
	}
	if len(b.Code) != 3 {
		t.Fatalf("code length = %d", len(b.Code))
	}
	for i := range a.Code {
		if a.Code[i] != b.Code[i] {
			t.Errorf("instruction %d: %+v != %+v", i, a.Code[i], b.Code[i])
		}
	}
}

func TestRoundTripStructAndList(t *testing.T) {
	h := value.NewHeap()
	a := New(h)
	st := h.NewStruct(2, 2)
	h.StructSet(st, 0, value.Int(3))
	h.StructSet(st, 1, value.Int(4))
	a.AddConstant(st)
	lst := h.NewList()
	h.ListPush(lst, value.Int(1))
	h.ListPush(lst, value.Bool(false))
	a.AddConstant(lst)

	b := roundTrip(t, a)

	bst := b.Constants[0]
	if b.Heap.StructItemID(bst) != 2 || b.Heap.StructLen(bst) != 2 {
		t.Fatalf("struct shape: id=%d len=%d", b.Heap.StructItemID(bst), b.Heap.StructLen(bst))
	}
	if b.Heap.StructGet(bst, 1).AsScaled() != 4<<value.IntScaledShift {
		t.Error("struct field corrupted")
	}
	blst := b.Constants[1]
	if b.Heap.ListLen(blst) != 2 || !b.Heap.ListGet(blst, 1).IsBool() {
		t.Error("list constant corrupted")
	}
}

func TestRoundTripFunctionRebindsByID(t *testing.T) {
	builtins.Reset()
	defer builtins.Reset()
	id := builtins.Register("probe", func(h *value.Heap, args []value.Value, ctx any) value.Value {
		return value.Nil()
	}, nil, value.TyNumber, []value.TypeKind{value.TyNumber})

	h := value.NewHeap()
	a := New(h)
	a.AddConstant(h.NewFunction(value.FuncDesc{
		BuiltinID:  id,
		ReturnType: value.TyNumber,
		ParamTypes: []value.TypeKind{value.TyNumber},
		Name:       "probe",
	}))

	b := roundTrip(t, a)
	fn := b.Heap.Function(b.Constants[0])
	if fn == nil || fn.BuiltinID != id || fn.Name != "probe" {
		t.Errorf("function did not rebind: %+v", fn)
	}
}

func TestMissingBuiltinLoadsAsNil(t *testing.T) {
	builtins.Reset()
	defer builtins.Reset()

	h := value.NewHeap()
	a := New(h)
	a.AddConstant(h.NewFunction(value.FuncDesc{
		BuiltinID:  -1,
		ReturnType: value.TyVoid,
		ParamTypes: nil,
		Name:       "gone",
	}))

	b := roundTrip(t, a)
	if !b.Constants[0].IsNil() {
		t.Errorf("missing builtin should load as nil, got raw %x", b.Constants[0].Raw())
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	a := New(value.NewHeap())
	err := Load(strings.NewReader("XXXX rest"), a)
	if err == nil || !strings.Contains(err.Error(), "magic") {
		t.Errorf("expected magic error, got %v", err)
	}
}

func TestLoadRejectsTruncated(t *testing.T) {
	h := value.NewHeap()
	a := New(h)
	a.AddConstant(h.NewString("payload"))
	a.Emit(OpReturn, 1, 0, 0, 0)
	var buf bytes.Buffer
	if err := Save(&buf, a); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()
	for _, cut := range []int{5, 9, len(data) / 2, len(data) - 1} {
		b := New(value.NewHeap())
		if err := Load(bytes.NewReader(data[:cut]), b); err == nil {
			t.Errorf("truncation at %d not detected", cut)
		}
	}
}

func TestLoadRejectsOversizedCount(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Magic[:])
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x7F}) // huge u64
	a := New(value.NewHeap())
	if err := Load(&buf, a); err == nil || !strings.Contains(err.Error(), "limit") {
		t.Errorf("expected count limit error, got %v", err)
	}
}

func TestDumpShape(t *testing.T) {
	h := value.NewHeap()
	a := New(h)
	a.AddConstant(value.Int(1))
	a.AddConstant(h.NewString("s"))
	a.Emit(OpConst, 1, 0, 0, 0)
	a.Emit(OpReturn, 1, 0, 0, 0)

	out := Dump(a)
	lines := strings.Split(out, "\n")
	if lines[0] != "0 -> num 1" {
		t.Errorf("constant line = %q", lines[0])
	}
	if lines[1] != "1 -> string s" {
		t.Errorf("constant line = %q", lines[1])
	}
	if lines[2] != "" {
		t.Errorf("expected blank separator, got %q", lines[2])
	}
	if lines[3] != "0; OP_CONST a=0 b=0 c=0" {
		t.Errorf("instruction line = %q", lines[3])
	}
	if lines[4] != "1; OP_RETURN a=0 b=0 c=0" {
		t.Errorf("instruction line = %q", lines[4])
	}
}
