package builtins

import (
	"bytes"
	"strings"
	"testing"

	"github.com/soloverdrive/mondot/internal/value"
)

func TestRegisterAndLookup(t *testing.T) {
	Reset()
	defer Reset()

	id := Register("f", func(h *value.Heap, args []value.Value, ctx any) value.Value {
		return value.Int(1)
	}, nil, value.TyNumber, []value.TypeKind{value.TyNumber})

	if e := Entry(id); e == nil || e.Name != "f" {
		t.Fatalf("Entry(%d) = %+v", id, e)
	}
	if Entry(99) != nil {
		t.Error("out-of-range Entry should be nil")
	}
	if got := LookupName("f"); got != id {
		t.Errorf("LookupName = %d, want %d", got, id)
	}
	if got := LookupName("missing"); got != -1 {
		t.Errorf("LookupName(missing) = %d", got)
	}
}

func TestLookupOverloads(t *testing.T) {
	Reset()
	defer Reset()

	nop := func(h *value.Heap, args []value.Value, ctx any) value.Value { return value.Nil() }
	strID := Register("p", nop, nil, value.TyVoid, []value.TypeKind{value.TyString})
	numID := Register("p", nop, nil, value.TyVoid, []value.TypeKind{value.TyNumber})

	if got := Lookup("p", []value.TypeKind{value.TyNumber}); got != numID {
		t.Errorf("number overload: got %d, want %d", got, numID)
	}
	if got := Lookup("p", []value.TypeKind{value.TyString}); got != strID {
		t.Errorf("string overload: got %d, want %d", got, strID)
	}
	// Unknown argument types match anything; the first overload wins.
	if got := Lookup("p", []value.TypeKind{value.TyUnknown}); got != strID {
		t.Errorf("unknown arg: got %d, want %d", got, strID)
	}
	// No structural match falls back to name-only lookup.
	if got := Lookup("p", []value.TypeKind{value.TyBool, value.TyBool}); got != strID {
		t.Errorf("fallback: got %d, want %d", got, strID)
	}
}

func TestStandardPrintFormats(t *testing.T) {
	Reset()
	defer Reset()

	var buf bytes.Buffer
	RegisterStandard(&buf)
	h := value.NewHeap()

	id := Lookup("print", []value.TypeKind{value.TyNumber})
	e := Entry(id)
	e.Fn(h, []value.Value{value.Scaled(value.ScaledFromFloat(2.5))}, e.Ctx)
	e.Fn(h, []value.Value{value.Int(5)}, e.Ctx)
	e.Fn(h, []value.Value{value.Nil()}, e.Ctx)

	want := "2.5\n5\nnil\n"
	if buf.String() != want {
		t.Errorf("print(number) output %q, want %q", buf.String(), want)
	}
}

func TestStandardLenAndSin(t *testing.T) {
	Reset()
	defer Reset()

	RegisterStandard(&bytes.Buffer{})
	h := value.NewHeap()

	lenE := Entry(LookupName("len"))
	s := h.NewString("hello")
	if got := lenE.Fn(h, []value.Value{s}, lenE.Ctx); got.AsScaled() != 5<<value.IntScaledShift {
		t.Errorf("len = %d", got.AsScaled())
	}
	if got := lenE.Fn(h, []value.Value{value.Int(1)}, lenE.Ctx); !got.IsNil() {
		t.Error("len(number) should be nil")
	}
	h.Release(s)

	sinE := Entry(LookupName("sin"))
	if got := sinE.Fn(h, []value.Value{value.Int(0)}, sinE.Ctx); got.AsScaled() != 0 {
		t.Errorf("sin(0) = %d", got.AsScaled())
	}
}

func TestStandardPrintList(t *testing.T) {
	Reset()
	defer Reset()

	var buf bytes.Buffer
	RegisterStandard(&buf)
	h := value.NewHeap()

	l := h.NewList()
	h.Retain(l)
	h.ListPush(l, value.Int(1))
	h.ListPush(l, value.Int(2))
	id := Lookup("print", []value.TypeKind{value.TyList})
	e := Entry(id)
	e.Fn(h, []value.Value{l}, e.Ctx)
	if !strings.Contains(buf.String(), "[1, 2]") {
		t.Errorf("print(list) output %q", buf.String())
	}
	h.Release(l)
}
