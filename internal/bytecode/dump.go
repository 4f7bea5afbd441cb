package bytecode

import (
	"fmt"
	"strings"

	"github.com/soloverdrive/mondot/internal/value"
)

func constKind(h *value.Heap, v value.Value) string {
	switch {
	case v.IsNil():
		return "nil"
	case v.IsBool():
		return "bool"
	case v.IsNum():
		return "num"
	}
	switch h.Kind(v) {
	case value.ObjString:
		return "string"
	case value.ObjList:
		return "list"
	case value.ObjTable:
		return "table"
	case value.ObjStruct:
		return "struct"
	case value.ObjFunction:
		return "function"
	}
	return "nil"
}

// Dump renders the constant pool and instruction stream as human-readable
// text: one line per constant, a blank line, then one line per instruction.
// The output is derived-only and is not a parse target.
func Dump(a *Assembler) string {
	var sb strings.Builder
	for i, c := range a.Constants {
		fmt.Fprintf(&sb, "%d -> %s %s\n", i, constKind(a.Heap, c), a.Heap.Inspect(c))
	}
	sb.WriteByte('\n')
	for pc, ins := range a.Code {
		fmt.Fprintf(&sb, "%d; %s a=%d b=%d c=%d\n", pc, ins.Op, ins.A, ins.B, ins.C)
	}
	return sb.String()
}
