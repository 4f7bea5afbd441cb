package builtins

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/soloverdrive/mondot/internal/value"
)

func shortString(h *value.Heap, v value.Value) string {
	switch {
	case v.IsObj() && h.Kind(v) == value.ObjString:
		return h.StringVal(v)
	case v.IsNum():
		return value.FormatNumber(v)
	case v.IsBool():
		if v.AsBool() {
			return "true"
		}
		return "false"
	case v.IsObj() && h.Kind(v) == value.ObjList:
		var sb strings.Builder
		sb.WriteByte('[')
		for i, e := range h.ListElems(v) {
			if i == 8 {
				sb.WriteString(", ...")
				break
			}
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(shortString(h, e))
		}
		sb.WriteByte(']')
		return sb.String()
	}
	return "nil"
}

func printString(h *value.Heap, args []value.Value, ctx any) value.Value {
	out := ctx.(io.Writer)
	if len(args) < 1 {
		fmt.Fprintln(out)
		return value.Nil()
	}
	fmt.Fprintln(out, shortString(h, args[0]))
	return value.Nil()
}

func printNumber(h *value.Heap, args []value.Value, ctx any) value.Value {
	out := ctx.(io.Writer)
	if len(args) < 1 {
		fmt.Fprintln(out)
		return value.Nil()
	}
	if !args[0].IsNum() {
		fmt.Fprintln(out, "nil")
		return value.Nil()
	}
	fmt.Fprintln(out, value.FormatNumber(args[0]))
	return value.Nil()
}

func printList(h *value.Heap, args []value.Value, ctx any) value.Value {
	out := ctx.(io.Writer)
	if len(args) < 1 {
		fmt.Fprintln(out, "[]")
		return value.Nil()
	}
	if !args[0].IsObj() || h.Kind(args[0]) != value.ObjList {
		fmt.Fprintln(out, "nil")
		return value.Nil()
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, e := range h.ListElems(args[0]) {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(shortString(h, e))
	}
	sb.WriteByte(']')
	fmt.Fprintln(out, sb.String())
	return value.Nil()
}

func lenString(h *value.Heap, args []value.Value, ctx any) value.Value {
	if len(args) < 1 {
		return value.Nil()
	}
	if !args[0].IsObj() || h.Kind(args[0]) != value.ObjString {
		return value.Nil()
	}
	return value.Int(int64(len(h.StringVal(args[0]))))
}

func mathUnary(fn func(float64) float64) Fn {
	return func(h *value.Heap, args []value.Value, ctx any) value.Value {
		if len(args) < 1 || !args[0].IsNum() {
			return value.Nil()
		}
		return value.Scaled(value.ScaledFromFloat(fn(args[0].AsFloat())))
	}
}

// RegisterStandard installs the default builtin set. Print output goes to
// out, which registrations capture as their context.
func RegisterStandard(out io.Writer) {
	num := value.TyNumber
	Register("print", printString, out, value.TyVoid, []value.TypeKind{value.TyString})
	Register("print", printNumber, out, value.TyVoid, []value.TypeKind{num})
	Register("print", printList, out, value.TyVoid, []value.TypeKind{value.TyList})
	Register("len", lenString, nil, num, []value.TypeKind{value.TyString})
	Register("sin", mathUnary(math.Sin), nil, num, []value.TypeKind{num})
	Register("cos", mathUnary(math.Cos), nil, num, []value.TypeKind{num})
}
