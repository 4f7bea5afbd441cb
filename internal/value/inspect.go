package value

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatNumber renders a Q32.32 number the way the language prints it:
// fixed six decimal places with trailing zeros (and a bare trailing point)
// trimmed, so whole numbers print without a fraction.
func FormatNumber(v Value) string {
	out := strconv.FormatFloat(v.AsFloat(), 'f', 6, 64)
	if strings.Contains(out, ".") {
		out = strings.TrimRight(out, "0")
		out = strings.TrimSuffix(out, ".")
	}
	return out
}

// Inspect renders a value for diagnostics and the textual bytecode dump.
// Lists elide after eight elements.
func (h *Heap) Inspect(v Value) string {
	switch v.Tag() {
	case TagNil:
		return "nil"
	case TagBool:
		return strconv.FormatBool(v.AsBool())
	case TagNum:
		return FormatNumber(v)
	case TagObj:
		switch h.Kind(v) {
		case ObjString:
			return h.StringVal(v)
		case ObjList:
			var sb strings.Builder
			sb.WriteByte('[')
			elems := h.ListElems(v)
			for i, e := range elems {
				if i == 8 {
					sb.WriteString(", ...")
					break
				}
				if i > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString(h.Inspect(e))
			}
			sb.WriteByte(']')
			return sb.String()
		case ObjTable:
			return fmt.Sprintf("<table %d>", len(h.TableEntries(v)))
		case ObjStruct:
			return fmt.Sprintf("<item %d>", h.StructItemID(v))
		case ObjFunction:
			if fn := h.Function(v); fn != nil {
				return fmt.Sprintf("<fn %s>", fn.Name)
			}
		}
	}
	return "nil"
}
