package bytecode

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/soloverdrive/mondot/internal/builtins"
	"github.com/soloverdrive/mondot/internal/value"
)

// Magic identifies a compiled program file.
var Magic = [4]byte{'M', 'D', 'O', 'T'}

// Constant tags of the on-disk format.
const (
	fileTagNil    uint8 = 0
	fileTagBool   uint8 = 1
	fileTagNum    uint8 = 2
	fileTagString uint8 = 3
	fileTagFunc   uint8 = 0x10
	fileTagStruct uint8 = 0x11
	fileTagList   uint8 = 0x12
)

// maxCount bounds every declared count in the container. Larger counts are
// rejected before any allocation.
const maxCount = 1 << 31

// Save writes the assembler's constants and code in the canonical MDOT
// encoding: magic, u64 constant count, constants, u64 instruction count,
// then op u8 + a/b/c/line i32, all little-endian.
func Save(w io.Writer, a *Assembler) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(Magic[:]); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(a.Constants))); err != nil {
		return err
	}
	for i, c := range a.Constants {
		if err := writeConstant(bw, a.Heap, c); err != nil {
			return fmt.Errorf("constant %d: %w", i, err)
		}
	}
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(a.Code))); err != nil {
		return err
	}
	for _, ins := range a.Code {
		if err := bw.WriteByte(byte(ins.Op)); err != nil {
			return err
		}
		for _, f := range [4]int32{ins.A, ins.B, ins.C, ins.Line} {
			if err := binary.Write(bw, binary.LittleEndian, f); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

func writeConstant(w *bufio.Writer, h *value.Heap, v value.Value) error {
	switch {
	case v.IsNil():
		return w.WriteByte(fileTagNil)
	case v.IsBool():
		if err := w.WriteByte(fileTagBool); err != nil {
			return err
		}
		b := byte(0)
		if v.AsBool() {
			b = 1
		}
		return w.WriteByte(b)
	case v.IsNum():
		if err := w.WriteByte(fileTagNum); err != nil {
			return err
		}
		return binary.Write(w, binary.LittleEndian, v.AsScaled())
	}

	switch h.Kind(v) {
	case value.ObjString:
		if err := w.WriteByte(fileTagString); err != nil {
			return err
		}
		s := h.StringVal(v)
		if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
			return err
		}
		_, err := w.WriteString(s)
		return err

	case value.ObjFunction:
		fn := h.Function(v)
		if err := w.WriteByte(fileTagFunc); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, int32(fn.BuiltinID)); err != nil {
			return err
		}
		if err := w.WriteByte(byte(fn.ReturnType)); err != nil {
			return err
		}
		if err := w.WriteByte(byte(len(fn.ParamTypes))); err != nil {
			return err
		}
		for _, p := range fn.ParamTypes {
			if err := w.WriteByte(byte(p)); err != nil {
				return err
			}
		}
		if fn.BuiltinID == -1 {
			if err := binary.Write(w, binary.LittleEndian, uint64(len(fn.Name))); err != nil {
				return err
			}
			if _, err := w.WriteString(fn.Name); err != nil {
				return err
			}
		}
		return nil

	case value.ObjStruct:
		if err := w.WriteByte(fileTagStruct); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, int32(h.StructItemID(v))); err != nil {
			return err
		}
		n := h.StructLen(v)
		if err := binary.Write(w, binary.LittleEndian, uint32(n)); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := writeConstant(w, h, h.StructGet(v, i)); err != nil {
				return err
			}
		}
		return nil

	case value.ObjList:
		if err := w.WriteByte(fileTagList); err != nil {
			return err
		}
		elems := h.ListElems(v)
		if err := binary.Write(w, binary.LittleEndian, uint64(len(elems))); err != nil {
			return err
		}
		for _, e := range elems {
			if err := writeConstant(w, h, e); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unsupported constant kind %d", h.Kind(v))
}

// Load reads a program saved by Save into the assembler. Function constants
// re-bind against the current builtin registry; an unresolvable function
// loads as nil so a program never fails on a missing optional builtin.
func Load(r io.Reader, a *Assembler) error {
	br := bufio.NewReader(r)
	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return fmt.Errorf("reading magic: %w", err)
	}
	if magic != Magic {
		return fmt.Errorf("invalid file format (magic header)")
	}

	nConsts, err := readCount(br)
	if err != nil {
		return fmt.Errorf("reading constant count: %w", err)
	}
	for i := uint64(0); i < nConsts; i++ {
		v, err := readConstant(br, a.Heap)
		if err != nil {
			return fmt.Errorf("constant %d: %w", i, err)
		}
		a.AddConstant(v)
	}

	nCode, err := readCount(br)
	if err != nil {
		return fmt.Errorf("reading instruction count: %w", err)
	}
	a.Code = make([]Instr, 0, nCode)
	for i := uint64(0); i < nCode; i++ {
		op, err := br.ReadByte()
		if err != nil {
			return fmt.Errorf("instruction %d: %w", i, err)
		}
		var fields [4]int32
		for j := range fields {
			if err := binary.Read(br, binary.LittleEndian, &fields[j]); err != nil {
				return fmt.Errorf("instruction %d: %w", i, err)
			}
		}
		a.Code = append(a.Code, Instr{Op: OpCode(op), A: fields[0], B: fields[1], C: fields[2], Line: fields[3]})
	}
	return nil
}

func readCount(br *bufio.Reader) (uint64, error) {
	var n uint64
	if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
		return 0, err
	}
	if n >= maxCount {
		return 0, fmt.Errorf("declared count %d exceeds limit", n)
	}
	return n, nil
}

func readConstant(br *bufio.Reader, h *value.Heap) (value.Value, error) {
	tag, err := br.ReadByte()
	if err != nil {
		return value.Nil(), err
	}
	switch tag {
	case fileTagNil:
		return value.Nil(), nil

	case fileTagBool:
		b, err := br.ReadByte()
		if err != nil {
			return value.Nil(), err
		}
		return value.Bool(b != 0), nil

	case fileTagNum:
		var q int64
		if err := binary.Read(br, binary.LittleEndian, &q); err != nil {
			return value.Nil(), err
		}
		return value.Scaled(q), nil

	case fileTagString:
		s, err := readString(br)
		if err != nil {
			return value.Nil(), err
		}
		return h.NewString(s), nil

	case fileTagFunc:
		var bid int32
		if err := binary.Read(br, binary.LittleEndian, &bid); err != nil {
			return value.Nil(), err
		}
		// The stored return type is re-derived from the registry on
		// rebind; it is read only to advance past it.
		if _, err := br.ReadByte(); err != nil {
			return value.Nil(), err
		}
		argc, err := br.ReadByte()
		if err != nil {
			return value.Nil(), err
		}
		params := make([]value.TypeKind, argc)
		for j := range params {
			b, err := br.ReadByte()
			if err != nil {
				return value.Nil(), err
			}
			params[j] = value.TypeKind(b)
		}
		var name string
		if bid == -1 {
			if name, err = readString(br); err != nil {
				return value.Nil(), err
			}
		}
		return rebindFunction(h, int(bid), name, params), nil

	case fileTagStruct:
		var itemID int32
		if err := binary.Read(br, binary.LittleEndian, &itemID); err != nil {
			return value.Nil(), err
		}
		var n uint32
		if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
			return value.Nil(), err
		}
		if uint64(n) >= maxCount {
			return value.Nil(), fmt.Errorf("struct field count %d exceeds limit", n)
		}
		st := h.NewStruct(int(itemID), int(n))
		for i := 0; i < int(n); i++ {
			f, err := readConstant(br, h)
			if err != nil {
				return value.Nil(), err
			}
			h.StructSet(st, i, f)
		}
		return st, nil

	case fileTagList:
		n, err := readCount(br)
		if err != nil {
			return value.Nil(), err
		}
		lst := h.NewList()
		for i := uint64(0); i < n; i++ {
			e, err := readConstant(br, h)
			if err != nil {
				return value.Nil(), err
			}
			h.ListPush(lst, e)
		}
		return lst, nil
	}
	return value.Nil(), fmt.Errorf("unknown constant tag 0x%02x", tag)
}

// rebindFunction resolves a serialized function reference against the
// current builtin registry: first by stored id, then by name and parameter
// types, else nil.
func rebindFunction(h *value.Heap, bid int, name string, params []value.TypeKind) value.Value {
	if bid >= 0 {
		if e := builtins.Entry(bid); e != nil {
			return h.NewFunction(value.FuncDesc{
				BuiltinID:  bid,
				ReturnType: e.ReturnType,
				ParamTypes: e.ParamTypes,
				Name:       e.Name,
			})
		}
		return value.Nil()
	}
	if name != "" {
		if id := builtins.Lookup(name, params); id >= 0 {
			if e := builtins.Entry(id); e != nil {
				return h.NewFunction(value.FuncDesc{
					BuiltinID:  id,
					ReturnType: e.ReturnType,
					ParamTypes: e.ParamTypes,
					Name:       e.Name,
				})
			}
		}
	}
	return value.Nil()
}

func readString(br *bufio.Reader) (string, error) {
	n, err := readCount(br)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// SaveFile writes the program to a file.
func SaveFile(path string, a *Assembler) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()
	if err := Save(f, a); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// LoadFile reads a program from a file.
func LoadFile(path string, a *Assembler) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	if err := Load(f, a); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}
