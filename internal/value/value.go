// Package value implements the tagged 64-bit value representation and the
// reference-counted object heap shared by the compiler, the bytecode layer
// and the virtual machine.
//
// A Value packs a 3-bit tag and a 61-bit payload into one uint64. Numbers
// are signed Q32.32 fixed-point: the payload is the scaled integer and the
// real value is payload / 2^32. Object values carry a heap handle whose low
// three bits are zero, so the tag never collides with the handle.
package value

import "math/bits"

// Tag occupies the low 3 bits of a raw value.
type Tag uint8

const (
	TagNil  Tag = 0
	TagBool Tag = 1
	TagNum  Tag = 2
	TagObj  Tag = 3
)

const (
	// IntScaledShift is the Q32.32 binary point position.
	IntScaledShift = 32
	// IntScaledOne is 1.0 in scaled representation.
	IntScaledOne = int64(1) << IntScaledShift

	tagBits = 3
	tagMask = uint64(7)
)

// TypeKind is the compile-time type lattice of the language.
type TypeKind uint8

const (
	TyUnknown TypeKind = 0
	TyVoid    TypeKind = 1
	TyNumber  TypeKind = 2
	TyString  TypeKind = 3
	TyBool    TypeKind = 4
	TyList    TypeKind = 5
	TyTable   TypeKind = 6
	TyItem    TypeKind = 7
)

// ParseTypeName maps a builtin type name to its kind. Item names are not
// known here; callers consult the item registry when this returns TyUnknown.
func ParseTypeName(s string) TypeKind {
	switch s {
	case "void":
		return TyVoid
	case "number":
		return TyNumber
	case "string":
		return TyString
	case "bool":
		return TyBool
	case "list":
		return TyList
	case "table":
		return TyTable
	}
	return TyUnknown
}

// String returns the source-level spelling of the kind.
func (t TypeKind) String() string {
	switch t {
	case TyVoid:
		return "void"
	case TyNumber:
		return "number"
	case TyString:
		return "string"
	case TyBool:
		return "bool"
	case TyList:
		return "list"
	case TyTable:
		return "table"
	case TyItem:
		return "item"
	}
	return "unknown"
}

// Value is the 64-bit tagged word. The zero Value is nil.
type Value struct {
	raw uint64
}

// Nil returns the nil value.
func Nil() Value { return Value{raw: uint64(TagNil)} }

// Bool returns a boolean value.
func Bool(b bool) Value {
	var p uint64
	if b {
		p = 1
	}
	return Value{raw: p<<tagBits | uint64(TagBool)}
}

// Int returns a number value for a whole integer.
func Int(i int64) Value {
	return Scaled(i << IntScaledShift)
}

// Scaled returns a number value from an already-scaled Q32.32 integer.
func Scaled(q int64) Value {
	return Value{raw: uint64(q)<<tagBits | uint64(TagNum)}
}

// Obj returns an object value for a heap handle.
func Obj(h Handle) Value {
	return Value{raw: uint64(h) | uint64(TagObj)}
}

// FromRaw reconstructs a Value from its raw encoding.
func FromRaw(raw uint64) Value { return Value{raw: raw} }

// Raw returns the full 64-bit encoding. Constant-pool deduplication and the
// EQ instruction compare these bits directly.
func (v Value) Raw() uint64 { return v.raw }

func (v Value) Tag() Tag { return Tag(v.raw & tagMask) }

func (v Value) IsNil() bool  { return v.Tag() == TagNil }
func (v Value) IsBool() bool { return v.Tag() == TagBool }
func (v Value) IsNum() bool  { return v.Tag() == TagNum }
func (v Value) IsObj() bool  { return v.Tag() == TagObj }

// AsScaled returns the Q32.32 payload. The shift is arithmetic, so negative
// numbers survive the round trip. Non-number values decode as garbage; use
// IsNum first.
func (v Value) AsScaled() int64 { return int64(v.raw) >> tagBits }

// AsFloat converts the Q32.32 payload to a float64 for display and for
// builtins that bridge to math functions.
func (v Value) AsFloat() float64 {
	return float64(v.AsScaled()) / float64(IntScaledOne)
}

func (v Value) AsBool() bool { return v.raw>>tagBits != 0 }

// AsHandle extracts the object handle. The low 3 bits of a handle are zero
// by construction, so masking the tag away recovers it exactly.
func (v Value) AsHandle() Handle { return Handle(v.raw &^ tagMask) }

// ScaledFromFloat quantizes a float64 to Q32.32, rounding to nearest.
func ScaledFromFloat(d float64) int64 {
	f := d * float64(IntScaledOne)
	if f >= 0 {
		return int64(f + 0.5)
	}
	return int64(f - 0.5)
}

// MulScaled multiplies two Q32.32 numbers through a 128-bit intermediate,
// shifting the product right by the binary point.
func MulScaled(a, b int64) int64 {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	// Two's-complement correction turns the unsigned product into the
	// signed 128-bit product.
	if a < 0 {
		hi -= uint64(b)
	}
	if b < 0 {
		hi -= uint64(a)
	}
	return int64(hi<<(64-IntScaledShift) | lo>>IntScaledShift)
}

// DivScaled divides two Q32.32 numbers, widening the dividend by the binary
// point first. Truncates toward zero. The caller guards against a zero
// divisor. Quotients that overflow 64 bits wrap in the scaled
// representation.
func DivScaled(a, b int64) int64 {
	neg := (a < 0) != (b < 0)
	ua, ub := absU64(a), absU64(b)
	hi := ua >> (64 - IntScaledShift)
	lo := ua << IntScaledShift
	hi %= ub
	q, _ := bits.Div64(hi, lo, ub)
	if neg {
		return -int64(q)
	}
	return int64(q)
}

func absU64(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}
