package value

// ObjType discriminates heap object variants.
type ObjType uint8

const (
	ObjString   ObjType = 1
	ObjList     ObjType = 2
	ObjTable    ObjType = 3
	ObjFunction ObjType = 4
	ObjStruct   ObjType = 5
)

// Handle is a pointer-like reference into a Heap. The low 3 bits are always
// zero so a handle composes with the value tag without masking tricks.
type Handle uint64

const handleShift = 3

func handleFromSlot(slot int) Handle { return Handle(uint64(slot+1) << handleShift) }

func (h Handle) slot() int { return int(uint64(h)>>handleShift) - 1 }

// IsValid reports whether the handle refers to some slot (not whether the
// slot is currently live).
func (h Handle) IsValid() bool { return h != 0 }

// TableEntry is one key/value pair of a table. Iteration order is insertion
// order; key identity is raw-bit equality.
type TableEntry struct {
	Key Value
	Val Value
}

// FuncDesc describes a function reference constant. BuiltinID is -1 for
// user functions, which are addressed by name and parameter types instead.
type FuncDesc struct {
	BuiltinID  int
	ReturnType TypeKind
	ParamTypes []TypeKind
	Name       string
}

// object is one arena slot. Kind selects which variant fields are live.
type object struct {
	kind ObjType
	refs int32
	live bool

	str    string
	elems  []Value      // list elements or struct fields
	table  []TableEntry // table entries
	fn     *FuncDesc
	itemID int // struct item-type id
}

// Heap is an arena of reference-counted objects. Values reference slots
// through handles, so the alignment invariant of object values holds by
// construction. The heap is not safe for concurrent use; the compiler and
// the VM are single-threaded by design.
type Heap struct {
	slots []object
	free  []int

	retains  uint64
	releases uint64
	liveObjs int
}

// NewHeap returns an empty heap.
func NewHeap() *Heap {
	return &Heap{}
}

func (h *Heap) alloc(o object) Handle {
	o.live = true
	o.refs = 0
	if n := len(h.free); n > 0 {
		slot := h.free[n-1]
		h.free = h.free[:n-1]
		h.slots[slot] = o
		h.liveObjs++
		return handleFromSlot(slot)
	}
	h.slots = append(h.slots, o)
	h.liveObjs++
	return handleFromSlot(len(h.slots) - 1)
}

// NewString allocates a string object. The new object has refcount zero;
// storing it somewhere retains it.
func (h *Heap) NewString(s string) Value {
	return Obj(h.alloc(object{kind: ObjString, str: s}))
}

// NewList allocates an empty list object.
func (h *Heap) NewList() Value {
	return Obj(h.alloc(object{kind: ObjList}))
}

// NewTable allocates an empty table object.
func (h *Heap) NewTable() Value {
	return Obj(h.alloc(object{kind: ObjTable}))
}

// NewStruct allocates a struct object with n nil fields, tagged with its
// item-type id.
func (h *Heap) NewStruct(itemID, n int) Value {
	return Obj(h.alloc(object{kind: ObjStruct, itemID: itemID, elems: make([]Value, n)}))
}

// NewFunction allocates a function reference object.
func (h *Heap) NewFunction(fn FuncDesc) Value {
	return Obj(h.alloc(object{kind: ObjFunction, fn: &fn}))
}

func (h *Heap) obj(v Value) *object {
	if !v.IsObj() {
		return nil
	}
	slot := v.AsHandle().slot()
	if slot < 0 || slot >= len(h.slots) {
		return nil
	}
	o := &h.slots[slot]
	if !o.live {
		return nil
	}
	return o
}

// Kind returns the object variant of v, or 0 when v is not a live object.
func (h *Heap) Kind(v Value) ObjType {
	if o := h.obj(v); o != nil {
		return o.kind
	}
	return 0
}

// Retain increments the refcount of an object value. Other tags are no-ops.
func (h *Heap) Retain(v Value) {
	o := h.obj(v)
	if o == nil {
		return
	}
	o.refs++
	h.retains++
}

// Release decrements the refcount of an object value and frees the slot
// when it drops to zero, releasing contained values recursively. Other tags
// are no-ops.
func (h *Heap) Release(v Value) {
	o := h.obj(v)
	if o == nil {
		return
	}
	h.releases++
	o.refs--
	if o.refs > 0 {
		return
	}
	// Detach the payload before recursing so cycles cannot revisit the
	// slot, then return it to the free list.
	elems := o.elems
	table := o.table
	slot := v.AsHandle().slot()
	h.slots[slot] = object{}
	h.liveObjs--
	h.free = append(h.free, slot)

	for _, e := range elems {
		h.Release(e)
	}
	for _, kv := range table {
		h.Release(kv.Key)
		h.Release(kv.Val)
	}
}

// StringVal returns the bytes of a string object, or "" for anything else.
func (h *Heap) StringVal(v Value) string {
	if o := h.obj(v); o != nil && o.kind == ObjString {
		return o.str
	}
	return ""
}

// Function returns the descriptor of a function object, or nil.
func (h *Heap) Function(v Value) *FuncDesc {
	if o := h.obj(v); o != nil && o.kind == ObjFunction {
		return o.fn
	}
	return nil
}

// ListLen returns the element count of a list, or 0.
func (h *Heap) ListLen(v Value) int {
	if o := h.obj(v); o != nil && o.kind == ObjList {
		return len(o.elems)
	}
	return 0
}

// ListGet returns the element at the 0-based index, or nil when v is not a
// list or the index is out of range.
func (h *Heap) ListGet(v Value, i int) Value {
	if o := h.obj(v); o != nil && o.kind == ObjList && i >= 0 && i < len(o.elems) {
		return o.elems[i]
	}
	return Nil()
}

// ListSet overwrites the element at the 0-based index, retaining the new
// value and releasing the old one. Out-of-range writes are no-ops.
func (h *Heap) ListSet(v Value, i int, elem Value) {
	o := h.obj(v)
	if o == nil || o.kind != ObjList || i < 0 || i >= len(o.elems) {
		return
	}
	old := o.elems[i]
	o.elems[i] = elem
	h.Retain(elem)
	h.Release(old)
}

// ListPush appends an element, retaining it.
func (h *Heap) ListPush(v Value, elem Value) {
	o := h.obj(v)
	if o == nil || o.kind != ObjList {
		return
	}
	o.elems = append(o.elems, elem)
	h.Retain(elem)
}

// ListElems exposes the element slice for iteration. Callers must not hold
// it across mutations.
func (h *Heap) ListElems(v Value) []Value {
	if o := h.obj(v); o != nil && o.kind == ObjList {
		return o.elems
	}
	return nil
}

// TableSet inserts or replaces an entry. Key identity is raw-bit equality;
// insertion order is preserved and a replaced key keeps its position.
func (h *Heap) TableSet(v Value, key, val Value) {
	o := h.obj(v)
	if o == nil || o.kind != ObjTable {
		return
	}
	for i := range o.table {
		if o.table[i].Key.Raw() == key.Raw() {
			old := o.table[i].Val
			o.table[i].Val = val
			h.Retain(val)
			h.Release(old)
			return
		}
	}
	h.Retain(key)
	h.Retain(val)
	o.table = append(o.table, TableEntry{Key: key, Val: val})
}

// TableGet looks a key up by raw-bit equality, returning nil when absent.
func (h *Heap) TableGet(v Value, key Value) Value {
	if o := h.obj(v); o != nil && o.kind == ObjTable {
		for _, kv := range o.table {
			if kv.Key.Raw() == key.Raw() {
				return kv.Val
			}
		}
	}
	return Nil()
}

// TableEntries exposes the entry slice for iteration.
func (h *Heap) TableEntries(v Value) []TableEntry {
	if o := h.obj(v); o != nil && o.kind == ObjTable {
		return o.table
	}
	return nil
}

// StructItemID returns the item-type id of a struct object, or -1.
func (h *Heap) StructItemID(v Value) int {
	if o := h.obj(v); o != nil && o.kind == ObjStruct {
		return o.itemID
	}
	return -1
}

// StructLen returns the field count of a struct object, or 0.
func (h *Heap) StructLen(v Value) int {
	if o := h.obj(v); o != nil && o.kind == ObjStruct {
		return len(o.elems)
	}
	return 0
}

// StructGet reads a field by ordinal index, or nil when out of range.
func (h *Heap) StructGet(v Value, i int) Value {
	if o := h.obj(v); o != nil && o.kind == ObjStruct && i >= 0 && i < len(o.elems) {
		return o.elems[i]
	}
	return Nil()
}

// StructSet writes a field by ordinal index with retain/release discipline.
// Out-of-range writes are no-ops.
func (h *Heap) StructSet(v Value, i int, field Value) {
	o := h.obj(v)
	if o == nil || o.kind != ObjStruct || i < 0 || i >= len(o.elems) {
		return
	}
	old := o.elems[i]
	o.elems[i] = field
	h.Retain(field)
	h.Release(old)
}

// TypeOf maps a runtime value to its compile-time kind.
func (h *Heap) TypeOf(v Value) TypeKind {
	switch v.Tag() {
	case TagNum:
		return TyNumber
	case TagBool:
		return TyBool
	case TagObj:
		switch h.Kind(v) {
		case ObjString:
			return TyString
		case ObjList:
			return TyList
		case ObjTable:
			return TyTable
		case ObjStruct:
			return TyItem
		}
	}
	return TyUnknown
}

// Live returns the number of live objects. Zero after a balanced teardown.
func (h *Heap) Live() int { return h.liveObjs }

// Retains returns the total retain count since creation.
func (h *Heap) Retains() uint64 { return h.retains }

// Releases returns the total release count since creation.
func (h *Heap) Releases() uint64 { return h.releases }
