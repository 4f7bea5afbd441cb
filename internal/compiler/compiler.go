// Package compiler lowers source text to bytecode in a single pass: tokens
// are walked once and instructions are emitted directly, with no retained
// AST. The Compiler holds the symbol state (locals, function overloads,
// item types, diagnostics); the Parser drives it.
package compiler

import (
	"fmt"
	"sort"

	"github.com/tliron/commonlog"

	"github.com/soloverdrive/mondot/internal/builtins"
	"github.com/soloverdrive/mondot/internal/bytecode"
	"github.com/soloverdrive/mondot/internal/source"
	"github.com/soloverdrive/mondot/internal/value"
)

var log = commonlog.GetLogger("mondot.compiler")

// FunctionSig is one overload in the function table.
type FunctionSig struct {
	Name         string
	ParamTypes   []value.TypeKind
	ReturnType   value.TypeKind
	ReturnItemID int // item-type id when the return type is an item, -1 otherwise
	LabelID      int // -1 for builtins
	DeclaredLine int
	IsBuiltin    bool
}

// LocalEntry is one slot of the linear local table. The slice index equals
// the slot: a new entry takes the next position, and positions popped by
// endScope are handed out again.
type LocalEntry struct {
	Name   string
	Depth  int
	Slot   int
	Kind   value.TypeKind
	ItemID int
}

// ItemField is one declared field of an item type.
type ItemField struct {
	Name string
	Kind value.TypeKind
}

// ItemType is a nominal record type with single inheritance. Fields start
// with an exact copy of the parent's field list.
type ItemType struct {
	ID       int
	Name     string
	ParentID int
	Fields   []ItemField
}

// Compiler accumulates symbols, diagnostics and emitted code for one unit.
type Compiler struct {
	Asm *bytecode.Assembler

	locals     []LocalEntry
	scopeDepth int

	functionTable map[string][]*FunctionSig
	items         []ItemType

	diagnostics     []source.Diagnostic
	currentFunction string
	expectedReturn  value.TypeKind

	parser *Parser
}

// New seeds the function table from the builtin registry and prepares the
// parser over the source text.
func New(src string, heap *value.Heap) *Compiler {
	c := &Compiler{
		Asm:           bytecode.New(heap),
		functionTable: map[string][]*FunctionSig{},
	}
	for _, be := range builtins.All() {
		c.functionTable[be.Name] = append(c.functionTable[be.Name], &FunctionSig{
			Name:         be.Name,
			ParamTypes:   be.ParamTypes,
			ReturnType:   be.ReturnType,
			ReturnItemID: -1,
			LabelID:      -1,
			IsBuiltin:    true,
		})
	}
	c.parser = newParser(c, src)
	return c
}

// CompileUnit compiles the whole unit. Diagnostics are reported through the
// source manager; any diagnostic makes the unit fail with the first message.
func (c *Compiler) CompileUnit(sm *source.Manager) error {
	c.parser.compileUnit()

	if len(c.diagnostics) > 0 {
		if sm != nil {
			sm.ReportAll("Compilation error", c.diagnostics)
		}
		return fmt.Errorf("%s", c.diagnostics[0].Message)
	}
	return nil
}

// Diagnostics returns the collected problems.
func (c *Compiler) Diagnostics() []source.Diagnostic { return c.diagnostics }

func (c *Compiler) pushDiag(msg string, loc source.Location) {
	c.diagnostics = append(c.diagnostics, source.Diagnostic{
		Message:  msg,
		Loc:      loc,
		Function: c.currentFunction,
	})
}

// resolveLocal finds the most recent local with the name, so later
// declarations shadow earlier ones. Returns the slot or -1.
func (c *Compiler) resolveLocal(name string) int {
	for i := len(c.locals) - 1; i >= 0; i-- {
		if c.locals[i].Name == name {
			return c.locals[i].Slot
		}
	}
	return -1
}

// defineLocal appends a local (or anonymous temporary) and returns its
// slot. Slots popped at scope exit are reused by later definitions.
func (c *Compiler) defineLocal(name string, kind value.TypeKind, itemID int) int {
	slot := len(c.locals)
	c.locals = append(c.locals, LocalEntry{Name: name, Depth: c.scopeDepth, Slot: slot, Kind: kind, ItemID: itemID})
	return slot
}

func (c *Compiler) localAt(slot int) *LocalEntry {
	if slot >= 0 && slot < len(c.locals) {
		return &c.locals[slot]
	}
	return nil
}

func (c *Compiler) beginScope() { c.scopeDepth++ }

func (c *Compiler) endScope() {
	c.scopeDepth--
	for len(c.locals) > 0 && c.locals[len(c.locals)-1].Depth > c.scopeDepth {
		c.locals = c.locals[:len(c.locals)-1]
	}
}

// emitConst interns the value and emits OP_CONST into a fresh temporary,
// returning the register.
func (c *Compiler) emitConst(v value.Value, line int) int {
	idx := c.Asm.AddConstant(v)
	itemID := -1
	if c.Asm.Heap.Kind(v) == value.ObjStruct {
		itemID = c.Asm.Heap.StructItemID(v)
	}
	reg := c.defineLocal("", c.Asm.Heap.TypeOf(v), itemID)
	c.Asm.Emit(bytecode.OpConst, line, reg, idx, 0)
	return reg
}

// resolveFunction picks an overload for the argument types: exact arity,
// then type compatibility (unknown matches anything), then a preference for
// the expected return type, then the first survivor, falling back to any
// overload of matching arity.
func (c *Compiler) resolveFunction(name string, argTypes []value.TypeKind) *FunctionSig {
	overloads, ok := c.functionTable[name]
	if !ok {
		return nil
	}
	var best *FunctionSig
	for _, fs := range overloads {
		if len(fs.ParamTypes) != len(argTypes) {
			continue
		}
		compatible := true
		for i, at := range argTypes {
			if at == value.TyUnknown {
				continue
			}
			if fs.ParamTypes[i] != value.TyUnknown && fs.ParamTypes[i] != at {
				compatible = false
				break
			}
		}
		if !compatible {
			continue
		}
		if c.expectedReturn != value.TyUnknown && fs.ReturnType == c.expectedReturn {
			return fs
		}
		if best == nil {
			best = fs
		}
	}
	if best != nil {
		return best
	}
	for _, fs := range overloads {
		if len(fs.ParamTypes) == len(argTypes) {
			return fs
		}
	}
	return nil
}

// registerItemType records an item type and its auto-generated positional
// constructor overload. A child's field list begins with an exact copy of
// the parent's.
func (c *Compiler) registerItemType(name, parentName string, fields []ItemField) int {
	parentID := -1
	var full []ItemField
	if parentName != "" {
		parentID = c.findItemIDByName(parentName)
		if parentID >= 0 {
			full = append(full, c.items[parentID].Fields...)
		}
	}
	full = append(full, fields...)

	id := len(c.items)
	c.items = append(c.items, ItemType{ID: id, Name: name, ParentID: parentID, Fields: full})

	params := make([]value.TypeKind, len(full))
	for i, f := range full {
		params[i] = f.Kind
	}
	c.functionTable[name] = append(c.functionTable[name], &FunctionSig{
		Name:         name,
		ParamTypes:   params,
		ReturnType:   value.TyItem,
		ReturnItemID: id,
		LabelID:      -1,
	})
	log.Debugf("item %s registered as id %d with %d fields", name, id, len(full))
	return id
}

func (c *Compiler) findItemIDByName(name string) int {
	for i := range c.items {
		if c.items[i].Name == name {
			return i
		}
	}
	return -1
}

func (c *Compiler) itemFields(id int) []ItemField {
	if id >= 0 && id < len(c.items) {
		return c.items[id].Fields
	}
	return nil
}

// Items returns the registered item types, for debug-info emission.
func (c *Compiler) Items() []ItemType { return c.items }

// Functions returns the resolved user functions with their entry positions,
// for debug-info emission, ordered by label id so the output is stable.
// Builtins and unbound signatures are skipped.
func (c *Compiler) Functions() []FunctionSig {
	var out []FunctionSig
	for _, overloads := range c.functionTable {
		for _, fs := range overloads {
			if fs.IsBuiltin || fs.LabelID < 0 {
				continue
			}
			out = append(out, *fs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LabelID < out[j].LabelID })
	return out
}
