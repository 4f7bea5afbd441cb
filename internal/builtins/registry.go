// Package builtins implements the process-wide registry of native
// functions callable from bytecode through OP_CALL_OBJ.
//
// The registry is populated at process start and only read afterwards, but
// every public operation still takes the lock because hosts may register
// dynamically.
package builtins

import (
	"sync"

	"github.com/soloverdrive/mondot/internal/value"
)

// Fn is the native function shape: the VM's heap, the argument window and
// the context captured at registration.
type Fn func(h *value.Heap, args []value.Value, ctx any) value.Value

// BuiltinEntry describes one registered native function.
type BuiltinEntry struct {
	Name       string
	Fn         Fn
	Ctx        any
	ReturnType value.TypeKind
	ParamTypes []value.TypeKind
}

var (
	mu      sync.Mutex
	entries []BuiltinEntry
)

// Register appends a descriptor and returns its stable id.
func Register(name string, fn Fn, ctx any, ret value.TypeKind, params []value.TypeKind) int {
	mu.Lock()
	defer mu.Unlock()
	entries = append(entries, BuiltinEntry{
		Name:       name,
		Fn:         fn,
		Ctx:        ctx,
		ReturnType: ret,
		ParamTypes: params,
	})
	return len(entries) - 1
}

// Entry returns the descriptor for an id, or nil when out of range.
func Entry(id int) *BuiltinEntry {
	mu.Lock()
	defer mu.Unlock()
	if id < 0 || id >= len(entries) {
		return nil
	}
	e := entries[id]
	return &e
}

// LookupName returns the first entry with the given name, or -1.
func LookupName(name string) int {
	mu.Lock()
	defer mu.Unlock()
	return lookupNameLocked(name)
}

func lookupNameLocked(name string) int {
	for i := range entries {
		if entries[i].Name == name {
			return i
		}
	}
	return -1
}

// Lookup finds an entry compatible with the given parameter types: arity
// must match and unknown kinds on either side match anything. Falls back to
// the first entry with the name when no overload matches structurally.
func Lookup(name string, params []value.TypeKind) int {
	mu.Lock()
	defer mu.Unlock()
	for i := range entries {
		if entries[i].Name != name {
			continue
		}
		if len(entries[i].ParamTypes) != len(params) {
			continue
		}
		ok := true
		for j := range params {
			if params[j] == value.TyUnknown {
				continue
			}
			if entries[i].ParamTypes[j] != value.TyUnknown && entries[i].ParamTypes[j] != params[j] {
				ok = false
				break
			}
		}
		if ok {
			return i
		}
	}
	return lookupNameLocked(name)
}

// All returns a snapshot of the registered entries, in registration order.
// The compiler seeds its function table from this.
func All() []BuiltinEntry {
	mu.Lock()
	defer mu.Unlock()
	out := make([]BuiltinEntry, len(entries))
	copy(out, entries)
	return out
}

// Reset empties the registry. Only tests use this; the process-wide table
// is append-only in normal operation.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	entries = nil
}
