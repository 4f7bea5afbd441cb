package bytecode

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/soloverdrive/mondot/internal/value"
)

// cborEncMode uses canonical encoding so sidecars are deterministic for a
// given program.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// DebugFunc records where a compiled function entered the instruction
// stream.
type DebugFunc struct {
	Name       string           `cbor:"name"`
	EntryPC    int              `cbor:"entry_pc"`
	ParamTypes []value.TypeKind `cbor:"param_types"`
	ReturnType value.TypeKind   `cbor:"return_type"`
}

// DebugItem records one nominal item type.
type DebugItem struct {
	ID       int              `cbor:"id"`
	Name     string           `cbor:"name"`
	ParentID int              `cbor:"parent_id"`
	Fields   []DebugItemField `cbor:"fields"`
}

// DebugItemField is one (name, kind) pair of an item type.
type DebugItemField struct {
	Name string         `cbor:"name"`
	Kind value.TypeKind `cbor:"kind"`
}

// DebugInfo is the optional sidecar written next to a compiled program. It
// names functions and item types for disassembly and trace logging and
// never affects execution.
type DebugInfo struct {
	SourcePath string      `cbor:"source_path"`
	Functions  []DebugFunc `cbor:"functions"`
	Items      []DebugItem `cbor:"items"`
}

// SidecarPath returns the debug-info path for a compiled program path.
func SidecarPath(programPath string) string {
	return programPath + ".mdbg"
}

// WriteDebugInfo writes the sidecar as canonical CBOR.
func WriteDebugInfo(path string, info *DebugInfo) error {
	data, err := cborEncMode.Marshal(info)
	if err != nil {
		return fmt.Errorf("encoding debug info: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// ReadDebugInfo loads a sidecar. Callers treat any error as "no debug
// info"; the sidecar is advisory.
func ReadDebugInfo(path string) (*DebugInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info DebugInfo
	if err := cbor.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &info, nil
}

// FuncAt returns the name of the function entered at pc, if any.
func (d *DebugInfo) FuncAt(pc int) (string, bool) {
	for _, f := range d.Functions {
		if f.EntryPC == pc {
			return f.Name, true
		}
	}
	return "", false
}
