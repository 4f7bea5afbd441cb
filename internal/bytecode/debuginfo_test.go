package bytecode

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/soloverdrive/mondot/internal/value"
)

func TestDebugInfoRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := SidecarPath(filepath.Join(dir, "prog.mdotc"))

	info := &DebugInfo{
		SourcePath: "demo.mon",
		Functions: []DebugFunc{
			{Name: "main", EntryPC: 1, ReturnType: value.TyVoid},
			{Name: "f", EntryPC: 9, ParamTypes: []value.TypeKind{value.TyNumber}, ReturnType: value.TyNumber},
		},
		Items: []DebugItem{
			{ID: 0, Name: "P", ParentID: -1, Fields: []DebugItemField{{Name: "x", Kind: value.TyNumber}}},
		},
	}
	if err := WriteDebugInfo(path, info); err != nil {
		t.Fatal(err)
	}
	got, err := ReadDebugInfo(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.SourcePath != "demo.mon" || len(got.Functions) != 2 || len(got.Items) != 1 {
		t.Fatalf("round trip lost data: %+v", got)
	}
	if name, ok := got.FuncAt(9); !ok || name != "f" {
		t.Errorf("FuncAt(9) = %q, %v", name, ok)
	}
	if _, ok := got.FuncAt(3); ok {
		t.Error("FuncAt(3) should miss")
	}
}

func TestDebugInfoDeterministicEncoding(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "a.mdbg")
	p2 := filepath.Join(dir, "b.mdbg")
	info := &DebugInfo{SourcePath: "x", Functions: []DebugFunc{{Name: "main", EntryPC: 1}}}
	if err := WriteDebugInfo(p1, info); err != nil {
		t.Fatal(err)
	}
	if err := WriteDebugInfo(p2, info); err != nil {
		t.Fatal(err)
	}
	b1, _ := os.ReadFile(p1)
	b2, _ := os.ReadFile(p2)
	if string(b1) != string(b2) {
		t.Error("canonical CBOR should be byte-identical for equal inputs")
	}
}

func TestReadDebugInfoCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.mdbg")
	if err := os.WriteFile(path, []byte{0xFF, 0x00, 0x01}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadDebugInfo(path); err == nil {
		t.Error("corrupt sidecar should error")
	}
}
