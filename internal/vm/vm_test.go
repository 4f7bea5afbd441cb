package vm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/soloverdrive/mondot/internal/builtins"
	"github.com/soloverdrive/mondot/internal/bytecode"
	"github.com/soloverdrive/mondot/internal/compiler"
	"github.com/soloverdrive/mondot/internal/value"
)

// compileSource compiles a unit with the standard builtins routed into the
// returned buffer.
func compileSource(t *testing.T, src string) (*bytecode.Assembler, *bytes.Buffer) {
	t.Helper()
	builtins.Reset()
	var out bytes.Buffer
	builtins.RegisterStandard(&out)

	c := compiler.New(src, value.NewHeap())
	if err := c.CompileUnit(nil); err != nil {
		t.Fatalf("compile error: %v", err)
	}
	return c.Asm, &out
}

func runSource(t *testing.T, src string) string {
	t.Helper()
	asm, out := compileSource(t, src)
	machine := New(asm)
	machine.Run()
	machine.Close()
	return out.String()
}

func runOptimized(t *testing.T, src string, rounds int) string {
	t.Helper()
	asm, out := compileSource(t, src)
	asm.Optimize(rounds)
	machine := New(asm)
	machine.Run()
	machine.Close()
	return out.String()
}

func TestHelloWorld(t *testing.T) {
	got := runSource(t, `unit u { on void main() print("hi") end }`)
	if got != "hi\n" {
		t.Errorf("output = %q, want %q", got, "hi\n")
	}
}

func TestFunctionCallWithArguments(t *testing.T) {
	src := `unit u {
  on number f(a:number, b:number) return a+b end
  on void main() print(f(2,3)) end
}`
	if got := runSource(t, src); got != "5\n" {
		t.Errorf("output = %q, want %q", got, "5\n")
	}
}

func TestDivisionByZeroYieldsNil(t *testing.T) {
	src := `unit u { on void main() var x = 10/0 print(x) end }`
	if got := runSource(t, src); got != "nil\n" {
		t.Errorf("output = %q, want %q", got, "nil\n")
	}
}

func TestListIndexingIsOneBased(t *testing.T) {
	src := `unit u { on void main()
  var a = [1,2,3]
  a[2] = 9
  print(a[2])
end }`
	if got := runSource(t, src); got != "9\n" {
		t.Errorf("output = %q, want %q", got, "9\n")
	}
}

func TestItemConstructorAndFieldAccess(t *testing.T) {
	src := `unit u {
  item P(number x, number y)
  on void main()
    var p = P(3,4)
    print(p.x + p.y)
  end
}`
	if got := runSource(t, src); got != "7\n" {
		t.Errorf("output = %q, want %q", got, "7\n")
	}
}

func TestMutualRecursion(t *testing.T) {
	src := `unit u {
  on bool even(n:number) if (n==0) return true end return odd(n-1) end
  on bool odd(n:number) if (n==0) return false end return even(n-1) end
  on void main() print(even(6)) end
}`
	if got := runSource(t, src); got != "true\n" {
		t.Errorf("output = %q, want %q", got, "true\n")
	}
}

func TestWhileLoop(t *testing.T) {
	src := `unit u { on void main()
  var i = 0
  var sum = 0
  while (i < 5)
    i = i + 1
    sum = sum + i
  end
  print(sum)
end }`
	if got := runSource(t, src); got != "15\n" {
		t.Errorf("output = %q, want %q", got, "15\n")
	}
}

func TestIfElseChain(t *testing.T) {
	src := `unit u { on void main()
  var x = 2
  if (x == 1) print("one")
  else if (x == 2) print("two")
  else print("many")
  end
end }`
	if got := runSource(t, src); got != "two\n" {
		t.Errorf("output = %q, want %q", got, "two\n")
	}
}

func TestFractionalArithmetic(t *testing.T) {
	src := `unit u { on void main() print(1.5 * 2.5) end }`
	if got := runSource(t, src); got != "3.75\n" {
		t.Errorf("output = %q, want %q", got, "3.75\n")
	}
}

func TestStringEqualityFoldsStructurally(t *testing.T) {
	src := `unit u { on void main()
  if ("a" == "a") print("same") else print("diff") end
end }`
	if got := runSource(t, src); got != "same\n" {
		t.Errorf("output = %q, want %q", got, "same\n")
	}
}

func TestItemInheritanceFieldLayout(t *testing.T) {
	src := `unit u {
  item Base(number a)
  item Child : Base (number b)
  on void main()
    var c = Child(10, 20)
    print(c.a)
    print(c.b)
  end
}`
	if got := runSource(t, src); got != "10\n20\n" {
		t.Errorf("output = %q, want %q", got, "10\n20\n")
	}
}

// Optimizer property: optimized and unoptimized programs observe the same
// outputs.
func TestOptimizerPreservesSemantics(t *testing.T) {
	sources := []string{
		`unit u { on void main() print(2+3*4) end }`,
		`unit u { on void main() var x = 10/0 print(x) end }`,
		`unit u { on number f(a:number, b:number) return a*b - a end
		  on void main() print(f(6, 7)) end }`,
		`unit u { on void main()
		  var i = 0
		  while (i < 3) i = i + 1 end
		  print(i)
		end }`,
	}
	for _, src := range sources {
		plain := runSource(t, src)
		for _, rounds := range []int{1, 2, 8} {
			opt := runOptimized(t, src, rounds)
			if opt != plain {
				t.Errorf("optimizer changed behavior for %q: %q vs %q", src, plain, opt)
			}
		}
	}
}

// Refcount property: after teardown the heap is empty and retains balance
// releases.
func TestRefcountBalanceAfterTeardown(t *testing.T) {
	src := `unit u {
  item P(number x, number y)
  on void main()
    var s = "text"
    var l = [1, 2, 3]
    var p = P(1, 2)
    l[1] = 5
    print(s)
  end
}`
	builtins.Reset()
	var out bytes.Buffer
	builtins.RegisterStandard(&out)

	heap := value.NewHeap()
	c := compiler.New(src, heap)
	if err := c.CompileUnit(nil); err != nil {
		t.Fatalf("compile error: %v", err)
	}
	machine := New(c.Asm)
	machine.Run()
	machine.Close()

	if heap.Live() != 0 {
		t.Errorf("live objects after teardown = %d", heap.Live())
	}
	if heap.Retains() != heap.Releases() {
		t.Errorf("retains %d != releases %d", heap.Retains(), heap.Releases())
	}
}

func TestCallObjOnNonFunctionWritesNil(t *testing.T) {
	h := value.NewHeap()
	a := bytecode.New(h)
	k := a.AddConstant(value.Int(7))
	a.Emit(bytecode.OpConst, 1, 0, k, 0)     // r0 = 7 (not a function)
	a.Emit(bytecode.OpConst, 1, 1, k, 0)     // r1 = 7 (stale "result")
	a.Emit(bytecode.OpCallObj, 1, 1, 0, 0)   // call r0 -> r1
	a.Emit(bytecode.OpReturn, 1, 1, 0, 0)

	machine := New(a)
	machine.Run()
	if !machine.stack[1].IsNil() {
		t.Errorf("CALL_OBJ on non-function left %x", machine.stack[1].Raw())
	}
	machine.Close()
}

func TestMissingBuiltinDescriptorWritesNil(t *testing.T) {
	builtins.Reset()
	h := value.NewHeap()
	a := bytecode.New(h)
	fn := a.AddConstant(h.NewFunction(value.FuncDesc{BuiltinID: 42, Name: "ghost"}))
	k := a.AddConstant(value.Int(1))
	a.Emit(bytecode.OpConst, 1, 0, fn, 0)
	a.Emit(bytecode.OpConst, 1, 1, k, 0)
	a.Emit(bytecode.OpCallObj, 1, 1, 0, 0)
	a.Emit(bytecode.OpReturn, 1, 1, 0, 0)

	machine := New(a)
	machine.Run()
	if !machine.stack[1].IsNil() {
		t.Error("missing builtin should write nil")
	}
	machine.Close()
}

func TestTableSetAndIndex(t *testing.T) {
	h := value.NewHeap()
	a := bytecode.New(h)
	kKey := a.AddConstant(value.Int(1))
	kVal := a.AddConstant(value.Int(99))
	a.Emit(bytecode.OpTableNew, 1, 0, 0, 0)
	a.Emit(bytecode.OpConst, 1, 1, kKey, 0)
	a.Emit(bytecode.OpConst, 1, 2, kVal, 0)
	a.Emit(bytecode.OpTableSet, 1, 0, 1, 2)
	a.Emit(bytecode.OpIndex, 1, 3, 0, 1)
	a.Emit(bytecode.OpReturn, 1, 3, 0, 0)

	machine := New(a)
	machine.Run()
	if machine.stack[3].Raw() != value.Int(99).Raw() {
		t.Errorf("INDEX result = %x", machine.stack[3].Raw())
	}
	machine.Close()
}

func TestIndexMissingKeyYieldsNil(t *testing.T) {
	h := value.NewHeap()
	a := bytecode.New(h)
	kKey := a.AddConstant(value.Int(5))
	a.Emit(bytecode.OpTableNew, 1, 0, 0, 0)
	a.Emit(bytecode.OpConst, 1, 1, kKey, 0)
	a.Emit(bytecode.OpConst, 1, 2, kKey, 0) // stale value in dest
	a.Emit(bytecode.OpIndex, 1, 2, 0, 1)
	a.Emit(bytecode.OpReturn, 1, 2, 0, 0)

	machine := New(a)
	machine.Run()
	if !machine.stack[2].IsNil() {
		t.Error("missing key should index to nil")
	}
	machine.Close()
}

func TestListLenAndOutOfRange(t *testing.T) {
	h := value.NewHeap()
	a := bytecode.New(h)
	k1 := a.AddConstant(value.Int(1))
	k9 := a.AddConstant(value.Int(9))
	a.Emit(bytecode.OpListNew, 1, 0, 0, 0)
	a.Emit(bytecode.OpConst, 1, 1, k1, 0)
	a.Emit(bytecode.OpListPush, 1, 0, 1, 0)
	a.Emit(bytecode.OpListLen, 1, 2, 0, 0)
	a.Emit(bytecode.OpConst, 1, 3, k9, 0) // out-of-range index 9
	a.Emit(bytecode.OpListGet, 1, 4, 0, 3)
	a.Emit(bytecode.OpListSet, 1, 0, 3, 1) // out-of-range write is a no-op
	a.Emit(bytecode.OpReturn, 1, 2, 0, 0)

	machine := New(a)
	machine.Run()
	if machine.stack[2].Raw() != value.Int(1).Raw() {
		t.Errorf("LIST_LEN = %x", machine.stack[2].Raw())
	}
	if !machine.stack[4].IsNil() {
		t.Error("out-of-range LIST_GET should yield nil")
	}
	machine.Close()
}

func TestStackGrowsAcrossDeepRecursion(t *testing.T) {
	// 40 nested frames at stride 256 exceed the 4096-slot default.
	src := `unit u {
  on number down(n:number) if (n == 0) return 0 end return down(n-1) end
  on void main() print(down(40)) end
}`
	if got := runSource(t, src); got != "0\n" {
		t.Errorf("output = %q, want %q", got, "0\n")
	}
}

func TestRoundTripThenRunMatchesDirectRun(t *testing.T) {
	src := `unit u {
  on number f(a:number, b:number) return a+b end
  on void main() print(f(20, 22)) end
}`
	direct := runSource(t, src)

	asm, out := compileSource(t, src)
	var buf bytes.Buffer
	if err := bytecode.Save(&buf, asm); err != nil {
		t.Fatal(err)
	}
	loaded := bytecode.New(value.NewHeap())
	if err := bytecode.Load(&buf, loaded); err != nil {
		t.Fatal(err)
	}
	machine := New(loaded)
	machine.Run()
	machine.Close()

	if out.String() != direct {
		t.Errorf("loaded run = %q, direct run = %q", out.String(), direct)
	}
	if !strings.Contains(direct, "42") {
		t.Errorf("unexpected direct output %q", direct)
	}
}
