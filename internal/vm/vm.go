// Package vm implements the register virtual machine: a contiguous value
// stack carved into fixed-stride call frames, a linear dispatch loop, and
// retain/release discipline on every slot write.
package vm

import (
	"github.com/tliron/commonlog"

	"github.com/soloverdrive/mondot/internal/builtins"
	"github.com/soloverdrive/mondot/internal/bytecode"
	"github.com/soloverdrive/mondot/internal/config"
	"github.com/soloverdrive/mondot/internal/source"
	"github.com/soloverdrive/mondot/internal/value"
)

var log = commonlog.GetLogger("mondot.vm")

// CallFrame records one activation: where to resume, the frame's register
// window base, and the caller slot receiving the return value.
type CallFrame struct {
	ReturnAddr int
	BaseReg    int
	RetSlot    int
}

// VM executes a compiled program. It shares the program's heap so constant
// references stay valid.
type VM struct {
	stack     []value.Value
	frames    []CallFrame
	code      []bytecode.Instr
	constants []value.Value
	heap      *value.Heap
	sm        *source.Manager
	ip        int
}

// Option configures a VM.
type Option func(*VM)

// WithStackSize sets the initial register file size.
func WithStackSize(n int) Option {
	return func(vm *VM) {
		if n >= config.FrameSize {
			vm.stack = make([]value.Value, n)
		}
	}
}

// WithSourceManager attaches a source manager for runtime reports.
func WithSourceManager(sm *source.Manager) Option {
	return func(vm *VM) { vm.sm = sm }
}

// New builds a VM over the assembler's code, constants and heap.
func New(a *bytecode.Assembler, opts ...Option) *VM {
	vm := &VM{
		stack:     make([]value.Value, config.DefaultStackSize),
		code:      a.Code,
		constants: a.Constants,
		heap:      a.Heap,
	}
	for _, opt := range opts {
		opt(vm)
	}
	return vm
}

// setSlot writes a stack slot with the release-old, assign, retain-new
// discipline. Retain and release are no-ops for non-object values.
func (vm *VM) setSlot(abs int, v value.Value) {
	vm.heap.Release(vm.stack[abs])
	vm.stack[abs] = v
	vm.heap.Retain(v)
}

// grow ensures the register file can hold a frame based at base.
func (vm *VM) grow(base int) {
	need := base + config.FrameSize
	if need <= len(vm.stack) {
		return
	}
	grown := make([]value.Value, need*2)
	copy(grown, vm.stack)
	vm.stack = grown
}

// listIndex converts a Q32.32 key to a 0-based integer index. Reports
// false for non-number keys.
func listIndex(key value.Value) (int, bool) {
	if !key.IsNum() {
		return 0, false
	}
	return int(key.AsScaled() >> value.IntScaledShift), true
}

// Run executes until the outermost frame pops or the instruction pointer
// runs off the end of the code.
func (vm *VM) Run() {
	vm.frames = append(vm.frames[:0], CallFrame{ReturnAddr: -1, BaseReg: 0, RetSlot: -1})
	vm.ip = 0

	for vm.ip < len(vm.code) {
		ins := vm.code[vm.ip]
		base := vm.frames[len(vm.frames)-1].BaseReg

		switch ins.Op {
		case bytecode.OpConst:
			vm.setSlot(base+int(ins.A), vm.constants[ins.B])

		case bytecode.OpMove:
			vm.setSlot(base+int(ins.A), vm.stack[base+int(ins.B)])

		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv:
			a := vm.stack[base+int(ins.B)].AsScaled()
			b := vm.stack[base+int(ins.C)].AsScaled()
			var res value.Value
			switch ins.Op {
			case bytecode.OpAdd:
				res = value.Scaled(a + b)
			case bytecode.OpSub:
				res = value.Scaled(a - b)
			case bytecode.OpMul:
				res = value.Scaled(value.MulScaled(a, b))
			case bytecode.OpDiv:
				if b == 0 {
					res = value.Nil()
				} else {
					res = value.Scaled(value.DivScaled(a, b))
				}
			}
			vm.setSlot(base+int(ins.A), res)

		case bytecode.OpLt:
			a := vm.stack[base+int(ins.B)].AsScaled()
			b := vm.stack[base+int(ins.C)].AsScaled()
			vm.setSlot(base+int(ins.A), value.Bool(a < b))

		case bytecode.OpGt:
			a := vm.stack[base+int(ins.B)].AsScaled()
			b := vm.stack[base+int(ins.C)].AsScaled()
			vm.setSlot(base+int(ins.A), value.Bool(a > b))

		case bytecode.OpEq:
			eq := vm.stack[base+int(ins.B)].Raw() == vm.stack[base+int(ins.C)].Raw()
			vm.setSlot(base+int(ins.A), value.Bool(eq))

		case bytecode.OpJmp:
			vm.ip = int(ins.B)
			continue

		case bytecode.OpJmpFalse:
			v := vm.stack[base+int(ins.A)]
			condFalse := v.IsNil() || (v.IsBool() && !v.AsBool())
			if condFalse {
				vm.ip = int(ins.B)
				continue
			}

		case bytecode.OpCall:
			destRel := int(ins.A)
			newBase := base + config.FrameSize
			vm.grow(newBase)
			for i := 0; i < int(ins.C); i++ {
				vm.setSlot(newBase+i, vm.stack[base+destRel+1+i])
			}
			vm.frames = append(vm.frames, CallFrame{
				ReturnAddr: vm.ip + 1,
				BaseReg:    newBase,
				RetSlot:    base + destRel,
			})
			vm.ip = int(ins.B)
			continue

		case bytecode.OpCallObj:
			vm.callObj(base, ins)

		case bytecode.OpReturn:
			retv := vm.stack[base+int(ins.A)]
			fr := vm.frames[len(vm.frames)-1]
			vm.frames = vm.frames[:len(vm.frames)-1]
			if len(vm.frames) == 0 {
				return
			}
			vm.setSlot(fr.RetSlot, retv)
			vm.ip = fr.ReturnAddr
			continue

		case bytecode.OpTableNew:
			vm.setSlot(base+int(ins.A), vm.heap.NewTable())

		case bytecode.OpTableSet:
			tblSlot := base + int(ins.A)
			if vm.heap.Kind(vm.stack[tblSlot]) != value.ObjTable {
				vm.setSlot(tblSlot, vm.heap.NewTable())
			}
			vm.heap.TableSet(vm.stack[tblSlot], vm.stack[base+int(ins.B)], vm.stack[base+int(ins.C)])

		case bytecode.OpIndex:
			res := vm.heap.TableGet(vm.stack[base+int(ins.B)], vm.stack[base+int(ins.C)])
			vm.setSlot(base+int(ins.A), res)

		case bytecode.OpListNew:
			vm.setSlot(base+int(ins.A), vm.heap.NewList())

		case bytecode.OpListPush:
			vm.heap.ListPush(vm.stack[base+int(ins.A)], vm.stack[base+int(ins.B)])

		case bytecode.OpListGet:
			res := value.Nil()
			if idx, ok := listIndex(vm.stack[base+int(ins.C)]); ok {
				res = vm.heap.ListGet(vm.stack[base+int(ins.B)], idx)
			}
			vm.setSlot(base+int(ins.A), res)

		case bytecode.OpListSet:
			if idx, ok := listIndex(vm.stack[base+int(ins.B)]); ok {
				vm.heap.ListSet(vm.stack[base+int(ins.A)], idx, vm.stack[base+int(ins.C)])
			}

		case bytecode.OpListLen:
			n := vm.heap.ListLen(vm.stack[base+int(ins.B)])
			vm.setSlot(base+int(ins.A), value.Int(int64(n)))

		case bytecode.OpStructNew:
			vm.setSlot(base+int(ins.A), vm.heap.NewStruct(int(ins.B), int(ins.C)))

		case bytecode.OpStructSet:
			vm.heap.StructSet(vm.stack[base+int(ins.A)], int(ins.B), vm.stack[base+int(ins.C)])

		case bytecode.OpStructGet:
			res := vm.heap.StructGet(vm.stack[base+int(ins.B)], int(ins.C))
			vm.setSlot(base+int(ins.A), res)
		}
		vm.ip++
	}
}

// callObj invokes a function object. Non-function targets and missing
// builtin descriptors write nil into the destination; the VM stays total.
func (vm *VM) callObj(base int, ins bytecode.Instr) {
	destAbs := base + int(ins.A)
	argc := int(ins.C)

	fn := vm.heap.Function(vm.stack[base+int(ins.B)])
	if fn == nil || fn.BuiltinID < 0 {
		vm.setSlot(destAbs, value.Nil())
		return
	}
	entry := builtins.Entry(fn.BuiltinID)
	if entry == nil || entry.Fn == nil {
		vm.setSlot(destAbs, value.Nil())
		return
	}
	var args []value.Value
	if argc > 0 {
		args = vm.stack[destAbs+1 : destAbs+1+argc]
	}
	result := entry.Fn(vm.heap, args, entry.Ctx)
	vm.setSlot(destAbs, result)
}

// Close releases every constant and live stack slot. After Close the
// heap's retain and release counters balance for well-behaved programs.
func (vm *VM) Close() {
	for _, c := range vm.constants {
		vm.heap.Release(c)
	}
	vm.constants = nil
	for i := range vm.stack {
		vm.heap.Release(vm.stack[i])
		vm.stack[i] = value.Nil()
	}
	unit := ""
	if vm.sm != nil {
		unit = " for " + vm.sm.Path
	}
	log.Debugf("teardown%s: %d live objects, %d retains, %d releases",
		unit, vm.heap.Live(), vm.heap.Retains(), vm.heap.Releases())
}
