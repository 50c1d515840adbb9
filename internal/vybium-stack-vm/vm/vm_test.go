package vm

import (
	"errors"
	"testing"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"

	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/core"
)

func op(inst Instruction) EncodedInstruction {
	return MustEncode(inst, 0)
}

func push(v uint64) EncodedInstruction {
	return MustEncode(Push, v)
}

func invoke(t *testing.T, inst Instruction, target *CodeBlock) EncodedInstruction {
	t.Helper()
	ei, err := NewInvocation(inst, target.Digest)
	if err != nil {
		t.Fatalf("NewInvocation(%s) failed: %v", inst, err)
	}
	return ei
}

// pushWord emits the pushes that leave w in s0..s3, w[0] on top
func pushWord(w core.Word) []EncodedInstruction {
	return []EncodedInstruction{
		push(w[3].Value()), push(w[2].Value()), push(w[1].Value()), push(w[0].Value()),
	}
}

func block(t *testing.T, name string, locals uint32, ops ...EncodedInstruction) *CodeBlock {
	t.Helper()
	b, err := NewCodeBlock(name, locals, ops)
	if err != nil {
		t.Fatalf("NewCodeBlock(%s) failed: %v", name, err)
	}
	return b
}

func newVM(t *testing.T, table *CodeBlockTable, entry *CodeBlock, inputs []uint64, opts ExecutionOptions) *VMState {
	t.Helper()
	vm, err := NewVMState(table, entry, core.Felts(inputs...), opts)
	if err != nil {
		t.Fatalf("NewVMState failed: %v", err)
	}
	return vm
}

// run executes ops as the program entry and returns the final machine
func run(t *testing.T, inputs []uint64, ops ...EncodedInstruction) *VMState {
	t.Helper()
	vm := newVM(t, NewCodeBlockTable(), block(t, "entry", 0, ops...), inputs, DefaultExecutionOptions())
	if err := vm.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return vm
}

// runErr executes ops and returns the fault
func runErr(t *testing.T, inputs []uint64, ops ...EncodedInstruction) error {
	t.Helper()
	vm := newVM(t, NewCodeBlockTable(), block(t, "entry", 0, ops...), inputs, DefaultExecutionOptions())
	return vm.Run()
}

func top(t *testing.T, vm *VMState, i int) uint64 {
	t.Helper()
	v, err := vm.StackPeek(i)
	if err != nil {
		t.Fatalf("StackPeek(%d) failed: %v", i, err)
	}
	return v.Value()
}

func neg(v uint64) uint64 {
	return field.Zero.Sub(field.New(v)).Value()
}

func TestFieldOperations(t *testing.T) {
	tests := []struct {
		name   string
		inputs []uint64
		inst   Instruction
		want   uint64
		depth  int
	}{
		{"Add", []uint64{3, 4}, Add, 7, 16},
		{"AddWraps", []uint64{core.MaxConstant, 2}, Add, 1, 16},
		{"Mul", []uint64{6, 7}, Mul, 42, 16},
		{"Neg", []uint64{5}, Neg, neg(5), 16},
		{"NegZero", []uint64{0}, Neg, 0, 16},
		{"Incr", []uint64{41}, Incr, 42, 16},
		{"IncrWraps", []uint64{core.MaxConstant}, Incr, 0, 16},
		{"EqTrue", []uint64{9, 9}, Eq, 1, 16},
		{"EqFalse", []uint64{9, 10}, Eq, 0, 16},
		{"EqzTrue", []uint64{0}, Eqz, 1, 16},
		{"EqzFalse", []uint64{3}, Eqz, 0, 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := run(t, tt.inputs, op(tt.inst))
			if got := top(t, vm, 0); got != tt.want {
				t.Errorf("%s(%v) = %d, want %d", tt.inst, tt.inputs, got, tt.want)
			}
			if vm.Stack.Depth() != tt.depth {
				t.Errorf("depth = %d, want %d", vm.Stack.Depth(), tt.depth)
			}
		})
	}
}

func TestBinaryShiftsStack(t *testing.T) {
	// [3, 4, 5] -> add -> [7, 5, 0]
	vm := run(t, []uint64{3, 4, 5}, op(Add))
	if top(t, vm, 0) != 7 || top(t, vm, 1) != 5 || top(t, vm, 15) != 0 {
		t.Errorf("stack after add = %v", core.Uint64s(vm.Output()))
	}
}

func TestInv(t *testing.T) {
	t.Run("Involution", func(t *testing.T) {
		for _, a := range []uint64{1, 2, 3, 1 << 40, core.MaxConstant} {
			vm := run(t, []uint64{a}, op(Inv), op(Inv))
			if got := top(t, vm, 0); got != a {
				t.Errorf("inv(inv(%d)) = %d", a, got)
			}
		}
	})

	t.Run("Product", func(t *testing.T) {
		vm := run(t, []uint64{7}, op(Inv), push(7), op(Mul))
		if got := top(t, vm, 0); got != 1 {
			t.Errorf("7^-1 * 7 = %d, want 1", got)
		}
	})

	t.Run("Zero", func(t *testing.T) {
		err := runErr(t, []uint64{0}, op(Inv))
		if !errors.Is(err, ErrDivideByZero) {
			t.Fatalf("inv(0) error = %v, want %v", err, ErrDivideByZero)
		}
		var execErr *ExecutionError
		if !errors.As(err, &execErr) {
			t.Fatalf("error %T is not an ExecutionError", err)
		}
		if execErr.Step != 0 || execErr.Opcode != Inv || execErr.Procedure != "entry" {
			t.Errorf("fault located at step %d %s in %s", execErr.Step, execErr.Opcode, execErr.Procedure)
		}
	})
}

func TestBooleanOperations(t *testing.T) {
	for _, a := range []uint64{0, 1} {
		vm := run(t, []uint64{a}, op(Not))
		if got := top(t, vm, 0); got != 1-a {
			t.Errorf("not %d = %d", a, got)
		}
		for _, b := range []uint64{0, 1} {
			and := run(t, []uint64{a, b}, op(And))
			if got := top(t, and, 0); got != a&b {
				t.Errorf("%d and %d = %d", a, b, got)
			}
			or := run(t, []uint64{a, b}, op(Or))
			if got := top(t, or, 0); got != a|b {
				t.Errorf("%d or %d = %d", a, b, got)
			}
		}
	}

	t.Run("NonBinary", func(t *testing.T) {
		cases := []struct {
			inst   Instruction
			inputs []uint64
		}{
			{Not, []uint64{2}},
			{And, []uint64{1, 2}},
			{And, []uint64{5, 1}},
			{Or, []uint64{0, core.MaxConstant}},
		}
		for _, c := range cases {
			if err := runErr(t, c.inputs, op(c.inst)); !errors.Is(err, ErrNotBinary) {
				t.Errorf("%s(%v) error = %v, want %v", c.inst, c.inputs, err, ErrNotBinary)
			}
		}
	})
}

func TestExpacc(t *testing.T) {
	t.Run("OneRound", func(t *testing.T) {
		// [x, exp, acc, b] = [0, 3, 2, 5] -> [1, 9, 6, 2]
		vm := run(t, []uint64{0, 3, 2, 5}, op(Expacc))
		got := []uint64{top(t, vm, 0), top(t, vm, 1), top(t, vm, 2), top(t, vm, 3)}
		want := []uint64{1, 9, 6, 2}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("expacc = %v, want %v", got, want)
			}
		}
	})

	t.Run("SquareAndMultiply", func(t *testing.T) {
		// 3^13 with 13 = 0b1101, four rounds
		ops := []EncodedInstruction{op(Expacc), op(Expacc), op(Expacc), op(Expacc)}
		vm := run(t, []uint64{0, 3, 1, 13}, ops...)
		if got := top(t, vm, 2); got != 1594323 {
			t.Errorf("acc = %d, want 3^13 = 1594323", got)
		}
		if got := top(t, vm, 3); got != 0 {
			t.Errorf("remaining exponent = %d, want 0", got)
		}
	})
}

func TestExt2Mul(t *testing.T) {
	// (1 + 2x)(3 + 4x) = -13 + 18x, stack [b1, b0, a1, a0]
	vm := run(t, []uint64{4, 3, 2, 1}, op(Ext2Mul))
	if top(t, vm, 0) != 4 || top(t, vm, 1) != 3 {
		t.Errorf("b operand was not preserved: %v", core.Uint64s(vm.Output()[:4]))
	}
	if got := top(t, vm, 2); got != 18 {
		t.Errorf("c1 = %d, want 18", got)
	}
	if got := top(t, vm, 3); got != neg(13) {
		t.Errorf("c0 = %d, want -13", got)
	}
}

func TestStackInstructions(t *testing.T) {
	inputs := []uint64{1, 2, 3, 4, 5}
	tests := []struct {
		name string
		inst EncodedInstruction
		want []uint64
	}{
		{"Dup", MustEncode(Dup, 2), []uint64{3, 1, 2, 3, 4, 5}},
		{"Swap", MustEncode(Swap, 3), []uint64{4, 2, 3, 1, 5}},
		{"MovUp", MustEncode(MovUp, 3), []uint64{4, 1, 2, 3, 5}},
		{"MovDn", MustEncode(MovDn, 3), []uint64{2, 3, 4, 1, 5}},
		{"Drop", op(Drop), []uint64{2, 3, 4, 5, 0}},
		{"Pad", op(Pad), []uint64{0, 1, 2, 3, 4, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := run(t, inputs, tt.inst)
			for i, w := range tt.want {
				if got := top(t, vm, i); got != w {
					t.Fatalf("stack = %v, want prefix %v", core.Uint64s(vm.Output()[:len(tt.want)]), tt.want)
				}
			}
		})
	}

	t.Run("Assert", func(t *testing.T) {
		vm := run(t, []uint64{1, 9}, op(Assert))
		if top(t, vm, 0) != 9 {
			t.Error("assert should pop its operand")
		}
		if err := runErr(t, []uint64{2}, op(Assert)); !errors.Is(err, ErrAssertionFailed) {
			t.Errorf("assert(2) error = %v, want %v", err, ErrAssertionFailed)
		}
	})
}

func TestMemoryInstructions(t *testing.T) {
	t.Run("StoreLoad", func(t *testing.T) {
		vm := run(t, nil, push(77), push(10), op(MemStore), op(Drop), push(10), op(MemLoad))
		if got := top(t, vm, 0); got != 77 {
			t.Errorf("mem[10] = %d, want 77", got)
		}
		if vm.Stack.Depth() != MinStackDepth+1 {
			t.Errorf("depth = %d, want %d", vm.Stack.Depth(), MinStackDepth+1)
		}
	})

	t.Run("StoreKeepsValue", func(t *testing.T) {
		vm := run(t, nil, push(5), push(3), op(MemStore))
		if got := top(t, vm, 0); got != 5 {
			t.Errorf("top after mem_store = %d, want 5", got)
		}
	})

	t.Run("InvalidAddress", func(t *testing.T) {
		err := runErr(t, nil, push(1<<32), op(MemLoad))
		if !errors.Is(err, ErrInvalidMemoryAddress) {
			t.Errorf("mem_load(2^32) error = %v, want %v", err, ErrInvalidMemoryAddress)
		}
	})

	t.Run("Locals", func(t *testing.T) {
		entry := block(t, "entry", 2,
			push(8), MustEncode(LocStore, 1), MustEncode(LocLoad, 1), MustEncode(LocLoad, 0))
		vm := newVM(t, NewCodeBlockTable(), entry, nil, DefaultExecutionOptions())
		if err := vm.Run(); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if top(t, vm, 0) != 0 || top(t, vm, 1) != 8 {
			t.Errorf("locals = %v", core.Uint64s(vm.Output()[:2]))
		}
	})

	t.Run("LocalOutOfRange", func(t *testing.T) {
		err := runErr(t, nil, MustEncode(LocLoad, 0))
		if !errors.Is(err, ErrLocalIndexOutOfRange) {
			t.Errorf("loc_load.0 with no locals error = %v, want %v", err, ErrLocalIndexOutOfRange)
		}
	})
}

func TestCycleAccounting(t *testing.T) {
	recorder := NewSimpleTraceRecorder()
	opts := DefaultExecutionOptions()
	opts.Recorder = recorder
	vm := newVM(t, NewCodeBlockTable(), block(t, "entry", 0, push(1), push(2), op(Add)), nil, opts)
	if err := vm.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// three ops and the implicit return
	if vm.CycleCount != 4 {
		t.Errorf("CycleCount = %d, want 4", vm.CycleCount)
	}
	steps := recorder.Steps()
	if len(steps) != 4 || steps[3].Opcode != Return {
		t.Fatalf("recorded %d steps", len(steps))
	}
	if steps[2].Current.Stack[0].Value() != 2 || steps[2].Next.Stack[0].Value() != 3 {
		t.Error("add step frames are wrong")
	}
	if !vm.Halted {
		t.Error("machine should halt after the entry returns")
	}
	if err := vm.Step(); !errors.Is(err, ErrHalted) {
		t.Errorf("Step after halt error = %v, want %v", err, ErrHalted)
	}
}

func TestCycleLimit(t *testing.T) {
	opts := DefaultExecutionOptions()
	opts.MaxCycles = 3
	entry := block(t, "entry", 0, op(Noop), op(Noop), op(Noop), op(Noop), op(Noop))
	vm := newVM(t, NewCodeBlockTable(), entry, nil, opts)
	if err := vm.Run(); !errors.Is(err, ErrCycleLimitExceeded) {
		t.Errorf("Run error = %v, want %v", err, ErrCycleLimitExceeded)
	}
}

func TestHelperPolicy(t *testing.T) {
	cases := []struct {
		name   string
		inst   Instruction
		inputs []uint64
		want   uint64
	}{
		{"EqDifferent", Eq, []uint64{5, 3}, core.InvOrZero(core.Felt(2)).Value()},
		{"EqSame", Eq, []uint64{4, 4}, 0},
		{"EqzNonZero", Eqz, []uint64{9}, core.InvOrZero(core.Felt(9)).Value()},
		{"EqzZero", Eqz, []uint64{0}, 0},
		{"ExpaccBitSet", Expacc, []uint64{0, 5, 1, 3}, 5},
		{"ExpaccBitClear", Expacc, []uint64{0, 5, 1, 2}, 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			frame := NewStack(core.Felts(c.inputs...)).Frame()
			h := DefaultHelpers.Helpers(op(c.inst), frame)
			if got := h[0].Value(); got != c.want {
				t.Errorf("h0 = %d, want %d", got, c.want)
			}
		})
	}
}
