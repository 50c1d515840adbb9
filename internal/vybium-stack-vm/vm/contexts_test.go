package vm

import (
	"errors"
	"testing"

	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/core"
)

func tableOf(t *testing.T, blocks ...*CodeBlock) *CodeBlockTable {
	t.Helper()
	table := NewCodeBlockTable()
	for _, b := range blocks {
		if err := table.Insert(b); err != nil {
			t.Fatalf("Insert(%s) failed: %v", b.Name, err)
		}
	}
	return table
}

func TestExecSharesContext(t *testing.T) {
	// callee leaves a value on the stack and writes memory
	callee := block(t, "callee", 0, push(5), push(11), push(0), op(MemStore), op(Drop))
	entry := block(t, "entry", 0, invoke(t, Exec, callee), push(0), op(MemLoad))

	vm := newVM(t, tableOf(t, callee), entry, nil, DefaultExecutionOptions())
	if err := vm.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := top(t, vm, 0); got != 11 {
		t.Errorf("memory written under exec = %d, want 11", got)
	}
	if got := top(t, vm, 1); got != 5 {
		t.Errorf("value left by exec = %d, want 5", got)
	}
}

func TestCallIsolatesContext(t *testing.T) {
	// callee overwrites its own local and memory cell, keeping depth 16
	callee := block(t, "callee", 1,
		push(99), MustEncode(LocStore, 0),
		push(99), push(0), op(MemStore), op(Drop))
	entry := block(t, "entry", 1,
		push(7), MustEncode(LocStore, 0),
		push(3), push(0), op(MemStore), op(Drop),
		invoke(t, Call, callee),
		MustEncode(LocLoad, 0),
		push(0), op(MemLoad))

	vm := newVM(t, tableOf(t, callee), entry, nil, DefaultExecutionOptions())
	if err := vm.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := top(t, vm, 0); got != 3 {
		t.Errorf("caller memory after call = %d, want 3", got)
	}
	if got := top(t, vm, 1); got != 7 {
		t.Errorf("caller local after call = %d, want 7", got)
	}
}

func TestCallStackBoundary(t *testing.T) {
	t.Run("OverflowHidden", func(t *testing.T) {
		// callee rewrites its top value; the caller's deep values survive
		callee := block(t, "callee", 0, push(42), op(Add))
		inputs := make([]uint64, 18)
		for i := range inputs {
			inputs[i] = uint64(i + 1)
		}
		entry := block(t, "entry", 0, invoke(t, Call, callee))

		vm := newVM(t, tableOf(t, callee), entry, inputs, DefaultExecutionOptions())
		if err := vm.Run(); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		out := core.Uint64s(vm.Output())
		if len(out) != 18 || out[0] != 43 || out[15] != 16 || out[16] != 17 || out[17] != 18 {
			t.Errorf("stack after call = %v", out)
		}
	})

	t.Run("DepthOnReturn", func(t *testing.T) {
		callee := block(t, "callee", 0, push(1))
		entry := block(t, "entry", 0, invoke(t, Call, callee))
		vm := newVM(t, tableOf(t, callee), entry, nil, DefaultExecutionOptions())
		err := vm.Run()
		if !errors.Is(err, ErrInvalidStackDepthOnReturn) {
			t.Fatalf("Run error = %v, want %v", err, ErrInvalidStackDepthOnReturn)
		}
		var execErr *ExecutionError
		if errors.As(err, &execErr) && (execErr.Opcode != Return || execErr.Procedure != "callee") {
			t.Errorf("fault located at %s in %s", execErr.Opcode, execErr.Procedure)
		}
	})
}

func TestDynamicDispatch(t *testing.T) {
	target := block(t, "target", 0, push(7), op(Drop))
	absent := block(t, "absent", 0, op(Neg))

	for _, inst := range []Instruction{DynExec, DynCall} {
		t.Run(inst.String()+"Present", func(t *testing.T) {
			ops := append(pushWord(target.Digest), op(inst))
			vm := newVM(t, tableOf(t, target), block(t, "entry", 0, ops...), nil, DefaultExecutionOptions())
			if err := vm.Run(); err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if vm.StackTop() != target.Digest {
				t.Errorf("digest on stack = %s, want %s", vm.StackTop(), target.Digest)
			}
			if vm.CycleCount != 4+1+2+1+1 {
				t.Errorf("CycleCount = %d, target block did not run", vm.CycleCount)
			}
		})

		t.Run(inst.String()+"Absent", func(t *testing.T) {
			ops := append(pushWord(absent.Digest), op(inst))
			vm := newVM(t, tableOf(t, target), block(t, "entry", 0, ops...), nil, DefaultExecutionOptions())
			if err := vm.Run(); !errors.Is(err, ErrDynamicTargetNotFound) {
				t.Errorf("Run error = %v, want %v", err, ErrDynamicTargetNotFound)
			}
		})
	}
}

func TestSyscall(t *testing.T) {
	t.Run("Caller", func(t *testing.T) {
		kernel := block(t, "auth", 0, op(Caller))
		entry := block(t, "entry", 0, invoke(t, Syscall, kernel))
		opts := DefaultExecutionOptions()
		opts.Kernel = []core.Word{kernel.Digest}

		vm := newVM(t, tableOf(t, kernel), entry, nil, opts)
		if err := vm.Run(); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if vm.StackTop() != entry.Digest {
			t.Errorf("caller = %s, want %s", vm.StackTop(), entry.Digest)
		}
	})

	t.Run("KernelMemory", func(t *testing.T) {
		// kernel writes root memory even when reached through a call context
		kernel := block(t, "auth", 0, push(9), push(5), op(MemStore), op(Drop))
		middle := block(t, "middle", 0, invoke(t, Syscall, kernel))
		entry := block(t, "entry", 0, invoke(t, Call, middle), push(5), op(MemLoad))
		opts := DefaultExecutionOptions()
		opts.Kernel = []core.Word{kernel.Digest}

		vm := newVM(t, tableOf(t, kernel, middle), entry, nil, opts)
		if err := vm.Run(); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if got := top(t, vm, 0); got != 9 {
			t.Errorf("root memory = %d, want 9", got)
		}
	})

	t.Run("NotKernel", func(t *testing.T) {
		target := block(t, "plain", 0, op(Noop))
		entry := block(t, "entry", 0, invoke(t, Syscall, target))
		vm := newVM(t, tableOf(t, target), entry, nil, DefaultExecutionOptions())
		if err := vm.Run(); !errors.Is(err, ErrNotKernelProcedure) {
			t.Errorf("Run error = %v, want %v", err, ErrNotKernelProcedure)
		}
	})

	t.Run("Nested", func(t *testing.T) {
		inner := block(t, "inner", 0, op(Noop))
		outer := block(t, "outer", 0, invoke(t, Syscall, inner))
		entry := block(t, "entry", 0, invoke(t, Syscall, outer))
		opts := DefaultExecutionOptions()
		opts.Kernel = []core.Word{inner.Digest, outer.Digest}

		vm := newVM(t, tableOf(t, inner, outer), entry, nil, opts)
		if err := vm.Run(); !errors.Is(err, ErrNestedSyscall) {
			t.Errorf("Run error = %v, want %v", err, ErrNestedSyscall)
		}
	})

	t.Run("CallerOutsideSyscall", func(t *testing.T) {
		if err := runErr(t, nil, op(Caller)); !errors.Is(err, ErrCallerOutsideSyscall) {
			t.Errorf("caller error = %v, want %v", err, ErrCallerOutsideSyscall)
		}
	})
}

func TestContextManager(t *testing.T) {
	m := NewContextManager()
	s := NewStack(nil)

	frame, err := m.Enter(CallContext, core.ZeroWord, s)
	if err != nil {
		t.Fatalf("Enter failed: %v", err)
	}
	if m.Depth() != 2 || m.Current() != frame || frame.Caller != m.Root() {
		t.Error("call context not linked to root")
	}
	frame.StoreMemory(1, core.Felt(4))
	if !m.Root().LoadMemory(1).IsZero() {
		t.Error("call context memory leaked into root")
	}
	if err := m.Leave(s); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if err := m.Leave(s); !errors.Is(err, ErrReturnFromRoot) {
		t.Errorf("Leave from root error = %v, want %v", err, ErrReturnFromRoot)
	}
}

func TestCallUnwindsOnLocalsFailure(t *testing.T) {
	huge := &CodeBlock{Name: "huge", Locals: MaxContextLocals + 1, Ops: []EncodedInstruction{op(Noop)}}
	huge.Digest = huge.ComputeDigest()
	inputs := make([]uint64, 18)
	for i := range inputs {
		inputs[i] = uint64(i + 1)
	}
	entry := block(t, "entry", 0, invoke(t, Call, huge))

	vm := newVM(t, tableOf(t, huge), entry, inputs, DefaultExecutionOptions())
	err := vm.Run()
	if !errors.Is(err, ErrLocalsExhausted) {
		t.Fatalf("Run error = %v, want %v", err, ErrLocalsExhausted)
	}
	if vm.Contexts.Depth() != 1 {
		t.Errorf("context depth = %d, want 1", vm.Contexts.Depth())
	}
	out := core.Uint64s(vm.Output())
	if len(out) != 18 || out[16] != 17 || out[17] != 18 {
		t.Errorf("stack after failed call = %v", out)
	}
}
