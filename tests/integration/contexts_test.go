package integration_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/vm"
	vybiumstackvm "github.com/vybium/vybium-stack-vm/pkg/vybium-stack-vm"
)

// TestExecSharesMemory checks that an exec'd procedure writes the caller's memory
func TestExecSharesMemory(t *testing.T) {
	src := `
proc.write
    push.11 mem_store.3
end

begin
    exec.write
    mem_load.3
end`
	r := execute(t, newMachine(t, nil), src)
	if got := top(r, 1)[0]; got != 11 {
		t.Errorf("mem[3] = %d, want 11", got)
	}
}

// TestCallIsolatesMemory checks both directions of memory isolation under call
func TestCallIsolatesMemory(t *testing.T) {
	src := `
proc.probe
    mem_load.0 swap drop    # caller wrote 5 here
    push.9 mem_store.1
end

begin
    push.5 mem_store.0
    call.probe
    mem_load.1          # callee wrote 9 here
    mem_load.0
end`
	got := top(execute(t, newMachine(t, nil), src), 3)
	want := []uint64{5, 0, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("top = %v, want %v", got, want)
		}
	}
}

// TestCallHidesOverflow checks that a callee sees the top 16 elements only and
// must hand back a stack of depth 16
func TestCallHidesOverflow(t *testing.T) {
	machine := newMachine(t, nil)

	inputs := make([]uint64, 20)
	for i := range inputs {
		inputs[i] = uint64(i + 1)
	}
	// drops 16 elements: inside the context zeros come in, not the caller's 17..20
	src := "proc.clear\n repeat.16\n drop\n end\nend\nbegin\n call.clear\nend"
	r := execute(t, machine, src, inputs...)
	out := r.OutputUint64s()
	if len(out) != 20 {
		t.Fatalf("depth = %d, want 20", len(out))
	}
	for i := 0; i < 16; i++ {
		if out[i] != 0 {
			t.Fatalf("s%d = %d, want 0", i, out[i])
		}
	}
	if out[16] != 17 || out[19] != 20 {
		t.Errorf("overflow = %v, want 17..20", out[16:])
	}

	err := executeErr(t, machine, "proc.leak\n push.1\nend\nbegin\n call.leak\nend")
	if !errors.Is(err, vm.ErrInvalidStackDepthOnReturn) {
		t.Errorf("error = %v, want %v", err, vm.ErrInvalidStackDepthOnReturn)
	}
}

// TestSyscallCaller checks that the kernel sees the digest of the block that
// issued the syscall and that caller is refused elsewhere
func TestSyscallCaller(t *testing.T) {
	dir := t.TempDir()
	kernel := filepath.Join(dir, "kernel.vasm")
	if err := os.WriteFile(kernel, []byte("export.whoami\n caller\nend"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	machine := newMachine(t, vybiumstackvm.DefaultConfig().WithKernel(kernel))

	p := assemble(t, machine, "proc.inner\n syscall.whoami\nend\nbegin\n call.inner\nend")
	r, err := machine.Execute(p, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	want := p.Procedures[0].Digest().Uint64s()
	got := top(r, 4)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("caller digest = %v, want %v", got, want)
		}
	}

	err = executeErr(t, machine, "begin\n caller\nend")
	if !errors.Is(err, vm.ErrCallerOutsideSyscall) {
		t.Errorf("error = %v, want %v", err, vm.ErrCallerOutsideSyscall)
	}
}

// TestLocalsPerInvocation checks that locals do not leak between invocations
func TestLocalsPerInvocation(t *testing.T) {
	src := `
proc.keep.1
    loc_load.0          # fresh local is zero
    swap loc_store.0
end

begin
    push.8 exec.keep
    push.9 exec.keep
end`
	got := top(execute(t, newMachine(t, nil), src), 2)
	if got[0] != 0 || got[1] != 0 {
		t.Errorf("top = %v, want [0 0]", got)
	}
}
