package integration_test

import (
	"errors"
	"testing"

	vybiumstackvm "github.com/vybium/vybium-stack-vm/pkg/vybium-stack-vm"
)

func newMachine(t *testing.T, config *vybiumstackvm.Config, libs ...vybiumstackvm.LibrarySource) vybiumstackvm.VM {
	t.Helper()
	machine, err := vybiumstackvm.NewVM(config)
	if err != nil {
		t.Fatalf("NewVM failed: %v", err)
	}
	if len(libs) > 0 {
		if err := machine.AddLibraries(libs); err != nil {
			t.Fatalf("AddLibraries failed: %v", err)
		}
	}
	return machine
}

func assemble(t *testing.T, machine vybiumstackvm.VM, src string) *vybiumstackvm.Program {
	t.Helper()
	p, err := machine.Assemble("main.vasm", []byte(src))
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	return p
}

func execute(t *testing.T, machine vybiumstackvm.VM, src string, inputs ...uint64) *vybiumstackvm.Result {
	t.Helper()
	result, err := machine.Execute(assemble(t, machine, src), inputs)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	return result
}

func executeErr(t *testing.T, machine vybiumstackvm.VM, src string, inputs ...uint64) error {
	t.Helper()
	_, err := machine.Execute(assemble(t, machine, src), inputs)
	if err == nil {
		t.Fatal("Execute succeeded, want an error")
	}
	if !errors.Is(err, &vybiumstackvm.VMError{Code: vybiumstackvm.ErrVMExecution}) {
		t.Fatalf("error = %v, want an execution error", err)
	}
	return err
}

func top(r *vybiumstackvm.Result, n int) []uint64 {
	return r.OutputUint64s()[:n]
}

func lib(path, src string) vybiumstackvm.LibrarySource {
	return vybiumstackvm.LibrarySource{Path: path, File: path + vybiumstackvm.SourceExt, Source: []byte(src)}
}
