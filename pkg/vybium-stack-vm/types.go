package vybiumstackvm

import (
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"

	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/assembly"
	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/core"
	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/protocols"
	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/utils"
	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/vm"
)

// FieldElement is an element of the Goldilocks field
type FieldElement = field.Element

// Word is a four element digest
type Word = core.Word

// Config configures assembly and execution
type Config = utils.Config

// Program is an assembled executable: entry block, code block table and kernel digests
type Program = assembly.Program

// Library is an assembled library module
type Library = assembly.Library

// LibrarySource is an unparsed library registered under a module path
type LibrarySource = assembly.LibrarySource

// ExecutionTrace is the recorded step sequence of one run
type ExecutionTrace = vm.ExecutionTrace

// VerificationReport summarizes an accepted trace
type VerificationReport = protocols.VerificationReport

// SourceExt is the file extension of assembly sources
const SourceExt = assembly.SourceExt

// Result is the outcome of one execution
type Result struct {
	// Final operand stack, top first
	Output []FieldElement

	// Number of executed steps
	CycleCount uint64

	// Recorded trace, nil when recording is disabled
	Trace *ExecutionTrace

	// Verification report, nil when verification is disabled
	Report *VerificationReport
}

// OutputUint64s returns the final stack as canonical integers, top first
func (r *Result) OutputUint64s() []uint64 {
	return core.Uint64s(r.Output)
}
