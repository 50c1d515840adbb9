package vm

import (
	"github.com/google/uuid"
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"

	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/core"
)

// Step is one recorded instruction step: the frame the instruction read, the
// frame it produced and the helper witness proposed for it.
type Step struct {
	Index    uint64
	Opcode   Instruction
	Argument field.Element
	Current  Frame
	Next     Frame
	Helpers  HelperRegisters
	Context  uint32
}

// ExecutionTrace is the claimed execution record handed to the constraint checker
type ExecutionTrace struct {
	ID              uuid.UUID
	Steps           []Step
	CycleCount      uint64
	InitialStack    []field.Element // top first, as handed to NewVMState
	FinalStack      []field.Element
	TableCommitment core.Word
}

// Len returns the number of recorded steps
func (t *ExecutionTrace) Len() int {
	return len(t.Steps)
}

// TraceRecorder receives every executed step
type TraceRecorder interface {
	RecordStep(step Step) error
}

// SimpleTraceRecorder keeps every step in memory
type SimpleTraceRecorder struct {
	steps []Step
}

// NewSimpleTraceRecorder creates an empty in-memory recorder
func NewSimpleTraceRecorder() *SimpleTraceRecorder {
	return &SimpleTraceRecorder{steps: make([]Step, 0, 64)}
}

// RecordStep appends a step
func (r *SimpleTraceRecorder) RecordStep(step Step) error {
	r.steps = append(r.steps, step)
	return nil
}

// Steps returns the recorded steps
func (r *SimpleTraceRecorder) Steps() []Step {
	return r.steps
}

// Reset drops all recorded steps
func (r *SimpleTraceRecorder) Reset() {
	r.steps = r.steps[:0]
}

// Trace assembles the recorded steps into an execution trace with a fresh id
// around the given initial and final stacks
func (r *SimpleTraceRecorder) Trace(cycles uint64, initial, final []field.Element, commitment core.Word) *ExecutionTrace {
	steps := make([]Step, len(r.steps))
	copy(steps, r.steps)
	return &ExecutionTrace{
		ID:              uuid.New(),
		Steps:           steps,
		CycleCount:      cycles,
		InitialStack:    initial,
		FinalStack:      final,
		TableCommitment: commitment,
	}
}
