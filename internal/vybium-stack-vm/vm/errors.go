package vm

import (
	"errors"
	"fmt"
)

// Execution faults. Each one halts the machine and discards every open context.
var (
	ErrDivideByZero          = errors.New("inverse of zero")
	ErrNotBinary             = errors.New("operand is not binary")
	ErrAssertionFailed       = errors.New("assertion failed")
	ErrCycleLimitExceeded    = errors.New("cycle limit exceeded")
	ErrInvalidMemoryAddress  = errors.New("memory address exceeds 2^32 - 1")
	ErrLocalIndexOutOfRange  = errors.New("local index out of range")
	ErrDynamicTargetNotFound = errors.New("dynamic target not found in code block table")
	ErrNotKernelProcedure    = errors.New("syscall target is not a kernel procedure")
	ErrHalted                = errors.New("machine already halted")
	ErrUnknownInstruction    = errors.New("unknown instruction")
)

// ExecutionError locates a fault by step index, opcode and the code block being executed
type ExecutionError struct {
	Step      uint64
	Opcode    Instruction
	Procedure string
	Err       error
}

func (e *ExecutionError) Error() string {
	if e.Procedure == "" {
		return fmt.Sprintf("step %d (%s): %v", e.Step, e.Opcode, e.Err)
	}
	return fmt.Sprintf("step %d (%s in %s): %v", e.Step, e.Opcode, e.Procedure, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
