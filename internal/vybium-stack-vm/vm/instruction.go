// Package vm provides the Vybium Stack VM instruction set architecture
package vm

import (
	"fmt"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"

	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/core"
)

// Instruction represents a Vybium Stack VM opcode
type Instruction uint8

// Vybium Stack VM Instruction Set Architecture (ISA)
const (
	// ========== Stack Manipulation ==========

	// Noop does nothing
	Noop Instruction = iota

	// Push pushes an immediate value onto the stack
	Push

	// Pad pushes a zero onto the stack
	Pad

	// Drop removes the top element
	Drop

	// Dup copies stack[n] to the top
	Dup

	// Swap swaps the top element with stack[n]
	Swap

	// MovUp moves stack[n] to the top
	MovUp

	// MovDn moves the top element to stack[n]
	MovDn

	// Assert pops the top element and fails unless it is 1
	Assert

	// ========== Field Operations ==========

	// Add pops a, b and pushes a + b
	Add

	// Neg replaces a with -a
	Neg

	// Mul pops a, b and pushes a · b
	Mul

	// Inv replaces a with a^-1, fails on zero
	Inv

	// Incr replaces a with a + 1
	Incr

	// Not replaces binary a with 1 - a
	Not

	// And pops binary a, b and pushes a · b
	And

	// Or pops binary a, b and pushes a + b - a·b
	Or

	// Eq pops a, b and pushes 1 if a = b, else 0
	Eq

	// Eqz replaces a with 1 if a = 0, else 0
	Eqz

	// Expacc performs one round of exponent accumulation
	Expacc

	// Ext2Mul multiplies two quadratic extension elements
	Ext2Mul

	// ========== Memory ==========

	// LocLoad pushes procedure local n
	LocLoad

	// LocStore pops the top element into procedure local n
	LocStore

	// MemLoad pops an address and pushes the context memory value at it
	MemLoad

	// MemStore pops an address and writes the value beneath it to context memory.
	// The value stays on the stack.
	MemStore

	// ========== Invocation ==========

	// Exec invokes a procedure in the current context
	Exec

	// Call invokes a procedure in a new isolated context
	Call

	// Syscall invokes a kernel procedure in a new privileged context
	Syscall

	// DynExec invokes the code block whose digest is on top of the stack, in the current context
	DynExec

	// DynCall invokes the code block whose digest is on top of the stack, in a new context
	DynCall

	// Caller overwrites the top word with the digest of the syscall's invoker
	Caller

	// Return ends the current invocation. It is emitted by the executor, never assembled.
	Return
)

// InstructionCount is the total number of instructions in the ISA
const InstructionCount = int(Return) + 1

// InstructionInfo provides metadata about an instruction
type InstructionInfo struct {
	Opcode      Instruction
	Name        string
	Description string
	MinDepth    int  // Stack positions read by the instruction
	StackEffect int  // Net effect on stack depth (positive = push, negative = pop)
	HasArg      bool // Whether the instruction carries an immediate argument
	HasTarget   bool // Whether the instruction carries a callee digest
}

// AllInstructions returns information about all Vybium Stack VM instructions
var AllInstructions = map[Instruction]InstructionInfo{
	// Stack Manipulation
	Noop:   {Noop, "nop", "No operation", 0, 0, false, false},
	Push:   {Push, "push", "Push immediate onto stack", 0, 1, true, false},
	Pad:    {Pad, "pad", "Push zero onto stack", 0, 1, false, false},
	Drop:   {Drop, "drop", "Remove top element", 1, -1, false, false},
	Dup:    {Dup, "dup", "Copy stack[n] to top", 1, 1, true, false},
	Swap:   {Swap, "swap", "Swap top with stack[n]", 2, 0, true, false},
	MovUp:  {MovUp, "movup", "Move stack[n] to top", 3, 0, true, false},
	MovDn:  {MovDn, "movdn", "Move top to stack[n]", 3, 0, true, false},
	Assert: {Assert, "assert", "Pop and assert top is 1", 1, -1, false, false},

	// Field Operations
	Add:     {Add, "add", "Add top two elements", 2, -1, false, false},
	Neg:     {Neg, "neg", "Additive inverse", 1, 0, false, false},
	Mul:     {Mul, "mul", "Multiply top two elements", 2, -1, false, false},
	Inv:     {Inv, "inv", "Multiplicative inverse", 1, 0, false, false},
	Incr:    {Incr, "incr", "Increment by one", 1, 0, false, false},
	Not:     {Not, "not", "Boolean not", 1, 0, false, false},
	And:     {And, "and", "Boolean and", 2, -1, false, false},
	Or:      {Or, "or", "Boolean or", 2, -1, false, false},
	Eq:      {Eq, "eq", "Equality test", 2, -1, false, false},
	Eqz:     {Eqz, "eqz", "Zero test", 1, 0, false, false},
	Expacc:  {Expacc, "expacc", "Exponent accumulation round", 4, 0, false, false},
	Ext2Mul: {Ext2Mul, "ext2mul", "Extension field multiplication", 4, 0, false, false},

	// Memory
	LocLoad:  {LocLoad, "loc_load", "Push procedure local", 0, 1, true, false},
	LocStore: {LocStore, "loc_store", "Pop into procedure local", 1, -1, true, false},
	MemLoad:  {MemLoad, "mem_load", "Load from context memory", 1, 0, false, false},
	MemStore: {MemStore, "mem_store", "Store to context memory", 2, -1, false, false},

	// Invocation
	Exec:    {Exec, "exec", "Invoke in current context", 0, 0, false, true},
	Call:    {Call, "call", "Invoke in new context", 0, 0, false, true},
	Syscall: {Syscall, "syscall", "Invoke kernel procedure", 0, 0, false, true},
	DynExec: {DynExec, "dynexec", "Dynamic invoke in current context", 4, 0, false, false},
	DynCall: {DynCall, "dyncall", "Dynamic invoke in new context", 4, 0, false, false},
	Caller:  {Caller, "caller", "Push syscall caller digest", 4, 0, false, false},
	Return:  {Return, "return", "End of invocation", 0, 0, false, false},
}

// String returns the name of the instruction
func (i Instruction) String() string {
	if info, ok := AllInstructions[i]; ok {
		return info.Name
	}
	return fmt.Sprintf("unknown(%d)", i)
}

// Info returns metadata about the instruction
func (i Instruction) Info() (InstructionInfo, error) {
	info, ok := AllInstructions[i]
	if !ok {
		return InstructionInfo{}, fmt.Errorf("unknown instruction: %d", i)
	}
	return info, nil
}

// StackEffect returns the net effect on stack depth
func (i Instruction) StackEffect() int {
	info, err := i.Info()
	if err != nil {
		return 0
	}
	return info.StackEffect
}

// HasArgument returns whether the instruction takes an immediate argument
func (i Instruction) HasArgument() bool {
	info, err := i.Info()
	if err != nil {
		return false
	}
	return info.HasArg
}

// IsInvocation reports whether the instruction transfers control to another code block
func (i Instruction) IsInvocation() bool {
	switch i {
	case Exec, Call, Syscall, DynExec, DynCall:
		return true
	}
	return false
}

// ChangesContext reports whether the instruction enters a new execution context
func (i Instruction) ChangesContext() bool {
	switch i {
	case Call, Syscall, DynCall:
		return true
	}
	return false
}

// EncodedInstruction represents an instruction with its immediate argument
// and, for static invocations, the digest of the callee.
type EncodedInstruction struct {
	Instruction Instruction
	Argument    field.Element
	Target      core.Word
}

// argument bounds for index-carrying instructions
var argumentRange = map[Instruction][2]uint64{
	Dup:      {0, StackTopSize - 1},
	Swap:     {1, StackTopSize - 1},
	MovUp:    {2, StackTopSize - 1},
	MovDn:    {2, StackTopSize - 1},
	LocLoad:  {0, MaxProcedureLocals - 1},
	LocStore: {0, MaxProcedureLocals - 1},
}

// NewEncodedInstruction creates an instruction without a callee
func NewEncodedInstruction(inst Instruction, arg field.Element) (EncodedInstruction, error) {
	info, err := inst.Info()
	if err != nil {
		return EncodedInstruction{}, err
	}
	if info.HasTarget {
		return EncodedInstruction{}, fmt.Errorf("instruction %s requires a target digest", inst)
	}
	if inst == Return {
		return EncodedInstruction{}, fmt.Errorf("instruction %s cannot be encoded", inst)
	}
	if !info.HasArg && !arg.IsZero() {
		return EncodedInstruction{}, fmt.Errorf("instruction %s does not take an argument", inst)
	}
	if bounds, ok := argumentRange[inst]; ok {
		v := arg.Value()
		if v < bounds[0] || v > bounds[1] {
			return EncodedInstruction{}, fmt.Errorf("instruction %s argument %d out of range [%d, %d]",
				inst, v, bounds[0], bounds[1])
		}
	}
	return EncodedInstruction{Instruction: inst, Argument: arg}, nil
}

// NewInvocation creates a static invocation (exec, call, syscall) of the given digest
func NewInvocation(inst Instruction, target core.Word) (EncodedInstruction, error) {
	info, err := inst.Info()
	if err != nil {
		return EncodedInstruction{}, err
	}
	if !info.HasTarget {
		return EncodedInstruction{}, fmt.Errorf("instruction %s does not take a target", inst)
	}
	return EncodedInstruction{Instruction: inst, Argument: field.Zero, Target: target}, nil
}

// MustEncode is NewEncodedInstruction for statically known operands; it panics on error
func MustEncode(inst Instruction, arg uint64) EncodedInstruction {
	ei, err := NewEncodedInstruction(inst, field.New(arg))
	if err != nil {
		panic(err)
	}
	return ei
}

// Words returns the instruction as field elements for content hashing
func (ei EncodedInstruction) Words() []field.Element {
	words := []field.Element{field.New(uint64(ei.Instruction)), ei.Argument}
	if info, err := ei.Instruction.Info(); err == nil && info.HasTarget {
		words = append(words, ei.Target[:]...)
	}
	return words
}

// String renders the instruction in assembly syntax
func (ei EncodedInstruction) String() string {
	switch {
	case ei.Instruction.HasArgument():
		return fmt.Sprintf("%s.%d", ei.Instruction, ei.Argument.Value())
	case ei.Instruction.IsInvocation() && !ei.Target.IsZero():
		return fmt.Sprintf("%s.%s", ei.Instruction, ei.Target.Hex())
	default:
		return ei.Instruction.String()
	}
}
