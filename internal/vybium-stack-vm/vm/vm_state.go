// Package vm provides the Vybium Stack VM execution engine
package vm

import (
	"fmt"

	"github.com/tliron/commonlog"
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"

	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/core"
)

var log = commonlog.GetLogger("vybium.vm")

// DefaultMaxCycles is the cycle limit used when none is configured
const DefaultMaxCycles = 1 << 20

// invocation is one active code block: an entry on the explicit invocation stack
type invocation struct {
	block      *CodeBlock
	pc         int
	localsBase int
	kind       Instruction // Noop for the program entry
	newContext bool
}

// ExecutionOptions configures a VMState
type ExecutionOptions struct {
	MaxCycles uint64
	Helpers   HelperProvider
	Recorder  TraceRecorder
	Kernel    []core.Word // digests callable through syscall
}

// DefaultExecutionOptions returns the default options: the default helper
// policy, no trace recording and DefaultMaxCycles.
func DefaultExecutionOptions() ExecutionOptions {
	return ExecutionOptions{
		MaxCycles: DefaultMaxCycles,
		Helpers:   DefaultHelpers,
	}
}

// VMState represents the complete state of the Vybium Stack VM
type VMState struct {
	// Code blocks reachable through static and dynamic invocation (read-only)
	Table *CodeBlockTable

	// Operand stack, shared by all contexts
	Stack *Stack

	// Explicit stack of execution contexts
	Contexts *ContextManager

	// Execution state
	CycleCount uint64
	MaxCycles  uint64
	Halted     bool

	// Witness and trace collaborators
	Helpers  HelperProvider
	Recorder TraceRecorder

	inputs      []field.Element
	kernel      map[core.Word]bool
	invocations []*invocation
}

// NewVMState prepares entry for execution with inputs on the stack, inputs[0]
// on top. The table is frozen: it must not change once execution begins.
func NewVMState(table *CodeBlockTable, entry *CodeBlock, inputs []field.Element, opts ExecutionOptions) (*VMState, error) {
	if table == nil {
		return nil, fmt.Errorf("code block table cannot be nil")
	}
	if entry == nil {
		return nil, fmt.Errorf("entry code block cannot be nil")
	}
	if opts.Helpers == nil {
		opts.Helpers = DefaultHelpers
	}
	if opts.MaxCycles == 0 {
		opts.MaxCycles = DefaultMaxCycles
	}
	table.Freeze()

	kernel := make(map[core.Word]bool, len(opts.Kernel))
	for _, d := range opts.Kernel {
		kernel[d] = true
	}

	vm := &VMState{
		Table:     table,
		Stack:     NewStack(inputs),
		Contexts:  NewContextManager(),
		MaxCycles: opts.MaxCycles,
		Helpers:   opts.Helpers,
		Recorder:  opts.Recorder,
		inputs:    append([]field.Element(nil), inputs...),
		kernel:    kernel,
	}
	base, err := vm.Contexts.Root().allocLocals(entry.Locals)
	if err != nil {
		return nil, err
	}
	vm.invocations = []*invocation{{block: entry, localsBase: base, kind: Noop}}
	return vm, nil
}

// Run executes until the entry block returns or a fault occurs
func (vm *VMState) Run() error {
	for !vm.Halted {
		if err := vm.Step(); err != nil {
			return err
		}
	}
	log.Infof("execution finished after %d cycles, stack depth %d", vm.CycleCount, vm.Stack.Depth())
	return nil
}

// Step executes one instruction, or the implicit return that closes a block
func (vm *VMState) Step() error {
	if vm.Halted {
		return ErrHalted
	}

	inv := vm.currentInvocation()
	op := EncodedInstruction{Instruction: Return, Argument: field.Zero}
	if inv.pc < len(inv.block.Ops) {
		op = inv.block.Ops[inv.pc]
		inv.pc++
	}

	if vm.CycleCount >= vm.MaxCycles {
		return vm.fault(inv, op, fmt.Errorf("%w: %d", ErrCycleLimitExceeded, vm.MaxCycles))
	}

	current := vm.Stack.Frame()
	helpers := vm.Helpers.Helpers(op, current)
	contextID := vm.Contexts.Current().ID

	if err := vm.ExecuteInstruction(op); err != nil {
		return vm.fault(inv, op, err)
	}

	if vm.Recorder != nil {
		step := Step{
			Index:    vm.CycleCount,
			Opcode:   op.Instruction,
			Argument: op.Argument,
			Current:  current,
			Next:     vm.Stack.Frame(),
			Helpers:  helpers,
			Context:  contextID,
		}
		if err := vm.Recorder.RecordStep(step); err != nil {
			return vm.fault(inv, op, fmt.Errorf("failed to record step: %w", err))
		}
	}

	vm.CycleCount++
	return nil
}

func (vm *VMState) fault(inv *invocation, op EncodedInstruction, err error) error {
	vm.Halted = true
	return &ExecutionError{
		Step:      vm.CycleCount,
		Opcode:    op.Instruction,
		Procedure: inv.block.Name,
		Err:       err,
	}
}

// ExecuteInstruction dispatches to the appropriate instruction handler
func (vm *VMState) ExecuteInstruction(inst EncodedInstruction) error {
	switch inst.Instruction {
	// Stack Manipulation
	case Noop:
		return nil
	case Push:
		return vm.execPush(inst)
	case Pad:
		return vm.execPush(EncodedInstruction{Instruction: Pad, Argument: field.Zero})
	case Drop:
		return vm.execDrop()
	case Dup:
		return vm.execDup(inst)
	case Swap:
		return vm.execSwap(inst)
	case MovUp:
		return vm.execMovUp(inst)
	case MovDn:
		return vm.execMovDn(inst)
	case Assert:
		return vm.execAssert()

	// Field Operations
	case Add:
		return vm.execAdd()
	case Neg:
		return vm.execNeg()
	case Mul:
		return vm.execMul()
	case Inv:
		return vm.execInv()
	case Incr:
		return vm.execIncr()
	case Not:
		return vm.execNot()
	case And:
		return vm.execAnd()
	case Or:
		return vm.execOr()
	case Eq:
		return vm.execEq()
	case Eqz:
		return vm.execEqz()
	case Expacc:
		return vm.execExpacc()
	case Ext2Mul:
		return vm.execExt2Mul()

	// Memory
	case LocLoad:
		return vm.execLocLoad(inst)
	case LocStore:
		return vm.execLocStore(inst)
	case MemLoad:
		return vm.execMemLoad()
	case MemStore:
		return vm.execMemStore()

	// Invocation
	case Exec, Call, Syscall:
		return vm.invoke(inst.Instruction, inst.Target)
	case DynExec, DynCall:
		return vm.execDynamic(inst.Instruction)
	case Caller:
		return vm.execCaller()
	case Return:
		return vm.execReturn()

	default:
		return fmt.Errorf("%w: %d", ErrUnknownInstruction, inst.Instruction)
	}
}

// Stack access helpers

// StackPush pushes a value onto the stack
func (vm *VMState) StackPush(value field.Element) {
	vm.Stack.Push(value)
}

// StackPop removes and returns the top of the stack
func (vm *VMState) StackPop() field.Element {
	return vm.Stack.Pop()
}

// StackPeek returns stack element n (0 = top)
func (vm *VMState) StackPeek(n int) (field.Element, error) {
	return vm.Stack.Get(n)
}

// StackSet overwrites stack element n (0 = top)
func (vm *VMState) StackSet(n int, value field.Element) error {
	return vm.Stack.Set(n, value)
}

// StackTop returns the top word as a digest, s0 first
func (vm *VMState) StackTop() core.Word {
	var w core.Word
	for i := 0; i < core.WordLen; i++ {
		w[i], _ = vm.Stack.Get(i)
	}
	return w
}

// Inputs returns the initial stack the state was created with, top first
func (vm *VMState) Inputs() []field.Element {
	return vm.inputs
}

// Output returns the full stack, top first
func (vm *VMState) Output() []field.Element {
	return vm.Stack.Values()
}

// InvocationDepth returns the number of active code blocks
func (vm *VMState) InvocationDepth() int {
	return len(vm.invocations)
}

func (vm *VMState) currentInvocation() *invocation {
	return vm.invocations[len(vm.invocations)-1]
}
