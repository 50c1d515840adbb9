// Package vm provides instruction execution handlers for Vybium Stack VM
package vm

import (
	"fmt"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"

	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/core"
)

// ============================================================================
// Stack Manipulation Instructions
// ============================================================================

func (vm *VMState) execPush(inst EncodedInstruction) error {
	vm.StackPush(inst.Argument)
	return nil
}

func (vm *VMState) execDrop() error {
	vm.StackPop()
	return nil
}

// execDup copies stack[n] to the top
func (vm *VMState) execDup(inst EncodedInstruction) error {
	v, err := vm.StackPeek(int(inst.Argument.Value()))
	if err != nil {
		return err
	}
	vm.StackPush(v)
	return nil
}

// execSwap exchanges the top with stack[n]
func (vm *VMState) execSwap(inst EncodedInstruction) error {
	n := int(inst.Argument.Value())
	if n < 1 || n >= StackTopSize {
		return fmt.Errorf("%w: swap.%d", ErrStackIndex, n)
	}
	s := vm.Stack
	s.top[0], s.top[n] = s.top[n], s.top[0]
	return nil
}

// execMovUp moves stack[n] to the top, shifting s0..s(n-1) down by one
func (vm *VMState) execMovUp(inst EncodedInstruction) error {
	n := int(inst.Argument.Value())
	if n < 2 || n >= StackTopSize {
		return fmt.Errorf("%w: movup.%d", ErrStackIndex, n)
	}
	s := vm.Stack
	v := s.top[n]
	copy(s.top[1:n+1], s.top[:n])
	s.top[0] = v
	return nil
}

// execMovDn moves the top to stack[n], shifting s1..sn up by one
func (vm *VMState) execMovDn(inst EncodedInstruction) error {
	n := int(inst.Argument.Value())
	if n < 2 || n >= StackTopSize {
		return fmt.Errorf("%w: movdn.%d", ErrStackIndex, n)
	}
	s := vm.Stack
	v := s.top[0]
	copy(s.top[:n], s.top[1:n+1])
	s.top[n] = v
	return nil
}

// execAssert pops the top and requires it to be one
func (vm *VMState) execAssert() error {
	v := vm.StackPop()
	if !v.Equal(field.One) {
		return fmt.Errorf("%w: top is %s", ErrAssertionFailed, v.String())
	}
	return nil
}

// ============================================================================
// Field Operations
// ============================================================================

// execAdd pops a, b and pushes a + b
func (vm *VMState) execAdd() error {
	return vm.binaryOp(func(a, b field.Element) field.Element { return a.Add(b) })
}

// execNeg replaces a with -a
func (vm *VMState) execNeg() error {
	return vm.mapTop(func(a field.Element) (field.Element, error) {
		return a.Neg(), nil
	})
}

// execMul pops a, b and pushes a · b
func (vm *VMState) execMul() error {
	return vm.binaryOp(func(a, b field.Element) field.Element { return a.Mul(b) })
}

// execInv replaces a with its multiplicative inverse
func (vm *VMState) execInv() error {
	return vm.mapTop(func(a field.Element) (field.Element, error) {
		inv, err := core.Inv(a)
		if err != nil {
			return field.Zero, ErrDivideByZero
		}
		return inv, nil
	})
}

// execIncr replaces a with a + 1
func (vm *VMState) execIncr() error {
	return vm.mapTop(func(a field.Element) (field.Element, error) {
		return a.Add(field.One), nil
	})
}

// execNot replaces binary a with 1 - a
func (vm *VMState) execNot() error {
	return vm.mapTop(func(a field.Element) (field.Element, error) {
		if !core.IsBinary(a) {
			return field.Zero, fmt.Errorf("%w: %s", ErrNotBinary, a.String())
		}
		return field.One.Sub(a), nil
	})
}

// execAnd pops binary a, b and pushes a · b
func (vm *VMState) execAnd() error {
	if err := vm.requireBinaryPair(); err != nil {
		return err
	}
	return vm.binaryOp(func(a, b field.Element) field.Element { return a.Mul(b) })
}

// execOr pops binary a, b and pushes a + b - a·b
func (vm *VMState) execOr() error {
	if err := vm.requireBinaryPair(); err != nil {
		return err
	}
	return vm.binaryOp(func(a, b field.Element) field.Element { return a.Add(b).Sub(a.Mul(b)) })
}

// execEq pops a, b and pushes 1 if they are equal
func (vm *VMState) execEq() error {
	return vm.binaryOp(func(a, b field.Element) field.Element { return boolElement(a.Equal(b)) })
}

// execEqz replaces a with 1 if it is zero
func (vm *VMState) execEqz() error {
	return vm.mapTop(func(a field.Element) (field.Element, error) {
		return boolElement(a.IsZero()), nil
	})
}

// execExpacc performs one round of exponent accumulation:
//
//	[x, exp, acc, b] -> [bit, exp², acc·((exp-1)·bit+1), b >> 1]
//
// where bit is the low bit of b. Repeating it over the bits of b computes
// acc · base^b by square-and-multiply.
func (vm *VMState) execExpacc() error {
	s := vm.Stack
	exp, acc, b := s.top[1], s.top[2], s.top[3]
	bitValue := b.Value() & 1
	bit := field.New(bitValue)

	s.top[0] = bit
	s.top[1] = exp.Mul(exp)
	s.top[2] = acc.Mul(exp.Sub(field.One).Mul(bit).Add(field.One))
	s.top[3] = field.New(b.Value() >> 1)
	return nil
}

// execExt2Mul multiplies the extension elements (b0 + b1·x) and (a0 + a1·x):
//
//	[b1, b0, a1, a0] -> [b1, b0, c1, c0]
func (vm *VMState) execExt2Mul() error {
	s := vm.Stack
	b := core.NewExt2(s.top[1], s.top[0])
	a := core.NewExt2(s.top[3], s.top[2])
	c := a.Mul(b)
	s.top[2] = c.A1
	s.top[3] = c.A0
	return nil
}

func (vm *VMState) mapTop(f func(field.Element) (field.Element, error)) error {
	v, err := f(vm.Stack.top[0])
	if err != nil {
		return err
	}
	vm.Stack.top[0] = v
	return nil
}

// binaryOp replaces s0, s1 with f(s0, s1), shifting the rest of the stack left by one
func (vm *VMState) binaryOp(f func(a, b field.Element) field.Element) error {
	r := f(vm.Stack.top[0], vm.Stack.top[1])
	vm.StackPop()
	vm.Stack.top[0] = r
	return nil
}

func (vm *VMState) requireBinaryPair() error {
	for _, v := range vm.Stack.top[:2] {
		if !core.IsBinary(v) {
			return fmt.Errorf("%w: %s", ErrNotBinary, v.String())
		}
	}
	return nil
}

func boolElement(v bool) field.Element {
	if v {
		return field.One
	}
	return field.Zero
}

// ============================================================================
// Memory Instructions
// ============================================================================

// execLocLoad pushes local i of the current invocation
func (vm *VMState) execLocLoad(inst EncodedInstruction) error {
	slot, err := vm.localSlot(inst)
	if err != nil {
		return err
	}
	vm.StackPush(vm.Contexts.Current().Locals[slot])
	return nil
}

// execLocStore pops the top into local i of the current invocation
func (vm *VMState) execLocStore(inst EncodedInstruction) error {
	slot, err := vm.localSlot(inst)
	if err != nil {
		return err
	}
	vm.Contexts.Current().Locals[slot] = vm.StackPop()
	return nil
}

func (vm *VMState) localSlot(inst EncodedInstruction) (int, error) {
	inv := vm.currentInvocation()
	idx := inst.Argument.Value()
	if idx >= uint64(inv.block.Locals) {
		return 0, fmt.Errorf("%w: %s.%d with %d locals", ErrLocalIndexOutOfRange, inst.Instruction, idx, inv.block.Locals)
	}
	return inv.localsBase + int(idx), nil
}

// execMemLoad replaces the address on top with the value stored at it
func (vm *VMState) execMemLoad() error {
	addr, err := memoryAddress(vm.Stack.top[0])
	if err != nil {
		return err
	}
	vm.Stack.top[0] = vm.Contexts.Current().LoadMemory(addr)
	return nil
}

// execMemStore pops the address and stores the value beneath it, which stays on the stack
func (vm *VMState) execMemStore() error {
	addr, err := memoryAddress(vm.Stack.top[0])
	if err != nil {
		return err
	}
	vm.StackPop()
	vm.Contexts.Current().StoreMemory(addr, vm.Stack.top[0])
	return nil
}

func memoryAddress(v field.Element) (uint32, error) {
	a := v.Value()
	if a > 0xFFFFFFFF {
		return 0, fmt.Errorf("%w: %d", ErrInvalidMemoryAddress, a)
	}
	return uint32(a), nil
}

// ============================================================================
// Invocation Instructions
// ============================================================================

// invoke starts the code block with the given digest. exec and dynexec stay in
// the current context; call, syscall and dyncall enter a new one.
func (vm *VMState) invoke(op Instruction, target core.Word) error {
	block, ok := vm.Table.Get(target)
	if !ok {
		if op == DynExec || op == DynCall {
			return fmt.Errorf("%w: %s", ErrDynamicTargetNotFound, target.Hex())
		}
		return fmt.Errorf("%w: %s", ErrBlockNotFound, target.Hex())
	}

	caller := vm.currentInvocation().block
	newContext := op.ChangesContext()
	if newContext {
		kind := CallContext
		switch op {
		case Syscall:
			if !vm.kernel[target] {
				return fmt.Errorf("%w: %s", ErrNotKernelProcedure, block.Name)
			}
			kind = SyscallContext
		case DynCall:
			kind = DynCallContext
		}
		frame, err := vm.Contexts.Enter(kind, caller.Digest, vm.Stack)
		if err != nil {
			return err
		}
		log.Debugf("%s %s: entered %s context %d", op, block.Name, kind, frame.ID)
	}

	base, err := vm.Contexts.Current().allocLocals(block.Locals)
	if err != nil {
		if newContext {
			vm.Contexts.abandon(vm.Stack)
		}
		return err
	}
	vm.invocations = append(vm.invocations, &invocation{
		block:      block,
		localsBase: base,
		kind:       op,
		newContext: newContext,
	})
	return nil
}

// execDynamic reads the digest in s0..s3, leaving it on the stack, and invokes it
func (vm *VMState) execDynamic(op Instruction) error {
	target := vm.StackTop()
	log.Debugf("%s dispatch to %s", op, target.Hex())
	return vm.invoke(op, target)
}

// execCaller overwrites the top word with the digest of the block that issued the syscall
func (vm *VMState) execCaller() error {
	ctx := vm.Contexts.Current()
	if !ctx.Privileged {
		return ErrCallerOutsideSyscall
	}
	for i := 0; i < core.WordLen; i++ {
		vm.Stack.top[i] = ctx.CallerDigest[i]
	}
	return nil
}

// execReturn closes the current invocation, leaving its context if it entered one
func (vm *VMState) execReturn() error {
	inv := vm.currentInvocation()
	if inv.newContext {
		if err := vm.Contexts.Leave(vm.Stack); err != nil {
			return err
		}
		log.Debugf("return from %s: back in context %d", inv.block.Name, vm.Contexts.Current().ID)
	} else {
		vm.Contexts.Current().freeLocals(inv.localsBase)
	}

	vm.invocations = vm.invocations[:len(vm.invocations)-1]
	if len(vm.invocations) == 0 {
		vm.Halted = true
	}
	return nil
}
