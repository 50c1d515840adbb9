package vm

import (
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"

	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/core"
)

// NumHelperRegisters is the size of the helper register bank
const NumHelperRegisters = 6

// HelperRegisters holds the non-deterministic witness values of one step.
// They are supplied by the executor, never derived by the constraint checker.
type HelperRegisters [NumHelperRegisters]field.Element

// HelperProvider proposes the helper witness for a step given the frame the
// instruction reads. The default provider follows the population policy of
// DefaultHelpers; tests and provers may substitute their own.
type HelperProvider interface {
	Helpers(op EncodedInstruction, current Frame) HelperRegisters
}

// HelperProviderFunc adapts a function to HelperProvider
type HelperProviderFunc func(op EncodedInstruction, current Frame) HelperRegisters

// Helpers implements HelperProvider
func (f HelperProviderFunc) Helpers(op EncodedInstruction, current Frame) HelperRegisters {
	return f(op, current)
}

// DefaultHelpers computes the canonical witness:
//
//	EQ      h0 = (a - b)^-1, or 0 when a = b
//	EQZ     h0 = a^-1, or 0 when a = 0
//	EXPACC  h0 = (exp - 1)·bit + 1, bit being the low bit of b
//
// Every other instruction leaves the bank zeroed.
var DefaultHelpers = HelperProviderFunc(func(op EncodedInstruction, cur Frame) HelperRegisters {
	h := zeroHelpers()
	s := cur.Stack
	switch op.Instruction {
	case Eq:
		h[0] = core.InvOrZero(s[0].Sub(s[1]))
	case Eqz:
		h[0] = core.InvOrZero(s[0])
	case Expacc:
		bit := field.New(s[3].Value() & 1)
		h[0] = s[1].Sub(field.One).Mul(bit).Add(field.One)
	}
	return h
})

func zeroHelpers() HelperRegisters {
	var h HelperRegisters
	for i := range h {
		h[i] = field.Zero
	}
	return h
}
