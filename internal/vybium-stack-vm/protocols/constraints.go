// Package protocols provides the algebraic constraint system of the Vybium Stack VM.
//
// Every instruction has a fixed set of polynomial constraints over the frame
// the instruction read, the frame it produced and the helper registers of the
// step. A step is valid iff every constraint of its opcode evaluates to zero.
// The package only checks; it never computes witnesses.
package protocols

import (
	"fmt"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"

	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/core"
	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/vm"
)

// StepValues are the inputs of every step constraint. Current and Next are
// frame rows of vm.RowWidth columns: s0..s15, overflow top, depth.
type StepValues struct {
	Current  []field.Element
	Next     []field.Element
	Helpers  vm.HelperRegisters
	Argument field.Element
}

// NewStepValues flattens a recorded step
func NewStepValues(step *vm.Step) *StepValues {
	return &StepValues{
		Current:  step.Current.Row(),
		Next:     step.Next.Row(),
		Helpers:  step.Helpers,
		Argument: step.Argument,
	}
}

// StepConstraint represents a constraint over one (current, next, helpers) triple
type StepConstraint struct {
	// Name for debugging
	Name string

	// Degree of this constraint polynomial
	Degree int

	// Evaluator returns the constraint value; the constraint holds iff it is zero
	Evaluator func(v *StepValues) field.Element
}

// ConstraintSet holds the constraints of one opcode
type ConstraintSet struct {
	Opcode      vm.Instruction
	constraints []*StepConstraint
}

// NewConstraintSet creates an empty constraint set
func NewConstraintSet(op vm.Instruction) *ConstraintSet {
	return &ConstraintSet{Opcode: op, constraints: make([]*StepConstraint, 0, vm.RowWidth)}
}

// AddConstraint adds a step constraint
func (cs *ConstraintSet) AddConstraint(name string, degree int, eval func(v *StepValues) field.Element) {
	cs.constraints = append(cs.constraints, &StepConstraint{
		Name:      name,
		Degree:    degree,
		Evaluator: eval,
	})
}

// Constraints returns the constraints in evaluation order
func (cs *ConstraintSet) Constraints() []*StepConstraint {
	return cs.constraints
}

// MaxDegree returns the maximum degree of all constraints in the set
func (cs *ConstraintSet) MaxDegree() int {
	maxDeg := 0
	for _, c := range cs.constraints {
		if c.Degree > maxDeg {
			maxDeg = c.Degree
		}
	}
	return maxDeg
}

// NumConstraints returns the number of constraints in the set
func (cs *ConstraintSet) NumConstraints() int {
	return len(cs.constraints)
}

var constraintSets = buildConstraintSets()

// ConstraintsFor returns the constraint set of an opcode
func ConstraintsFor(op vm.Instruction) (*ConstraintSet, error) {
	cs, ok := constraintSets[op]
	if !ok {
		return nil, fmt.Errorf("no constraints for instruction %s", op)
	}
	return cs, nil
}

// MaxDegree returns the maximum constraint degree over the whole instruction set
func MaxDegree() int {
	maxDeg := 0
	for _, cs := range constraintSets {
		if d := cs.MaxDegree(); d > maxDeg {
			maxDeg = d
		}
	}
	return maxDeg
}

// NumConstraints returns the total number of constraints over the instruction set
func NumConstraints() int {
	n := 0
	for _, cs := range constraintSets {
		n += cs.NumConstraints()
	}
	return n
}

// maxConstraintsPerSet bounds the number of weights needed by a composition
func maxConstraintsPerSet() int {
	n := 0
	for _, cs := range constraintSets {
		if cs.NumConstraints() > n {
			n = cs.NumConstraints()
		}
	}
	return n
}

// ============================================================================
// Stack effect constraints
// ============================================================================

const (
	top      = vm.StackTopSize
	overflow = vm.ColOverflow
	depth    = vm.ColDepth
)

var minDepth = field.New(vm.MinStackDepth)

// unchangedFrom copies positions k..15, the overflow top and the depth
func unchangedFrom(cs *ConstraintSet, k int) {
	for i := k; i < top; i++ {
		i := i
		cs.AddConstraint(fmt.Sprintf("s%d_unchanged", i), 1, func(v *StepValues) field.Element {
			return v.Next[i].Sub(v.Current[i])
		})
	}
	cs.AddConstraint("overflow_unchanged", 1, func(v *StepValues) field.Element {
		return v.Next[overflow].Sub(v.Current[overflow])
	})
	cs.AddConstraint("depth_unchanged", 1, func(v *StepValues) field.Element {
		return v.Next[depth].Sub(v.Current[depth])
	})
}

// shiftLeftFrom moves positions k..15 down by one; the overflow top fills s15
// and the depth shrinks by one, never below the minimum.
func shiftLeftFrom(cs *ConstraintSet, k int) {
	for i := k; i < top; i++ {
		i := i
		cs.AddConstraint(fmt.Sprintf("s%d_shift_left", i-1), 1, func(v *StepValues) field.Element {
			return v.Next[i-1].Sub(v.Current[i])
		})
	}
	cs.AddConstraint("s15_from_overflow", 1, func(v *StepValues) field.Element {
		return v.Next[top-1].Sub(v.Current[overflow])
	})
	cs.AddConstraint("depth_decrement", 1, func(v *StepValues) field.Element {
		if v.Current[depth].Equal(minDepth) {
			return v.Next[depth].Sub(minDepth)
		}
		return v.Next[depth].Sub(v.Current[depth]).Add(field.One)
	})
}

// shiftRightFrom moves positions k..15 up by one; s15 becomes the overflow top
// and the depth grows by one.
func shiftRightFrom(cs *ConstraintSet, k int) {
	for i := k; i < top-1; i++ {
		i := i
		cs.AddConstraint(fmt.Sprintf("s%d_shift_right", i+1), 1, func(v *StepValues) field.Element {
			return v.Next[i+1].Sub(v.Current[i])
		})
	}
	cs.AddConstraint("overflow_from_s15", 1, func(v *StepValues) field.Element {
		return v.Next[overflow].Sub(v.Current[top-1])
	})
	cs.AddConstraint("depth_increment", 1, func(v *StepValues) field.Element {
		return v.Next[depth].Sub(v.Current[depth]).Sub(field.One)
	})
}

// windowUnchanged copies s0..15 only; overflow and depth are left to the
// context switch and checked by the stack replay in VerifyTrace
func windowUnchanged(cs *ConstraintSet) {
	for i := 0; i < top; i++ {
		i := i
		cs.AddConstraint(fmt.Sprintf("s%d_unchanged", i), 1, func(v *StepValues) field.Element {
			return v.Next[i].Sub(v.Current[i])
		})
	}
}

// binary adds x² - x = 0 for current position i
func binary(cs *ConstraintSet, i int) {
	cs.AddConstraint(fmt.Sprintf("s%d_is_binary", i), 2, func(v *StepValues) field.Element {
		x := v.Current[i]
		return x.Mul(x).Sub(x)
	})
}

// argIndex reads an index argument; ok is false when it lies outside [lo, 15]
func argIndex(v *StepValues, lo int) (int, bool) {
	n := v.Argument.Value()
	if n < uint64(lo) || n >= top {
		return 0, false
	}
	return int(n), true
}

// ============================================================================
// Instruction constraints
// ============================================================================

func buildConstraintSets() map[vm.Instruction]*ConstraintSet {
	sets := make(map[vm.Instruction]*ConstraintSet, vm.InstructionCount)
	add := func(op vm.Instruction, build func(cs *ConstraintSet)) {
		cs := NewConstraintSet(op)
		build(cs)
		sets[op] = cs
	}

	// Stack manipulation

	add(vm.Noop, func(cs *ConstraintSet) { unchangedFrom(cs, 0) })

	add(vm.Push, func(cs *ConstraintSet) {
		cs.AddConstraint("s0_is_immediate", 1, func(v *StepValues) field.Element {
			return v.Next[0].Sub(v.Argument)
		})
		shiftRightFrom(cs, 0)
	})

	add(vm.Pad, func(cs *ConstraintSet) {
		cs.AddConstraint("s0_is_zero", 1, func(v *StepValues) field.Element {
			return v.Next[0]
		})
		shiftRightFrom(cs, 0)
	})

	add(vm.Drop, func(cs *ConstraintSet) { shiftLeftFrom(cs, 1) })

	add(vm.Dup, func(cs *ConstraintSet) {
		cs.AddConstraint("s0_is_copy", 1, func(v *StepValues) field.Element {
			n, ok := argIndex(v, 0)
			if !ok {
				return field.One
			}
			return v.Next[0].Sub(v.Current[n])
		})
		shiftRightFrom(cs, 0)
	})

	add(vm.Swap, func(cs *ConstraintSet) {
		cs.AddConstraint("s0_swapped", 1, func(v *StepValues) field.Element {
			n, ok := argIndex(v, 1)
			if !ok {
				return field.One
			}
			return v.Next[0].Sub(v.Current[n])
		})
		for i := 1; i < top; i++ {
			i := i
			cs.AddConstraint(fmt.Sprintf("s%d_swap", i), 1, func(v *StepValues) field.Element {
				n, ok := argIndex(v, 1)
				if !ok {
					return field.One
				}
				if i == n {
					return v.Next[i].Sub(v.Current[0])
				}
				return v.Next[i].Sub(v.Current[i])
			})
		}
		unchangedFrom(cs, top)
	})

	add(vm.MovUp, func(cs *ConstraintSet) {
		for i := 0; i < top; i++ {
			i := i
			cs.AddConstraint(fmt.Sprintf("s%d_movup", i), 1, func(v *StepValues) field.Element {
				n, ok := argIndex(v, 2)
				if !ok {
					return field.One
				}
				switch {
				case i == 0:
					return v.Next[0].Sub(v.Current[n])
				case i <= n:
					return v.Next[i].Sub(v.Current[i-1])
				default:
					return v.Next[i].Sub(v.Current[i])
				}
			})
		}
		unchangedFrom(cs, top)
	})

	add(vm.MovDn, func(cs *ConstraintSet) {
		for i := 0; i < top; i++ {
			i := i
			cs.AddConstraint(fmt.Sprintf("s%d_movdn", i), 1, func(v *StepValues) field.Element {
				n, ok := argIndex(v, 2)
				if !ok {
					return field.One
				}
				switch {
				case i < n:
					return v.Next[i].Sub(v.Current[i+1])
				case i == n:
					return v.Next[i].Sub(v.Current[0])
				default:
					return v.Next[i].Sub(v.Current[i])
				}
			})
		}
		unchangedFrom(cs, top)
	})

	add(vm.Assert, func(cs *ConstraintSet) {
		cs.AddConstraint("s0_is_one", 1, func(v *StepValues) field.Element {
			return v.Current[0].Sub(field.One)
		})
		shiftLeftFrom(cs, 1)
	})

	// Field operations

	add(vm.Add, func(cs *ConstraintSet) {
		cs.AddConstraint("add", 1, func(v *StepValues) field.Element {
			return v.Next[0].Sub(v.Current[0].Add(v.Current[1]))
		})
		shiftLeftFrom(cs, 2)
	})

	add(vm.Neg, func(cs *ConstraintSet) {
		cs.AddConstraint("neg", 1, func(v *StepValues) field.Element {
			return v.Next[0].Add(v.Current[0])
		})
		unchangedFrom(cs, 1)
	})

	add(vm.Mul, func(cs *ConstraintSet) {
		cs.AddConstraint("mul", 2, func(v *StepValues) field.Element {
			return v.Next[0].Sub(v.Current[0].Mul(v.Current[1]))
		})
		shiftLeftFrom(cs, 2)
	})

	add(vm.Inv, func(cs *ConstraintSet) {
		cs.AddConstraint("inv", 2, func(v *StepValues) field.Element {
			return v.Current[0].Mul(v.Next[0]).Sub(field.One)
		})
		unchangedFrom(cs, 1)
	})

	add(vm.Incr, func(cs *ConstraintSet) {
		cs.AddConstraint("incr", 1, func(v *StepValues) field.Element {
			return v.Next[0].Sub(v.Current[0]).Sub(field.One)
		})
		unchangedFrom(cs, 1)
	})

	add(vm.Not, func(cs *ConstraintSet) {
		binary(cs, 0)
		cs.AddConstraint("not", 1, func(v *StepValues) field.Element {
			return v.Next[0].Sub(field.One.Sub(v.Current[0]))
		})
		unchangedFrom(cs, 1)
	})

	add(vm.And, func(cs *ConstraintSet) {
		binary(cs, 0)
		binary(cs, 1)
		cs.AddConstraint("and", 2, func(v *StepValues) field.Element {
			return v.Next[0].Sub(v.Current[0].Mul(v.Current[1]))
		})
		shiftLeftFrom(cs, 2)
	})

	add(vm.Or, func(cs *ConstraintSet) {
		binary(cs, 0)
		binary(cs, 1)
		cs.AddConstraint("or", 2, func(v *StepValues) field.Element {
			a, b := v.Current[0], v.Current[1]
			return v.Next[0].Sub(b.Add(a).Sub(b.Mul(a)))
		})
		shiftLeftFrom(cs, 2)
	})

	add(vm.Eq, func(cs *ConstraintSet) {
		cs.AddConstraint("eq_zero_when_different", 2, func(v *StepValues) field.Element {
			return v.Next[0].Mul(v.Current[0].Sub(v.Current[1]))
		})
		cs.AddConstraint("eq_witness", 2, func(v *StepValues) field.Element {
			diff := v.Current[0].Sub(v.Current[1])
			return v.Next[0].Sub(field.One.Sub(diff.Mul(v.Helpers[0])))
		})
		shiftLeftFrom(cs, 2)
	})

	add(vm.Eqz, func(cs *ConstraintSet) {
		cs.AddConstraint("eqz_zero_when_nonzero", 2, func(v *StepValues) field.Element {
			return v.Next[0].Mul(v.Current[0])
		})
		cs.AddConstraint("eqz_witness", 2, func(v *StepValues) field.Element {
			return v.Next[0].Sub(field.One.Sub(v.Current[0].Mul(v.Helpers[0])))
		})
		unchangedFrom(cs, 1)
	})

	add(vm.Expacc, func(cs *ConstraintSet) {
		cs.AddConstraint("bit_is_binary", 2, func(v *StepValues) field.Element {
			bit := v.Next[0]
			return bit.Mul(bit).Sub(bit)
		})
		cs.AddConstraint("exp_squared", 2, func(v *StepValues) field.Element {
			return v.Next[1].Sub(v.Current[1].Mul(v.Current[1]))
		})
		cs.AddConstraint("h0_factor", 2, func(v *StepValues) field.Element {
			factor := v.Current[1].Sub(field.One).Mul(v.Next[0]).Add(field.One)
			return v.Helpers[0].Sub(factor)
		})
		cs.AddConstraint("acc_update", 2, func(v *StepValues) field.Element {
			return v.Next[2].Sub(v.Current[2].Mul(v.Helpers[0]))
		})
		cs.AddConstraint("b_decomposition", 1, func(v *StepValues) field.Element {
			return v.Current[3].Sub(core.Two.Mul(v.Next[3]).Add(v.Next[0]))
		})
		unchangedFrom(cs, 4)
	})

	add(vm.Ext2Mul, func(cs *ConstraintSet) {
		cs.AddConstraint("b1_unchanged", 1, func(v *StepValues) field.Element {
			return v.Next[0].Sub(v.Current[0])
		})
		cs.AddConstraint("b0_unchanged", 1, func(v *StepValues) field.Element {
			return v.Next[1].Sub(v.Current[1])
		})
		// s2' = (b0 + b1)(a0 + a1) - a0·b0
		cs.AddConstraint("c1", 2, func(v *StepValues) field.Element {
			s := v.Current
			c1 := s[0].Add(s[1]).Mul(s[2].Add(s[3])).Sub(s[1].Mul(s[3]))
			return v.Next[2].Sub(c1)
		})
		// s3' = a0·b0 - 2·a1·b1
		cs.AddConstraint("c0", 2, func(v *StepValues) field.Element {
			s := v.Current
			c0 := s[1].Mul(s[3]).Sub(core.Two.Mul(s[0]).Mul(s[2]))
			return v.Next[3].Sub(c0)
		})
		unchangedFrom(cs, 4)
	})

	// Memory: loaded values are not constrained by the step

	add(vm.LocLoad, func(cs *ConstraintSet) { shiftRightFrom(cs, 0) })
	add(vm.LocStore, func(cs *ConstraintSet) { shiftLeftFrom(cs, 1) })
	add(vm.MemLoad, func(cs *ConstraintSet) { unchangedFrom(cs, 1) })
	add(vm.MemStore, func(cs *ConstraintSet) { shiftLeftFrom(cs, 1) })

	// Invocation

	add(vm.Exec, func(cs *ConstraintSet) { unchangedFrom(cs, 0) })
	add(vm.DynExec, func(cs *ConstraintSet) { unchangedFrom(cs, 0) })
	for _, op := range []vm.Instruction{vm.Call, vm.Syscall, vm.DynCall} {
		add(op, func(cs *ConstraintSet) {
			windowUnchanged(cs)
			cs.AddConstraint("overflow_hidden", 1, func(v *StepValues) field.Element {
				return v.Next[overflow]
			})
			cs.AddConstraint("depth_reset", 1, func(v *StepValues) field.Element {
				return v.Next[depth].Sub(minDepth)
			})
		})
	}
	add(vm.Caller, func(cs *ConstraintSet) { unchangedFrom(cs, core.WordLen) })
	add(vm.Return, func(cs *ConstraintSet) { windowUnchanged(cs) })

	return sets
}
