package protocols

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"

	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/utils"
	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/vm"
)

var log = commonlog.GetLogger("vybium.protocols")

var (
	// ErrInvalidTrace is returned for any rejected trace
	ErrInvalidTrace = errors.New("invalid execution trace")

	// ErrConstraintViolated is returned when a step constraint evaluates to a non-zero value
	ErrConstraintViolated = fmt.Errorf("%w: constraint violated", ErrInvalidTrace)
)

// VerificationError locates the first rejected step of a trace
type VerificationError struct {
	Step       uint64
	Opcode     vm.Instruction
	Constraint string
	Err        error
}

func (e *VerificationError) Error() string {
	if e.Constraint == "" {
		return fmt.Sprintf("step %d (%s): %v", e.Step, e.Opcode, e.Err)
	}
	return fmt.Sprintf("step %d (%s): %v: %s", e.Step, e.Opcode, e.Err, e.Constraint)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// ConstraintValue is the evaluation of one constraint at one step
type ConstraintValue struct {
	Name   string
	Degree int
	Value  field.Element
}

// EvaluateStep evaluates every constraint of the step's opcode
func EvaluateStep(step *vm.Step) ([]ConstraintValue, error) {
	cs, err := ConstraintsFor(step.Opcode)
	if err != nil {
		return nil, err
	}
	values := NewStepValues(step)
	out := make([]ConstraintValue, 0, cs.NumConstraints())
	for _, c := range cs.Constraints() {
		out = append(out, ConstraintValue{Name: c.Name, Degree: c.Degree, Value: c.Evaluator(values)})
	}
	return out, nil
}

// CheckStep reports the first constraint of the step that does not vanish
func CheckStep(step *vm.Step) error {
	values, err := EvaluateStep(step)
	if err != nil {
		return &VerificationError{Step: step.Index, Opcode: step.Opcode, Err: fmt.Errorf("%w: %v", ErrInvalidTrace, err)}
	}
	for _, v := range values {
		if !v.Value.IsZero() {
			return &VerificationError{Step: step.Index, Opcode: step.Opcode, Constraint: v.Name, Err: ErrConstraintViolated}
		}
	}
	return nil
}

// VerifyTrace checks every step of the trace and the continuity between
// consecutive steps: each step must read the frame its predecessor produced.
// The overflow region is replayed from the initial stack, so the depth and
// every value below s15 are bound, through context switches and up to the
// final stack.
func VerifyTrace(trace *vm.ExecutionTrace) error {
	if trace == nil || trace.Len() == 0 {
		return fmt.Errorf("%w: empty trace", ErrInvalidTrace)
	}
	if uint64(trace.Len()) != trace.CycleCount {
		return fmt.Errorf("%w: %d steps recorded for %d cycles", ErrInvalidTrace, trace.Len(), trace.CycleCount)
	}

	first := &trace.Steps[0]
	if first.Current != vm.NewStack(trace.InitialStack).Frame() {
		return &VerificationError{Opcode: first.Opcode, Constraint: "initial_stack", Err: ErrInvalidTrace}
	}

	replay := newStackReplay(trace.InitialStack)
	for i := range trace.Steps {
		step := &trace.Steps[i]
		if step.Index != uint64(i) {
			return &VerificationError{Step: uint64(i), Opcode: step.Opcode, Constraint: "step_index", Err: ErrInvalidTrace}
		}
		if i > 0 && step.Current != trace.Steps[i-1].Next {
			return &VerificationError{Step: step.Index, Opcode: step.Opcode, Constraint: "frame_continuity", Err: ErrInvalidTrace}
		}
		if err := CheckStep(step); err != nil {
			log.Debugf("trace %s rejected: %v", trace.ID, err)
			return err
		}

		var next *vm.Step
		if i+1 < trace.Len() {
			next = &trace.Steps[i+1]
		}
		if name := replay.advance(step, next); name != "" {
			log.Debugf("trace %s rejected at step %d: %s", trace.ID, step.Index, name)
			return &VerificationError{Step: step.Index, Opcode: step.Opcode, Constraint: name, Err: ErrInvalidTrace}
		}
	}

	last := &trace.Steps[trace.Len()-1]
	if !sameStack(trace.FinalStack, replay.values(last.Next.Stack)) {
		return &VerificationError{Step: last.Index, Opcode: last.Opcode, Constraint: "final_stack", Err: ErrInvalidTrace}
	}
	return nil
}

func sameStack(a, b []field.Element) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// EvaluateComposition folds the constraint values of every step into one
// field element per step, weighted by Fiat-Shamir challenges drawn from the
// channel after absorbing the trace. A valid trace composes to all zeros.
func EvaluateComposition(trace *vm.ExecutionTrace, channel *utils.Channel) ([]field.Element, error) {
	data, err := vm.MarshalTrace(trace)
	if err != nil {
		return nil, err
	}
	channel.Send(data)
	challenges := channel.ReceiveRandomFieldElements(maxConstraintsPerSet())

	out := make([]field.Element, trace.Len())
	for i := range trace.Steps {
		values, err := EvaluateStep(&trace.Steps[i])
		if err != nil {
			return nil, err
		}
		sum := field.Zero
		for idx, v := range values {
			sum = sum.Add(challenges[idx%len(challenges)].Mul(v.Value))
		}
		out[i] = sum
	}
	return out, nil
}

// TraceDigest hashes the canonical encoding of a trace
func TraceDigest(trace *vm.ExecutionTrace, hashFunction string) ([]byte, error) {
	data, err := vm.MarshalTrace(trace)
	if err != nil {
		return nil, err
	}
	return utils.NewChannel(hashFunction).Digest(data), nil
}

// VerificationReport summarizes an accepted trace
type VerificationReport struct {
	TraceID     uuid.UUID
	Steps       int
	Constraints int // constraint evaluations performed
	MaxDegree   int
	Digest      []byte
}

// Verifier checks execution traces against the constraint system
type Verifier struct {
	hashFunction string
}

// NewVerifier creates a verifier whose trace digests use hashFunction
func NewVerifier(hashFunction string) *Verifier {
	return &Verifier{hashFunction: hashFunction}
}

// Verify checks the trace and its composition, returning a report on acceptance
func (v *Verifier) Verify(trace *vm.ExecutionTrace) (*VerificationReport, error) {
	if err := VerifyTrace(trace); err != nil {
		return nil, err
	}

	composition, err := EvaluateComposition(trace, utils.NewChannel(v.hashFunction))
	if err != nil {
		return nil, err
	}
	for i, c := range composition {
		if !c.IsZero() {
			return nil, &VerificationError{Step: uint64(i), Opcode: trace.Steps[i].Opcode, Constraint: "composition", Err: ErrConstraintViolated}
		}
	}

	digest, err := TraceDigest(trace, v.hashFunction)
	if err != nil {
		return nil, err
	}

	report := &VerificationReport{
		TraceID: trace.ID,
		Steps:   trace.Len(),
		Digest:  digest,
	}
	for i := range trace.Steps {
		cs, _ := ConstraintsFor(trace.Steps[i].Opcode)
		report.Constraints += cs.NumConstraints()
		if d := cs.MaxDegree(); d > report.MaxDegree {
			report.MaxDegree = d
		}
	}
	log.Infof("trace %s verified: %d steps, %d constraint evaluations", trace.ID, report.Steps, report.Constraints)
	return report, nil
}
