package vm

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"

	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/core"
)

// wireVersion is bumped whenever the encoding of blocks or steps changes
const wireVersion = 2

// ErrNonCanonical is returned when a decoded field value is not below the modulus
var ErrNonCanonical = errors.New("non-canonical field element")

// canonical mode so that equal tables and traces encode to equal bytes
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type wireInstruction struct {
	Op     uint8     `cbor:"1,keyasint"`
	Arg    uint64    `cbor:"2,keyasint,omitempty"`
	Target [4]uint64 `cbor:"3,keyasint,omitempty"`
}

type wireBlock struct {
	Name   string            `cbor:"1,keyasint"`
	Locals uint32            `cbor:"2,keyasint"`
	Digest [4]uint64         `cbor:"3,keyasint"`
	Ops    []wireInstruction `cbor:"4,keyasint"`
}

type wireTable struct {
	Version uint8       `cbor:"1,keyasint"`
	Blocks  []wireBlock `cbor:"2,keyasint"`
}

type wireStep struct {
	Index   uint64    `cbor:"1,keyasint"`
	Op      uint8     `cbor:"2,keyasint"`
	Arg     uint64    `cbor:"3,keyasint,omitempty"`
	Current []uint64  `cbor:"4,keyasint"`
	Next    []uint64  `cbor:"5,keyasint"`
	Helpers [6]uint64 `cbor:"6,keyasint"`
	Context uint32    `cbor:"7,keyasint,omitempty"`
}

type wireTrace struct {
	Version    uint8      `cbor:"1,keyasint"`
	ID         [16]byte   `cbor:"2,keyasint"`
	Cycles     uint64     `cbor:"3,keyasint"`
	FinalStack []uint64   `cbor:"4,keyasint"`
	Commitment [4]uint64  `cbor:"5,keyasint"`
	Steps      []wireStep `cbor:"6,keyasint"`
	Initial    []uint64   `cbor:"7,keyasint,omitempty"`
}

// felt decodes one wire value without reducing it
func felt(v uint64, what string) (field.Element, error) {
	if v >= core.Modulus {
		return field.Zero, fmt.Errorf("%w: %s = %d", ErrNonCanonical, what, v)
	}
	return field.New(v), nil
}

func felts(values []uint64, what string) ([]field.Element, error) {
	out := make([]field.Element, len(values))
	for i, v := range values {
		e, err := felt(v, fmt.Sprintf("%s[%d]", what, i))
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

func word(values [core.WordLen]uint64, what string) (core.Word, error) {
	var w core.Word
	for i, v := range values {
		e, err := felt(v, fmt.Sprintf("%s[%d]", what, i))
		if err != nil {
			return core.ZeroWord, err
		}
		w[i] = e
	}
	return w, nil
}

// MarshalTable serializes a code block table to canonical CBOR, blocks in digest order
func MarshalTable(t *CodeBlockTable) ([]byte, error) {
	w := wireTable{Version: wireVersion}
	for _, b := range t.Blocks() {
		wb := wireBlock{Name: b.Name, Locals: b.Locals, Digest: b.Digest.Uint64s()}
		for _, op := range b.Ops {
			wb.Ops = append(wb.Ops, wireInstruction{
				Op:     uint8(op.Instruction),
				Arg:    op.Argument.Value(),
				Target: op.Target.Uint64s(),
			})
		}
		w.Blocks = append(w.Blocks, wb)
	}
	return cborEncMode.Marshal(&w)
}

// UnmarshalTable deserializes a table. Every digest is recomputed from the
// block body; a mismatch is ErrDigestMismatch.
func UnmarshalTable(data []byte) (*CodeBlockTable, error) {
	var w wireTable
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("vm: unmarshal table: %w", err)
	}
	if w.Version != wireVersion {
		return nil, fmt.Errorf("vm: unsupported table version %d", w.Version)
	}

	t := NewCodeBlockTable()
	for _, wb := range w.Blocks {
		ops := make([]EncodedInstruction, len(wb.Ops))
		for i, wi := range wb.Ops {
			inst := Instruction(wi.Op)
			if _, err := inst.Info(); err != nil {
				return nil, fmt.Errorf("vm: block %s op %d: %w", wb.Name, i, err)
			}
			arg, err := felt(wi.Arg, "argument")
			if err != nil {
				return nil, fmt.Errorf("vm: block %s op %d: %w", wb.Name, i, err)
			}
			target, err := word(wi.Target, "target")
			if err != nil {
				return nil, fmt.Errorf("vm: block %s op %d: %w", wb.Name, i, err)
			}
			ops[i] = EncodedInstruction{Instruction: inst, Argument: arg, Target: target}
		}
		digest, err := word(wb.Digest, "digest")
		if err != nil {
			return nil, fmt.Errorf("vm: block %s: %w", wb.Name, err)
		}
		block := &CodeBlock{
			Name:   wb.Name,
			Ops:    ops,
			Locals: wb.Locals,
			Digest: digest,
		}
		if err := t.Insert(block); err != nil {
			return nil, fmt.Errorf("vm: block %s: %w", wb.Name, err)
		}
	}
	return t, nil
}

// MarshalTrace serializes an execution trace to canonical CBOR
func MarshalTrace(tr *ExecutionTrace) ([]byte, error) {
	w := wireTrace{
		Version:    wireVersion,
		ID:         [16]byte(tr.ID),
		Cycles:     tr.CycleCount,
		Initial:    core.Uint64s(tr.InitialStack),
		FinalStack: core.Uint64s(tr.FinalStack),
		Commitment: tr.TableCommitment.Uint64s(),
		Steps:      make([]wireStep, len(tr.Steps)),
	}
	for i, s := range tr.Steps {
		ws := wireStep{
			Index:   s.Index,
			Op:      uint8(s.Opcode),
			Arg:     s.Argument.Value(),
			Current: core.Uint64s(s.Current.Row()),
			Next:    core.Uint64s(s.Next.Row()),
			Context: s.Context,
		}
		for j, h := range s.Helpers {
			ws.Helpers[j] = h.Value()
		}
		w.Steps[i] = ws
	}
	return cborEncMode.Marshal(&w)
}

// UnmarshalTrace deserializes an execution trace. Values at or above the
// field modulus are rejected with ErrNonCanonical rather than reduced.
func UnmarshalTrace(data []byte) (*ExecutionTrace, error) {
	var w wireTrace
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("vm: unmarshal trace: %w", err)
	}
	if w.Version != wireVersion {
		return nil, fmt.Errorf("vm: unsupported trace version %d", w.Version)
	}

	initial, err := felts(w.Initial, "initial stack")
	if err != nil {
		return nil, fmt.Errorf("vm: trace: %w", err)
	}
	final, err := felts(w.FinalStack, "final stack")
	if err != nil {
		return nil, fmt.Errorf("vm: trace: %w", err)
	}
	commitment, err := word(w.Commitment, "commitment")
	if err != nil {
		return nil, fmt.Errorf("vm: trace: %w", err)
	}
	tr := &ExecutionTrace{
		ID:              uuid.UUID(w.ID),
		CycleCount:      w.Cycles,
		InitialStack:    initial,
		FinalStack:      final,
		TableCommitment: commitment,
		Steps:           make([]Step, len(w.Steps)),
	}
	for i, ws := range w.Steps {
		step, err := decodeStep(ws)
		if err != nil {
			return nil, fmt.Errorf("vm: step %d: %w", ws.Index, err)
		}
		tr.Steps[i] = step
	}
	return tr, nil
}

func decodeStep(ws wireStep) (Step, error) {
	step := Step{Index: ws.Index, Opcode: Instruction(ws.Op), Context: ws.Context}
	arg, err := felt(ws.Arg, "argument")
	if err != nil {
		return step, err
	}
	step.Argument = arg

	row, err := felts(ws.Current, "current")
	if err != nil {
		return step, err
	}
	if step.Current, err = FrameFromRow(row); err != nil {
		return step, fmt.Errorf("current frame: %w", err)
	}
	if row, err = felts(ws.Next, "next"); err != nil {
		return step, err
	}
	if step.Next, err = FrameFromRow(row); err != nil {
		return step, fmt.Errorf("next frame: %w", err)
	}

	for j, h := range ws.Helpers {
		if step.Helpers[j], err = felt(h, fmt.Sprintf("helper[%d]", j)); err != nil {
			return step, err
		}
	}
	return step, nil
}
