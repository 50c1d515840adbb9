package vm

import (
	"testing"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"

	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/core"
)

func TestInstructionTable(t *testing.T) {
	if len(AllInstructions) != InstructionCount {
		t.Fatalf("AllInstructions has %d entries, want %d", len(AllInstructions), InstructionCount)
	}

	names := make(map[string]Instruction)
	for op, info := range AllInstructions {
		if info.Opcode != op {
			t.Errorf("%s: Opcode = %d, want %d", info.Name, info.Opcode, op)
		}
		if prev, ok := names[info.Name]; ok {
			t.Errorf("name %q used by %d and %d", info.Name, prev, op)
		}
		names[info.Name] = op
	}
}

func TestInstructionStrings(t *testing.T) {
	tests := []struct {
		inst Instruction
		want string
	}{
		{Add, "add"},
		{Ext2Mul, "ext2mul"},
		{LocStore, "loc_store"},
		{DynCall, "dyncall"},
		{Instruction(200), "unknown(200)"},
	}
	for _, tt := range tests {
		if got := tt.inst.String(); got != tt.want {
			t.Errorf("Instruction(%d).String() = %q, want %q", tt.inst, got, tt.want)
		}
	}
}

func TestNewEncodedInstruction(t *testing.T) {
	t.Run("ArgumentRanges", func(t *testing.T) {
		tests := []struct {
			inst Instruction
			arg  uint64
			ok   bool
		}{
			{Dup, 0, true},
			{Dup, 15, true},
			{Dup, 16, false},
			{Swap, 0, false},
			{Swap, 1, true},
			{MovUp, 1, false},
			{MovUp, 2, true},
			{MovDn, 15, true},
			{MovDn, 16, false},
			{LocLoad, MaxProcedureLocals - 1, true},
			{LocLoad, MaxProcedureLocals, false},
			{Push, core.MaxConstant, true},
			{Add, 1, false},
		}
		for _, tt := range tests {
			_, err := NewEncodedInstruction(tt.inst, field.New(tt.arg))
			if (err == nil) != tt.ok {
				t.Errorf("NewEncodedInstruction(%s, %d) error = %v, want ok=%v", tt.inst, tt.arg, err, tt.ok)
			}
		}
	})

	t.Run("TargetRequired", func(t *testing.T) {
		if _, err := NewEncodedInstruction(Exec, field.Zero); err == nil {
			t.Error("exec without a target should fail")
		}
		if _, err := NewInvocation(Add, core.ZeroWord); err == nil {
			t.Error("add with a target should fail")
		}
		if _, err := NewEncodedInstruction(Return, field.Zero); err == nil {
			t.Error("return should not be encodable")
		}
	})
}

func TestEncodedInstructionWords(t *testing.T) {
	push := MustEncode(Push, 42)
	words := push.Words()
	if len(words) != 2 {
		t.Fatalf("push words = %d, want 2", len(words))
	}
	if words[0].Value() != uint64(Push) || words[1].Value() != 42 {
		t.Errorf("push words = %v", core.Uint64s(words))
	}

	target := core.WordFromUint64s([core.WordLen]uint64{1, 2, 3, 4})
	call, err := NewInvocation(Call, target)
	if err != nil {
		t.Fatalf("NewInvocation failed: %v", err)
	}
	if got := len(call.Words()); got != 2+core.WordLen {
		t.Errorf("call words = %d, want %d", got, 2+core.WordLen)
	}
}
