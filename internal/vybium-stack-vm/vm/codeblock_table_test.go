package vm

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/core"
)

func TestCodeBlockDigest(t *testing.T) {
	a := block(t, "a", 0, push(1), op(Add))
	b := block(t, "b", 0, push(1), op(Add))
	c := block(t, "c", 1, push(1), op(Add))
	d := block(t, "d", 0, push(2), op(Add))

	if a.Digest != b.Digest {
		t.Error("identical bodies should share a digest regardless of name")
	}
	if a.Digest == c.Digest {
		t.Error("locals count should be part of the digest")
	}
	if a.Digest == d.Digest {
		t.Error("immediates should be part of the digest")
	}

	caller1 := block(t, "caller", 0, invoke(t, Exec, a))
	caller2 := block(t, "caller", 0, invoke(t, Exec, d))
	if caller1.Digest == caller2.Digest {
		t.Error("callee digest should be part of the caller digest")
	}

	if _, err := NewCodeBlock("big", MaxProcedureLocals+1, nil); err == nil {
		t.Error("too many locals should be rejected")
	}
}

func TestCodeBlockTable(t *testing.T) {
	table := NewCodeBlockTable()
	a := block(t, "a", 0, push(1))
	b := block(t, "b", 0, push(2))

	if err := table.Insert(a); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := table.Insert(a); err != nil {
		t.Fatalf("re-insert failed: %v", err)
	}
	if err := table.Insert(b); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if table.Len() != 2 {
		t.Errorf("Len() = %d, want 2", table.Len())
	}
	if got, ok := table.Get(a.Digest); !ok || got != a {
		t.Error("Get(a) did not return a")
	}
	if table.Has(core.ZeroWord) {
		t.Error("zero digest should be absent")
	}

	digests := table.Digests()
	if len(digests) != 2 || !digests[0].Less(digests[1]) {
		t.Errorf("Digests() not sorted: %v", digests)
	}

	t.Run("Tampered", func(t *testing.T) {
		forged := &CodeBlock{Name: "forged", Ops: a.Ops, Digest: b.Digest}
		if err := table.Insert(forged); !errors.Is(err, ErrDigestMismatch) {
			t.Errorf("Insert(forged) error = %v, want %v", err, ErrDigestMismatch)
		}
	})

	t.Run("Frozen", func(t *testing.T) {
		table.Freeze()
		if err := table.Insert(block(t, "late", 0, push(3))); !errors.Is(err, ErrTableFrozen) {
			t.Errorf("Insert after freeze error = %v, want %v", err, ErrTableFrozen)
		}
	})
}

func TestCodeBlockTableCommitment(t *testing.T) {
	empty, err := NewCodeBlockTable().Commitment()
	if err != nil || empty != core.ZeroWord {
		t.Fatalf("empty commitment = %s, %v", empty, err)
	}

	one := tableOf(t, block(t, "a", 0, push(1)))
	two := tableOf(t, block(t, "a", 0, push(1)), block(t, "b", 0, push(2)))
	twoAgain := tableOf(t, block(t, "b", 0, push(2)), block(t, "a", 0, push(1)))

	c1, err := one.Commitment()
	if err != nil {
		t.Fatalf("Commitment failed: %v", err)
	}
	c2, _ := two.Commitment()
	c3, _ := twoAgain.Commitment()
	if c1 == c2 {
		t.Error("different tables should commit differently")
	}
	if c2 != c3 {
		t.Error("commitment should not depend on insertion order")
	}
}

func TestTableEncoding(t *testing.T) {
	leaf := block(t, "leaf", 2, push(5), MustEncode(LocStore, 1))
	root := block(t, "root", 0, invoke(t, Call, leaf), op(Eq))
	table := tableOf(t, leaf, root)

	data, err := MarshalTable(table)
	if err != nil {
		t.Fatalf("MarshalTable failed: %v", err)
	}
	again, err := MarshalTable(tableOf(t, root, leaf))
	if err != nil {
		t.Fatalf("MarshalTable failed: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Error("encoding should be canonical")
	}

	decoded, err := UnmarshalTable(data)
	if err != nil {
		t.Fatalf("UnmarshalTable failed: %v", err)
	}
	got, ok := decoded.Get(root.Digest)
	if !ok {
		t.Fatal("root block missing after decoding")
	}
	if got.Name != "root" || len(got.Ops) != 2 || got.Ops[0].Target != leaf.Digest {
		t.Errorf("decoded root = %+v", got)
	}
}

func TestTraceEncoding(t *testing.T) {
	recorder := NewSimpleTraceRecorder()
	opts := DefaultExecutionOptions()
	opts.Recorder = recorder
	table := NewCodeBlockTable()
	vm := newVM(t, table, block(t, "entry", 0, push(3), push(3), op(Eq)), nil, opts)
	if err := vm.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	trace := recorder.Trace(vm.CycleCount, vm.Inputs(), vm.Output(), core.ZeroWord)

	data, err := MarshalTrace(trace)
	if err != nil {
		t.Fatalf("MarshalTrace failed: %v", err)
	}
	decoded, err := UnmarshalTrace(data)
	if err != nil {
		t.Fatalf("UnmarshalTrace failed: %v", err)
	}
	if decoded.ID != trace.ID || decoded.CycleCount != trace.CycleCount || decoded.Len() != trace.Len() {
		t.Fatalf("decoded trace header differs")
	}
	for i := range trace.Steps {
		if decoded.Steps[i] != trace.Steps[i] {
			t.Errorf("step %d differs after decoding", i)
		}
	}
}

func TestNonCanonicalDecoding(t *testing.T) {
	recorder := NewSimpleTraceRecorder()
	opts := DefaultExecutionOptions()
	opts.Recorder = recorder
	table := NewCodeBlockTable()
	vm := newVM(t, table, block(t, "entry", 0, push(3), op(Incr)), []uint64{9, 8}, opts)
	if err := vm.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	data, err := MarshalTrace(recorder.Trace(vm.CycleCount, vm.Inputs(), vm.Output(), core.ZeroWord))
	if err != nil {
		t.Fatalf("MarshalTrace failed: %v", err)
	}

	traceTests := []struct {
		name   string
		tamper func(w *wireTrace)
	}{
		{"Current", func(w *wireTrace) { w.Steps[0].Current[0] = core.Modulus }},
		{"Next", func(w *wireTrace) { w.Steps[1].Next[ColOverflow] = core.Modulus + 1 }},
		{"Argument", func(w *wireTrace) { w.Steps[0].Arg = core.Modulus + 3 }},
		{"Helper", func(w *wireTrace) { w.Steps[1].Helpers[2] = ^uint64(0) }},
		{"InitialStack", func(w *wireTrace) { w.Initial[1] = core.Modulus }},
		{"FinalStack", func(w *wireTrace) { w.FinalStack[0] = core.Modulus + 4 }},
		{"Commitment", func(w *wireTrace) { w.Commitment[3] = core.Modulus }},
	}
	for _, tt := range traceTests {
		t.Run(tt.name, func(t *testing.T) {
			var w wireTrace
			if err := cbor.Unmarshal(data, &w); err != nil {
				t.Fatalf("cbor.Unmarshal failed: %v", err)
			}
			tt.tamper(&w)
			tampered, err := cborEncMode.Marshal(&w)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if _, err := UnmarshalTrace(tampered); !errors.Is(err, ErrNonCanonical) {
				t.Errorf("UnmarshalTrace error = %v, want %v", err, ErrNonCanonical)
			}
		})
	}

	leaf := block(t, "leaf", 0, push(5))
	tableData, err := MarshalTable(tableOf(t, leaf, block(t, "root", 0, invoke(t, Exec, leaf))))
	if err != nil {
		t.Fatalf("MarshalTable failed: %v", err)
	}
	tableTests := []struct {
		name   string
		tamper func(w *wireTable)
	}{
		{"Argument", func(w *wireTable) { w.Blocks[0].Ops[0].Arg = core.Modulus }},
		{"Target", func(w *wireTable) { w.Blocks[1].Ops[0].Target[0] = core.Modulus }},
		{"Digest", func(w *wireTable) { w.Blocks[0].Digest[1] = core.Modulus + 1 }},
	}
	for _, tt := range tableTests {
		t.Run("Table"+tt.name, func(t *testing.T) {
			var w wireTable
			if err := cbor.Unmarshal(tableData, &w); err != nil {
				t.Fatalf("cbor.Unmarshal failed: %v", err)
			}
			tt.tamper(&w)
			tampered, err := cborEncMode.Marshal(&w)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if _, err := UnmarshalTable(tampered); !errors.Is(err, ErrNonCanonical) {
				t.Errorf("UnmarshalTable error = %v, want %v", err, ErrNonCanonical)
			}
		})
	}
}
