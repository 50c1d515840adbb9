package vm

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/hash"
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/merkle"

	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/core"
)

// MaxProcedureLocals is the largest locals count a single code block may declare
const MaxProcedureLocals = 1 << 16

var (
	// ErrTableFrozen is returned when inserting into a table after execution began
	ErrTableFrozen = errors.New("code block table is frozen")

	// ErrDigestMismatch is returned when a block's stored digest does not match its body
	ErrDigestMismatch = errors.New("code block digest does not match its body")

	// ErrBlockNotFound is returned when a digest is absent from the table
	ErrBlockNotFound = errors.New("code block not found")
)

// CodeBlock is an executable, content-addressed body produced by the assembler.
// Static invocations reference their callee by digest, so a block's digest
// commits to its whole callee closure.
type CodeBlock struct {
	Name   string
	Ops    []EncodedInstruction
	Locals uint32
	Digest core.Word
}

// NewCodeBlock creates a code block and computes its digest
func NewCodeBlock(name string, locals uint32, ops []EncodedInstruction) (*CodeBlock, error) {
	if locals > MaxProcedureLocals {
		return nil, fmt.Errorf("code block %s declares %d locals, max %d", name, locals, MaxProcedureLocals)
	}
	block := &CodeBlock{Name: name, Ops: ops, Locals: locals}
	block.Digest = block.ComputeDigest()
	return block, nil
}

// ComputeDigest hashes the locals count and the encoding of every op.
// The name is not part of the digest: identical bodies share a digest.
func (b *CodeBlock) ComputeDigest() core.Word {
	elems := []field.Element{field.New(uint64(b.Locals)), field.New(uint64(len(b.Ops)))}
	for _, op := range b.Ops {
		elems = append(elems, op.Words()...)
	}
	return core.HashElements(elems)
}

// String returns the block name and digest
func (b *CodeBlock) String() string {
	return fmt.Sprintf("%s@%s", b.Name, b.Digest.Hex())
}

// CodeBlockTable maps content digests to executable code blocks. It is
// populated at build time and treated as read-only once execution begins.
type CodeBlockTable struct {
	mu     sync.RWMutex
	blocks map[core.Word]*CodeBlock
	frozen bool
}

// NewCodeBlockTable creates an empty table
func NewCodeBlockTable() *CodeBlockTable {
	return &CodeBlockTable{blocks: make(map[core.Word]*CodeBlock)}
}

// Insert adds a block under its digest. Re-inserting an identical body is a no-op.
func (t *CodeBlockTable) Insert(block *CodeBlock) error {
	if block == nil {
		return fmt.Errorf("cannot insert nil code block")
	}
	if block.ComputeDigest() != block.Digest {
		return fmt.Errorf("%w: %s", ErrDigestMismatch, block.Name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.frozen {
		return ErrTableFrozen
	}
	if _, ok := t.blocks[block.Digest]; ok {
		return nil
	}
	t.blocks[block.Digest] = block
	return nil
}

// Get looks up a block by digest
func (t *CodeBlockTable) Get(digest core.Word) (*CodeBlock, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.blocks[digest]
	return b, ok
}

// Has reports whether a digest is present
func (t *CodeBlockTable) Has(digest core.Word) bool {
	_, ok := t.Get(digest)
	return ok
}

// Len returns the number of blocks
func (t *CodeBlockTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.blocks)
}

// Digests returns every digest in ascending order
func (t *CodeBlockTable) Digests() []core.Word {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]core.Word, 0, len(t.blocks))
	for d := range t.blocks {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Blocks returns every block in digest order
func (t *CodeBlockTable) Blocks() []*CodeBlock {
	digests := t.Digests()
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*CodeBlock, len(digests))
	for i, d := range digests {
		out[i] = t.blocks[d]
	}
	return out
}

// Freeze makes the table read-only
func (t *CodeBlockTable) Freeze() {
	t.mu.Lock()
	t.frozen = true
	t.mu.Unlock()
}

// Frozen reports whether the table is read-only
func (t *CodeBlockTable) Frozen() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.frozen
}

// Merge inserts every block of other into t
func (t *CodeBlockTable) Merge(other *CodeBlockTable) error {
	for _, b := range other.Blocks() {
		if err := t.Insert(b); err != nil {
			return err
		}
	}
	return nil
}

// Commitment returns the Merkle root over the sorted digests. The leaf layer is
// padded with zero digests to a power of two (at least two leaves); an empty
// table commits to zero.
func (t *CodeBlockTable) Commitment() (core.Word, error) {
	digests := t.Digests()
	if len(digests) == 0 {
		return core.ZeroWord, nil
	}

	size := 2
	for size < len(digests) {
		size <<= 1
	}
	leaves := make([]hash.Digest, size)
	for i := range leaves {
		if i < len(digests) {
			leaves[i] = digests[i].ToDigest()
		} else {
			leaves[i] = core.ZeroWord.ToDigest()
		}
	}

	tree, err := merkle.New(leaves)
	if err != nil {
		return core.ZeroWord, fmt.Errorf("failed to build code block commitment: %w", err)
	}
	return core.WordFromDigest(tree.Root()), nil
}
