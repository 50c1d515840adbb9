package vm

import (
	"errors"
	"fmt"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"

	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/core"
)

// MaxContextLocals bounds the locals allocated at once within one context
const MaxContextLocals = 1 << 30

// ContextKind identifies how an execution context was entered
type ContextKind uint8

const (
	RootContext ContextKind = iota
	CallContext
	SyscallContext
	DynCallContext
)

func (k ContextKind) String() string {
	switch k {
	case RootContext:
		return "root"
	case CallContext:
		return "call"
	case SyscallContext:
		return "syscall"
	case DynCallContext:
		return "dyncall"
	default:
		return fmt.Sprintf("context(%d)", k)
	}
}

var (
	ErrNestedSyscall             = errors.New("syscall issued from a privileged context")
	ErrCallerOutsideSyscall      = errors.New("caller is only available in a syscall context")
	ErrInvalidStackDepthOnReturn = errors.New("stack depth must be 16 when returning from a context")
	ErrLocalsExhausted           = errors.New("locals region exhausted")
	ErrReturnFromRoot            = errors.New("cannot leave the root context")
)

// ContextFrame is one execution context: a memory region, a locals region and
// a back-reference to the context that created it. The stack is shared, but a
// new context only sees the top 16 values of its caller.
type ContextFrame struct {
	ID         uint32
	Kind       ContextKind
	Privileged bool

	// Memory is exclusive to the context, except that syscall contexts operate
	// on the root context's memory.
	Memory map[uint32]field.Element

	// Locals is the locals region; each active invocation owns a window of it.
	Locals []field.Element

	// CallerDigest is the digest of the code block that created this context
	CallerDigest core.Word
	Caller       *ContextFrame

	savedOverflow []field.Element
}

// LoadMemory reads an address, returning zero for unwritten cells
func (c *ContextFrame) LoadMemory(addr uint32) field.Element {
	if v, ok := c.Memory[addr]; ok {
		return v
	}
	return field.Zero
}

// StoreMemory writes an address
func (c *ContextFrame) StoreMemory(addr uint32, v field.Element) {
	c.Memory[addr] = v
}

// allocLocals reserves n zeroed locals and returns the window base
func (c *ContextFrame) allocLocals(n uint32) (int, error) {
	base := len(c.Locals)
	if uint64(base)+uint64(n) > MaxContextLocals {
		return 0, fmt.Errorf("%w: %d allocated, %d requested", ErrLocalsExhausted, base, n)
	}
	for i := uint32(0); i < n; i++ {
		c.Locals = append(c.Locals, field.Zero)
	}
	return base, nil
}

// freeLocals releases every local at or above base
func (c *ContextFrame) freeLocals(base int) {
	if base < len(c.Locals) {
		c.Locals = c.Locals[:base]
	}
}

// ContextManager keeps the explicit stack of execution contexts
type ContextManager struct {
	frames []*ContextFrame
	nextID uint32
}

// NewContextManager creates a manager holding only the root context
func NewContextManager() *ContextManager {
	root := &ContextFrame{
		ID:     0,
		Kind:   RootContext,
		Memory: make(map[uint32]field.Element),
	}
	return &ContextManager{frames: []*ContextFrame{root}, nextID: 1}
}

// Current returns the active context
func (m *ContextManager) Current() *ContextFrame {
	return m.frames[len(m.frames)-1]
}

// Root returns the root context
func (m *ContextManager) Root() *ContextFrame {
	return m.frames[0]
}

// Depth returns the number of open contexts, root included
func (m *ContextManager) Depth() int {
	return len(m.frames)
}

// Enter pushes a new context. The caller's stack values beyond position 15
// are hidden until the matching Leave.
func (m *ContextManager) Enter(kind ContextKind, callerDigest core.Word, stack *Stack) (*ContextFrame, error) {
	cur := m.Current()
	frame := &ContextFrame{
		ID:           m.nextID,
		Kind:         kind,
		CallerDigest: callerDigest,
		Caller:       cur,
	}
	switch kind {
	case CallContext, DynCallContext:
		frame.Memory = make(map[uint32]field.Element)
	case SyscallContext:
		if cur.Privileged {
			return nil, ErrNestedSyscall
		}
		frame.Privileged = true
		frame.Memory = m.Root().Memory
	default:
		return nil, fmt.Errorf("cannot enter a %s context", kind)
	}

	frame.savedOverflow = stack.hideOverflow()
	m.frames = append(m.frames, frame)
	m.nextID++
	return frame, nil
}

// Leave pops the active context and restores the caller's hidden stack values
func (m *ContextManager) Leave(stack *Stack) error {
	if len(m.frames) == 1 {
		return ErrReturnFromRoot
	}
	if stack.Depth() != MinStackDepth {
		return fmt.Errorf("%w: depth is %d", ErrInvalidStackDepthOnReturn, stack.Depth())
	}
	frame := m.Current()
	stack.restoreOverflow(frame.savedOverflow)
	frame.savedOverflow = nil
	m.frames = m.frames[:len(m.frames)-1]
	return nil
}

// abandon undoes an Enter whose invocation never started. Unlike Leave it does
// not require the minimum depth.
func (m *ContextManager) abandon(stack *Stack) {
	if len(m.frames) == 1 {
		return
	}
	frame := m.Current()
	stack.restoreOverflow(frame.savedOverflow)
	frame.savedOverflow = nil
	m.frames = m.frames[:len(m.frames)-1]
}
