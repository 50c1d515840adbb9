package vm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
)

// StackTopSize is the number of directly addressable stack positions (s0..s15)
const StackTopSize = 16

// MinStackDepth is the logical depth of an empty stack. Positions below the
// bottom read as zero.
const MinStackDepth = StackTopSize

// Frame row layout: s0..s15, overflow top, depth
const (
	ColOverflow = StackTopSize
	ColDepth    = StackTopSize + 1
	RowWidth    = StackTopSize + 2
)

// ErrStackIndex is returned for positions outside the addressable window
var ErrStackIndex = errors.New("stack position out of range")

// Stack is the operand stack of the VM. The top 16 positions are held in a
// fixed array; anything deeper is kept in the overflow region, whose last
// element sits directly below s15.
type Stack struct {
	top      [StackTopSize]field.Element
	overflow []field.Element
}

// NewStack creates a stack with the given initial values, values[0] on top.
// Up to 16 values fill the addressable window without growing the depth.
func NewStack(values []field.Element) *Stack {
	s := &Stack{}
	for i := range s.top {
		if i < len(values) {
			s.top[i] = values[i]
		} else {
			s.top[i] = field.Zero
		}
	}
	if len(values) > StackTopSize {
		rest := values[StackTopSize:]
		s.overflow = make([]field.Element, len(rest))
		for i, v := range rest {
			s.overflow[len(rest)-1-i] = v
		}
	}
	return s
}

// Depth returns the logical depth, never below MinStackDepth
func (s *Stack) Depth() int {
	return StackTopSize + len(s.overflow)
}

// Get returns position i of the addressable window (0 = top)
func (s *Stack) Get(i int) (field.Element, error) {
	if i < 0 || i >= StackTopSize {
		return field.Zero, fmt.Errorf("%w: %d", ErrStackIndex, i)
	}
	return s.top[i], nil
}

// Set overwrites position i of the addressable window
func (s *Stack) Set(i int, v field.Element) error {
	if i < 0 || i >= StackTopSize {
		return fmt.Errorf("%w: %d", ErrStackIndex, i)
	}
	s.top[i] = v
	return nil
}

// Push shifts the stack right by one and places v at s0
func (s *Stack) Push(v field.Element) {
	s.overflow = append(s.overflow, s.top[StackTopSize-1])
	copy(s.top[1:], s.top[:StackTopSize-1])
	s.top[0] = v
}

// Pop removes s0 and shifts the stack left by one. The vacated s15 is refilled
// from the overflow region, or with zero at minimum depth.
func (s *Stack) Pop() field.Element {
	v := s.top[0]
	copy(s.top[:StackTopSize-1], s.top[1:])
	if n := len(s.overflow); n > 0 {
		s.top[StackTopSize-1] = s.overflow[n-1]
		s.overflow = s.overflow[:n-1]
	} else {
		s.top[StackTopSize-1] = field.Zero
	}
	return v
}

// overflowTop returns position 16, or zero when the overflow region is empty
func (s *Stack) overflowTop() field.Element {
	if n := len(s.overflow); n > 0 {
		return s.overflow[n-1]
	}
	return field.Zero
}

// hideOverflow detaches the overflow region, leaving a stack of minimum depth
// with the same top 16 values. The detached region is returned for restoreOverflow.
func (s *Stack) hideOverflow() []field.Element {
	saved := s.overflow
	s.overflow = nil
	return saved
}

// restoreOverflow reattaches a region previously returned by hideOverflow
func (s *Stack) restoreOverflow(saved []field.Element) {
	s.overflow = saved
}

// Frame captures the observable window of the stack
func (s *Stack) Frame() Frame {
	return Frame{Stack: s.top, Overflow: s.overflowTop(), Depth: s.Depth()}
}

// Values returns every stack element, top first
func (s *Stack) Values() []field.Element {
	out := make([]field.Element, 0, s.Depth())
	out = append(out, s.top[:]...)
	for i := len(s.overflow) - 1; i >= 0; i-- {
		out = append(out, s.overflow[i])
	}
	return out
}

// Clone returns an independent copy of the stack
func (s *Stack) Clone() *Stack {
	c := &Stack{top: s.top}
	if len(s.overflow) > 0 {
		c.overflow = make([]field.Element, len(s.overflow))
		copy(c.overflow, s.overflow)
	}
	return c
}

// Frame is the window of stack values observed before or after one step
type Frame struct {
	Stack    [StackTopSize]field.Element
	Overflow field.Element // position 16, zero at minimum depth
	Depth    int
}

// Row flattens the frame into RowWidth columns: s0..s15, overflow, depth
func (f Frame) Row() []field.Element {
	row := make([]field.Element, RowWidth)
	copy(row, f.Stack[:])
	row[ColOverflow] = f.Overflow
	row[ColDepth] = field.New(uint64(f.Depth))
	return row
}

// FrameFromRow rebuilds a frame from its flattened row
func FrameFromRow(row []field.Element) (Frame, error) {
	if len(row) != RowWidth {
		return Frame{}, fmt.Errorf("frame row has %d columns, want %d", len(row), RowWidth)
	}
	var f Frame
	copy(f.Stack[:], row[:StackTopSize])
	f.Overflow = row[ColOverflow]
	f.Depth = int(row[ColDepth].Value())
	return f, nil
}

// String renders the top of the frame and its depth
func (f Frame) String() string {
	parts := make([]string, 0, StackTopSize)
	for _, v := range f.Stack {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("[%s] depth=%d", strings.Join(parts, " "), f.Depth)
}
