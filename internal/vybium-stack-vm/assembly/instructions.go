package assembly

import (
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"

	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/core"
	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/vm"
)

// MaxRepeat bounds the count of a repeat block
const MaxRepeat = 1 << 16

// MaxPushValues bounds the immediates of one push
const MaxPushValues = vm.StackTopSize

type compiler struct {
	r    *moduleResolver
	proc *Procedure
	ops  []vm.EncodedInstruction
}

type assembleFunc func(c *compiler, n *InstNode) error

// keywords maps instruction names to their assemblers
var keywords map[string]assembleFunc

func init() {
	keywords = make(map[string]assembleFunc)
	for op, info := range vm.AllInstructions {
		if info.HasArg || info.HasTarget || op == vm.Return {
			continue
		}
		op := op
		keywords[info.Name] = func(c *compiler, n *InstNode) error {
			if err := c.noParams(n); err != nil {
				return err
			}
			c.emit(op, field.Zero)
			return nil
		}
	}

	keywords["push"] = assemblePush
	keywords["dup"] = indexed(vm.Dup, 0)
	keywords["swap"] = indexed(vm.Swap, 1)
	keywords["movup"] = indexed(vm.MovUp, -1)
	keywords["movdn"] = indexed(vm.MovDn, -1)
	keywords["add"] = withImmediate(vm.Add)
	keywords["mul"] = withImmediate(vm.Mul)
	keywords["eq"] = withImmediate(vm.Eq)
	keywords["loc_load"] = assembleLocal(vm.LocLoad)
	keywords["loc_store"] = assembleLocal(vm.LocStore)
	keywords["mem_load"] = assembleMemory(vm.MemLoad, false)
	keywords["mem_store"] = assembleMemory(vm.MemStore, true)
	keywords["exec"] = assembleInvocation(vm.Exec)
	keywords["call"] = assembleInvocation(vm.Call)
	keywords["syscall"] = assembleInvocation(vm.Syscall)
	keywords["procref"] = assembleProcRef
}

func (c *compiler) compileBody(body []Node) ([]vm.EncodedInstruction, error) {
	saved := c.ops
	c.ops = nil
	for _, node := range body {
		if err := c.compileNode(node); err != nil {
			return nil, err
		}
	}
	ops := c.ops
	c.ops = saved
	return ops, nil
}

func (c *compiler) compileNode(node Node) error {
	switch n := node.(type) {
	case *RepeatNode:
		count, err := c.value(n.Loc, n.Count)
		if err != nil {
			return err
		}
		if count == 0 || count > MaxRepeat {
			return errorAt(n.Loc, ErrInvalidParameter, "repeat count %d", count)
		}
		inner, err := c.compileBody(n.Body)
		if err != nil {
			return err
		}
		for i := uint64(0); i < count; i++ {
			c.ops = append(c.ops, inner...)
		}
		return nil
	case *InstNode:
		asm, ok := keywords[n.Op]
		if !ok {
			return errorAt(n.Loc, ErrUnknownInstruction, "%s", n.Op)
		}
		return asm(c, n)
	}
	return errorAt(node.Location(), ErrUnexpectedToken, "%T", node)
}

func (c *compiler) emit(op vm.Instruction, arg field.Element) {
	c.ops = append(c.ops, vm.EncodedInstruction{Instruction: op, Argument: arg})
}

func (c *compiler) emitArg(loc Loc, op vm.Instruction, arg uint64) error {
	ei, err := vm.NewEncodedInstruction(op, field.New(arg))
	if err != nil {
		return errorAt(loc, ErrInvalidParameter, "%v", err)
	}
	c.ops = append(c.ops, ei)
	return nil
}

func (c *compiler) noParams(n *InstNode) error {
	if len(n.Params) != 0 {
		return errorAt(n.Loc, ErrInvalidParameter, "%s takes no parameters", n.Op)
	}
	return nil
}

// value resolves a literal or a constant reference
func (c *compiler) value(loc Loc, param string) (uint64, error) {
	if param == "" {
		return 0, errorAt(loc, ErrInvalidParameter, "empty parameter")
	}
	if '0' <= param[0] && param[0] <= '9' {
		v, err := parseLiteral(param)
		if err != nil {
			return 0, errorAt(loc, ErrInvalidParameter, "%v", err)
		}
		return v, nil
	}
	if !ValidConstantName(param) {
		return 0, errorAt(loc, ErrInvalidParameter, "%q", param)
	}
	v, ok := c.r.constants[param]
	if !ok {
		return 0, errorAt(loc, ErrUndefinedConstant, "%s", param)
	}
	return v, nil
}

// push.a[.b…] pushes each immediate in order, the last ending on top
func assemblePush(c *compiler, n *InstNode) error {
	if len(n.Params) == 0 || len(n.Params) > MaxPushValues {
		return errorAt(n.Loc, ErrInvalidParameter, "push takes 1 to %d values", MaxPushValues)
	}
	for _, p := range n.Params {
		v, err := c.value(n.Loc, p)
		if err != nil {
			return err
		}
		c.emit(vm.Push, field.New(v))
	}
	return nil
}

// indexed assembles a stack position instruction; def < 0 makes the index mandatory
func indexed(op vm.Instruction, def int) assembleFunc {
	return func(c *compiler, n *InstNode) error {
		switch len(n.Params) {
		case 0:
			if def < 0 {
				return errorAt(n.Loc, ErrInvalidParameter, "%s needs an index", n.Op)
			}
			return c.emitArg(n.Loc, op, uint64(def))
		case 1:
			v, err := c.value(n.Loc, n.Params[0])
			if err != nil {
				return err
			}
			return c.emitArg(n.Loc, op, v)
		}
		return errorAt(n.Loc, ErrInvalidParameter, "%s takes one index", n.Op)
	}
}

// withImmediate assembles op or op.N, the latter pushing N first
func withImmediate(op vm.Instruction) assembleFunc {
	return func(c *compiler, n *InstNode) error {
		switch len(n.Params) {
		case 0:
		case 1:
			v, err := c.value(n.Loc, n.Params[0])
			if err != nil {
				return err
			}
			c.emit(vm.Push, field.New(v))
		default:
			return errorAt(n.Loc, ErrInvalidParameter, "%s takes at most one value", n.Op)
		}
		c.emit(op, field.Zero)
		return nil
	}
}

func assembleLocal(op vm.Instruction) assembleFunc {
	return func(c *compiler, n *InstNode) error {
		if len(n.Params) != 1 {
			return errorAt(n.Loc, ErrInvalidParameter, "%s takes one index", n.Op)
		}
		i, err := c.value(n.Loc, n.Params[0])
		if err != nil {
			return err
		}
		if i >= uint64(c.proc.Locals) {
			return errorAt(n.Loc, ErrLocalIndexOutOfRange, "%s.%d in %s with %d locals", n.Op, i, c.proc.Name, c.proc.Locals)
		}
		return c.emitArg(n.Loc, op, i)
	}
}

// assembleMemory handles mem_load[.ADDR] and mem_store[.ADDR]. Stores consume
// the stored value: the machine instruction leaves it on the stack.
func assembleMemory(op vm.Instruction, store bool) assembleFunc {
	return func(c *compiler, n *InstNode) error {
		switch len(n.Params) {
		case 0:
		case 1:
			addr, err := c.value(n.Loc, n.Params[0])
			if err != nil {
				return err
			}
			if addr > 0xFFFFFFFF {
				return errorAt(n.Loc, ErrInvalidParameter, "address %d exceeds 32 bits", addr)
			}
			c.emit(vm.Push, field.New(addr))
		default:
			return errorAt(n.Loc, ErrInvalidParameter, "%s takes at most one address", n.Op)
		}
		c.emit(op, field.Zero)
		if store {
			c.emit(vm.Drop, field.Zero)
		}
		return nil
	}
}

func (c *compiler) target(n *InstNode, op vm.Instruction) (*Procedure, error) {
	if len(n.Params) != 1 {
		return nil, errorAt(n.Loc, ErrInvalidParameter, "%s takes one procedure", n.Op)
	}
	if op == vm.Syscall {
		return c.r.resolveKernel(n.Loc, n.Params[0])
	}
	return c.r.resolveTarget(n.Loc, c.proc.Index, n.Params[0])
}

func assembleInvocation(op vm.Instruction) assembleFunc {
	return func(c *compiler, n *InstNode) error {
		callee, err := c.target(n, op)
		if err != nil {
			return err
		}
		ei, err := vm.NewInvocation(op, callee.Digest())
		if err != nil {
			return errorAt(n.Loc, ErrInvalidParameter, "%v", err)
		}
		c.ops = append(c.ops, ei)
		c.proc.Callees = append(c.proc.Callees, callee)
		return nil
	}
}

// procref.NAME pushes the digest of NAME with its first element on top
func assembleProcRef(c *compiler, n *InstNode) error {
	callee, err := c.target(n, vm.Exec)
	if err != nil {
		return err
	}
	d := callee.Digest()
	for i := core.WordLen - 1; i >= 0; i-- {
		c.emit(vm.Push, d[i])
	}
	c.proc.Callees = append(c.proc.Callees, callee)
	return nil
}
