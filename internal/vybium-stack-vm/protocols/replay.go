package protocols

import (
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"

	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/vm"
)

// stackReplay rebuilds the overflow region of a trace from its initial stack.
// A frame only carries the overflow top, so every position below s16 is bound
// here rather than by the step constraints.
type stackReplay struct {
	region []field.Element // last element sits directly below s15
	hidden []hiddenRegion
}

// hiddenRegion is the region saved by call, syscall or dyncall
type hiddenRegion struct {
	region  []field.Element
	context uint32 // context that issued the call
}

func newStackReplay(initial []field.Element) *stackReplay {
	r := &stackReplay{}
	if len(initial) > vm.StackTopSize {
		rest := initial[vm.StackTopSize:]
		r.region = make([]field.Element, len(rest))
		for i, v := range rest {
			r.region[len(rest)-1-i] = v
		}
	}
	return r
}

func (r *stackReplay) top() field.Element {
	if n := len(r.region); n > 0 {
		return r.region[n-1]
	}
	return field.Zero
}

func (r *stackReplay) depth() int {
	return vm.MinStackDepth + len(r.region)
}

// advance applies step to the region and checks the frame it produced. next
// is the step that follows, nil for the last one. It returns the name of the
// violated check, or "" when the step agrees with the replay.
func (r *stackReplay) advance(step, next *vm.Step) string {
	switch {
	case step.Opcode.ChangesContext():
		r.hidden = append(r.hidden, hiddenRegion{region: r.region, context: step.Context})
		r.region = nil
		if next != nil && next.Context == step.Context {
			return "context_entered"
		}

	case step.Opcode == vm.Return && next != nil && next.Context != step.Context:
		n := len(r.hidden)
		if n == 0 || r.hidden[n-1].context != next.Context {
			return "context_restored"
		}
		r.region = r.hidden[n-1].region
		r.hidden = r.hidden[:n-1]

	default:
		if next != nil && next.Context != step.Context {
			return "context_unchanged"
		}
		info, err := step.Opcode.Info()
		if err != nil {
			return "opcode"
		}
		switch info.StackEffect {
		case 1:
			r.region = append(r.region, step.Current.Stack[vm.StackTopSize-1])
		case -1:
			if n := len(r.region); n > 0 {
				r.region = r.region[:n-1]
			}
		}
	}

	if !step.Next.Overflow.Equal(r.top()) {
		return "overflow_replay"
	}
	if step.Next.Depth != r.depth() {
		return "depth_replay"
	}
	if next == nil && len(r.hidden) > 0 {
		return "context_balance"
	}
	return ""
}

// values returns the full replayed stack below the given window, top first
func (r *stackReplay) values(window [vm.StackTopSize]field.Element) []field.Element {
	out := make([]field.Element, 0, r.depth())
	out = append(out, window[:]...)
	for i := len(r.region) - 1; i >= 0; i-- {
		out = append(out, r.region[i])
	}
	return out
}
