package vybiumstackvm

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tliron/commonlog"
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"

	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/assembly"
	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/core"
	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/protocols"
	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/utils"
	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/vm"
)

var log = commonlog.GetLogger("vybium")

// VM is the public interface for the Vybium Stack VM
type VM interface {
	// Assemble resolves a program source against the loaded libraries and kernel
	Assemble(file string, src []byte) (*Program, error)

	// AssembleFile reads and assembles a program source file
	AssembleFile(path string) (*Program, error)

	// AddLibraries registers library sources in import order
	AddLibraries(sources []LibrarySource) error

	// Execute runs a program with inputs on the stack, inputs[0] on top
	Execute(program *Program, inputs []uint64) (*Result, error)

	// Verify checks a recorded trace against the constraint system
	Verify(trace *ExecutionTrace) (*VerificationReport, error)

	// Config returns a copy of the active configuration
	Config() *Config
}

// vmImpl is the internal implementation of VM
type vmImpl struct {
	config    *Config
	assembler *assembly.Assembler
	verifier  *protocols.Verifier
}

// NewVM creates a VM with the given configuration. Library directories are
// loaded with module paths relative to each directory, then the kernel is
// assembled. A nil config selects DefaultConfig.
func NewVM(config *Config) (VM, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, newError(ErrInvalidConfig, err, "invalid configuration")
	}

	v := &vmImpl{
		config:    config.Clone(),
		assembler: assembly.NewAssembler(),
		verifier:  protocols.NewVerifier(config.Channel.HashFunction),
	}

	for _, dir := range v.config.Assembler.LibraryPaths {
		if err := v.assembler.LoadLibraryDir("", dir); err != nil {
			return nil, newError(ErrResolution, err, "cannot load libraries from %s", dir)
		}
	}

	if path := v.config.Assembler.Kernel; path != "" {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, newError(ErrInvalidConfig, err, "cannot read kernel")
		}
		if _, err := v.assembler.AssembleKernel(path, src); err != nil {
			return nil, newError(ErrResolution, err, "cannot assemble kernel")
		}
	}

	return v, nil
}

// DefaultConfig returns the default run configuration
func DefaultConfig() *Config {
	return utils.DefaultConfig()
}

// LoadConfig reads a TOML configuration file
func LoadConfig(path string) (*Config, error) {
	c, err := utils.LoadConfig(path)
	if err != nil {
		return nil, newError(ErrInvalidConfig, err, "cannot load configuration")
	}
	return c, nil
}

func (v *vmImpl) Config() *Config {
	return v.config.Clone()
}

func (v *vmImpl) AddLibraries(sources []LibrarySource) error {
	if err := v.assembler.AddLibraries(sources); err != nil {
		return newError(ErrResolution, err, "cannot add libraries")
	}
	return nil
}

func (v *vmImpl) Assemble(file string, src []byte) (*Program, error) {
	p, err := v.assembler.AssembleProgram(file, src)
	if err != nil {
		return nil, newError(ErrResolution, err, "cannot assemble %s", file)
	}
	return p, nil
}

func (v *vmImpl) AssembleFile(path string) (*Program, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(ErrInvalidInput, err, "cannot read program")
	}
	return v.Assemble(path, src)
}

func (v *vmImpl) Execute(program *Program, inputs []uint64) (*Result, error) {
	if program == nil || program.Entry == nil || program.Table == nil {
		return nil, newError(ErrInvalidInput, nil, "program is not assembled")
	}
	elems, err := toElements(inputs)
	if err != nil {
		return nil, err
	}

	opts := vm.DefaultExecutionOptions()
	opts.MaxCycles = v.config.Execution.MaxCycles
	opts.Kernel = program.Kernel
	var recorder *vm.SimpleTraceRecorder
	if v.config.Execution.RecordTrace {
		recorder = vm.NewSimpleTraceRecorder()
		opts.Recorder = recorder
	}

	state, err := vm.NewVMState(program.Table, program.Entry, elems, opts)
	if err != nil {
		return nil, newError(ErrInvalidInput, err, "cannot prepare execution")
	}
	if err := state.Run(); err != nil {
		return nil, newError(ErrVMExecution, err, "execution failed")
	}

	result := &Result{Output: state.Output(), CycleCount: state.CycleCount}
	if recorder == nil {
		return result, nil
	}

	commitment, err := program.Table.Commitment()
	if err != nil {
		return nil, newError(ErrVMExecution, err, "cannot commit to code block table")
	}
	result.Trace = recorder.Trace(state.CycleCount, state.Inputs(), result.Output, commitment)

	if v.config.Execution.Verify {
		report, err := v.Verify(result.Trace)
		if err != nil {
			return nil, err
		}
		result.Report = report
	}
	return result, nil
}

func (v *vmImpl) Verify(trace *ExecutionTrace) (*VerificationReport, error) {
	if trace == nil {
		return nil, newError(ErrInvalidInput, nil, "trace is nil")
	}
	report, err := v.verifier.Verify(trace)
	if err != nil {
		return nil, newError(ErrTraceVerification, err, "trace %s rejected", trace.ID)
	}
	log.Debugf("trace %s accepted: %d steps", trace.ID, report.Steps)
	return report, nil
}

func toElements(inputs []uint64) ([]field.Element, error) {
	for i, x := range inputs {
		if x >= core.Modulus {
			return nil, newError(ErrInvalidInput, nil, "input %d: %d is not a canonical field element", i, x)
		}
	}
	return core.Felts(inputs...), nil
}

// ParseInputs parses a comma separated list of decimal or 0x-prefixed values
func ParseInputs(s string) ([]uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]uint64, 0, len(parts))
	for _, p := range parts {
		x, err := strconv.ParseUint(strings.TrimSpace(p), 0, 64)
		if err != nil {
			return nil, newError(ErrInvalidInput, err, "cannot parse input %q", p)
		}
		if x >= core.Modulus {
			return nil, newError(ErrInvalidInput, nil, "input %s exceeds the field modulus", p)
		}
		out = append(out, x)
	}
	return out, nil
}

// EncodeTrace serializes a trace as canonical CBOR
func EncodeTrace(trace *ExecutionTrace) ([]byte, error) {
	data, err := vm.MarshalTrace(trace)
	if err != nil {
		return nil, fmt.Errorf("cannot encode trace: %w", err)
	}
	return data, nil
}

// DecodeTrace parses a trace produced by EncodeTrace
func DecodeTrace(data []byte) (*ExecutionTrace, error) {
	trace, err := vm.UnmarshalTrace(data)
	if err != nil {
		return nil, newError(ErrInvalidInput, err, "cannot decode trace")
	}
	return trace, nil
}
