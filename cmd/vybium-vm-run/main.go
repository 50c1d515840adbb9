// Command vybium-vm-run assembles a program, executes it and optionally
// writes the verified execution trace.
//
//	vybium-vm-run [-config run.toml] [-lib dir]... [-kernel k.vasm] [-input 1,2] [-trace out.cbor] main.vasm
//
// The run summary is written to stdout as one JSON line.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	vybiumstackvm "github.com/vybium/vybium-stack-vm/pkg/vybium-stack-vm"
)

// RunOutput is the JSON summary of one run
type RunOutput struct {
	Output       []uint64 `json:"output"`
	Cycles       uint64   `json:"cycles"`
	TraceID      string   `json:"trace_id,omitempty"`
	TraceDigest  string   `json:"trace_digest,omitempty"`
	Constraints  int      `json:"constraints,omitempty"`
	Verified     bool     `json:"verified"`
	KernelDigest []string `json:"kernel,omitempty"`
}

type pathList []string

func (p *pathList) String() string {
	return strings.Join(*p, ",")
}

func (p *pathList) Set(v string) error {
	*p = append(*p, v)
	return nil
}

func main() {
	var (
		configPath = flag.String("config", "", "TOML run configuration")
		kernel     = flag.String("kernel", "", "kernel source file")
		input      = flag.String("input", "", "comma separated stack inputs, first on top")
		tracePath  = flag.String("trace", "", "write the CBOR execution trace to this file")
		maxCycles  = flag.Uint64("max-cycles", 0, "cycle limit (0 keeps the configured value)")
		noVerify   = flag.Bool("no-verify", false, "skip trace verification")
		verbosity  = flag.Int("v", -1, "log verbosity (-1 keeps the configured value)")
		libs       pathList
	)
	flag.Var(&libs, "lib", "library directory (repeatable)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] program%s\n", os.Args[0], vybiumstackvm.SourceExt)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	config := vybiumstackvm.DefaultConfig()
	if *configPath != "" {
		var err error
		if config, err = vybiumstackvm.LoadConfig(*configPath); err != nil {
			fatal(err)
		}
	}
	if len(libs) > 0 {
		config.WithLibraryPaths(append(config.Assembler.LibraryPaths, libs...)...)
	}
	if *kernel != "" {
		config.WithKernel(*kernel)
	}
	if *maxCycles > 0 {
		config.WithMaxCycles(*maxCycles)
	}
	if *noVerify {
		config.Execution.Verify = false
	}
	if *tracePath != "" {
		config.WithTraceRecording(true)
	}
	if *verbosity >= 0 {
		config.WithLogVerbosity(*verbosity)
	}

	var logFile *string
	if config.Log.File != "" {
		logFile = &config.Log.File
	}
	commonlog.Configure(config.Log.Verbosity, logFile)

	inputs, err := vybiumstackvm.ParseInputs(*input)
	if err != nil {
		fatal(err)
	}

	machine, err := vybiumstackvm.NewVM(config)
	if err != nil {
		fatal(err)
	}
	program, err := machine.AssembleFile(flag.Arg(0))
	if err != nil {
		fatal(err)
	}
	result, err := machine.Execute(program, inputs)
	if err != nil {
		fatal(err)
	}

	out := RunOutput{
		Output:   result.OutputUint64s(),
		Cycles:   result.CycleCount,
		Verified: result.Report != nil,
	}
	for _, d := range program.Kernel {
		out.KernelDigest = append(out.KernelDigest, d.Hex())
	}
	if result.Trace != nil {
		out.TraceID = result.Trace.ID.String()
	}
	if result.Report != nil {
		out.TraceDigest = fmt.Sprintf("%x", result.Report.Digest)
		out.Constraints = result.Report.Constraints
	}

	if *tracePath != "" {
		data, err := vybiumstackvm.EncodeTrace(result.Trace)
		if err != nil {
			fatal(err)
		}
		if err := os.WriteFile(*tracePath, data, 0o644); err != nil {
			fatal(err)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(out); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "vybium-vm-run: ERROR:", err)
	os.Exit(1)
}
