// Package vybiumstackvm provides the Vybium Stack VM: an assembler for
// procedures, modules and a kernel, a stack machine that executes the
// resulting code blocks, and a constraint checker for recorded traces.
//
// # Execution model
//
// Programs are sets of code blocks keyed by content digest. exec inlines a
// procedure in the caller's context; call, syscall and dyncall run it in a
// fresh context with its own memory, hiding the caller's stack below the top
// sixteen elements. dynexec and dyncall take their target digest from the
// stack and look it up in the program's code block table.
//
// Every step can be recorded together with the helper registers the
// constraints need. The verifier re-checks each step against the polynomial
// constraints of its opcode and the frame continuity of the trace.
//
// # Quick Start
//
//	machine, err := vybiumstackvm.NewVM(vybiumstackvm.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	program, err := machine.Assemble("main.vasm", []byte("begin\n push.2 push.3 add\nend"))
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	result, err := machine.Execute(program, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(result.OutputUint64s()[0]) // 5
//
// With the default configuration the trace is recorded and verified; the
// report is available as result.Report.
//
// # Libraries and kernel
//
// Library directories listed in the configuration are loaded at NewVM. A
// file lib/std/math.vasm becomes module std::math; programs import it with
// use.std::math and invoke exec.math::name. The kernel source exports the
// procedures reachable through syscall.
package vybiumstackvm
