// Package assembly resolves assembly source into code blocks: procedure
// declarations, imports and re-exports, scoped constants and the acyclic
// call graph. Every resolution error is an *Error carrying file and line.
package assembly

import (
	"strings"

	"github.com/tliron/commonlog"

	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/vm"
)

var log = commonlog.GetLogger("vybium.assembly")

const (
	programModule = "#exec"
	kernelModule  = "#kernel"
	entryName     = "#main"
)

// Assembler keeps the registered libraries and the kernel
type Assembler struct {
	libraries      map[string]*Library
	kernel         *Library
	maxTotalLocals uint64
}

// NewAssembler creates an assembler with no libraries and no kernel
func NewAssembler() *Assembler {
	return &Assembler{
		libraries:      make(map[string]*Library),
		maxTotalLocals: vm.MaxContextLocals,
	}
}

// Library returns a registered library
func (a *Assembler) Library(path string) (*Library, bool) {
	lib, ok := a.libraries[path]
	return lib, ok
}

// Kernel returns the kernel, nil when none was assembled
func (a *Assembler) Kernel() *Library {
	return a.kernel
}

// AssembleLibrary resolves a library and registers it under path
func (a *Assembler) AssembleLibrary(path, file string, src []byte) (*Library, error) {
	if _, ok := a.libraries[path]; ok {
		return nil, errorAt(Loc{File: file}, ErrDuplicateLibrary, "%s", path)
	}
	if _, err := splitModulePath(path); err != nil {
		return nil, errorAt(Loc{File: file}, ErrInvalidModulePath, "%q", path)
	}
	ast, err := Parse(file, src)
	if err != nil {
		return nil, err
	}
	return a.assembleLibraryAST(path, ast)
}

func (a *Assembler) assembleLibraryAST(path string, ast *ModuleAST) (*Library, error) {
	lib, err := a.resolveLibrary(path, ast)
	if err != nil {
		return nil, err
	}
	a.libraries[path] = lib
	log.Debugf("registered library %s: %d procedures, %d exports", path, len(lib.Procedures), len(lib.Exports))
	return lib, nil
}

// AssembleKernel resolves the kernel library. Its exports are the only
// procedures reachable through syscall.
func (a *Assembler) AssembleKernel(file string, src []byte) (*Library, error) {
	ast, err := Parse(file, src)
	if err != nil {
		return nil, err
	}
	lib, err := a.resolveLibrary(kernelModule, ast)
	if err != nil {
		return nil, err
	}
	a.kernel = lib
	log.Debugf("kernel assembled: %d exports", len(lib.Exports))
	return lib, nil
}

// AssembleProgram resolves an executable module
func (a *Assembler) AssembleProgram(file string, src []byte) (*Program, error) {
	ast, err := Parse(file, src)
	if err != nil {
		return nil, err
	}
	for _, p := range ast.Procs {
		if p.Exported {
			return nil, errorAt(p.Loc, ErrExportInProgram, "%s", p.Name)
		}
	}
	if len(ast.ReExports) > 0 {
		return nil, errorAt(ast.ReExports[0].Loc, ErrExportInProgram, "%s", ast.ReExports[0].ExportedName())
	}
	if ast.Entry == nil {
		return nil, errorAt(Loc{File: file}, ErrMissingEntry, "")
	}

	r, err := a.newModuleResolver(programModule, ast)
	if err != nil {
		return nil, err
	}
	if err := r.resolveProcedures(); err != nil {
		return nil, err
	}
	entry, err := r.compileProc(ast.Entry, len(r.procs))
	if err != nil {
		return nil, err
	}
	if err := r.checkTotalLocals(entry); err != nil {
		return nil, err
	}

	program := &Program{
		Entry:      entry.Block,
		Table:      r.table,
		Procedures: r.procs,
	}
	if a.kernel != nil {
		program.Kernel = a.kernel.Digests()
		if err := program.Table.Merge(a.kernel.Table); err != nil {
			return nil, err
		}
	}
	if err := program.Table.Insert(entry.Block); err != nil {
		return nil, err
	}
	log.Infof("assembled %s: %d procedures, %d code blocks", file, len(r.procs), program.Table.Len())
	return program, nil
}

func (a *Assembler) resolveLibrary(path string, ast *ModuleAST) (*Library, error) {
	if ast.Entry != nil {
		return nil, errorAt(ast.Entry.Loc, ErrEntryInLibrary, "")
	}
	r, err := a.newModuleResolver(path, ast)
	if err != nil {
		return nil, err
	}
	if err := r.resolveProcedures(); err != nil {
		return nil, err
	}
	if err := r.resolveReExports(); err != nil {
		return nil, err
	}
	if len(r.exports) == 0 {
		return nil, errorAt(Loc{File: ast.File}, ErrNoExports, "%s", path)
	}
	return &Library{Path: path, Exports: r.exports, Procedures: r.procs, Table: r.table}, nil
}

// moduleResolver resolves the procedures of one module
type moduleResolver struct {
	asm       *Assembler
	ast       *ModuleAST
	path      string
	imports   map[string]*Library
	constants map[string]uint64
	procs     []*Procedure
	byName    map[string]int
	edges     [][]int
	exports   map[string]*Procedure
	table     *vm.CodeBlockTable
}

func (a *Assembler) newModuleResolver(path string, ast *ModuleAST) (*moduleResolver, error) {
	r := &moduleResolver{
		asm:     a,
		ast:     ast,
		path:    path,
		imports: make(map[string]*Library, len(ast.Imports)),
		byName:  make(map[string]int, len(ast.Procs)),
		exports: make(map[string]*Procedure),
		table:   vm.NewCodeBlockTable(),
	}

	for _, imp := range ast.Imports {
		if _, ok := r.imports[imp.Alias]; ok {
			return nil, errorAt(imp.Loc, ErrDuplicateImport, "%s", imp.Alias)
		}
		lib, ok := a.libraries[imp.Path]
		if !ok {
			return nil, errorAt(imp.Loc, ErrUndefinedModule, "%s", imp.Path)
		}
		r.imports[imp.Alias] = lib
		if err := r.table.Merge(lib.Table); err != nil {
			return nil, locate(imp.Loc, err)
		}
	}

	constants, err := EvaluateConstants(ast.Constants)
	if err != nil {
		return nil, err
	}
	r.constants = constants
	return r, nil
}

// resolveProcedures declares every procedure in the arena, derives the local
// invocation edges and compiles the bodies in declaration order.
func (r *moduleResolver) resolveProcedures() error {
	for i, decl := range r.ast.Procs {
		if _, ok := r.byName[decl.Name]; ok {
			return errorAt(decl.Loc, ErrDuplicateProcedure, "%s", decl.Name)
		}
		r.byName[decl.Name] = i
	}

	r.edges = make([][]int, len(r.ast.Procs))
	for i, decl := range r.ast.Procs {
		r.edges[i] = r.localTargets(decl.Body, nil)
	}

	for i, decl := range r.ast.Procs {
		proc, err := r.compileProc(decl, i)
		if err != nil {
			return err
		}
		r.procs = append(r.procs, proc)
		if err := r.table.Insert(proc.Block); err != nil {
			return locate(decl.Loc, err)
		}
		if decl.Exported {
			r.exports[decl.Name] = proc
		}
	}
	return nil
}

// localTargets collects the arena indices referenced by invocations without a module qualifier
func (r *moduleResolver) localTargets(body []Node, out []int) []int {
	for _, n := range body {
		switch n := n.(type) {
		case *RepeatNode:
			out = r.localTargets(n.Body, out)
		case *InstNode:
			if !isLocalReference(n) {
				continue
			}
			if idx, ok := r.byName[n.Params[0]]; ok {
				out = append(out, idx)
			}
		}
	}
	return out
}

func isLocalReference(n *InstNode) bool {
	switch n.Op {
	case "exec", "call", "procref":
		return len(n.Params) == 1 && !strings.Contains(n.Params[0], "::")
	}
	return false
}

// reaches reports whether procedure from can reach target through local invocations
func (r *moduleResolver) reaches(from, target int) bool {
	seen := make(map[int]bool)
	stack := []int{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, r.edges[cur]...)
	}
	return false
}

// resolveLocal resolves a reference from the procedure at index caller
func (r *moduleResolver) resolveLocal(loc Loc, caller int, name string) (*Procedure, error) {
	idx, ok := r.byName[name]
	if !ok {
		return nil, errorAt(loc, ErrUndefinedProcedure, "%s", name)
	}
	if idx == caller {
		return nil, errorAt(loc, ErrCallGraphCycle, "%s invokes itself", name)
	}
	if idx > caller {
		if r.reaches(idx, caller) {
			return nil, errorAt(loc, ErrCallGraphCycle, "%s leads back to %s", name, r.ast.Procs[caller].Name)
		}
		return nil, errorAt(loc, ErrForwardReference, "%s", name)
	}
	return r.procs[idx], nil
}

// resolveTarget resolves a possibly qualified procedure reference
func (r *moduleResolver) resolveTarget(loc Loc, caller int, ref string) (*Procedure, error) {
	i := strings.LastIndex(ref, "::")
	if i < 0 {
		if !ValidLabel(ref) {
			return nil, errorAt(loc, ErrInvalidLabel, "%q", ref)
		}
		return r.resolveLocal(loc, caller, ref)
	}
	alias, name := ref[:i], ref[i+2:]
	lib, ok := r.imports[alias]
	if !ok {
		return nil, errorAt(loc, ErrUndefinedModule, "%s", alias)
	}
	proc, ok := lib.Export(name)
	if !ok {
		return nil, errorAt(loc, ErrUndefinedProcedure, "%s::%s", alias, name)
	}
	return proc, nil
}

// resolveKernel resolves a syscall target
func (r *moduleResolver) resolveKernel(loc Loc, name string) (*Procedure, error) {
	kernel := r.asm.kernel
	if kernel == nil {
		return nil, errorAt(loc, ErrUndefinedKernelProcedure, "%s: no kernel", name)
	}
	proc, ok := kernel.Export(name)
	if !ok {
		return nil, errorAt(loc, ErrUndefinedKernelProcedure, "%s", name)
	}
	return proc, nil
}

func (r *moduleResolver) resolveReExports() error {
	for _, re := range r.ast.ReExports {
		name := re.ExportedName()
		if _, ok := r.exports[name]; ok {
			return errorAt(re.Loc, ErrDuplicateProcedure, "%s", name)
		}
		if _, ok := r.byName[name]; ok {
			return errorAt(re.Loc, ErrDuplicateProcedure, "%s", name)
		}
		lib, ok := r.imports[re.Module]
		if !ok {
			return errorAt(re.Loc, ErrUndefinedModule, "%s", re.Module)
		}
		proc, ok := lib.Export(re.Name)
		if !ok {
			return errorAt(re.Loc, ErrUndefinedProcedure, "%s::%s", re.Module, re.Name)
		}
		r.exports[name] = proc
	}
	return nil
}

// compileProc compiles a declaration at arena index idx
func (r *moduleResolver) compileProc(decl *ProcDecl, idx int) (*Procedure, error) {
	proc := &Procedure{
		Index:    idx,
		Name:     decl.Name,
		Module:   r.path,
		Locals:   decl.Locals,
		Exported: decl.Exported,
		Doc:      decl.Doc,
		Loc:      decl.Loc,
	}
	if proc.Name == "" {
		proc.Name = entryName
	}

	c := &compiler{r: r, proc: proc}
	ops, err := c.compileBody(decl.Body)
	if err != nil {
		return nil, err
	}
	block, err := vm.NewCodeBlock(proc.QualifiedName(), proc.Locals, ops)
	if err != nil {
		return nil, errorAt(decl.Loc, ErrTooManyLocals, "%v", err)
	}
	proc.Block = block
	return proc, nil
}

// checkTotalLocals sums the locals of every procedure reachable from entry
func (r *moduleResolver) checkTotalLocals(entry *Procedure) error {
	seen := make(map[*Procedure]bool)
	var total uint64
	stack := []*Procedure{entry}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[p] {
			continue
		}
		seen[p] = true
		total += uint64(p.Locals)
		stack = append(stack, p.Callees...)
	}
	if total > r.asm.maxTotalLocals {
		return errorAt(entry.Loc, ErrTotalLocalsExceeded, "%d locals, max %d", total, r.asm.maxTotalLocals)
	}
	return nil
}
