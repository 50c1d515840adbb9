package assembly

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/core"
	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/vm"
)

// SourceExt is the file extension of assembly sources
const SourceExt = ".vasm"

// Procedure is a resolved procedure. Index is its position in the declaring
// module's arena; invocations within a module only go to lower indices.
type Procedure struct {
	Index    int
	Name     string
	Module   string
	Locals   uint32
	Exported bool
	Doc      string
	Loc      Loc
	Block    *vm.CodeBlock

	// Callees are the procedures this one invokes statically
	Callees []*Procedure
}

// QualifiedName returns module::name
func (p *Procedure) QualifiedName() string {
	if p.Module == "" {
		return p.Name
	}
	return p.Module + "::" + p.Name
}

// Digest returns the procedure's code block digest
func (p *Procedure) Digest() core.Word {
	return p.Block.Digest
}

// Library is a resolved library module
type Library struct {
	Path       string
	Exports    map[string]*Procedure // re-exports bind the original procedure
	Procedures []*Procedure          // arena, declaration order
	Table      *vm.CodeBlockTable    // own blocks plus those of every import
}

// Export looks up an exported procedure
func (l *Library) Export(name string) (*Procedure, bool) {
	p, ok := l.Exports[name]
	return p, ok
}

// ExportNames returns the exported names in sorted order
func (l *Library) ExportNames() []string {
	names := make([]string, 0, len(l.Exports))
	for n := range l.Exports {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Digests returns the digests of the exported procedures
func (l *Library) Digests() []core.Word {
	out := make([]core.Word, 0, len(l.Exports))
	for _, n := range l.ExportNames() {
		out = append(out, l.Exports[n].Digest())
	}
	return out
}

// Program is a resolved executable
type Program struct {
	Entry      *vm.CodeBlock
	Table      *vm.CodeBlockTable
	Kernel     []core.Word // digests of the kernel's exported procedures
	Procedures []*Procedure
}

// LibrarySource is an unparsed library registered under a module path
type LibrarySource struct {
	Path   string // e.g. std::math
	File   string
	Source []byte
}

// AddLibraries parses the sources, orders them so every library follows the
// libraries it imports, and registers them. Imports of libraries already
// registered are satisfied; import cycles are rejected. On error no library
// of the call stays registered.
func (a *Assembler) AddLibraries(sources []LibrarySource) error {
	asts := make(map[string]*ModuleAST, len(sources))
	order := make([]string, 0, len(sources))
	for _, src := range sources {
		if _, ok := asts[src.Path]; ok || a.libraries[src.Path] != nil {
			return errorAt(Loc{File: src.File}, ErrDuplicateLibrary, "%s", src.Path)
		}
		ast, err := Parse(src.File, src.Source)
		if err != nil {
			return err
		}
		asts[src.Path] = ast
		order = append(order, src.Path)
	}
	sort.Strings(order)

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(order))
	registered := make([]string, 0, len(order))
	var visit func(path string, from Loc) error
	visit = func(path string, from Loc) error {
		switch state[path] {
		case done:
			return nil
		case visiting:
			return errorAt(from, ErrImportCycle, "%s", path)
		}
		state[path] = visiting
		ast := asts[path]
		for _, imp := range ast.Imports {
			if _, ok := asts[imp.Path]; !ok {
				continue
			}
			if err := visit(imp.Path, imp.Loc); err != nil {
				return err
			}
		}
		state[path] = done
		if _, err := a.assembleLibraryAST(path, ast); err != nil {
			return err
		}
		registered = append(registered, path)
		return nil
	}
	for _, path := range order {
		if err := visit(path, Loc{File: asts[path].File}); err != nil {
			for _, p := range registered {
				delete(a.libraries, p)
			}
			return err
		}
	}
	return nil
}

// LoadLibraryDir registers every source under dir. The module path of a file
// is its relative path with separators replaced by '::' and the extension
// removed, prefixed by namespace when namespace is not empty.
func (a *Assembler) LoadLibraryDir(namespace, dir string) error {
	var sources []LibrarySource
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != SourceExt {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		module := strings.ReplaceAll(strings.TrimSuffix(filepath.ToSlash(rel), SourceExt), "/", "::")
		if namespace != "" {
			module = namespace + "::" + module
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("cannot read %s: %w", path, err)
		}
		sources = append(sources, LibrarySource{Path: module, File: path, Source: src})
		return nil
	})
	if err != nil {
		return err
	}
	log.Debugf("loading %d library sources from %s", len(sources), dir)
	return a.AddLibraries(sources)
}
