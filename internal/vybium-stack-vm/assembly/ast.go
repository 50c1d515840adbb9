package assembly

// ModuleAST is the parsed form of one source file
type ModuleAST struct {
	File      string
	Imports   []*Import
	Constants []*ConstantDecl
	Procs     []*ProcDecl
	ReExports []*ReExport
	Entry     *ProcDecl // begin … end, nil when absent
}

// Import is a use declaration
type Import struct {
	Loc   Loc
	Path  string
	Alias string
}

// ConstantDecl is a const declaration; Expr is evaluated at resolution time
type ConstantDecl struct {
	Loc  Loc
	Name string
	Expr string
}

// ProcDecl is a proc, export or begin block
type ProcDecl struct {
	Loc      Loc
	Name     string
	Locals   uint32
	Exported bool
	Doc      string
	Body     []Node
}

// ReExport exposes an imported procedure, optionally under a new name
type ReExport struct {
	Loc    Loc
	Module string
	Name   string
	Alias  string
	Doc    string
}

// ExportedName returns the name the re-export is visible under
func (r *ReExport) ExportedName() string {
	if r.Alias != "" {
		return r.Alias
	}
	return r.Name
}

// Node is an element of a procedure body
type Node interface {
	Location() Loc
}

// InstNode is one instruction with its period-separated parameters
type InstNode struct {
	Loc    Loc
	Op     string
	Params []string
}

// RepeatNode is a repeat.N … end block, unrolled by the assembler
type RepeatNode struct {
	Loc   Loc
	Count string
	Body  []Node
}

func (n *InstNode) Location() Loc   { return n.Loc }
func (n *RepeatNode) Location() Loc { return n.Loc }
