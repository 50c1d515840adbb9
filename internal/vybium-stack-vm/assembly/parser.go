package assembly

import (
	"bufio"
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/vm"
)

// MaxNameLength bounds procedure labels and constant names
const MaxNameLength = 100

var (
	labelPattern    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	constantPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
)

// ValidLabel reports whether s is a valid procedure label or module path segment
func ValidLabel(s string) bool {
	return len(s) <= MaxNameLength && labelPattern.MatchString(s)
}

// ValidConstantName reports whether s is a valid constant name
func ValidConstantName(s string) bool {
	return len(s) <= MaxNameLength && constantPattern.MatchString(s)
}

type phase int

const (
	phaseImports phase = iota
	phaseConstants
	phaseProcs
)

// openBlock is a proc/begin block or a repeat block still waiting for its end
type openBlock struct {
	proc   *ProcDecl
	repeat *RepeatNode
}

func (b *openBlock) append(n Node) {
	if b.repeat != nil {
		b.repeat.Body = append(b.repeat.Body, n)
		return
	}
	b.proc.Body = append(b.proc.Body, n)
}

type parser struct {
	ast       *ModuleAST
	line      int
	phase     phase
	open      []*openBlock
	doc       []string
	docLoc    Loc
	entryDone bool
}

// Parse parses one source file. The result is syntactically valid; names are
// resolved by the Assembler.
func Parse(file string, src []byte) (*ModuleAST, error) {
	p := &parser{ast: &ModuleAST{File: file}}

	scanner := bufio.NewScanner(bytes.NewReader(src))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		p.line++
		if err := p.parseLine(scanner.Text()); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, locate(p.loc(), err)
	}

	if len(p.open) > 0 {
		b := p.open[len(p.open)-1]
		loc := b.proc.Loc
		if b.repeat != nil {
			loc = b.repeat.Loc
		}
		return nil, errorAt(loc, ErrUnterminatedBlock, "")
	}
	if len(p.doc) > 0 {
		return nil, errorAt(p.docLoc, ErrMisplacedDocComment, "not followed by a procedure")
	}
	return p.ast, nil
}

func (p *parser) loc() Loc {
	return Loc{File: p.ast.File, Line: p.line}
}

func (p *parser) parseLine(line string) error {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "#!") {
		if len(p.open) > 0 {
			return errorAt(p.loc(), ErrMisplacedDocComment, "inside a procedure body")
		}
		if len(p.doc) == 0 {
			p.docLoc = p.loc()
		}
		p.doc = append(p.doc, strings.TrimSpace(trimmed[2:]))
		return nil
	}

	if i := strings.IndexByte(line, '#'); i >= 0 {
		if strings.HasPrefix(line[i:], "#!") {
			return errorAt(p.loc(), ErrMisplacedDocComment, "doc comment after code")
		}
		line = line[:i]
	}
	for _, tok := range strings.Fields(line) {
		if err := p.token(tok); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) token(tok string) error {
	loc := p.loc()
	if p.entryDone {
		if tok == "begin" {
			return errorAt(loc, ErrDuplicateEntry, "")
		}
		return errorAt(loc, ErrEntryNotLast, "%s", tok)
	}

	keyword, rest, _ := strings.Cut(tok, ".")
	if len(p.open) > 0 {
		return p.bodyToken(loc, tok, keyword, rest)
	}

	if keyword != "proc" && keyword != "export" && len(p.doc) > 0 {
		return errorAt(p.docLoc, ErrMisplacedDocComment, "followed by %s", tok)
	}

	switch keyword {
	case "use":
		return p.parseImport(loc, rest)
	case "const":
		return p.parseConstant(loc, rest)
	case "proc", "export":
		return p.parseProc(loc, keyword == "export", rest)
	case "begin":
		if rest != "" {
			return errorAt(loc, ErrUnexpectedToken, "%s", tok)
		}
		if p.ast.Entry != nil {
			return errorAt(loc, ErrDuplicateEntry, "")
		}
		p.phase = phaseProcs
		p.open = append(p.open, &openBlock{proc: &ProcDecl{Loc: loc}})
		return nil
	default:
		return errorAt(loc, ErrUnexpectedToken, "%s outside a procedure", tok)
	}
}

func (p *parser) bodyToken(loc Loc, tok, keyword, rest string) error {
	switch keyword {
	case "use":
		return errorAt(loc, ErrMisplacedImport, "inside a procedure body")
	case "const":
		return errorAt(loc, ErrMisplacedConstant, "inside a procedure body")
	case "proc", "export", "begin":
		return errorAt(p.open[0].proc.Loc, ErrUnterminatedBlock, "%s starts before end", keyword)
	case "end":
		if rest != "" {
			return errorAt(loc, ErrUnexpectedToken, "%s", tok)
		}
		return p.closeBlock()
	case "repeat":
		if rest == "" {
			return errorAt(loc, ErrInvalidParameter, "repeat needs a count")
		}
		p.open = append(p.open, &openBlock{repeat: &RepeatNode{Loc: loc, Count: rest}})
		return nil
	}

	node := &InstNode{Loc: loc, Op: keyword}
	if rest != "" {
		node.Params = strings.Split(rest, ".")
	}
	p.open[len(p.open)-1].append(node)
	return nil
}

func (p *parser) closeBlock() error {
	b := p.open[len(p.open)-1]
	p.open = p.open[:len(p.open)-1]
	if b.repeat != nil {
		p.open[len(p.open)-1].append(b.repeat)
		return nil
	}
	if b.proc.Name == "" {
		p.ast.Entry = b.proc
		p.entryDone = true
		return nil
	}
	p.ast.Procs = append(p.ast.Procs, b.proc)
	return nil
}

func (p *parser) parseImport(loc Loc, rest string) error {
	switch p.phase {
	case phaseConstants:
		return errorAt(loc, ErrMisplacedConstant, "constant declared before import of %s", rest)
	case phaseProcs:
		return errorAt(loc, ErrMisplacedImport, "%s", rest)
	}

	path, alias, hasAlias := strings.Cut(rest, "->")
	segments, err := splitModulePath(path)
	if err != nil {
		return errorAt(loc, ErrInvalidModulePath, "%q", path)
	}
	if !hasAlias {
		alias = segments[len(segments)-1]
	}
	if !ValidLabel(alias) {
		return errorAt(loc, ErrInvalidLabel, "alias %q", alias)
	}
	p.ast.Imports = append(p.ast.Imports, &Import{Loc: loc, Path: path, Alias: alias})
	return nil
}

func splitModulePath(path string) ([]string, error) {
	segments := strings.Split(path, "::")
	for _, s := range segments {
		if !ValidLabel(s) {
			return nil, ErrInvalidModulePath
		}
	}
	return segments, nil
}

func (p *parser) parseConstant(loc Loc, rest string) error {
	if p.phase == phaseProcs {
		return errorAt(loc, ErrMisplacedConstant, "declared after a procedure")
	}
	p.phase = phaseConstants

	name, expr, ok := strings.Cut(rest, "=")
	if !ok || expr == "" {
		return errorAt(loc, ErrInvalidConstantExpr, "const.%s", rest)
	}
	if !ValidConstantName(name) {
		return errorAt(loc, ErrInvalidConstantName, "%q", name)
	}
	p.ast.Constants = append(p.ast.Constants, &ConstantDecl{Loc: loc, Name: name, Expr: expr})
	return nil
}

func (p *parser) parseProc(loc Loc, exported bool, rest string) error {
	p.phase = phaseProcs
	doc := strings.Join(p.doc, "\n")
	p.doc = nil

	if exported && strings.Contains(rest, "::") {
		target, alias, hasAlias := strings.Cut(rest, "->")
		i := strings.LastIndex(target, "::")
		module, name := target[:i], target[i+2:]
		if _, err := splitModulePath(module); err != nil {
			return errorAt(loc, ErrInvalidModulePath, "%q", module)
		}
		if !ValidLabel(name) {
			return errorAt(loc, ErrInvalidLabel, "%q", name)
		}
		if hasAlias && !ValidLabel(alias) {
			return errorAt(loc, ErrInvalidLabel, "%q", alias)
		}
		p.ast.ReExports = append(p.ast.ReExports, &ReExport{Loc: loc, Module: module, Name: name, Alias: alias, Doc: doc})
		return nil
	}

	label, localsParam, hasLocals := strings.Cut(rest, ".")
	if !ValidLabel(label) {
		return errorAt(loc, ErrInvalidLabel, "%q", label)
	}
	proc := &ProcDecl{Loc: loc, Name: label, Exported: exported, Doc: doc}
	if hasLocals {
		n, err := strconv.ParseUint(localsParam, 10, 64)
		if err != nil {
			return errorAt(loc, ErrInvalidParameter, "locals %q", localsParam)
		}
		if n > vm.MaxProcedureLocals {
			return errorAt(loc, ErrTooManyLocals, "%s declares %d, max %d", label, n, vm.MaxProcedureLocals)
		}
		proc.Locals = uint32(n)
	}
	p.open = append(p.open, &openBlock{proc: proc})
	return nil
}
