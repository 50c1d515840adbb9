package assembly

import (
	"errors"
	"fmt"
)

// Resolution errors. Every error returned by the assembler is an *Error
// wrapping one of these.
var (
	// Module layout
	ErrMisplacedImport     = errors.New("import must precede constants and procedures")
	ErrMisplacedConstant   = errors.New("constant must follow imports and precede procedures")
	ErrMisplacedDocComment = errors.New("doc comment must directly precede a procedure")
	ErrEntryNotLast        = errors.New("only comments may follow the program entry")
	ErrMissingEntry        = errors.New("program has no begin block")
	ErrDuplicateEntry      = errors.New("program has more than one begin block")
	ErrExportInProgram     = errors.New("programs cannot export procedures")
	ErrEntryInLibrary      = errors.New("libraries cannot have a begin block")
	ErrNoExports           = errors.New("library exports no procedures")
	ErrUnexpectedToken     = errors.New("unexpected token")
	ErrUnterminatedBlock   = errors.New("block is missing its end")

	// Names
	ErrInvalidLabel        = errors.New("invalid procedure label")
	ErrInvalidConstantName = errors.New("invalid constant name")
	ErrInvalidModulePath   = errors.New("invalid module path")

	// Constants
	ErrConstantOutOfRange  = errors.New("constant value out of range")
	ErrUndefinedConstant   = errors.New("undefined constant")
	ErrInvalidConstantExpr = errors.New("malformed constant expression")
	ErrConstantDivByZero   = errors.New("division by zero in constant expression")
	ErrDuplicateConstant   = errors.New("duplicate constant")

	// Procedures and modules
	ErrCallGraphCycle           = errors.New("procedure invocation forms a cycle")
	ErrForwardReference         = errors.New("procedure invokes a procedure declared after it")
	ErrUndefinedProcedure       = errors.New("undefined procedure")
	ErrUndefinedModule          = errors.New("undefined module")
	ErrDuplicateProcedure       = errors.New("duplicate procedure")
	ErrDuplicateImport          = errors.New("duplicate import")
	ErrDuplicateLibrary         = errors.New("library already registered")
	ErrImportCycle              = errors.New("library imports form a cycle")
	ErrUndefinedKernelProcedure = errors.New("procedure is not exported by the kernel")
	ErrTooManyLocals            = errors.New("too many procedure locals")
	ErrTotalLocalsExceeded      = errors.New("total locals of reachable procedures exceeded")

	// Instructions
	ErrLocalIndexOutOfRange = errors.New("local index out of range")
	ErrInvalidParameter     = errors.New("invalid instruction parameter")
	ErrUnknownInstruction   = errors.New("unknown instruction")
)

// Loc is a source position
type Loc struct {
	File string
	Line int
}

func (l Loc) String() string {
	if l.File == "" {
		return fmt.Sprintf("line %d", l.Line)
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// Error is a resolution error located in the source
type Error struct {
	Loc    Loc
	Err    error
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %v", e.Loc, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Loc, e.Err, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func errorAt(loc Loc, err error, format string, args ...any) *Error {
	return &Error{Loc: loc, Err: err, Detail: fmt.Sprintf(format, args...)}
}

// locate attaches loc to err unless it already carries a location
func locate(loc Loc, err error) error {
	var located *Error
	if errors.As(err, &located) {
		return err
	}
	return &Error{Loc: loc, Err: err}
}
