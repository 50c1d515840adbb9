package assembly

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/vybium/vybium-stack-vm/internal/vybium-stack-vm/core"
)

var (
	modulus     = new(big.Int).SetUint64(core.Modulus)
	maxConstant = new(big.Int).SetUint64(core.MaxConstant)
)

// EvaluateConstants evaluates declarations in order. Each expression may only
// reference constants declared before it.
func EvaluateConstants(decls []*ConstantDecl) (map[string]uint64, error) {
	env := make(map[string]uint64, len(decls))
	for _, d := range decls {
		if _, ok := env[d.Name]; ok {
			return nil, errorAt(d.Loc, ErrDuplicateConstant, "%s", d.Name)
		}
		v, err := EvalConstantExpr(d.Expr, env)
		if err != nil {
			return nil, errorAt(d.Loc, err, "const.%s=%s", d.Name, d.Expr)
		}
		env[d.Name] = v
	}
	return env, nil
}

// EvalConstantExpr evaluates an expression of literals, constant references,
// + - * / // and parentheses. + - * are exact integer operations, // is
// integer floor division and / is field division. The result must lie in
// [0, core.MaxConstant].
func EvalConstantExpr(expr string, env map[string]uint64) (uint64, error) {
	tokens, err := tokenizeExpr(expr)
	if err != nil {
		return 0, err
	}
	e := &exprEval{tokens: tokens, env: env}
	v, err := e.sum()
	if err != nil {
		return 0, err
	}
	if e.pos != len(e.tokens) {
		return 0, fmt.Errorf("%w: unexpected %q", ErrInvalidConstantExpr, e.tokens[e.pos])
	}
	if v.Sign() < 0 || v.Cmp(maxConstant) > 0 {
		return 0, fmt.Errorf("%w: %s", ErrConstantOutOfRange, v)
	}
	return v.Uint64(), nil
}

func tokenizeExpr(expr string) ([]string, error) {
	var tokens []string
	for i := 0; i < len(expr); {
		c := expr[i]
		switch {
		case c == '/' && i+1 < len(expr) && expr[i+1] == '/':
			tokens = append(tokens, "//")
			i += 2
		case strings.IndexByte("+-*/()", c) >= 0:
			tokens = append(tokens, string(c))
			i++
		case isAlnum(c):
			j := i
			for j < len(expr) && isAlnum(expr[j]) {
				j++
			}
			tokens = append(tokens, expr[i:j])
			i = j
		default:
			return nil, fmt.Errorf("%w: unexpected character %q", ErrInvalidConstantExpr, c)
		}
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidConstantExpr)
	}
	return tokens, nil
}

func isAlnum(c byte) bool {
	return c == '_' || ('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

type exprEval struct {
	tokens []string
	pos    int
	env    map[string]uint64
}

func (e *exprEval) peek() string {
	if e.pos < len(e.tokens) {
		return e.tokens[e.pos]
	}
	return ""
}

func (e *exprEval) sum() (*big.Int, error) {
	acc, err := e.product()
	if err != nil {
		return nil, err
	}
	for {
		op := e.peek()
		if op != "+" && op != "-" {
			return acc, nil
		}
		e.pos++
		rhs, err := e.product()
		if err != nil {
			return nil, err
		}
		if op == "+" {
			acc.Add(acc, rhs)
		} else {
			acc.Sub(acc, rhs)
		}
	}
}

func (e *exprEval) product() (*big.Int, error) {
	acc, err := e.operand()
	if err != nil {
		return nil, err
	}
	for {
		op := e.peek()
		if op != "*" && op != "/" && op != "//" {
			return acc, nil
		}
		e.pos++
		rhs, err := e.operand()
		if err != nil {
			return nil, err
		}
		switch op {
		case "*":
			acc.Mul(acc, rhs)
		case "//":
			if rhs.Sign() == 0 {
				return nil, ErrConstantDivByZero
			}
			acc.Div(acc, rhs)
		case "/":
			acc, err = fieldDiv(acc, rhs)
			if err != nil {
				return nil, err
			}
		}
	}
}

// fieldDiv computes a·b⁻¹ mod p
func fieldDiv(a, b *big.Int) (*big.Int, error) {
	bm := new(big.Int).Mod(b, modulus)
	if bm.Sign() == 0 {
		return nil, ErrConstantDivByZero
	}
	inv := new(big.Int).ModInverse(bm, modulus)
	out := new(big.Int).Mod(a, modulus)
	out.Mul(out, inv)
	return out.Mod(out, modulus), nil
}

func (e *exprEval) operand() (*big.Int, error) {
	tok := e.peek()
	e.pos++
	switch {
	case tok == "":
		return nil, fmt.Errorf("%w: unexpected end", ErrInvalidConstantExpr)
	case tok == "(":
		v, err := e.sum()
		if err != nil {
			return nil, err
		}
		if e.peek() != ")" {
			return nil, fmt.Errorf("%w: missing )", ErrInvalidConstantExpr)
		}
		e.pos++
		return v, nil
	case '0' <= tok[0] && tok[0] <= '9':
		v, err := parseLiteral(tok)
		if err != nil {
			return nil, err
		}
		return new(big.Int).SetUint64(v), nil
	case ValidConstantName(tok):
		v, ok := e.env[tok]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUndefinedConstant, tok)
		}
		return new(big.Int).SetUint64(v), nil
	default:
		return nil, fmt.Errorf("%w: unexpected %q", ErrInvalidConstantExpr, tok)
	}
}

// parseLiteral parses a decimal or 0x-prefixed hexadecimal literal in [0, core.MaxConstant]
func parseLiteral(s string) (uint64, error) {
	base, digits := 10, s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base, digits = 16, s[2:]
	}
	v, ok := new(big.Int).SetString(digits, base)
	if !ok || digits == "" || strings.HasPrefix(digits, "+") || strings.HasPrefix(digits, "-") {
		return 0, fmt.Errorf("%w: literal %q", ErrInvalidConstantExpr, s)
	}
	if v.Cmp(maxConstant) > 0 {
		return 0, fmt.Errorf("%w: %s", ErrConstantOutOfRange, s)
	}
	return v.Uint64(), nil
}
