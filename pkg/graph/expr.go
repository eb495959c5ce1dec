package graph

import (
	"fmt"
	"strconv"
)

// Expr is a pure expression over runtime variables and constants. Comparison
// operators yield 1 or 0; a branch predicate is true when its value is
// non-zero.
type Expr interface {
	// Eval computes the value given resolved variables. Returns an error when
	// a referenced variable is still unknown.
	Eval(vars map[string]float64) (float64, error)
	// Vars lists the variable names the expression depends on.
	Vars() []string
	String() string
}

// Const is a literal value.
type Const float64

func (c Const) Eval(map[string]float64) (float64, error) { return float64(c), nil }
func (c Const) Vars() []string                           { return nil }
func (c Const) String() string {
	return strconv.FormatFloat(float64(c), 'g', -1, 64)
}

// Var references a runtime variable by name.
type Var string

func (v Var) Eval(vars map[string]float64) (float64, error) {
	val, ok := vars[string(v)]
	if !ok {
		return 0, fmt.Errorf("variable %q unresolved", string(v))
	}
	return val, nil
}

func (v Var) Vars() []string { return []string{string(v)} }
func (v Var) String() string { return string(v) }

// BinaryOp is the operator of a Binary expression.
type BinaryOp string

const (
	OpAdd BinaryOp = "+"
	OpSub BinaryOp = "-"
	OpMul BinaryOp = "*"
	OpDiv BinaryOp = "/"
	OpGT  BinaryOp = ">"
	OpGE  BinaryOp = ">="
	OpLT  BinaryOp = "<"
	OpLE  BinaryOp = "<="
	OpEQ  BinaryOp = "=="
	OpNE  BinaryOp = "!="
)

// Binary applies an operator to two sub-expressions.
type Binary struct {
	Op   BinaryOp
	L, R Expr
}

func (b Binary) Eval(vars map[string]float64) (float64, error) {
	l, err := b.L.Eval(vars)
	if err != nil {
		return 0, err
	}
	r, err := b.R.Eval(vars)
	if err != nil {
		return 0, err
	}
	switch b.Op {
	case OpAdd:
		return l + r, nil
	case OpSub:
		return l - r, nil
	case OpMul:
		return l * r, nil
	case OpDiv:
		if r == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return l / r, nil
	case OpGT:
		return bool01(l > r), nil
	case OpGE:
		return bool01(l >= r), nil
	case OpLT:
		return bool01(l < r), nil
	case OpLE:
		return bool01(l <= r), nil
	case OpEQ:
		return bool01(l == r), nil
	case OpNE:
		return bool01(l != r), nil
	default:
		return 0, fmt.Errorf("unknown operator %q", b.Op)
	}
}

func (b Binary) Vars() []string {
	return append(b.L.Vars(), b.R.Vars()...)
}

func (b Binary) String() string {
	return fmt.Sprintf("(%s %s %s)", b.L, b.Op, b.R)
}

func bool01(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// Resolved reports whether every variable the expression needs is present.
func Resolved(e Expr, vars map[string]float64) bool {
	for _, name := range e.Vars() {
		if _, ok := vars[name]; !ok {
			return false
		}
	}
	return true
}
