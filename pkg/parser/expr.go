package parser

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/plateworks/conductor/pkg/graph"
)

// parseExpr parses a predicate or computation expression. Grammar, loosest
// binding first:
//
//	expr    = sum (("<" | "<=" | ">" | ">=" | "==" | "!=") sum)?
//	sum     = product (("+" | "-") product)*
//	product = unit (("*" | "/") unit)*
//	unit    = number | identifier | "(" expr ")"
func parseExpr(src string) (graph.Expr, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &exprParser{toks: toks}
	e, err := p.comparison()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("unexpected %q in expression %q", p.toks[p.pos], src)
	}
	return e, nil
}

func tokenize(src string) ([]string, error) {
	var toks []string
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case strings.ContainsRune("()+-*/", c):
			toks = append(toks, string(c))
			i++
		case strings.ContainsRune("<>=!", c):
			op := string(c)
			if i+1 < len(src) && src[i+1] == '=' {
				op += "="
				i++
			}
			if op == "=" || op == "!" {
				return nil, fmt.Errorf("invalid operator %q in %q", op, src)
			}
			toks = append(toks, op)
			i++
		case unicode.IsDigit(c) || c == '.':
			j := i
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || src[j] == '.') {
				j++
			}
			toks = append(toks, src[i:j])
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_') {
				j++
			}
			toks = append(toks, src[i:j])
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q in %q", c, src)
		}
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	return toks, nil
}

type exprParser struct {
	toks []string
	pos  int
}

func (p *exprParser) peek() string {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return ""
}

func (p *exprParser) comparison() (graph.Expr, error) {
	left, err := p.sum()
	if err != nil {
		return nil, err
	}
	switch op := p.peek(); op {
	case "<", "<=", ">", ">=", "==", "!=":
		p.pos++
		right, err := p.sum()
		if err != nil {
			return nil, err
		}
		return graph.Binary{Op: graph.BinaryOp(op), L: left, R: right}, nil
	}
	return left, nil
}

func (p *exprParser) sum() (graph.Expr, error) {
	left, err := p.product()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek()
		if op != "+" && op != "-" {
			return left, nil
		}
		p.pos++
		right, err := p.product()
		if err != nil {
			return nil, err
		}
		left = graph.Binary{Op: graph.BinaryOp(op), L: left, R: right}
	}
}

func (p *exprParser) product() (graph.Expr, error) {
	left, err := p.unit()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek()
		if op != "*" && op != "/" {
			return left, nil
		}
		p.pos++
		right, err := p.unit()
		if err != nil {
			return nil, err
		}
		left = graph.Binary{Op: graph.BinaryOp(op), L: left, R: right}
	}
}

func (p *exprParser) unit() (graph.Expr, error) {
	tok := p.peek()
	switch {
	case tok == "":
		return nil, fmt.Errorf("unexpected end of expression")
	case tok == "(":
		p.pos++
		e, err := p.comparison()
		if err != nil {
			return nil, err
		}
		if p.peek() != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return e, nil
	case unicode.IsDigit(rune(tok[0])) || tok[0] == '.':
		p.pos++
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", tok)
		}
		return graph.Const(v), nil
	case unicode.IsLetter(rune(tok[0])) || tok[0] == '_':
		p.pos++
		return graph.Var(tok), nil
	default:
		return nil, fmt.Errorf("unexpected token %q", tok)
	}
}
