// Package query implements a small boolean filter language over decoded JSON
// and a depth-first search that reports every object satisfying it.
//
// A logic string is a list of conditions joined by && and ||, with
// parentheses for grouping:
//
//	rank == family && (observations_count > 10000 || wikipedia_url exists)
//
// && binds tighter than ||.
package query

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidLogicExpression is returned (wrapped in *SyntaxError) for any
// logic string that cannot be parsed.
var ErrInvalidLogicExpression = errors.New("invalid logic expression")

// SyntaxError describes where a logic string stopped making sense.
type SyntaxError struct {
	Expr   string
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("query: %s at offset %d in %q", e.Msg, e.Offset, e.Expr)
}

func (e *SyntaxError) Unwrap() error { return ErrInvalidLogicExpression }

// Node is a compiled logic tree. Check reports whether obj's own fields
// satisfy the expression; it never looks at nested objects.
type Node interface {
	Check(obj map[string]any) bool
	String() string
}

// Connective joins the operands of a LogicalOp.
type Connective string

const (
	And Connective = "AND"
	Or  Connective = "OR"
)

// LogicalOp combines child nodes with AND or OR.
type LogicalOp struct {
	Op       Connective
	Operands []Node
}

func (l *LogicalOp) Check(obj map[string]any) bool {
	switch l.Op {
	case And:
		for _, n := range l.Operands {
			if !n.Check(obj) {
				return false
			}
		}
		return true
	case Or:
		for _, n := range l.Operands {
			if n.Check(obj) {
				return true
			}
		}
		return false
	}
	return false
}

func (l *LogicalOp) String() string {
	sep := " && "
	if l.Op == Or {
		sep = " || "
	}
	parts := make([]string, len(l.Operands))
	for i, n := range l.Operands {
		parts[i] = n.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

type tokenKind int

const (
	tokCondition tokenKind = iota
	tokLParen
	tokRParen
	tokAnd
	tokOr
)

type token struct {
	kind   tokenKind
	text   string
	offset int
}

func (t token) describe() string {
	switch t.kind {
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokAnd:
		return "'&&'"
	case tokOr:
		return "'||'"
	}
	return fmt.Sprintf("condition %q", t.text)
}

// tokenize splits on parentheses, && and ||. Everything in between is
// condition text. A single '&' or '|' is rejected rather than skipped.
func tokenize(expr string) ([]token, error) {
	var (
		toks  []token
		buf   strings.Builder
		start = -1
	)
	flush := func() {
		if text := strings.TrimSpace(buf.String()); text != "" {
			toks = append(toks, token{kind: tokCondition, text: text, offset: start})
		}
		buf.Reset()
		start = -1
	}

	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch c {
		case '(':
			flush()
			toks = append(toks, token{kind: tokLParen, text: "(", offset: i})
		case ')':
			flush()
			toks = append(toks, token{kind: tokRParen, text: ")", offset: i})
		case '&', '|':
			if i+1 >= len(expr) || expr[i+1] != c {
				return nil, &SyntaxError{Expr: expr, Offset: i, Msg: fmt.Sprintf("unexpected single %q", c)}
			}
			flush()
			if c == '&' {
				toks = append(toks, token{kind: tokAnd, text: "&&", offset: i})
			} else {
				toks = append(toks, token{kind: tokOr, text: "||", offset: i})
			}
			i++
		default:
			if start < 0 && c != ' ' && c != '\t' && c != '\n' && c != '\r' {
				start = i
			}
			buf.WriteByte(c)
		}
	}
	flush()
	return toks, nil
}

// Parse compiles a logic string. Nothing is evaluated unless the whole
// string parses.
func Parse(expr string) (Node, error) {
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, &SyntaxError{Expr: expr, Offset: 0, Msg: "empty expression"}
	}
	p := &parser{expr: expr, toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.toks) {
		t := p.toks[p.pos]
		return nil, &SyntaxError{Expr: expr, Offset: t.offset, Msg: "unexpected " + t.describe()}
	}
	return n, nil
}

// MustParse is Parse for expressions known at compile time.
func MustParse(expr string) Node {
	n, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return n
}

type parser struct {
	expr string
	toks []token
	pos  int
}

func (p *parser) peek(kind tokenKind) bool {
	return p.pos < len(p.toks) && p.toks[p.pos].kind == kind
}

func (p *parser) parseOr() (Node, error) {
	return p.parseJoined(Or, tokOr, p.parseAnd)
}

func (p *parser) parseAnd() (Node, error) {
	return p.parseJoined(And, tokAnd, p.parsePrimary)
}

func (p *parser) parseJoined(op Connective, sep tokenKind, next func() (Node, error)) (Node, error) {
	first, err := next()
	if err != nil {
		return nil, err
	}
	operands := []Node{first}
	for p.peek(sep) {
		p.pos++
		n, err := next()
		if err != nil {
			return nil, err
		}
		operands = append(operands, n)
	}
	if len(operands) == 1 {
		return first, nil
	}
	return &LogicalOp{Op: op, Operands: operands}, nil
}

func (p *parser) parsePrimary() (Node, error) {
	if p.pos >= len(p.toks) {
		return nil, &SyntaxError{Expr: p.expr, Offset: len(p.expr), Msg: "unexpected end of expression"}
	}
	t := p.toks[p.pos]
	switch t.kind {
	case tokLParen:
		p.pos++
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.peek(tokRParen) {
			return nil, &SyntaxError{Expr: p.expr, Offset: t.offset, Msg: "unbalanced '('"}
		}
		p.pos++
		return n, nil
	case tokCondition:
		p.pos++
		c, err := ParseCondition(t.text)
		if err != nil {
			msg := err.Error()
			var se *SyntaxError
			if errors.As(err, &se) {
				msg = se.Msg
			}
			return nil, &SyntaxError{Expr: p.expr, Offset: t.offset, Msg: msg}
		}
		return c, nil
	}
	return nil, &SyntaxError{Expr: p.expr, Offset: t.offset, Msg: "unexpected " + t.describe()}
}
