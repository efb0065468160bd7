package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Operator is a comparison used by a Condition.
type Operator string

const (
	OpEq         Operator = "=="
	OpNe         Operator = "!="
	OpLt         Operator = "<"
	OpLe         Operator = "<="
	OpGt         Operator = ">"
	OpGe         Operator = ">="
	OpIn         Operator = "in"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startswith"
	OpEndsWith   Operator = "endswith"
	OpExists     Operator = "exists"
)

// Two-character operators come before their one-character prefixes, and
// "exists" before "exist", so the leftmost-first match picks the longer one.
var conditionPattern = regexp.MustCompile(`^(\w+)\s*(not\s+)?(==|!=|<=|>=|<|>|contains|in|startswith|endswith|exists|exist)\s*(.*)$`)

var (
	intLiteral   = regexp.MustCompile(`^-?\d+$`)
	floatLiteral = regexp.MustCompile(`^-?(\d+\.\d*|\.\d+)$`)
)

// Condition is a single "<key> [not] <op> <value>" test.
type Condition struct {
	Key     string
	Op      Operator
	Value   any
	Negated bool
}

// ParseCondition compiles one leaf of a logic string.
func ParseCondition(s string) (*Condition, error) {
	s = strings.TrimSpace(s)
	m := conditionPattern.FindStringSubmatch(s)
	if m == nil {
		return nil, &SyntaxError{Expr: s, Msg: fmt.Sprintf("invalid condition %q", s)}
	}
	c := &Condition{
		Key:     m[1],
		Op:      Operator(m[3]),
		Negated: m[2] != "",
	}
	if c.Op == "exist" {
		c.Op = OpExists
	}
	if c.Op != OpExists {
		c.Value = parseLiteral(c.Op, strings.TrimSpace(m[4]))
	}
	return c, nil
}

func parseLiteral(op Operator, raw string) any {
	if op == OpIn && strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
		parts := strings.Split(raw[1:len(raw)-1], ",")
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			out = append(out, parseNumberOrString(strings.Trim(strings.TrimSpace(p), `'"`)))
		}
		return out
	}
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}
	if intLiteral.MatchString(raw) || floatLiteral.MatchString(raw) {
		return parseNumberOrString(raw)
	}
	return strings.Trim(raw, `'"`)
}

func parseNumberOrString(s string) any {
	if intLiteral.MatchString(s) {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	}
	if intLiteral.MatchString(s) || floatLiteral.MatchString(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return s
}

// Check evaluates the condition against obj's own fields. A missing key
// never matches, except that "not exists" holds for it.
func (c *Condition) Check(obj map[string]any) bool {
	field, ok := obj[c.Key]
	if !ok {
		return c.Op == OpExists && c.Negated
	}
	result := c.eval(field)
	if c.Negated {
		return !result
	}
	return result
}

func (c *Condition) eval(field any) bool {
	switch c.Op {
	case OpExists:
		return true
	case OpIn:
		return contains(c.Value, field)
	}

	lit := c.Value
	if _, isBool := field.(bool); isBool {
		lit = truthy(lit)
	}

	switch c.Op {
	case OpEq:
		return equal(field, lit)
	case OpNe:
		return !equal(field, lit)
	case OpLt, OpLe, OpGt, OpGe:
		cmp, ok := compare(field, lit)
		if !ok {
			return false
		}
		switch c.Op {
		case OpLt:
			return cmp < 0
		case OpLe:
			return cmp <= 0
		case OpGt:
			return cmp > 0
		default:
			return cmp >= 0
		}
	case OpContains:
		needle := stringify(lit)
		return anyString(field, func(s string) bool { return strings.Contains(s, needle) })
	case OpStartsWith:
		prefix := stringify(lit)
		return anyString(field, func(s string) bool { return strings.HasPrefix(s, prefix) })
	case OpEndsWith:
		suffix := stringify(lit)
		return anyString(field, func(s string) bool { return strings.HasSuffix(s, suffix) })
	}
	return false
}

func (c *Condition) String() string {
	var b strings.Builder
	b.WriteString(c.Key)
	if c.Negated {
		b.WriteString(" not")
	}
	b.WriteByte(' ')
	b.WriteString(string(c.Op))
	if c.Op != OpExists {
		b.WriteByte(' ')
		if list, ok := c.Value.([]any); ok {
			parts := make([]string, len(list))
			for i, v := range list {
				parts[i] = stringify(v)
			}
			b.WriteString("[" + strings.Join(parts, ", ") + "]")
		} else {
			b.WriteString(stringify(c.Value))
		}
	}
	return b.String()
}

// anyString applies pred to the string form of v, or to each element when v
// is a list.
func anyString(v any, pred func(string) bool) bool {
	if list, ok := v.([]any); ok {
		for _, item := range list {
			if pred(stringify(item)) {
				return true
			}
		}
		return false
	}
	return pred(stringify(v))
}
