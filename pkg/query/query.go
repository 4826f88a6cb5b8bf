// Package query parses and evaluates the boolean expressions accepted by the
// query parameter on dataset reads, e.g. "temp > 32 AND unit == 'F'". Field
// names refer to members of the dataset's compound type.
package query

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

var queryLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "whitespace", Pattern: `\s+`},
	{Name: "And", Pattern: `(?i)\bAND\b`},
	{Name: "Or", Pattern: `(?i)\bOR\b`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Number", Pattern: `[-+]?\d+(\.\d+)?([eE][-+]?\d+)?`},
	{Name: "String", Pattern: `'[^']*'|"[^"]*"`},
	{Name: "Op", Pattern: `==|!=|<=|>=|<|>`},
	{Name: "Paren", Pattern: `[()]`},
})

type expression struct {
	Terms []*andExpression `parser:"@@ ( Or @@ )*"`
}

type andExpression struct {
	Terms []*term `parser:"@@ ( And @@ )*"`
}

type term struct {
	Cond *condition  `parser:"@@"`
	Sub  *expression `parser:"| \"(\" @@ \")\""`
}

type condition struct {
	Field string `parser:"@Ident"`
	Op    string `parser:"@Op"`
	Value *value `parser:"@@"`
}

type value struct {
	Number *string `parser:"@Number"`
	Str    *string `parser:"| @String"`
}

var parser = participle.MustBuild[expression](participle.Lexer(queryLexer))

// Query is a parsed boolean expression.
type Query struct {
	expr *expression
}

// Parse compiles a query expression.
func Parse(s string) (*Query, error) {
	expr, err := parser.ParseString("", s)
	if err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}
	return &Query{expr: expr}, nil
}

// Fields returns the distinct field names the query references.
func (q *Query) Fields() []string {
	seen := map[string]bool{}
	var out []string
	var walkExpr func(e *expression)
	walkExpr = func(e *expression) {
		for _, and := range e.Terms {
			for _, t := range and.Terms {
				if t.Cond != nil && !seen[t.Cond.Field] {
					seen[t.Cond.Field] = true
					out = append(out, t.Cond.Field)
				}
				if t.Sub != nil {
					walkExpr(t.Sub)
				}
			}
		}
	}
	walkExpr(q.expr)
	return out
}

// Matches evaluates the query against one record. Record values are either
// json.Number or string, as produced by the element decoder.
func (q *Query) Matches(record map[string]any) (bool, error) {
	return evalExpr(q.expr, record)
}

func evalExpr(e *expression, record map[string]any) (bool, error) {
	for _, and := range e.Terms {
		ok, err := evalAnd(and, record)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func evalAnd(e *andExpression, record map[string]any) (bool, error) {
	for _, t := range e.Terms {
		ok, err := evalTerm(t, record)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalTerm(t *term, record map[string]any) (bool, error) {
	if t.Sub != nil {
		return evalExpr(t.Sub, record)
	}
	return evalCond(t.Cond, record)
}

func evalCond(c *condition, record map[string]any) (bool, error) {
	v, ok := record[c.Field]
	if !ok {
		return false, fmt.Errorf("unknown field: %s", c.Field)
	}
	switch rv := v.(type) {
	case json.Number:
		if c.Value.Number == nil {
			return false, fmt.Errorf("field %s is numeric", c.Field)
		}
		a, err := rv.Float64()
		if err != nil {
			return false, err
		}
		var b float64
		if _, err := fmt.Sscanf(*c.Value.Number, "%g", &b); err != nil {
			return false, fmt.Errorf("invalid number: %s", *c.Value.Number)
		}
		return compareFloat(a, b, c.Op)
	case string:
		if c.Value.Str == nil {
			return false, fmt.Errorf("field %s is a string", c.Field)
		}
		return compareString(rv, unquote(*c.Value.Str), c.Op)
	default:
		return false, fmt.Errorf("field %s is not comparable", c.Field)
	}
}

func unquote(s string) string {
	if len(s) >= 2 {
		return s[1 : len(s)-1]
	}
	return s
}

func compareFloat(a, b float64, op string) (bool, error) {
	switch op {
	case "==":
		return a == b, nil
	case "!=":
		return a != b, nil
	case "<":
		return a < b, nil
	case "<=":
		return a <= b, nil
	case ">":
		return a > b, nil
	case ">=":
		return a >= b, nil
	default:
		return false, fmt.Errorf("unknown operator: %s", op)
	}
}

func compareString(a, b, op string) (bool, error) {
	switch op {
	case "==":
		return a == b, nil
	case "!=":
		return a != b, nil
	case "<":
		return strings.Compare(a, b) < 0, nil
	case "<=":
		return strings.Compare(a, b) <= 0, nil
	case ">":
		return strings.Compare(a, b) > 0, nil
	case ">=":
		return strings.Compare(a, b) >= 0, nil
	default:
		return false, fmt.Errorf("unknown operator: %s", op)
	}
}
