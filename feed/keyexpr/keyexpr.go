// Package keyexpr derives projection keys from CEL expressions.
//
// An expression sees three variables:
//
//	owner  string  the owner id, empty for record projections
//	key    string  the record key
//	value  dyn     the decoded record
//
// and must evaluate to a string or a number, e.g.
//
//	value.code
//	value.country + "/" + value.city
//	owner + ":" + key
package keyexpr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/getpup/pupfeed/feed/projection"
)

var (
	// ErrEmptyExpression is returned by Compile for a blank expression.
	ErrEmptyExpression = errors.New("empty key expression")

	// ErrUnsupportedResult indicates an expression result that is not a string or number.
	ErrUnsupportedResult = errors.New("key expression result must be a string or number")
)

// Expr is a compiled key expression. It is safe for concurrent use.
type Expr struct {
	source string
	prog   cel.Program
}

// Compile parses and type-checks expr.
func Compile(expr string) (*Expr, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, ErrEmptyExpression
	}

	env, err := cel.NewEnv(
		cel.Variable("owner", cel.StringType),
		cel.Variable("key", cel.StringType),
		cel.Variable("value", cel.DynType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("parse %q: %w", expr, iss.Err())
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("check %q: %w", expr, iss.Err())
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	return &Expr{source: expr, prog: prog}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(expr string) *Expr {
	e, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the expression source.
func (e *Expr) String() string {
	return e.source
}

// Eval evaluates the expression and returns the key.
func (e *Expr) Eval(ownerID, key string, value any) (string, error) {
	out, _, err := e.prog.Eval(map[string]any{
		"owner": ownerID,
		"key":   key,
		"value": value,
	})
	if err != nil {
		return "", fmt.Errorf("eval %q: %w", e.source, err)
	}

	switch v := out.Value().(type) {
	case string:
		return v, nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("%w: %q returned %T", ErrUnsupportedResult, e.source, v)
	}
}

// KeyFunc adapts the expression for record projections. owner is empty.
func (e *Expr) KeyFunc() projection.KeyFunc {
	return func(rawKey string, value any) (string, error) {
		return e.Eval("", rawKey, value)
	}
}

// OwnerKeyFunc adapts the expression for owner projections.
func (e *Expr) OwnerKeyFunc() projection.OwnerKeyFunc {
	return e.Eval
}
