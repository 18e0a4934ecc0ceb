package schema

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// MethodFunc computes a derived value from a serialized entity
type MethodFunc func(entity map[string]interface{}) (interface{}, error)

// Method is a named computed value appended to serialized entities
type Method struct {
	Name string
	Fn   MethodFunc
}

// ExprMethod compiles an expression evaluated against the entity's columns.
// Columns missing from the entity evaluate to nil.
func ExprMethod(expression string) (MethodFunc, error) {
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile method expression: %w", err)
	}
	return programMethod(program), nil
}

func programMethod(program *vm.Program) MethodFunc {
	return func(entity map[string]interface{}) (interface{}, error) {
		return expr.Run(program, entity)
	}
}
