// Package query parses client search specifications and compiles them into
// backend-neutral predicate trees validated against a resource definition.
package query

import (
	"fmt"
	"strings"
)

// Operator represents a comparison operator
type Operator int

const (
	OpEqual Operator = iota
	OpNotEqual
	OpGreaterThan
	OpGreaterThanOrEqual
	OpLessThan
	OpLessThanOrEqual
	OpIn
	OpNotIn
	OpLike
	OpILike
	OpIsNull
	OpIsNotNull
	// OpHas matches when a single-valued relation satisfies a nested condition
	OpHas
	// OpAny matches when any member of a collection relation satisfies a nested condition
	OpAny
)

var operatorAliases = map[string]Operator{
	"==":             OpEqual,
	"eq":             OpEqual,
	"equals":         OpEqual,
	"equal_to":       OpEqual,
	"!=":             OpNotEqual,
	"neq":            OpNotEqual,
	"does_not_equal": OpNotEqual,
	"not_equal_to":   OpNotEqual,
	">":              OpGreaterThan,
	"gt":             OpGreaterThan,
	"<":              OpLessThan,
	"lt":             OpLessThan,
	">=":             OpGreaterThanOrEqual,
	"ge":             OpGreaterThanOrEqual,
	"gte":            OpGreaterThanOrEqual,
	"geq":            OpGreaterThanOrEqual,
	"<=":             OpLessThanOrEqual,
	"le":             OpLessThanOrEqual,
	"lte":            OpLessThanOrEqual,
	"leq":            OpLessThanOrEqual,
	"in":             OpIn,
	"not_in":         OpNotIn,
	"like":           OpLike,
	"ilike":          OpILike,
	"is_null":        OpIsNull,
	"is_not_null":    OpIsNotNull,
	"has":            OpHas,
	"any":            OpAny,
}

// ParseOperator resolves an operator name, accepting symbolic and word forms
func ParseOperator(name string) (Operator, error) {
	op, ok := operatorAliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unknown operator %q", name)
	}
	return op, nil
}

// String returns the string representation of the operator
func (o Operator) String() string {
	switch o {
	case OpEqual:
		return "="
	case OpNotEqual:
		return "!="
	case OpGreaterThan:
		return ">"
	case OpGreaterThanOrEqual:
		return ">="
	case OpLessThan:
		return "<"
	case OpLessThanOrEqual:
		return "<="
	case OpIn:
		return "IN"
	case OpNotIn:
		return "NOT IN"
	case OpLike:
		return "LIKE"
	case OpILike:
		return "ILIKE"
	case OpIsNull:
		return "IS NULL"
	case OpIsNotNull:
		return "IS NOT NULL"
	case OpHas:
		return "HAS"
	case OpAny:
		return "ANY"
	default:
		return "UNKNOWN"
	}
}

// Unary returns true for operators that take no value
func (o Operator) Unary() bool {
	return o == OpIsNull || o == OpIsNotNull
}

// Relational returns true for operators that test relation members
func (o Operator) Relational() bool {
	return o == OpHas || o == OpAny
}

// Condition represents a single filter.
//
// Value holds the right-hand side. When OtherField is set the column is
// compared against another column of the same entity instead. Relational
// operators carry the condition on the related resource in Nested.
type Condition struct {
	Field      string
	Operator   Operator
	Value      interface{}
	OtherField string
	Nested     *Condition
}

// PredicateGroup represents a group of predicates combined with AND/OR
type PredicateGroup struct {
	Conditions []*Condition
	Groups     []*PredicateGroup
	Or         bool // true for OR, false for AND
}

// NewPredicateGroup creates a new predicate group
func NewPredicateGroup(or bool) *PredicateGroup {
	return &PredicateGroup{
		Conditions: make([]*Condition, 0),
		Groups:     make([]*PredicateGroup, 0),
		Or:         or,
	}
}

// AddCondition adds a condition to the group
func (pg *PredicateGroup) AddCondition(cond *Condition) {
	pg.Conditions = append(pg.Conditions, cond)
}

// AddGroup adds a nested group
func (pg *PredicateGroup) AddGroup(group *PredicateGroup) {
	pg.Groups = append(pg.Groups, group)
}

// Empty returns true when the group matches everything
func (pg *PredicateGroup) Empty() bool {
	if pg == nil {
		return true
	}
	if len(pg.Conditions) > 0 {
		return false
	}
	for _, g := range pg.Groups {
		if !g.Empty() {
			return false
		}
	}
	return true
}

// Walk visits every condition of the tree depth-first, stopping at the
// first error returned by fn.
func (pg *PredicateGroup) Walk(fn func(*Condition) error) error {
	if pg == nil {
		return nil
	}
	for _, c := range pg.Conditions {
		if err := fn(c); err != nil {
			return err
		}
	}
	for _, g := range pg.Groups {
		if err := g.Walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// PredicateBuilder provides a fluent API for building predicates in code
type PredicateBuilder struct {
	root *PredicateGroup
}

// NewPredicateBuilder creates a new predicate builder
func NewPredicateBuilder() *PredicateBuilder {
	return &PredicateBuilder{
		root: NewPredicateGroup(false),
	}
}

// Where adds a condition
func (pb *PredicateBuilder) Where(field string, op Operator, value interface{}) *PredicateBuilder {
	pb.root.AddCondition(&Condition{Field: field, Operator: op, Value: value})
	return pb
}

// AndGroup adds an AND group
func (pb *PredicateBuilder) AndGroup(fn func(*PredicateBuilder)) *PredicateBuilder {
	group := NewPredicateGroup(false)
	fn(&PredicateBuilder{root: group})
	pb.root.AddGroup(group)
	return pb
}

// OrGroup adds an OR group
func (pb *PredicateBuilder) OrGroup(fn func(*PredicateBuilder)) *PredicateBuilder {
	group := NewPredicateGroup(true)
	fn(&PredicateBuilder{root: group})
	pb.root.AddGroup(group)
	return pb
}

// Build returns the root group
func (pb *PredicateBuilder) Build() *PredicateGroup {
	return pb.root
}
