package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/conduit-lang/apimanager/internal/orm/schema"
)

var (
	// ErrInvalidSearch is returned when a search cannot be compiled
	ErrInvalidSearch = errors.New("unable to construct query")

	// ErrNoResults is returned when a single result was requested and nothing matched
	ErrNoResults = errors.New("no result found")

	// ErrMultipleResults is returned when a single result was requested and several matched
	ErrMultipleResults = errors.New("multiple results found")
)

// TargetResolver resolves the resource a relation points at
type TargetResolver interface {
	Target(rel *schema.Relation) (*schema.Resource, error)
}

// Order is a validated sort directive
type Order struct {
	Field string
	Desc  bool
}

// Query is a compiled, backend-neutral query against one resource
type Query struct {
	Resource *schema.Resource
	Where    *PredicateGroup
	OrderBy  []Order
	Single   bool

	// Limit of 0 means unbounded
	Limit  int
	Offset int

	// targets holds the related resource of each relational condition
	targets map[*Condition]*schema.Resource
}

// Target returns the related resource a has/any condition refers to
func (q *Query) Target(cond *Condition) (*schema.Resource, bool) {
	res, ok := q.targets[cond]
	return res, ok
}

// Page returns a copy of the query restricted to a window
func (q *Query) Page(limit, offset int) *Query {
	cp := *q
	cp.Limit = limit
	cp.Offset = offset
	return &cp
}

// Unordered returns a copy of the query without sort directives
func (q *Query) Unordered() *Query {
	cp := *q
	cp.OrderBy = nil
	return &cp
}

// All returns a query matching every entity of res
func All(res *schema.Resource) *Query {
	return &Query{Resource: res, Where: NewPredicateGroup(false)}
}

// ByID returns a query matching the entity whose primary key equals id
func ByID(res *schema.Resource, id interface{}) (*Query, error) {
	pk, _ := res.Field(res.PrimaryKey)
	value, err := schema.ConvertValue(pk, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSearch, err)
	}
	where := NewPredicateBuilder().Where(res.PrimaryKey, OpEqual, value).Build()
	return &Query{Resource: res, Where: where, Single: true}, nil
}

// Compile validates a search specification against res and converts
// filter values to native column values.
func Compile(res *schema.Resource, spec *SearchSpec, targets TargetResolver) (*Query, error) {
	c := &compiler{targets: targets, relational: make(map[*Condition]*schema.Resource)}
	q := &Query{Resource: res, Where: NewPredicateGroup(false)}
	if spec == nil {
		spec = &SearchSpec{}
	}
	q.Single = spec.Single

	if err := c.group(res, q.Where, spec.Filters); err != nil {
		return nil, err
	}
	for _, o := range spec.OrderBy {
		if !res.IsColumn(o.Field) {
			return nil, fmt.Errorf("%w: cannot order by unknown column %q", ErrInvalidSearch, o.Field)
		}
		q.OrderBy = append(q.OrderBy, Order{Field: o.Field, Desc: o.Descending()})
	}
	q.targets = c.relational
	return q, nil
}

type compiler struct {
	targets    TargetResolver
	relational map[*Condition]*schema.Resource
}

func (c *compiler) group(res *schema.Resource, group *PredicateGroup, filters []Filter) error {
	for i := range filters {
		f := &filters[i]
		switch {
		case len(f.Or) > 0:
			sub := NewPredicateGroup(true)
			if err := c.group(res, sub, f.Or); err != nil {
				return err
			}
			group.AddGroup(sub)
		case len(f.And) > 0:
			sub := NewPredicateGroup(false)
			if err := c.group(res, sub, f.And); err != nil {
				return err
			}
			group.AddGroup(sub)
		default:
			cond, err := c.condition(res, f)
			if err != nil {
				return err
			}
			group.AddCondition(cond)
		}
	}
	return nil
}

func (c *compiler) condition(res *schema.Resource, f *Filter) (*Condition, error) {
	op, err := ParseOperator(f.Op)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSearch, err)
	}

	if op.Relational() {
		return c.relationCondition(res, f, op)
	}

	field, ok := res.Field(f.Name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown column %q", ErrInvalidSearch, f.Name)
	}
	cond := &Condition{Field: f.Name, Operator: op}

	if op.Unary() {
		return cond, nil
	}

	if f.Field != "" {
		if !res.IsColumn(f.Field) {
			return nil, fmt.Errorf("%w: unknown column %q", ErrInvalidSearch, f.Field)
		}
		cond.OtherField = f.Field
		return cond, nil
	}

	switch op {
	case OpEqual, OpNotEqual:
		if f.Val == nil {
			cond.Operator = OpIsNull
			if op == OpNotEqual {
				cond.Operator = OpIsNotNull
			}
			return cond, nil
		}
	case OpIn, OpNotIn:
		values, ok := f.Val.([]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: operator %s on %q requires a list", ErrInvalidSearch, f.Op, f.Name)
		}
		converted := make([]interface{}, len(values))
		for i, v := range values {
			if converted[i], err = schema.ConvertValue(field, v); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidSearch, err)
			}
		}
		cond.Value = converted
		return cond, nil
	case OpLike, OpILike:
		s, ok := f.Val.(string)
		if !ok {
			return nil, fmt.Errorf("%w: operator %s on %q requires a string pattern", ErrInvalidSearch, f.Op, f.Name)
		}
		cond.Value = s
		return cond, nil
	}

	if cond.Value, err = schema.ConvertValue(field, f.Val); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSearch, err)
	}
	return cond, nil
}

func (c *compiler) relationCondition(res *schema.Resource, f *Filter, op Operator) (*Condition, error) {
	rel, ok := res.Relation(f.Name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown relation %q", ErrInvalidSearch, f.Name)
	}
	if c.targets == nil {
		return nil, fmt.Errorf("%w: relation filters are not available", ErrInvalidSearch)
	}
	target, err := c.targets.Target(rel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSearch, err)
	}
	nested, err := nestedFilter(f.Val)
	if err != nil || nested.Name == "" {
		return nil, fmt.Errorf("%w: operator %s on %q requires a nested filter", ErrInvalidSearch, f.Op, f.Name)
	}
	// One level of relation traversal only.
	inner, err := c.condition(target, nested)
	if err != nil {
		return nil, err
	}
	if inner.Operator.Relational() {
		return nil, fmt.Errorf("%w: nested relation filters are not supported", ErrInvalidSearch)
	}

	cond := &Condition{Field: f.Name, Operator: op, Nested: inner}
	c.relational[cond] = target
	return cond, nil
}

// Finder executes compiled queries
type Finder interface {
	Find(ctx context.Context, q *Query) ([]map[string]interface{}, error)
}

// FindOne resolves a single-result query. It fails with ErrNoResults when
// nothing matches and ErrMultipleResults when more than one entity does.
func FindOne(ctx context.Context, f Finder, q *Query) (map[string]interface{}, error) {
	rows, err := f.Find(ctx, q.Page(2, 0))
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, ErrNoResults
	case 1:
		return rows[0], nil
	default:
		return nil, ErrMultipleResults
	}
}
