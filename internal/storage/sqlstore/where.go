package sqlstore

import (
	"fmt"
	"strings"

	"github.com/conduit-lang/apimanager/internal/orm/query"
	"github.com/conduit-lang/apimanager/internal/orm/schema"
)

// whereBuilder renders predicate trees against one table alias
type whereBuilder struct {
	dialect Dialect
	pb      *ParamBuilder
	q       *query.Query
	aliases int
}

// group renders a predicate group, returning "" when it matches everything
func (w *whereBuilder) group(pg *query.PredicateGroup, res *schema.Resource, alias string) (string, error) {
	if pg.Empty() {
		return "", nil
	}

	parts := make([]string, 0, len(pg.Conditions)+len(pg.Groups))
	for _, cond := range pg.Conditions {
		sql, err := w.condition(cond, res, alias)
		if err != nil {
			return "", err
		}
		parts = append(parts, sql)
	}
	for _, group := range pg.Groups {
		sql, err := w.group(group, res, alias)
		if err != nil {
			return "", err
		}
		if sql != "" {
			parts = append(parts, fmt.Sprintf("(%s)", sql))
		}
	}

	connector := " AND "
	if pg.Or {
		connector = " OR "
	}
	return strings.Join(parts, connector), nil
}

func (w *whereBuilder) condition(cond *query.Condition, res *schema.Resource, alias string) (string, error) {
	if cond.Operator.Relational() {
		return w.exists(cond, res, alias)
	}

	column := qualify(alias, cond.Field)
	if cond.OtherField != "" {
		return fmt.Sprintf("%s %s %s", column, cond.Operator, qualify(alias, cond.OtherField)), nil
	}

	switch cond.Operator {
	case query.OpEqual, query.OpNotEqual, query.OpGreaterThan, query.OpGreaterThanOrEqual,
		query.OpLessThan, query.OpLessThanOrEqual, query.OpLike:
		field, _ := res.Field(cond.Field)
		return fmt.Sprintf("%s %s %s", column, cond.Operator, w.pb.Add(encodeValue(field, cond.Value))), nil

	case query.OpILike:
		return w.dialect.ILike(column, w.pb.Add(cond.Value)), nil

	case query.OpIn, query.OpNotIn:
		values, ok := cond.Value.([]interface{})
		if !ok {
			return "", fmt.Errorf("%s operator requires []interface{} value", cond.Operator)
		}
		if len(values) == 0 {
			// IN () matches nothing and NOT IN () matches everything
			if cond.Operator == query.OpIn {
				return "1 = 0", nil
			}
			return "1 = 1", nil
		}
		field, _ := res.Field(cond.Field)
		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = w.pb.Add(encodeValue(field, v))
		}
		return fmt.Sprintf("%s %s (%s)", column, cond.Operator, strings.Join(placeholders, ", ")), nil

	case query.OpIsNull, query.OpIsNotNull:
		return fmt.Sprintf("%s %s", column, cond.Operator), nil

	default:
		return "", fmt.Errorf("unsupported operator: %v", cond.Operator)
	}
}

// exists renders has/any as a correlated EXISTS subquery
func (w *whereBuilder) exists(cond *query.Condition, res *schema.Resource, alias string) (string, error) {
	rel, ok := res.Relation(cond.Field)
	if !ok {
		return "", fmt.Errorf("unknown relation %q", cond.Field)
	}
	target, ok := w.q.Target(cond)
	if !ok {
		return "", fmt.Errorf("relation %q was not compiled", cond.Field)
	}

	w.aliases++
	sub := fmt.Sprintf("r%d", w.aliases)
	inner, err := w.condition(cond.Nested, target, sub)
	if err != nil {
		return "", err
	}

	from := fmt.Sprintf("%s AS %s", quote(target.Table), quote(sub))
	var join string
	switch {
	case rel.Kind == schema.ToOne:
		join = fmt.Sprintf("%s = %s", qualify(sub, target.PrimaryKey), qualify(alias, rel.ForeignKey))
	case rel.UsesJoinTable():
		link := sub + "_link"
		from = fmt.Sprintf("%s AS %s JOIN %s ON %s = %s",
			quote(rel.JoinTable), quote(link), from,
			qualify(sub, target.PrimaryKey), qualify(link, rel.JoinTargetKey))
		join = fmt.Sprintf("%s = %s", qualify(link, rel.JoinKey), qualify(alias, res.PrimaryKey))
	default:
		join = fmt.Sprintf("%s = %s", qualify(sub, rel.ForeignKey), qualify(alias, res.PrimaryKey))
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM %s WHERE %s AND %s)", from, join, inner), nil
}

// orderBy renders the sort clause with the primary key as final tiebreaker
func orderBy(q *query.Query, alias string) string {
	res := q.Resource
	parts := make([]string, 0, len(q.OrderBy)+1)
	seenPK := false
	for _, o := range q.OrderBy {
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		parts = append(parts, fmt.Sprintf("%s %s", qualify(alias, o.Field), dir))
		if o.Field == res.PrimaryKey {
			seenPK = true
		}
	}
	if !seenPK {
		parts = append(parts, qualify(alias, res.PrimaryKey)+" ASC")
	}
	return "ORDER BY " + strings.Join(parts, ", ")
}
