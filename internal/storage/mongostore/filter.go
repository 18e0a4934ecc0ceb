package mongostore

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/conduit-lang/apimanager/internal/orm/query"
	"github.com/conduit-lang/apimanager/internal/orm/schema"
)

var comparisonOps = map[query.Operator]string{
	query.OpEqual:              "$eq",
	query.OpNotEqual:           "$ne",
	query.OpGreaterThan:        "$gt",
	query.OpGreaterThanOrEqual: "$gte",
	query.OpLessThan:           "$lt",
	query.OpLessThanOrEqual:    "$lte",
}

// filterBuilder translates predicate trees into query documents.
// Relation filters are resolved to primary key lists with extra reads.
type filterBuilder struct {
	r reader
	q *query.Query
}

func (r reader) filter(ctx context.Context, q *query.Query) (bson.M, error) {
	b := &filterBuilder{r: r, q: q}
	f, err := b.group(ctx, q.Where, q.Resource)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", query.ErrInvalidSearch, err)
	}
	return f, nil
}

func (b *filterBuilder) group(ctx context.Context, pg *query.PredicateGroup, res *schema.Resource) (bson.M, error) {
	if pg.Empty() {
		return bson.M{}, nil
	}

	parts := bson.A{}
	for _, cond := range pg.Conditions {
		f, err := b.condition(ctx, cond, res)
		if err != nil {
			return nil, err
		}
		parts = append(parts, f)
	}
	for _, group := range pg.Groups {
		if group.Empty() {
			continue
		}
		f, err := b.group(ctx, group, res)
		if err != nil {
			return nil, err
		}
		parts = append(parts, f)
	}

	if len(parts) == 1 {
		return parts[0].(bson.M), nil
	}
	if pg.Or {
		return bson.M{"$or": parts}, nil
	}
	return bson.M{"$and": parts}, nil
}

func (b *filterBuilder) condition(ctx context.Context, cond *query.Condition, res *schema.Resource) (bson.M, error) {
	if cond.Operator.Relational() {
		return b.relation(ctx, cond, res)
	}

	name := fieldName(res, cond.Field)
	if cond.OtherField != "" {
		op, ok := comparisonOps[cond.Operator]
		if !ok {
			return nil, fmt.Errorf("operator %s cannot compare two fields", cond.Operator)
		}
		other := fieldName(res, cond.OtherField)
		return bson.M{"$expr": bson.M{op: bson.A{"$" + name, "$" + other}}}, nil
	}

	switch cond.Operator {
	case query.OpEqual:
		return bson.M{name: cond.Value}, nil

	case query.OpNotEqual, query.OpGreaterThan, query.OpGreaterThanOrEqual,
		query.OpLessThan, query.OpLessThanOrEqual:
		return bson.M{name: bson.M{comparisonOps[cond.Operator]: cond.Value}}, nil

	case query.OpIn, query.OpNotIn:
		values, ok := cond.Value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("%s operator requires []interface{} value", cond.Operator)
		}
		op := "$in"
		if cond.Operator == query.OpNotIn {
			op = "$nin"
		}
		return bson.M{name: bson.M{op: bson.A(values)}}, nil

	case query.OpIsNull:
		return bson.M{name: nil}, nil

	case query.OpIsNotNull:
		return bson.M{name: bson.M{"$ne": nil}}, nil

	case query.OpLike, query.OpILike:
		pattern, ok := cond.Value.(string)
		if !ok {
			return nil, fmt.Errorf("%s operator requires a string pattern", cond.Operator)
		}
		regex := primitive.Regex{Pattern: likePattern(pattern)}
		if cond.Operator == query.OpILike {
			regex.Options = "i"
		}
		return bson.M{name: regex}, nil

	default:
		return nil, fmt.Errorf("unsupported operator: %v", cond.Operator)
	}
}

// relation resolves has/any into a membership test on primary or foreign
// keys
func (b *filterBuilder) relation(ctx context.Context, cond *query.Condition, res *schema.Resource) (bson.M, error) {
	rel, ok := res.Relation(cond.Field)
	if !ok {
		return nil, fmt.Errorf("unknown relation %q", cond.Field)
	}
	target, ok := b.q.Target(cond)
	if !ok {
		return nil, fmt.Errorf("relation %q was not compiled", cond.Field)
	}
	inner, err := b.condition(ctx, cond.Nested, target)
	if err != nil {
		return nil, err
	}

	switch {
	case rel.Kind == schema.ToOne:
		ids, err := b.r.values(ctx, target.Table, inner, idKey)
		if err != nil {
			return nil, err
		}
		return bson.M{fieldName(res, rel.ForeignKey): bson.M{"$in": ids}}, nil

	case rel.UsesJoinTable():
		ids, err := b.r.values(ctx, target.Table, inner, idKey)
		if err != nil {
			return nil, err
		}
		owners, err := b.r.values(ctx, rel.JoinTable, bson.M{rel.JoinTargetKey: bson.M{"$in": ids}}, rel.JoinKey)
		if err != nil {
			return nil, err
		}
		return bson.M{idKey: bson.M{"$in": owners}}, nil

	default:
		owners, err := b.r.values(ctx, target.Table, inner, fieldName(target, rel.ForeignKey))
		if err != nil {
			return nil, err
		}
		return bson.M{idKey: bson.M{"$in": owners}}, nil
	}
}

// likePattern converts a SQL LIKE pattern into an anchored regular
// expression
func likePattern(like string) string {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range like {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return sb.String()
}

// sortDocument renders the sort order with _id as final tiebreaker
func sortDocument(q *query.Query) bson.D {
	res := q.Resource
	sort := make(bson.D, 0, len(q.OrderBy)+1)
	seenPK := false
	for _, o := range q.OrderBy {
		dir := 1
		if o.Desc {
			dir = -1
		}
		sort = append(sort, bson.E{Key: fieldName(res, o.Field), Value: dir})
		if o.Field == res.PrimaryKey {
			seenPK = true
		}
	}
	if !seenPK {
		sort = append(sort, bson.E{Key: idKey, Value: 1})
	}
	return sort
}
