package relationships

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/conduit-lang/apimanager/internal/orm/query"
	"github.com/conduit-lang/apimanager/internal/orm/schema"
	"github.com/conduit-lang/apimanager/internal/orm/serializer"
	"github.com/conduit-lang/apimanager/internal/storage"
)

// DeleteFlag marks a remove element whose entity is deleted once detached
const DeleteFlag = "__delete__"

// Engine applies add, remove and set directives to the relations of a
// set of owner entities. All writes go through the operation's
// transaction.
type Engine struct {
	tx       storage.Tx
	targets  query.TargetResolver
	resolver *Resolver
}

// NewEngine creates an engine for one operation
func NewEngine(tx storage.Tx, targets query.TargetResolver, s *serializer.Serializer) *Engine {
	return &Engine{tx: tx, targets: targets, resolver: NewResolver(tx, s)}
}

// Resolver returns the engine's resolver
func (e *Engine) Resolver() *Resolver {
	return e.resolver
}

func (e *Engine) relation(res *schema.Resource, name string) (*schema.Relation, *schema.Resource, error) {
	rel, ok := res.Relation(name)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s.%s", ErrUnknownRelationship, res.Name, name)
	}
	target, err := e.targets.Target(rel)
	if err != nil {
		return nil, nil, err
	}
	return rel, target, nil
}

// Add resolves every element and attaches it to each owner. A
// single-valued relation is replaced rather than appended to.
func (e *Engine) Add(ctx context.Context, res *schema.Resource, owners []storage.Record, relation string, elements []interface{}) error {
	rel, target, err := e.relation(res, relation)
	if err != nil {
		return err
	}
	for _, element := range elements {
		member, err := e.resolver.Resolve(ctx, target, element)
		if err != nil {
			return err
		}
		for _, owner := range owners {
			if err := e.tx.Link(ctx, res, owner, rel, member); err != nil {
				return fmt.Errorf("link %s: %w", relation, err)
			}
		}
	}
	return nil
}

// Remove detaches every element from each owner. An element without a
// primary key resolves to the first current member, searching the owners
// in order, whose columns equal the element's attributes; elements
// matching nothing are skipped. An element carrying DeleteFlag is deleted after being
// detached from all owners.
func (e *Engine) Remove(ctx context.Context, res *schema.Resource, owners []storage.Record, relation string, elements []interface{}) error {
	rel, target, err := e.relation(res, relation)
	if err != nil {
		return err
	}
	if len(owners) == 0 {
		return nil
	}
	for _, element := range elements {
		attrs, ok := element.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%w: %s elements must be objects", ErrInvalidDirective, relation)
		}
		attrs, remove := stripDeleteFlag(attrs)

		var member storage.Record
		if id, ok := attrs[target.PrimaryKey]; ok && id != nil {
			if member, err = e.resolver.ByID(ctx, target, id); err != nil {
				return err
			}
		} else if member, err = e.findMember(ctx, res, owners, rel, target, attrs); err != nil {
			return err
		}
		if member == nil {
			continue
		}

		for _, owner := range owners {
			if _, err := e.tx.Unlink(ctx, res, owner, rel, member); err != nil {
				return fmt.Errorf("unlink %s: %w", relation, err)
			}
		}
		if remove {
			if _, err := e.tx.Delete(ctx, target, storage.PrimaryKey(target, member)); err != nil {
				return fmt.Errorf("delete %s: %w", target.Name, err)
			}
		}
	}
	return nil
}

func (e *Engine) findMember(ctx context.Context, res *schema.Resource, owners []storage.Record, rel *schema.Relation, target *schema.Resource, attrs map[string]interface{}) (storage.Record, error) {
	values, err := e.resolver.serializer.Attributes(target, attrs)
	if err != nil {
		return nil, err
	}
	for _, owner := range owners {
		members, err := e.tx.Related(ctx, res, owner, rel)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			if matches(target, m, values) {
				return m, nil
			}
		}
	}
	return nil, nil
}

// Set replaces the relation of every owner with the resolved value. For
// a single-valued relation a nil value detaches the current member.
func (e *Engine) Set(ctx context.Context, res *schema.Resource, owners []storage.Record, relation string, value interface{}) error {
	rel, target, err := e.relation(res, relation)
	if err != nil {
		return err
	}

	var wanted []storage.Record
	for _, element := range elements(value) {
		member, err := e.resolver.Resolve(ctx, target, element)
		if err != nil {
			return err
		}
		wanted = append(wanted, member)
	}
	if !rel.IsCollection() && len(wanted) > 1 {
		return fmt.Errorf("%w: %s holds a single entity", ErrInvalidDirective, relation)
	}

	for _, owner := range owners {
		current, err := e.tx.Related(ctx, res, owner, rel)
		if err != nil {
			return err
		}
		for _, m := range current {
			if !containsEntity(target, wanted, m) {
				if _, err := e.tx.Unlink(ctx, res, owner, rel, m); err != nil {
					return fmt.Errorf("unlink %s: %w", relation, err)
				}
			}
		}
		for _, m := range wanted {
			if !containsEntity(target, current, m) {
				if err := e.tx.Link(ctx, res, owner, rel, m); err != nil {
					return fmt.Errorf("link %s: %w", relation, err)
				}
			}
		}
	}
	return nil
}

// Apply runs the relation directives found in data against owners and
// returns the names of the relations it touched, sorted. A value whose
// keys are drawn from "add" and "remove" is a patch; any other value
// replaces the relation.
func (e *Engine) Apply(ctx context.Context, res *schema.Resource, owners []storage.Record, data map[string]interface{}) ([]string, error) {
	var touched []string
	for _, name := range res.RelationNames() {
		value, ok := data[name]
		if !ok {
			continue
		}
		if add, remove, isPatch := patch(value); isPatch {
			if err := e.Add(ctx, res, owners, name, add); err != nil {
				return nil, err
			}
			if err := e.Remove(ctx, res, owners, name, remove); err != nil {
				return nil, err
			}
		} else if err := e.Set(ctx, res, owners, name, value); err != nil {
			return nil, err
		}
		touched = append(touched, name)
	}
	sort.Strings(touched)
	return touched, nil
}

// BindToOne resolves the single-valued relations of a new entity and
// stores their keys in values. It returns the remaining collection
// relations, to be attached with Attach once the entity exists.
func (e *Engine) BindToOne(ctx context.Context, res *schema.Resource, values storage.Record, relations map[string]interface{}) (map[string]interface{}, error) {
	rest := make(map[string]interface{}, len(relations))
	for name, value := range relations {
		rel, target, err := e.relation(res, name)
		if err != nil {
			return nil, err
		}
		if rel.IsCollection() {
			rest[name] = value
			continue
		}
		if value == nil {
			values[rel.ForeignKey] = nil
			continue
		}
		member, err := e.resolver.Resolve(ctx, target, value)
		if err != nil {
			return nil, err
		}
		values[rel.ForeignKey] = storage.PrimaryKey(target, member)
	}
	return rest, nil
}

// Attach links the collection relations of a newly inserted entity
func (e *Engine) Attach(ctx context.Context, res *schema.Resource, owner storage.Record, relations map[string]interface{}) error {
	names := make([]string, 0, len(relations))
	for name := range relations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := e.Set(ctx, res, []storage.Record{owner}, name, relations[name]); err != nil {
			return err
		}
	}
	return nil
}

// patch splits an {add, remove} directive
func patch(value interface{}) (add, remove []interface{}, ok bool) {
	m, isMap := value.(map[string]interface{})
	if !isMap || len(m) == 0 {
		return nil, nil, false
	}
	for k := range m {
		if k != "add" && k != "remove" {
			return nil, nil, false
		}
	}
	return elements(m["add"]), elements(m["remove"]), true
}

// elements normalizes a relation value into a list
func elements(value interface{}) []interface{} {
	switch v := value.(type) {
	case nil:
		return nil
	case []interface{}:
		return v
	case []map[string]interface{}:
		out := make([]interface{}, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out
	default:
		return []interface{}{v}
	}
}

func stripDeleteFlag(attrs map[string]interface{}) (map[string]interface{}, bool) {
	flag, ok := attrs[DeleteFlag]
	if !ok {
		return attrs, false
	}
	out := make(map[string]interface{}, len(attrs)-1)
	for k, v := range attrs {
		if k != DeleteFlag {
			out[k] = v
		}
	}
	return out, truthy(flag)
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	case string:
		return strings.EqualFold(t, "true") || t == "1"
	}
	return false
}

// matches compares columns in their wire form
func matches(target *schema.Resource, rec storage.Record, values storage.Record) bool {
	for k, want := range values {
		field, ok := target.Field(k)
		if !ok {
			return false
		}
		if !reflect.DeepEqual(schema.FormatValue(field, rec[k]), schema.FormatValue(field, want)) {
			return false
		}
	}
	return true
}

func containsEntity(res *schema.Resource, list []storage.Record, rec storage.Record) bool {
	for _, m := range list {
		if storage.SameEntity(res, m, rec) {
			return true
		}
	}
	return false
}
