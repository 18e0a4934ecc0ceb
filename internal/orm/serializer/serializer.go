// Package serializer converts between stored entities and their wire form.
package serializer

import (
	"context"
	"fmt"

	"github.com/conduit-lang/apimanager/internal/orm/query"
	"github.com/conduit-lang/apimanager/internal/orm/schema"
	"github.com/conduit-lang/apimanager/internal/orm/validation"
	"github.com/conduit-lang/apimanager/internal/storage"
)

// Serializer renders entities with their visible relations one level deep
type Serializer struct {
	targets   query.TargetResolver
	validator *validation.Engine
}

// New creates a serializer resolving relation targets through targets
func New(targets query.TargetResolver) *Serializer {
	return &Serializer{targets: targets, validator: validation.NewEngine()}
}

// Serialize renders rec, loading its visible relations through r
func (s *Serializer) Serialize(ctx context.Context, r storage.Reader, res *schema.Resource, rec storage.Record) (map[string]interface{}, error) {
	out := Columns(res, rec, visibleColumns(res))

	for _, name := range res.VisibleRelations() {
		rel, _ := res.Relation(name)
		target, err := s.targets.Target(rel)
		if err != nil {
			return nil, err
		}
		members, err := r.Related(ctx, res, rec, rel)
		if err != nil {
			return nil, fmt.Errorf("load relation %s: %w", name, err)
		}
		columns := relatedColumns(res, target, name)

		if rel.IsCollection() {
			items := make([]map[string]interface{}, len(members))
			for i, m := range members {
				items[i] = Columns(target, m, columns)
			}
			out[name] = items
			continue
		}
		if len(members) == 0 {
			out[name] = nil
		} else {
			out[name] = Columns(target, members[0], columns)
		}
	}

	for _, m := range res.Methods() {
		v, err := m.Fn(out)
		if err != nil {
			return nil, fmt.Errorf("method %s: %w", m.Name, err)
		}
		out[m.Name] = v
	}
	return out, nil
}

// SerializeAll renders a list of entities
func (s *Serializer) SerializeAll(ctx context.Context, r storage.Reader, res *schema.Resource, recs []storage.Record) ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, len(recs))
	for i, rec := range recs {
		obj, err := s.Serialize(ctx, r, res, rec)
		if err != nil {
			return nil, err
		}
		out[i] = obj
	}
	return out, nil
}

// Columns renders the named columns of rec in wire form
func Columns(res *schema.Resource, rec storage.Record, columns []string) map[string]interface{} {
	out := make(map[string]interface{}, len(columns))
	for _, name := range columns {
		field, ok := res.Field(name)
		if !ok {
			continue
		}
		out[name] = schema.FormatValue(field, rec[name])
	}
	return out
}

func visibleColumns(res *schema.Resource) []string {
	all := res.Columns()
	switch {
	case res.Include() != nil:
		return keep(all, res.Include().Columns)
	case res.Exclude() != nil:
		return drop(all, res.Exclude().Columns)
	}
	return all
}

// relatedColumns applies the dotted narrowing declared on res to target
func relatedColumns(res, target *schema.Resource, relation string) []string {
	all := target.Columns()
	if inc := res.Include(); inc != nil {
		if fields, ok := inc.Relations[relation]; ok {
			return keep(all, fields)
		}
		return all
	}
	if exc := res.Exclude(); exc != nil {
		if fields, ok := exc.Relations[relation]; ok {
			return drop(all, fields)
		}
	}
	return all
}

func keep(all, names []string) []string {
	set := toSet(names)
	out := make([]string, 0, len(names))
	for _, c := range all {
		if set[c] {
			out = append(out, c)
		}
	}
	return out
}

func drop(all, names []string) []string {
	set := toSet(names)
	out := make([]string, 0, len(all))
	for _, c := range all {
		if !set[c] {
			out = append(out, c)
		}
	}
	return out
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
