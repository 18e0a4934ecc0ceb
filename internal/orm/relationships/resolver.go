// Package relationships applies relation directives to stored entities
// inside the transaction of the surrounding operation.
package relationships

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/conduit-lang/apimanager/internal/orm/query"
	"github.com/conduit-lang/apimanager/internal/orm/schema"
	"github.com/conduit-lang/apimanager/internal/orm/serializer"
	"github.com/conduit-lang/apimanager/internal/storage"
)

// Resolver turns relation elements into stored entities. An element
// carrying the target's primary key references an existing entity; any
// other element is looked up by its attributes and created when nothing
// matches.
//
// A Resolver is scoped to one operation. Identical attribute sets resolve
// to the same entity for its whole lifetime.
type Resolver struct {
	tx         storage.Tx
	serializer *serializer.Serializer
	memo       map[string]storage.Record
	created    int
}

// NewResolver creates a resolver writing through tx
func NewResolver(tx storage.Tx, s *serializer.Serializer) *Resolver {
	return &Resolver{tx: tx, serializer: s, memo: make(map[string]storage.Record)}
}

// Created returns the number of entities the resolver inserted
func (r *Resolver) Created() int {
	return r.created
}

// Resolve returns the entity of target described by element
func (r *Resolver) Resolve(ctx context.Context, target *schema.Resource, element interface{}) (storage.Record, error) {
	attrs, ok := element.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: %s elements must be objects", ErrInvalidDirective, target.Name)
	}
	if id, ok := attrs[target.PrimaryKey]; ok && id != nil {
		return r.ByID(ctx, target, id)
	}
	return r.getOrCreate(ctx, target, attrs)
}

// ByID loads the entity of target with the given primary key
func (r *Resolver) ByID(ctx context.Context, target *schema.Resource, id interface{}) (storage.Record, error) {
	q, err := query.ByID(target, id)
	if err != nil {
		return nil, fmt.Errorf("%s %v: %w", target.Name, id, storage.ErrNotFound)
	}
	rec, err := query.FindOne(ctx, r.tx, q)
	if errors.Is(err, query.ErrNoResults) {
		return nil, fmt.Errorf("%s %v: %w", target.Name, id, storage.ErrNotFound)
	}
	return rec, err
}

func (r *Resolver) getOrCreate(ctx context.Context, target *schema.Resource, attrs map[string]interface{}) (storage.Record, error) {
	values, err := r.serializer.Attributes(target, attrs)
	if err != nil {
		return nil, err
	}
	key, err := memoKey(target, values)
	if err != nil {
		return nil, err
	}
	if rec, ok := r.memo[key]; ok {
		return rec, nil
	}

	found, err := r.tx.Find(ctx, attributeQuery(target, values).Page(1, 0))
	if err != nil {
		return nil, err
	}
	var rec storage.Record
	if len(found) > 0 {
		rec = found[0]
	} else {
		if rec, err = r.tx.Insert(ctx, target, values); err != nil {
			return nil, err
		}
		r.created++
	}
	r.memo[key] = rec
	return rec, nil
}

// attributeQuery matches entities whose columns equal every value
func attributeQuery(target *schema.Resource, values storage.Record) *query.Query {
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)

	b := query.NewPredicateBuilder()
	for _, name := range names {
		if values[name] == nil {
			b.Where(name, query.OpIsNull, nil)
		} else {
			b.Where(name, query.OpEqual, values[name])
		}
	}
	return &query.Query{Resource: target, Where: b.Build()}
}

func memoKey(target *schema.Resource, values storage.Record) (string, error) {
	// encoding/json sorts map keys
	raw, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDirective, err)
	}
	return target.Name + ":" + string(raw), nil
}
