package crud

import (
	"context"
	"net/http"

	"github.com/conduit-lang/apimanager/internal/orm/hooks"
	"github.com/conduit-lang/apimanager/internal/orm/pagination"
	"github.com/conduit-lang/apimanager/internal/orm/query"
	"github.com/conduit-lang/apimanager/internal/orm/schema"
	"github.com/conduit-lang/apimanager/internal/storage"
)

// Search returns the entities matching spec. A single search returns the
// one matching entity; any other search returns a paginated envelope.
func (o *Operations) Search(ctx context.Context, spec *query.SearchSpec, page, perPage int) (out *Outcome, err error) {
	start := o.begin(OperationSearch)
	defer func() { o.observe(OperationSearch, start, out, err) }()

	if spec == nil {
		spec = &query.SearchSpec{}
	}
	hctx := hooks.NewContext(ctx, o.resource, hooks.GetMany)
	hctx.Search = spec
	if out, err := o.runHooks(hooks.Preprocess, hctx); out != nil || err != nil {
		return out, err
	}

	q, err := query.Compile(o.resource, hctx.Search, o.targets)
	if err != nil {
		return nil, o.fail(err)
	}

	if q.Single {
		rec, err := query.FindOne(ctx, o.store, q)
		if err != nil {
			return nil, o.fail(err)
		}
		result, err := o.serializer.Serialize(ctx, o.store, o.resource, rec)
		if err != nil {
			return nil, o.fail(err)
		}
		hctx.Result = result
	} else {
		envelope, err := o.page(ctx, q, page, perPage)
		if err != nil {
			return nil, o.fail(err)
		}
		hctx.Result = envelope.Map()
	}
	return o.respond(hctx, http.StatusOK)
}

func (o *Operations) page(ctx context.Context, q *query.Query, page, perPage int) (*pagination.Envelope, error) {
	size := pagination.PerPage(perPage, o.resource.DefaultPerPage, o.resource.MaxPerPage)
	total, err := o.store.Count(ctx, q)
	if err != nil {
		return nil, err
	}
	window := pagination.NewWindow(page, size, total)

	var recs []storage.Record
	if window.Limit() > 0 {
		recs, err = o.store.Find(ctx, q.Page(window.Limit(), window.Start))
		if err != nil {
			return nil, err
		}
	}
	objects, err := o.serializer.SerializeAll(ctx, o.store, o.resource, recs)
	if err != nil {
		return nil, err
	}
	return pagination.NewEnvelope(window, objects), nil
}

// Get returns one entity, one of its relations, or one member of a
// relation when relID is set.
func (o *Operations) Get(ctx context.Context, id interface{}, relation string, relID interface{}) (out *Outcome, err error) {
	start := o.begin(OperationGet)
	defer func() { o.observe(OperationGet, start, out, err) }()

	hctx := hooks.NewContext(ctx, o.resource, hooks.GetSingle)
	hctx.InstanceID = id
	hctx.Relation = relation
	hctx.RelationID = relID
	if out, err := o.runHooks(hooks.Preprocess, hctx); out != nil || err != nil {
		return out, err
	}

	rec, err := o.load(ctx, o.store, hctx.InstanceID)
	if err != nil {
		return nil, o.fail(err)
	}

	var result interface{}
	if hctx.Relation == "" {
		result, err = o.serializer.Serialize(ctx, o.store, o.resource, rec)
	} else {
		result, err = o.related(ctx, rec, hctx.Relation, hctx.RelationID)
	}
	if err != nil {
		return nil, o.fail(err)
	}
	hctx.Result = result
	return o.respond(hctx, http.StatusOK)
}

// related serializes a relation of rec, or the member of it whose primary
// key is relID
func (o *Operations) related(ctx context.Context, rec storage.Record, name string, relID interface{}) (interface{}, error) {
	rel, target, err := o.relation(name)
	if err != nil {
		return nil, err
	}
	members, err := o.store.Related(ctx, o.resource, rec, rel)
	if err != nil {
		return nil, err
	}

	if relID != nil {
		pk, _ := target.Field(target.PrimaryKey)
		want, err := schema.ConvertValue(pk, relID)
		if err != nil {
			return nil, storage.ErrNotFound
		}
		for _, m := range members {
			if storage.KeyString(storage.PrimaryKey(target, m)) == storage.KeyString(want) {
				return o.serializer.Serialize(ctx, o.store, target, m)
			}
		}
		return nil, storage.ErrNotFound
	}

	if rel.IsCollection() {
		return o.serializer.SerializeAll(ctx, o.store, target, members)
	}
	if len(members) == 0 {
		return nil, nil
	}
	return o.serializer.Serialize(ctx, o.store, target, members[0])
}
