package crud

import (
	"context"
	"net/http"

	"github.com/conduit-lang/apimanager/internal/orm/hooks"
	"github.com/conduit-lang/apimanager/internal/orm/query"
	"github.com/conduit-lang/apimanager/internal/orm/relationships"
	"github.com/conduit-lang/apimanager/internal/storage"
)

// Update modifies one entity. Column entries of data are assigned and
// relation entries are applied as add/remove patches or replacements.
func (o *Operations) Update(ctx context.Context, id interface{}, data map[string]interface{}) (out *Outcome, err error) {
	start := o.begin(OperationUpdate)
	defer func() { o.observe(OperationUpdate, start, out, err) }()

	hctx := hooks.NewContext(ctx, o.resource, hooks.PatchSingle)
	hctx.InstanceID = id
	hctx.Data = data
	if out, err := o.runHooks(hooks.Preprocess, hctx); out != nil || err != nil {
		return out, err
	}

	values, err := o.serializer.DeserializeUpdate(o.resource, hctx.Data, nil)
	if err != nil {
		return nil, o.fail(err)
	}

	var result map[string]interface{}
	err = o.inTx(ctx, func(tx storage.Tx) error {
		rec, err := o.load(ctx, tx, hctx.InstanceID)
		if err != nil {
			return err
		}
		engine := relationships.NewEngine(tx, o.targets, o.serializer)
		if _, err := engine.Apply(ctx, o.resource, []storage.Record{rec}, hctx.Data); err != nil {
			return err
		}

		key := storage.PrimaryKey(o.resource, rec)
		if len(values) > 0 {
			if err := tx.Update(ctx, o.resource, key, values); err != nil {
				return err
			}
			if v, ok := values[o.resource.PrimaryKey]; ok {
				key = v
			}
		}

		updated, err := o.load(ctx, tx, key)
		if err != nil {
			return err
		}
		result, err = o.serializer.Serialize(ctx, tx, o.resource, updated)
		return err
	})
	if err != nil {
		return nil, o.fail(err)
	}

	hctx.Result = result
	return o.respond(hctx, http.StatusOK)
}

// UpdateMany applies data to every entity matching spec and reports how
// many were modified.
func (o *Operations) UpdateMany(ctx context.Context, spec *query.SearchSpec, data map[string]interface{}) (out *Outcome, err error) {
	start := o.begin(OperationUpdateMany)
	defer func() { o.observe(OperationUpdateMany, start, out, err) }()

	if spec == nil {
		spec = &query.SearchSpec{}
	}
	hctx := hooks.NewContext(ctx, o.resource, hooks.PatchMany)
	hctx.Search = spec
	hctx.Data = data
	if out, err := o.runHooks(hooks.Preprocess, hctx); out != nil || err != nil {
		return out, err
	}

	values, err := o.serializer.DeserializeUpdate(o.resource, hctx.Data, nil)
	if err != nil {
		return nil, o.fail(err)
	}
	q, err := query.Compile(o.resource, hctx.Search, o.targets)
	if err != nil {
		return nil, o.fail(err)
	}

	var modified int
	err = o.inTx(ctx, func(tx storage.Tx) error {
		targets, err := o.matching(ctx, tx, q)
		if err != nil {
			return err
		}
		engine := relationships.NewEngine(tx, o.targets, o.serializer)
		touched, err := engine.Apply(ctx, o.resource, targets, hctx.Data)
		if err != nil {
			return err
		}
		if len(values) > 0 {
			for _, rec := range targets {
				if err := tx.Update(ctx, o.resource, storage.PrimaryKey(o.resource, rec), values); err != nil {
					return err
				}
			}
		}
		if len(values) > 0 || len(touched) > 0 {
			modified = len(targets)
		}
		return nil
	})
	if err != nil {
		return nil, o.fail(err)
	}

	hctx.Result = map[string]interface{}{"num_modified": modified}
	return o.respond(hctx, http.StatusOK)
}

// matching returns the entities a bulk mutation applies to
func (o *Operations) matching(ctx context.Context, tx storage.Tx, q *query.Query) ([]storage.Record, error) {
	if q.Single {
		rec, err := query.FindOne(ctx, tx, q)
		if err != nil {
			return nil, err
		}
		return []storage.Record{rec}, nil
	}
	return tx.Find(ctx, q.Unordered())
}
