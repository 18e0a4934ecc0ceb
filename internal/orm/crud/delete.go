package crud

import (
	"context"
	"net/http"

	"github.com/conduit-lang/apimanager/internal/orm/hooks"
	"github.com/conduit-lang/apimanager/internal/orm/query"
	"github.com/conduit-lang/apimanager/internal/orm/relationships"
	"github.com/conduit-lang/apimanager/internal/storage"
)

// Delete removes one entity, or detaches the member relID from relation
// when relation is set. A relation without relID is rejected before
// anything is touched.
func (o *Operations) Delete(ctx context.Context, id interface{}, relation string, relID interface{}) (out *Outcome, err error) {
	start := o.begin(OperationDelete)
	defer func() { o.observe(OperationDelete, start, out, err) }()

	hctx := hooks.NewContext(ctx, o.resource, hooks.DeleteSingle)
	hctx.InstanceID = id
	hctx.Relation = relation
	hctx.RelationID = relID
	if out, err := o.runHooks(hooks.Preprocess, hctx); out != nil || err != nil {
		return out, err
	}
	if hctx.Relation != "" && hctx.RelationID == nil {
		return nil, o.fail(ErrRelationIDRequired)
	}

	err = o.inTx(ctx, func(tx storage.Tx) error {
		rec, err := o.load(ctx, tx, hctx.InstanceID)
		if err != nil {
			return err
		}
		if hctx.Relation == "" {
			deleted, err := tx.Delete(ctx, o.resource, storage.PrimaryKey(o.resource, rec))
			if err != nil {
				return err
			}
			if !deleted {
				return storage.ErrNotFound
			}
			return nil
		}

		rel, target, err := o.relation(hctx.Relation)
		if err != nil {
			return err
		}
		member, err := relationships.NewResolver(tx, o.serializer).ByID(ctx, target, hctx.RelationID)
		if err != nil {
			return err
		}
		removed, err := tx.Unlink(ctx, o.resource, rec, rel, member)
		if err != nil {
			return err
		}
		if !removed {
			return storage.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, o.fail(err)
	}

	hctx.Result = nil
	return o.respond(hctx, http.StatusNoContent)
}

// DeleteMany removes every entity matching spec and reports the count
func (o *Operations) DeleteMany(ctx context.Context, spec *query.SearchSpec) (out *Outcome, err error) {
	start := o.begin(OperationDeleteMany)
	defer func() { o.observe(OperationDeleteMany, start, out, err) }()

	if spec == nil {
		spec = &query.SearchSpec{}
	}
	hctx := hooks.NewContext(ctx, o.resource, hooks.DeleteMany)
	hctx.Search = spec
	if out, err := o.runHooks(hooks.Preprocess, hctx); out != nil || err != nil {
		return out, err
	}

	q, err := query.Compile(o.resource, hctx.Search, o.targets)
	if err != nil {
		return nil, o.fail(err)
	}

	var deleted int
	err = o.inTx(ctx, func(tx storage.Tx) error {
		if !q.Single {
			n, err := tx.DeleteMatching(ctx, q.Unordered())
			deleted = n
			return err
		}
		rec, err := query.FindOne(ctx, tx, q)
		if err != nil {
			return err
		}
		ok, err := tx.Delete(ctx, o.resource, storage.PrimaryKey(o.resource, rec))
		if ok {
			deleted = 1
		}
		return err
	})
	if err != nil {
		return nil, o.fail(err)
	}

	hctx.Result = map[string]interface{}{"num_deleted": deleted}
	return o.respond(hctx, http.StatusOK)
}
