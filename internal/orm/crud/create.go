package crud

import (
	"context"
	"net/http"

	"github.com/conduit-lang/apimanager/internal/orm/hooks"
	"github.com/conduit-lang/apimanager/internal/orm/relationships"
	"github.com/conduit-lang/apimanager/internal/storage"
)

// Create inserts a new entity together with the relations named in data
// and returns it serialized with status 201.
func (o *Operations) Create(ctx context.Context, data map[string]interface{}) (out *Outcome, err error) {
	start := o.begin(OperationCreate)
	defer func() { o.observe(OperationCreate, start, out, err) }()

	hctx := hooks.NewContext(ctx, o.resource, hooks.Post)
	hctx.Data = data
	if out, err := o.runHooks(hooks.Preprocess, hctx); out != nil || err != nil {
		return out, err
	}

	entity, err := o.serializer.Deserialize(o.resource, hctx.Data)
	if err != nil {
		return nil, o.fail(err)
	}

	var (
		id     interface{}
		result map[string]interface{}
	)
	err = o.inTx(ctx, func(tx storage.Tx) error {
		engine := relationships.NewEngine(tx, o.targets, o.serializer)
		rest, err := engine.BindToOne(ctx, o.resource, entity.Values, entity.Relations)
		if err != nil {
			return err
		}
		rec, err := tx.Insert(ctx, o.resource, entity.Values)
		if err != nil {
			return err
		}
		if err := engine.Attach(ctx, o.resource, rec, rest); err != nil {
			return err
		}
		id = storage.PrimaryKey(o.resource, rec)
		result, err = o.serializer.Serialize(ctx, tx, o.resource, rec)
		return err
	})
	if err != nil {
		return nil, o.fail(err)
	}

	hctx.InstanceID = id
	hctx.Result = result
	out, err = o.respond(hctx, http.StatusCreated)
	if out != nil && !out.ShortCircuit {
		out.ID = id
	}
	return out, err
}
