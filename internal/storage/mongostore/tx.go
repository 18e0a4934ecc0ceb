package mongostore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/conduit-lang/apimanager/internal/orm/query"
	"github.com/conduit-lang/apimanager/internal/orm/schema"
	"github.com/conduit-lang/apimanager/internal/storage"
)

// Tx is a multi-document transaction bound to one session
type Tx struct {
	reader
	session    Session
	ctx        context.Context
	committed  atomic.Bool
	rolledBack atomic.Bool
}

func (t *Tx) done() bool {
	return t.committed.Load() || t.rolledBack.Load()
}

// Commit commits the transaction and ends the session
func (t *Tx) Commit() error {
	if t.done() {
		return storage.ErrTxDone
	}
	defer t.session.EndSession(t.ctx)
	if err := t.session.CommitTransaction(t.ctx); err != nil {
		t.rolledBack.Store(true)
		converted := convertError(err)
		if !errors.Is(converted, storage.ErrConstraintViolation) {
			converted = &storage.ConstraintError{Message: err.Error(), Err: err}
		}
		return fmt.Errorf("failed to commit transaction: %w", converted)
	}
	t.committed.Store(true)
	return nil
}

// Rollback aborts the transaction. Rolling back twice is a no-op.
func (t *Tx) Rollback() error {
	if t.committed.Load() {
		return storage.ErrTxDone
	}
	if t.rolledBack.Load() {
		return nil
	}
	t.rolledBack.Store(true)
	defer t.session.EndSession(t.ctx)
	if err := t.session.AbortTransaction(t.ctx); err != nil {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

func (t *Tx) collection(name string) Collection {
	return t.db.Collection(name)
}

// newPrimaryKey generates a key for an insert that carries none
func (t *Tx) newPrimaryKey(ctx context.Context, res *schema.Resource) (interface{}, error) {
	pk, _ := res.Field(res.PrimaryKey)
	switch {
	case pk.Type == schema.TypeUUID:
		return uuid.NewString(), nil
	case pk.Type.IsInteger():
		var counter struct {
			Seq int64 `bson:"seq"`
		}
		opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
		err := t.collection(countersCollection).
			FindOneAndUpdate(t.bind(ctx), bson.M{idKey: res.Table}, bson.M{"$inc": bson.M{"seq": int64(1)}}, opts).
			Decode(&counter)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate id for %s: %w", res.Table, convertError(err))
		}
		return counter.Seq, nil
	default:
		return primitive.NewObjectID().Hex(), nil
	}
}

// Insert implements storage.Tx
func (t *Tx) Insert(ctx context.Context, res *schema.Resource, values storage.Record) (storage.Record, error) {
	if t.done() {
		return nil, storage.ErrTxDone
	}
	values = withDefaults(res, values)
	if values[res.PrimaryKey] == nil {
		id, err := t.newPrimaryKey(ctx, res)
		if err != nil {
			return nil, err
		}
		values[res.PrimaryKey] = id
	}

	doc := toDocument(res, values)
	start := time.Now()
	_, err := t.collection(res.Table).InsertOne(t.bind(ctx), doc)
	t.trace("insert", res.Table, nil, start, err)
	if err != nil {
		return nil, convertError(err)
	}
	return fromDocument(res, doc), nil
}

// Update implements storage.Tx. The primary key cannot be reassigned.
func (t *Tx) Update(ctx context.Context, res *schema.Resource, id interface{}, values storage.Record) error {
	if t.done() {
		return storage.ErrTxDone
	}
	doc := toDocument(res, values)
	if v, ok := doc[idKey]; ok {
		if storage.KeyString(v) != storage.KeyString(id) {
			return &storage.ConstraintError{Constraint: idKey, Message: "primary key cannot be changed"}
		}
		delete(doc, idKey)
	}
	if len(doc) == 0 {
		return nil
	}

	result, err := t.collection(res.Table).UpdateOne(t.bind(ctx), bson.M{idKey: id}, bson.M{"$set": doc})
	if err != nil {
		return convertError(err)
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Delete implements storage.Tx. Join documents referencing the entity
// are removed with it.
func (t *Tx) Delete(ctx context.Context, res *schema.Resource, id interface{}) (bool, error) {
	if t.done() {
		return false, storage.ErrTxDone
	}
	result, err := t.collection(res.Table).DeleteOne(t.bind(ctx), bson.M{idKey: id})
	if err != nil {
		return false, convertError(err)
	}
	if result.DeletedCount == 0 {
		return false, nil
	}
	return true, t.unjoin(ctx, res, bson.A{id})
}

// DeleteMatching implements storage.Tx. Sort directives and windows are
// ignored.
func (t *Tx) DeleteMatching(ctx context.Context, q *query.Query) (int, error) {
	if t.done() {
		return 0, storage.ErrTxDone
	}
	filter, err := t.filter(ctx, q)
	if err != nil {
		return 0, err
	}
	ids, err := t.values(ctx, q.Resource.Table, filter, idKey)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	result, err := t.collection(q.Resource.Table).DeleteMany(t.bind(ctx), bson.M{idKey: bson.M{"$in": ids}})
	if err != nil {
		return 0, convertError(err)
	}
	return int(result.DeletedCount), t.unjoin(ctx, q.Resource, ids)
}

// unjoin removes the join documents owned by ids
func (t *Tx) unjoin(ctx context.Context, res *schema.Resource, ids bson.A) error {
	for _, rel := range res.Relations() {
		if !rel.UsesJoinTable() {
			continue
		}
		if _, err := t.collection(rel.JoinTable).DeleteMany(t.bind(ctx), bson.M{rel.JoinKey: bson.M{"$in": ids}}); err != nil {
			return convertError(err)
		}
	}
	return nil
}

// Link implements storage.Tx. For single-valued relations owner is
// updated in place.
func (t *Tx) Link(ctx context.Context, res *schema.Resource, owner storage.Record, rel *schema.Relation, target storage.Record) error {
	if t.done() {
		return storage.ErrTxDone
	}
	targetRes, err := t.targets.Target(rel)
	if err != nil {
		return err
	}
	ownerID := storage.PrimaryKey(res, owner)
	targetID := storage.PrimaryKey(targetRes, target)

	switch {
	case rel.Kind == schema.ToOne:
		if err := t.set(ctx, res.Table, bson.M{idKey: ownerID}, rel.ForeignKey, targetID); err != nil {
			return err
		}
		owner[rel.ForeignKey] = targetID
		return nil

	case rel.UsesJoinTable():
		link := bson.M{rel.JoinKey: ownerID, rel.JoinTargetKey: targetID}
		n, err := t.collection(rel.JoinTable).CountDocuments(t.bind(ctx), link)
		if err != nil || n > 0 {
			return convertError(err)
		}
		_, err = t.collection(rel.JoinTable).InsertOne(t.bind(ctx), link)
		return convertError(err)

	default:
		if err := t.set(ctx, targetRes.Table, bson.M{idKey: targetID}, rel.ForeignKey, ownerID); err != nil {
			return err
		}
		target[rel.ForeignKey] = ownerID
		return nil
	}
}

func (t *Tx) set(ctx context.Context, collection string, filter bson.M, key string, value interface{}) error {
	result, err := t.collection(collection).UpdateOne(t.bind(ctx), filter, bson.M{"$set": bson.M{key: value}})
	if err != nil {
		return convertError(err)
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Unlink implements storage.Tx
func (t *Tx) Unlink(ctx context.Context, res *schema.Resource, owner storage.Record, rel *schema.Relation, target storage.Record) (bool, error) {
	if t.done() {
		return false, storage.ErrTxDone
	}
	targetRes, err := t.targets.Target(rel)
	if err != nil {
		return false, err
	}
	ownerID := storage.PrimaryKey(res, owner)
	targetID := storage.PrimaryKey(targetRes, target)

	var (
		collection string
		filter     bson.M
		key        string
	)
	switch {
	case rel.UsesJoinTable():
		result, err := t.collection(rel.JoinTable).DeleteOne(t.bind(ctx), bson.M{rel.JoinKey: ownerID, rel.JoinTargetKey: targetID})
		if err != nil {
			return false, convertError(err)
		}
		return result.DeletedCount > 0, nil
	case rel.Kind == schema.ToOne:
		collection, key = res.Table, rel.ForeignKey
		filter = bson.M{idKey: ownerID, key: targetID}
	default:
		collection, key = targetRes.Table, rel.ForeignKey
		filter = bson.M{idKey: targetID, key: ownerID}
	}

	if err := t.set(ctx, collection, filter, key, nil); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if rel.Kind == schema.ToOne {
		owner[rel.ForeignKey] = nil
	}
	return true, nil
}
