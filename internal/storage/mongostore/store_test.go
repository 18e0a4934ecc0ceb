package mongostore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/conduit-lang/apimanager/internal/orm/query"
	"github.com/conduit-lang/apimanager/internal/orm/schema"
	"github.com/conduit-lang/apimanager/internal/storage"
	"github.com/conduit-lang/apimanager/internal/storage/storagetest"
)

type fixture struct {
	db       *fakeDatabase
	store    *Store
	registry *schema.Registry
	person   *schema.Resource
	computer *schema.Resource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := storagetest.Registry(t)
	db := newFakeDatabase()
	f := &fixture{db: db, registry: registry, store: New(db, registry)}
	f.person, _ = registry.Get("person")
	f.computer, _ = registry.Get("computer")
	return f
}

func (f *fixture) compile(t *testing.T, res *schema.Resource, filters ...query.Filter) *query.Query {
	t.Helper()
	q, err := query.Compile(res, &query.SearchSpec{Filters: filters}, f.registry)
	require.NoError(t, err)
	return q
}

func TestFilterTranslation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		filters []query.Filter
		want    bson.M
	}{
		{
			name:    "empty",
			filters: nil,
			want:    bson.M{},
		},
		{
			name:    "equality",
			filters: []query.Filter{{Name: "name", Op: "eq", Val: "Ada"}},
			want:    bson.M{"name": "Ada"},
		},
		{
			name:    "primary key maps to _id",
			filters: []query.Filter{{Name: "id", Op: "==", Val: 1}},
			want:    bson.M{"_id": int64(1)},
		},
		{
			name: "conjunction",
			filters: []query.Filter{
				{Name: "name", Op: "neq", Val: "Ada"},
				{Name: "age", Op: "ge", Val: 30},
			},
			want: bson.M{"$and": bson.A{
				bson.M{"name": bson.M{"$ne": "Ada"}},
				bson.M{"age": bson.M{"$gte": int64(30)}},
			}},
		},
		{
			name: "disjunction",
			filters: []query.Filter{{Or: []query.Filter{
				{Name: "age", Op: "gt", Val: 30},
				{Name: "status", Op: "is_null"},
			}}},
			want: bson.M{"$or": bson.A{
				bson.M{"age": bson.M{"$gt": int64(30)}},
				bson.M{"status": nil},
			}},
		},
		{
			name:    "in",
			filters: []query.Filter{{Name: "age", Op: "in", Val: []interface{}{1, 2}}},
			want:    bson.M{"age": bson.M{"$in": bson.A{int64(1), int64(2)}}},
		},
		{
			name:    "empty not_in",
			filters: []query.Filter{{Name: "age", Op: "not_in", Val: []interface{}{}}},
			want:    bson.M{"age": bson.M{"$nin": bson.A{}}},
		},
		{
			name:    "is_not_null",
			filters: []query.Filter{{Name: "status", Op: "is_not_null"}},
			want:    bson.M{"status": bson.M{"$ne": nil}},
		},
		{
			name:    "ilike",
			filters: []query.Filter{{Name: "name", Op: "ilike", Val: "ad%"}},
			want:    bson.M{"name": primitive.Regex{Pattern: "^ad.*$", Options: "i"}},
		},
		{
			name:    "like escapes metacharacters",
			filters: []query.Filter{{Name: "name", Op: "like", Val: "a_a."}},
			want:    bson.M{"name": primitive.Regex{Pattern: `^a.a\.$`}},
		},
		{
			name:    "field comparison",
			filters: []query.Filter{{Name: "age", Op: "lt", Field: "id"}},
			want:    bson.M{"$expr": bson.M{"$lt": bson.A{"$age", "$_id"}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.store.filter(ctx, f.compile(t, f.person, tt.filters...))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilterFieldComparisonRejectsLike(t *testing.T) {
	f := newFixture(t)
	q := f.compile(t, f.person, query.Filter{Name: "name", Op: "like", Field: "status"})

	_, err := f.store.filter(context.Background(), q)
	assert.ErrorIs(t, err, query.ErrInvalidSearch)
}

func TestRelationFilters(t *testing.T) {
	ctx := context.Background()

	t.Run("foreign key collection", func(t *testing.T) {
		f := newFixture(t)
		computers := f.db.coll("computer")
		computers.found = [][]bson.M{{{"owner_id": int64(1)}, {"owner_id": nil}}}

		q := f.compile(t, f.person, query.Filter{Name: "computers", Op: "any",
			Val: map[string]interface{}{"name": "vendor", "op": "eq", "val": "apple"}})
		got, err := f.store.filter(ctx, q)
		require.NoError(t, err)

		assert.Equal(t, bson.M{"_id": bson.M{"$in": bson.A{int64(1)}}}, got)
		assert.Equal(t, bson.M{"vendor": "apple"}, computers.last("find").filter)
	})

	t.Run("join collection", func(t *testing.T) {
		f := newFixture(t)
		f.db.coll("tag").found = [][]bson.M{{{"_id": int64(7)}}}
		links := f.db.coll("person_tags")
		links.found = [][]bson.M{{{"person_id": int64(1)}, {"person_id": int64(3)}}}

		q := f.compile(t, f.person, query.Filter{Name: "tags", Op: "any",
			Val: map[string]interface{}{"name": "label", "op": "eq", "val": "admin"}})
		got, err := f.store.filter(ctx, q)
		require.NoError(t, err)

		assert.Equal(t, bson.M{"_id": bson.M{"$in": bson.A{int64(1), int64(3)}}}, got)
		assert.Equal(t, bson.M{"tag_id": bson.M{"$in": bson.A{int64(7)}}}, links.last("find").filter)
	})

	t.Run("single valued", func(t *testing.T) {
		f := newFixture(t)
		f.db.coll("person").found = [][]bson.M{{{"_id": int64(2)}}}

		q := f.compile(t, f.computer, query.Filter{Name: "owner", Op: "has",
			Val: map[string]interface{}{"name": "name", "op": "eq", "val": "Grace"}})
		got, err := f.store.filter(ctx, q)
		require.NoError(t, err)

		assert.Equal(t, bson.M{"owner_id": bson.M{"$in": bson.A{int64(2)}}}, got)
	})
}

func TestFindDecodesDocuments(t *testing.T) {
	f := newFixture(t)
	born := time.Date(1815, 12, 10, 0, 0, 0, 0, time.UTC)
	people := f.db.coll("person")
	people.found = [][]bson.M{{{
		"_id":        int64(1),
		"name":       "Ada",
		"age":        int32(36),
		"birth_date": primitive.NewDateTimeFromTime(born),
		"extra":      "ignored",
	}}}

	q, err := query.Compile(f.person, &query.SearchSpec{OrderBy: []query.OrderBy{{Field: "age", Direction: "desc"}}}, f.registry)
	require.NoError(t, err)
	recs, err := f.store.Find(context.Background(), q.Page(10, 20))
	require.NoError(t, err)

	require.Len(t, recs, 1)
	assert.Equal(t, storage.Record{
		"id":         int64(1),
		"name":       "Ada",
		"age":        int64(36),
		"birth_date": born,
		"status":     nil,
	}, recs[0])

	opts := people.last("find").arg.(*options.FindOptions)
	assert.Equal(t, bson.D{{Key: "age", Value: -1}, {Key: "_id", Value: 1}}, opts.Sort)
	assert.Equal(t, int64(10), *opts.Limit)
	assert.Equal(t, int64(20), *opts.Skip)
}

func TestCount(t *testing.T) {
	f := newFixture(t)
	people := f.db.coll("person")
	people.count = 3

	n, err := f.store.Count(context.Background(), f.compile(t, f.person, query.Filter{Name: "status", Op: "eq", Val: "active"}))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, bson.M{"status": "active"}, people.last("count").filter)
}

func TestRelated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner, _ := f.computer.Relation("owner")
	tags, _ := f.person.Relation("tags")
	computers, _ := f.person.Relation("computers")

	recs, err := f.store.Related(ctx, f.computer, storage.Record{"id": int64(5), "owner_id": nil}, owner)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, f.db.coll("person").ops())

	recs, err = f.store.Related(ctx, f.person, storage.Record{"id": int64(2)}, tags)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, f.db.coll("tag").ops())

	f.db.coll("computer").found = [][]bson.M{{{"_id": int64(1), "vendor": "apple", "owner_id": int64(1)}}}
	recs, err = f.store.Related(ctx, f.person, storage.Record{"id": int64(1)}, computers)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "apple", recs[0]["vendor"])
	assert.Equal(t, bson.M{"owner_id": int64(1)}, f.db.coll("computer").last("find").filter)
}

func TestInsertAllocatesSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, err := f.store.Begin(ctx)
	require.NoError(t, err)
	rec, err := tx.Insert(ctx, f.person, storage.Record{"name": "Ada"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, int64(1), rec["id"])
	assert.Nil(t, rec["age"])
	assert.Equal(t, bson.M{"_id": "person"}, f.db.coll(countersCollection).last("find_one_and_update").filter)
	assert.Equal(t, bson.M{
		"_id":        int64(1),
		"name":       "Ada",
		"age":        nil,
		"birth_date": nil,
		"status":     nil,
	}, f.db.coll("person").last("insert").arg)

	assert.Equal(t, 1, f.db.session.committed)
	assert.Equal(t, 1, f.db.session.ended)
	assert.ErrorIs(t, tx.Commit(), storage.ErrTxDone)
	assert.ErrorIs(t, tx.Rollback(), storage.ErrTxDone)
	_, err = tx.Insert(ctx, f.person, storage.Record{"name": "Grace"})
	assert.ErrorIs(t, err, storage.ErrTxDone)
}

func TestInsertUUIDKey(t *testing.T) {
	f := newFixture(t)
	widget := schema.NewBuilder("widget").
		Field("id", schema.TypeUUID, schema.Generated()).
		Field("label", schema.TypeString).
		Field("size", schema.TypeInt, schema.Default(3)).
		MustBuild()

	tx, err := f.store.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()

	rec, err := tx.Insert(context.Background(), widget, storage.Record{"label": "gear"})
	require.NoError(t, err)
	_, err = uuid.Parse(rec["id"].(string))
	assert.NoError(t, err)
	assert.Equal(t, int64(3), rec["size"])
	assert.Empty(t, f.db.coll(countersCollection).ops())
}

func TestInsertDuplicateKey(t *testing.T) {
	f := newFixture(t)
	people := f.db.coll("person")
	people.err = mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "E11000 duplicate key error"}}}

	tx, err := f.store.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = tx.Insert(context.Background(), f.person, storage.Record{"id": int64(1), "name": "Ada"})
	assert.ErrorIs(t, err, storage.ErrConstraintViolation)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	people := f.db.coll("person")

	tx, err := f.store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	err = tx.Update(ctx, f.person, int64(9), storage.Record{"age": int64(40)})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = tx.Update(ctx, f.person, int64(1), storage.Record{"id": int64(2)})
	assert.ErrorIs(t, err, storage.ErrConstraintViolation)

	people.matched = 1
	require.NoError(t, tx.Update(ctx, f.person, int64(1), storage.Record{"id": int64(1), "age": int64(40)}))
	last := people.last("update")
	assert.Equal(t, bson.M{"_id": int64(1)}, last.filter)
	assert.Equal(t, bson.M{"$set": bson.M{"age": int64(40)}}, last.arg)
}

func TestDeleteRemovesJoinDocuments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, err := f.store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	deleted, err := tx.Delete(ctx, f.person, int64(1))
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Empty(t, f.db.coll("person_tags").ops())

	f.db.coll("person").deleted = 1
	deleted, err = tx.Delete(ctx, f.person, int64(1))
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, bson.M{"person_id": bson.M{"$in": bson.A{int64(1)}}}, f.db.coll("person_tags").last("delete_many").filter)
}

func TestDeleteMatching(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	people := f.db.coll("person")
	q := f.compile(t, f.person, query.Filter{Name: "age", Op: "gt", Val: 30})

	tx, err := f.store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	n, err := tx.DeleteMatching(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, []string{"find"}, people.ops())

	people.found = [][]bson.M{{{"_id": int64(1)}, {"_id": int64(2)}}}
	people.deleted = 2
	n, err = tx.DeleteMatching(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, bson.M{"_id": bson.M{"$in": bson.A{int64(1), int64(2)}}}, people.last("delete_many").filter)
}

func TestLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tags, _ := f.person.Relation("tags")
	owner, _ := f.computer.Relation("owner")
	links := f.db.coll("person_tags")

	tx, err := f.store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	links.count = 1
	require.NoError(t, tx.Link(ctx, f.person, storage.Record{"id": int64(1)}, tags, storage.Record{"id": int64(1)}))
	assert.Equal(t, []string{"count"}, links.ops())

	links.count = 0
	require.NoError(t, tx.Link(ctx, f.person, storage.Record{"id": int64(1)}, tags, storage.Record{"id": int64(2)}))
	assert.Equal(t, bson.M{"person_id": int64(1), "tag_id": int64(2)}, links.last("insert").arg)

	computer := storage.Record{"id": int64(4), "owner_id": nil}
	err = tx.Link(ctx, f.computer, computer, owner, storage.Record{"id": int64(2)})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	f.db.coll("computer").matched = 1
	require.NoError(t, tx.Link(ctx, f.computer, computer, owner, storage.Record{"id": int64(2)}))
	assert.Equal(t, int64(2), computer["owner_id"])
}

func TestUnlink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	computers, _ := f.person.Relation("computers")
	owner, _ := f.computer.Relation("owner")

	tx, err := f.store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	removed, err := tx.Unlink(ctx, f.person, storage.Record{"id": int64(1)}, computers, storage.Record{"id": int64(9)})
	require.NoError(t, err)
	assert.False(t, removed)

	f.db.coll("computer").matched = 1
	computer := storage.Record{"id": int64(1), "owner_id": int64(1)}
	removed, err = tx.Unlink(ctx, f.computer, computer, owner, storage.Record{"id": int64(1)})
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Nil(t, computer["owner_id"])
	last := f.db.coll("computer").last("update")
	assert.Equal(t, bson.M{"_id": int64(1), "owner_id": int64(1)}, last.filter)
	assert.Equal(t, bson.M{"$set": bson.M{"owner_id": nil}}, last.arg)
}

func TestCommitFailureIsConstraintViolation(t *testing.T) {
	f := newFixture(t)
	f.db.session.commitErr = errors.New("write conflict")

	tx, err := f.store.Begin(context.Background())
	require.NoError(t, err)
	err = tx.Commit()
	assert.ErrorIs(t, err, storage.ErrConstraintViolation)
	assert.Equal(t, 1, f.db.session.ended)
	assert.NoError(t, tx.Rollback())
}

func TestRollback(t *testing.T) {
	f := newFixture(t)
	tx, err := f.store.Begin(context.Background())
	require.NoError(t, err)

	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback())
	assert.Equal(t, 1, f.db.session.aborted)
	assert.Equal(t, 1, f.db.session.ended)
}

func TestConvertError(t *testing.T) {
	plain := errors.New("socket closed")

	assert.ErrorIs(t, convertError(mongo.ErrNoDocuments), storage.ErrNotFound)
	assert.Nil(t, convertError(nil))
	assert.Same(t, plain, convertError(plain))
	assert.ErrorIs(t, convertError(context.Canceled), context.Canceled)

	dup := mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "E11000"}}}
	assert.ErrorIs(t, convertError(dup), storage.ErrConstraintViolation)

	invalid := mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 121, Message: "Document failed validation"}}}
	var ce *storage.ConstraintError
	require.ErrorAs(t, convertError(invalid), &ce)
	assert.Equal(t, "validator", ce.Constraint)
	assert.Equal(t, "Document failed validation", ce.Message)

	conflict := mongo.CommandError{Code: 112, Message: "WriteConflict", Labels: []string{"TransientTransactionError"}}
	assert.ErrorIs(t, convertError(conflict), storage.ErrConstraintViolation)
}
