package crud

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/apimanager/internal/orm/hooks"
	"github.com/conduit-lang/apimanager/internal/orm/query"
	"github.com/conduit-lang/apimanager/internal/orm/schema"
	"github.com/conduit-lang/apimanager/internal/storage"
	"github.com/conduit-lang/apimanager/internal/storage/sqlstore"
	"github.com/conduit-lang/apimanager/internal/storage/storagetest"
)

type fixture struct {
	registry *schema.Registry
	store    *sqlstore.Store
	person   *schema.Resource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := storagetest.Registry(t)
	store := storagetest.SQLite(t, registry)
	storagetest.Seed(t, store)
	person, _ := registry.Get("person")
	return &fixture{registry: registry, store: store, person: person}
}

func (f *fixture) ops(opts ...Option) *Operations {
	return NewOperations(f.person, f.store, f.registry, opts...)
}

func (f *fixture) count(t *testing.T, table string, where string, args ...interface{}) int {
	t.Helper()
	var n int
	stmt := "SELECT COUNT(*) FROM " + table
	if where != "" {
		stmt += " WHERE " + where
	}
	require.NoError(t, f.store.DB().QueryRow(stmt, args...).Scan(&n))
	return n
}

// spyStore counts every call that reaches storage
type spyStore struct {
	storage.Store
	mu    sync.Mutex
	calls int
}

func (s *spyStore) hit() {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
}

func (s *spyStore) Count(ctx context.Context, q *query.Query) (int, error) {
	s.hit()
	return s.Store.Count(ctx, q)
}

func (s *spyStore) Find(ctx context.Context, q *query.Query) ([]storage.Record, error) {
	s.hit()
	return s.Store.Find(ctx, q)
}

func (s *spyStore) Related(ctx context.Context, res *schema.Resource, owner storage.Record, rel *schema.Relation) ([]storage.Record, error) {
	s.hit()
	return s.Store.Related(ctx, res, owner, rel)
}

func (s *spyStore) Begin(ctx context.Context) (storage.Tx, error) {
	s.hit()
	return s.Store.Begin(ctx)
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recordingObserver) ObserveOperation(resource string, op Operation, outcome string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, resource+":"+op.String()+":"+outcome)
}

func requireKind(t *testing.T, err error, kind Kind, status int) *Error {
	t.Helper()
	require.Error(t, err)
	var classified *Error
	require.True(t, errors.As(err, &classified), "expected *Error, got %T: %v", err, err)
	assert.Equal(t, kind, classified.Kind)
	assert.Equal(t, status, classified.Status)
	return classified
}

func TestSearchPaginates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	spec := &query.SearchSpec{OrderBy: []query.OrderBy{{Field: "age", Direction: "desc"}}}
	out, err := f.ops().Search(ctx, spec, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out.Status)

	body := out.Body.(map[string]interface{})
	assert.Equal(t, 1, body["page"])
	assert.Equal(t, 2, body["total_pages"])
	assert.Equal(t, 3, body["num_results"])
	assert.Equal(t, 2, body["next_page"])

	objects := body["objects"].([]map[string]interface{})
	require.Len(t, objects, 2)
	assert.Equal(t, "Grace", objects[0]["name"])
	assert.Equal(t, "Ada", objects[1]["name"])

	out, err = f.ops().Search(ctx, spec, 2, 2)
	require.NoError(t, err)
	body = out.Body.(map[string]interface{})
	assert.NotContains(t, body, "next_page")
	require.Len(t, body["objects"], 1)
}

func TestSearchBeyondLastPageSkipsFetch(t *testing.T) {
	f := newFixture(t)
	spy := &spyStore{Store: f.store}
	ops := NewOperations(f.person, spy, f.registry)

	out, err := ops.Search(context.Background(), nil, 5, 2)
	require.NoError(t, err)
	body := out.Body.(map[string]interface{})
	assert.Empty(t, body["objects"])
	assert.Equal(t, 3, body["num_results"])
	assert.Equal(t, 1, spy.calls)
}

func TestSearchSingle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	spec := &query.SearchSpec{
		Filters: []query.Filter{{Name: "name", Op: "eq", Val: "Grace"}},
		Single:  true,
	}
	out, err := f.ops().Search(ctx, spec, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, "Grace", out.Body.(map[string]interface{})["name"])

	spec.Filters[0].Val = "Nobody"
	_, err = f.ops().Search(ctx, spec, 1, 0)
	requireKind(t, err, KindNotFound, http.StatusNotFound)

	_, err = f.ops().Search(ctx, &query.SearchSpec{Single: true}, 1, 0)
	requireKind(t, err, KindMultipleResults, http.StatusBadRequest)
}

func TestSearchInvalidQuery(t *testing.T) {
	f := newFixture(t)
	spec := &query.SearchSpec{Filters: []query.Filter{{Name: "salary", Op: "eq", Val: 1}}}

	_, err := f.ops().Search(context.Background(), spec, 1, 0)
	e := requireKind(t, err, KindBadRequest, http.StatusBadRequest)
	assert.Equal(t, "Unable to construct query", e.Message)

	_, err = f.ops(WithStatusPolicy(LegacyStatus)).Search(context.Background(), spec, 1, 0)
	requireKind(t, err, KindBadRequest, LegacyStatusCode)
}

func TestGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ops := f.ops()

	out, err := ops.Get(ctx, "1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "Ada", out.Body.(map[string]interface{})["name"])

	out, err = ops.Get(ctx, 1, "computers", nil)
	require.NoError(t, err)
	assert.Len(t, out.Body, 2)

	out, err = ops.Get(ctx, 1, "computers", "2")
	require.NoError(t, err)
	assert.Equal(t, "lenovo", out.Body.(map[string]interface{})["vendor"])

	_, err = ops.Get(ctx, 2, "computers", 1)
	requireKind(t, err, KindNotFound, http.StatusNotFound)

	_, err = ops.Get(ctx, 99, "", nil)
	requireKind(t, err, KindNotFound, http.StatusNotFound)

	_, err = ops.Get(ctx, "abc", "", nil)
	requireKind(t, err, KindNotFound, http.StatusNotFound)

	_, err = ops.Get(ctx, 1, "pets", nil)
	requireKind(t, err, KindNotFound, http.StatusNotFound)
}

func TestGetToOneRelation(t *testing.T) {
	f := newFixture(t)
	computer, _ := f.registry.Get("computer")
	ops := NewOperations(computer, f.store, f.registry)

	out, err := ops.Get(context.Background(), 1, "owner", nil)
	require.NoError(t, err)
	assert.Equal(t, "Ada", out.Body.(map[string]interface{})["name"])
}

func TestCreate(t *testing.T) {
	f := newFixture(t)

	out, err := f.ops().Create(context.Background(), map[string]interface{}{
		"name":      "Margaret",
		"age":       33,
		"computers": []interface{}{map[string]interface{}{"id": 2}},
		"tags": []interface{}{
			map[string]interface{}{"label": "admin"},
			map[string]interface{}{"label": "apollo"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, out.Status)
	assert.EqualValues(t, 4, out.ID)

	body := out.Body.(map[string]interface{})
	assert.Equal(t, "Margaret", body["name"])
	assert.Len(t, body["computers"], 1)
	assert.Len(t, body["tags"], 2)

	assert.Equal(t, 1, f.count(t, "computer", "owner_id = 4"))
	assert.Equal(t, 2, f.count(t, "tag", ""))
	assert.Equal(t, 2, f.count(t, "person_tags", "person_id = 4"))
}

func TestCreateToOne(t *testing.T) {
	f := newFixture(t)
	computer, _ := f.registry.Get("computer")
	ops := NewOperations(computer, f.store, f.registry)

	out, err := ops.Create(context.Background(), map[string]interface{}{
		"vendor": "dell",
		"owner":  map[string]interface{}{"name": "Grace"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, out.Body.(map[string]interface{})["owner_id"])
	assert.Equal(t, 3, f.count(t, "person", ""))
}

func TestCreateFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ops := f.ops()

	_, err := ops.Create(ctx, map[string]interface{}{"age": 3})
	e := requireKind(t, err, KindValidation, http.StatusBadRequest)
	assert.Contains(t, e.Fields, "name")

	_, err = ops.Create(ctx, map[string]interface{}{"name": "Zed", "salary": 3})
	requireKind(t, err, KindUnknownField, http.StatusBadRequest)

	_, err = ops.Create(ctx, map[string]interface{}{
		"name": "Ada",
		"tags": []interface{}{map[string]interface{}{"label": "ghost"}},
	})
	requireKind(t, err, KindConstraint, http.StatusConflict)
	assert.Equal(t, 3, f.count(t, "person", ""))
	assert.Equal(t, 0, f.count(t, "tag", "label = 'ghost'"))

	_, err = ops.Create(ctx, map[string]interface{}{
		"name":      "Zed",
		"computers": []interface{}{map[string]interface{}{"id": 42}},
	})
	requireKind(t, err, KindNotFound, http.StatusNotFound)
	assert.Equal(t, 0, f.count(t, "person", "name = 'Zed'"))
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)

	out, err := f.ops().Update(context.Background(), 1, map[string]interface{}{
		"age":  37,
		"tags": map[string]interface{}{"add": []interface{}{map[string]interface{}{"label": "ops"}}},
		"computers": map[string]interface{}{
			"remove": []interface{}{map[string]interface{}{"id": 1, "__delete__": true}},
		},
	})
	require.NoError(t, err)
	body := out.Body.(map[string]interface{})
	assert.Equal(t, int64(37), body["age"])
	assert.Len(t, body["tags"], 2)
	assert.Len(t, body["computers"], 1)
	assert.Equal(t, 0, f.count(t, "computer", "id = 1"))
}

func TestUpdateMissing(t *testing.T) {
	f := newFixture(t)
	_, err := f.ops().Update(context.Background(), 99, map[string]interface{}{"age": 1})
	requireKind(t, err, KindNotFound, http.StatusNotFound)
}

func TestUpdateMany(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.ops().UpdateMany(ctx, nil, map[string]interface{}{"status": "retired"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"num_modified": 3}, out.Body)
	assert.Equal(t, 3, f.count(t, "person", "status = 'retired'"))

	spec := &query.SearchSpec{Filters: []query.Filter{{Name: "age", Op: "gt", Val: 30}}}
	out, err = f.ops().UpdateMany(ctx, spec, map[string]interface{}{"age": 50})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"num_modified": 2}, out.Body)

	out, err = f.ops().UpdateMany(ctx, spec, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"num_modified": 0}, out.Body)
}

func TestUpdateManyRollsBack(t *testing.T) {
	f := newFixture(t)

	_, err := f.ops().UpdateMany(context.Background(), nil, map[string]interface{}{"name": "Same"})
	requireKind(t, err, KindConstraint, http.StatusConflict)
	assert.Equal(t, 0, f.count(t, "person", "name = 'Same'"))
	assert.Equal(t, 1, f.count(t, "person", "name = 'Ada'"))
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ops := f.ops()

	out, err := ops.Delete(ctx, 2, "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, out.Status)
	assert.Nil(t, out.Body)
	assert.Equal(t, 0, f.count(t, "person", "id = 2"))

	_, err = ops.Delete(ctx, 2, "", nil)
	requireKind(t, err, KindNotFound, http.StatusNotFound)
}

func TestDeleteRelationMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ops := f.ops()

	_, err := ops.Delete(ctx, 1, "computers", nil)
	requireKind(t, err, KindBadRequest, http.StatusBadRequest)
	assert.Equal(t, 2, f.count(t, "computer", "owner_id = 1"))

	out, err := ops.Delete(ctx, 1, "computers", "1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, out.Status)
	assert.Equal(t, 1, f.count(t, "computer", "owner_id = 1"))
	assert.Equal(t, 2, f.count(t, "computer", ""))

	_, err = ops.Delete(ctx, 2, "computers", 2)
	requireKind(t, err, KindNotFound, http.StatusNotFound)
}

func TestDeleteMany(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	spec := &query.SearchSpec{Filters: []query.Filter{{Name: "age", Op: "gt", Val: 30}}}
	out, err := f.ops().DeleteMany(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"num_deleted": 2}, out.Body)

	out, err = f.ops().DeleteMany(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, map[string]interface{}{"num_deleted": 0}, out.Body)
	assert.Equal(t, 1, f.count(t, "person", ""))
}

func TestPreprocessShortCircuitSkipsStorage(t *testing.T) {
	f := newFixture(t)
	spy := &spyStore{Store: f.store}
	headers := http.Header{"X-Cache": []string{"hit"}}
	set := hooks.NewBuilder().
		Pre(hooks.GetMany, hooks.Sync(func(*hooks.Context) (hooks.Result, error) {
			return hooks.ShortCircuit(&hooks.Response{Status: http.StatusAccepted, Headers: headers, Body: "cached"}), nil
		})).
		Build()
	ops := NewOperations(f.person, spy, f.registry, WithHooks(set))

	out, err := ops.Search(context.Background(), nil, 1, 10)
	require.NoError(t, err)
	assert.True(t, out.ShortCircuit)
	assert.Equal(t, http.StatusAccepted, out.Status)
	assert.Equal(t, "cached", out.Body)
	assert.Equal(t, "hit", out.Headers.Get("X-Cache"))
	assert.Equal(t, 0, spy.calls)
}

func TestPreprocessFailure(t *testing.T) {
	f := newFixture(t)
	set := hooks.NewBuilder().
		Pre(hooks.DeleteSingle, hooks.Sync(func(*hooks.Context) (hooks.Result, error) {
			return hooks.Fail(http.StatusForbidden, "not yours"), nil
		})).
		Build()

	_, err := f.ops(WithHooks(set), WithStatusPolicy(LegacyStatus)).Delete(context.Background(), 1, "", nil)
	e := requireKind(t, err, KindProcessing, http.StatusForbidden)
	assert.Equal(t, "not yours", e.Message)
	assert.Equal(t, 3, f.count(t, "person", ""))
}

func TestHookErrorPropagatesUnclassified(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("boom")
	set := hooks.NewBuilder().
		Post(hooks.GetSingle, hooks.Sync(func(*hooks.Context) (hooks.Result, error) {
			return hooks.Result{}, boom
		})).
		Build()

	_, err := f.ops(WithHooks(set)).Get(context.Background(), 1, "", nil)
	assert.Same(t, boom, err)
}

func TestHooksRewriteInputsAndResult(t *testing.T) {
	f := newFixture(t)
	set := hooks.NewBuilder().
		Pre(hooks.PatchSingle, hooks.Sync(func(hctx *hooks.Context) (hooks.Result, error) {
			hctx.Data["status"] = "audited"
			return hooks.OverrideID(3), nil
		})).
		Post(hooks.PatchSingle, hooks.Sync(func(hctx *hooks.Context) (hooks.Result, error) {
			hctx.Result = map[string]interface{}{"name": hctx.Result.(map[string]interface{})["name"]}
			hctx.Headers.Set("X-Audited", "yes")
			return hooks.Continue(), nil
		})).
		Build()

	out, err := f.ops(WithHooks(set)).Update(context.Background(), 1, map[string]interface{}{"age": 29})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"name": "Linus"}, out.Body)
	assert.Equal(t, "yes", out.Headers.Get("X-Audited"))
	assert.Equal(t, 1, f.count(t, "person", "id = 3 AND age = 29 AND status = 'audited'"))
}

func TestPutHooksRunOnUpdate(t *testing.T) {
	f := newFixture(t)
	var ran bool
	set := hooks.NewBuilder().
		Pre(hooks.PutSingle, hooks.Sync(func(*hooks.Context) (hooks.Result, error) {
			ran = true
			return hooks.Continue(), nil
		})).
		Build()

	_, err := f.ops(WithHooks(set)).Update(context.Background(), 1, map[string]interface{}{"age": 40})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestObserver(t *testing.T) {
	f := newFixture(t)
	obs := &recordingObserver{}
	ops := f.ops(WithObserver(obs))
	ctx := context.Background()

	_, err := ops.Get(ctx, 1, "", nil)
	require.NoError(t, err)
	_, err = ops.Get(ctx, 99, "", nil)
	require.Error(t, err)

	assert.Equal(t, []string{"person:get:ok", "person:get:NotFound"}, obs.outcomes)
}
