package mongostore

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type call struct {
	op     string
	filter interface{}
	arg    interface{}
}

type fakeCursor struct {
	docs []bson.M
}

func (c *fakeCursor) All(_ context.Context, results interface{}) error {
	out := results.(*[]bson.M)
	*out = append((*out)[:0], c.docs...)
	return nil
}

func (c *fakeCursor) Close(context.Context) error { return nil }

type fakeResult struct {
	doc bson.M
	err error
}

func (r fakeResult) Decode(v interface{}) error {
	if r.err != nil {
		return r.err
	}
	raw, err := bson.Marshal(r.doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, v)
}

// fakeCollection records every call and serves scripted results
type fakeCollection struct {
	mu      sync.Mutex
	calls   []call
	found   [][]bson.M
	count   int64
	matched int64
	deleted int64
	seq     int64
	err     error
}

func (c *fakeCollection) record(op string, filter, arg interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call{op: op, filter: filter, arg: arg})
}

func (c *fakeCollection) ops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	for i, cl := range c.calls {
		out[i] = cl.op
	}
	return out
}

func (c *fakeCollection) last(op string) call {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.calls) - 1; i >= 0; i-- {
		if c.calls[i].op == op {
			return c.calls[i]
		}
	}
	return call{}
}

func (c *fakeCollection) Find(_ context.Context, filter interface{}, opts ...*options.FindOptions) (Cursor, error) {
	var o interface{}
	if len(opts) > 0 {
		o = opts[0]
	}
	c.record("find", filter, o)
	if c.err != nil {
		return nil, c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var docs []bson.M
	if len(c.found) > 0 {
		docs, c.found = c.found[0], c.found[1:]
	}
	return &fakeCursor{docs: docs}, nil
}

func (c *fakeCollection) CountDocuments(_ context.Context, filter interface{}, _ ...*options.CountOptions) (int64, error) {
	c.record("count", filter, nil)
	return c.count, c.err
}

func (c *fakeCollection) InsertOne(_ context.Context, document interface{}, _ ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	c.record("insert", nil, document)
	if c.err != nil {
		return nil, c.err
	}
	return &mongo.InsertOneResult{}, nil
}

func (c *fakeCollection) UpdateOne(_ context.Context, filter interface{}, update interface{}, _ ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	c.record("update", filter, update)
	if c.err != nil {
		return nil, c.err
	}
	return &mongo.UpdateResult{MatchedCount: c.matched, ModifiedCount: c.matched}, nil
}

func (c *fakeCollection) DeleteOne(_ context.Context, filter interface{}, _ ...*options.DeleteOptions) (*mongo.DeleteResult, error) {
	c.record("delete_one", filter, nil)
	if c.err != nil {
		return nil, c.err
	}
	return &mongo.DeleteResult{DeletedCount: c.deleted}, nil
}

func (c *fakeCollection) DeleteMany(_ context.Context, filter interface{}, _ ...*options.DeleteOptions) (*mongo.DeleteResult, error) {
	c.record("delete_many", filter, nil)
	if c.err != nil {
		return nil, c.err
	}
	return &mongo.DeleteResult{DeletedCount: c.deleted}, nil
}

func (c *fakeCollection) FindOneAndUpdate(_ context.Context, filter interface{}, update interface{}, _ ...*options.FindOneAndUpdateOptions) SingleResult {
	c.record("find_one_and_update", filter, update)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return fakeResult{doc: bson.M{"_id": filter.(bson.M)["_id"], "seq": c.seq}, err: c.err}
}

type fakeSession struct {
	started, committed, aborted, ended int
	commitErr                          error
}

func (s *fakeSession) StartTransaction(...*options.TransactionOptions) error {
	s.started++
	return nil
}

func (s *fakeSession) CommitTransaction(context.Context) error {
	s.committed++
	return s.commitErr
}

func (s *fakeSession) AbortTransaction(context.Context) error {
	s.aborted++
	return nil
}

func (s *fakeSession) EndSession(context.Context) { s.ended++ }

func (s *fakeSession) Bind(ctx context.Context) context.Context { return ctx }

type fakeDatabase struct {
	mu          sync.Mutex
	collections map[string]*fakeCollection
	session     *fakeSession
}

func newFakeDatabase() *fakeDatabase {
	return &fakeDatabase{collections: make(map[string]*fakeCollection), session: &fakeSession{}}
}

func (d *fakeDatabase) coll(name string) *fakeCollection {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.collections[name]
	if !ok {
		c = &fakeCollection{}
		d.collections[name] = c
	}
	return c
}

func (d *fakeDatabase) Collection(name string) Collection {
	return d.coll(name)
}

func (d *fakeDatabase) StartSession() (Session, error) {
	return d.session, nil
}
