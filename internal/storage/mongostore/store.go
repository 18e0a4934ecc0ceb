// Package mongostore implements the storage contract on MongoDB.
//
// Each resource maps to a collection and its primary key to _id.
// Foreign keys are plain document fields and join tables are collections
// of {join_key, join_target_key} documents. Mutations run in a
// multi-document transaction, which requires a replica set.
package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/conduit-lang/apimanager/internal/orm/query"
	"github.com/conduit-lang/apimanager/internal/orm/schema"
	"github.com/conduit-lang/apimanager/internal/storage"
)

// countersCollection holds the sequences of integer primary keys
const countersCollection = "_counters"

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store is a document storage backend
type Store struct {
	reader
	db     Database
	client *mongo.Client
}

// Open connects to uri and uses the named database
func Open(ctx context.Context, uri, database string, maxPoolSize uint64, targets query.TargetResolver, opts ...Option) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri)
	if maxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(maxPoolSize)
	}
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s := New(WrapDatabase(client.Database(database)), targets, opts...)
	s.client = client
	s.logger.Info("connected to MongoDB", zap.String("database", database))
	return s, nil
}

// New wraps a database
func New(db Database, targets query.TargetResolver, opts ...Option) *Store {
	s := &Store{
		reader: reader{db: db, targets: targets, logger: zap.NewNop(), bind: unbound},
		db:     db,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks connectivity
func (s *Store) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client opened by Open
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(context.Background())
}

// Begin starts a session and a transaction on it
func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	session, err := s.db.StartSession()
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	if err := session.StartTransaction(); err != nil {
		session.EndSession(ctx)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	r := s.reader
	r.bind = session.Bind
	return &Tx{reader: r, session: session, ctx: ctx}, nil
}

func unbound(ctx context.Context) context.Context {
	return ctx
}

// reader implements storage.Reader. Inside a transaction bind attaches
// the session to every call.
type reader struct {
	db      Database
	targets query.TargetResolver
	logger  *zap.Logger
	bind    func(context.Context) context.Context
}

func (r reader) trace(op, collection string, filter interface{}, start time.Time, err error) {
	if ce := r.logger.Check(zap.DebugLevel, "mongo"); ce != nil {
		ce.Write(
			zap.String("op", op),
			zap.String("collection", collection),
			zap.Any("filter", filter),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
	}
}

// find decodes every document of collection matching filter
func (r reader) find(ctx context.Context, collection string, filter interface{}, opts ...*options.FindOptions) ([]bson.M, error) {
	start := time.Now()
	cursor, err := r.db.Collection(collection).Find(r.bind(ctx), filter, opts...)
	r.trace("find", collection, filter, start, err)
	if err != nil {
		return nil, convertError(err)
	}
	defer cursor.Close(ctx)

	docs := make([]bson.M, 0)
	if err := cursor.All(r.bind(ctx), &docs); err != nil {
		return nil, convertError(err)
	}
	return docs, nil
}

// values returns the non-null values of key over the matching documents
func (r reader) values(ctx context.Context, collection string, filter interface{}, key string) (bson.A, error) {
	docs, err := r.find(ctx, collection, filter, options.Find().SetProjection(bson.M{key: 1}))
	if err != nil {
		return nil, err
	}
	out := bson.A{}
	for _, doc := range docs {
		if v, ok := doc[key]; ok && v != nil {
			out = append(out, v)
		}
	}
	return out, nil
}

func (r reader) records(ctx context.Context, res *schema.Resource, filter interface{}, opts ...*options.FindOptions) ([]storage.Record, error) {
	docs, err := r.find(ctx, res.Table, filter, opts...)
	if err != nil {
		return nil, err
	}
	recs := make([]storage.Record, len(docs))
	for i, doc := range docs {
		recs[i] = fromDocument(res, doc)
	}
	return recs, nil
}

// Count implements storage.Reader
func (r reader) Count(ctx context.Context, q *query.Query) (int, error) {
	filter, err := r.filter(ctx, q)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	n, err := r.db.Collection(q.Resource.Table).CountDocuments(r.bind(ctx), filter)
	r.trace("count", q.Resource.Table, filter, start, err)
	if err != nil {
		return 0, convertError(err)
	}
	return int(n), nil
}

// Find implements storage.Reader
func (r reader) Find(ctx context.Context, q *query.Query) ([]storage.Record, error) {
	filter, err := r.filter(ctx, q)
	if err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(sortDocument(q))
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	if q.Offset > 0 {
		opts.SetSkip(int64(q.Offset))
	}
	return r.records(ctx, q.Resource, filter, opts)
}

// Related implements storage.Reader
func (r reader) Related(ctx context.Context, res *schema.Resource, owner storage.Record, rel *schema.Relation) ([]storage.Record, error) {
	target, err := r.targets.Target(rel)
	if err != nil {
		return nil, err
	}
	byID := options.Find().SetSort(bson.D{{Key: idKey, Value: 1}})

	switch {
	case rel.Kind == schema.ToOne:
		fk := owner[rel.ForeignKey]
		if fk == nil {
			return []storage.Record{}, nil
		}
		return r.records(ctx, target, bson.M{idKey: fk})

	case rel.UsesJoinTable():
		ids, err := r.values(ctx, rel.JoinTable, bson.M{rel.JoinKey: storage.PrimaryKey(res, owner)}, rel.JoinTargetKey)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return []storage.Record{}, nil
		}
		return r.records(ctx, target, bson.M{idKey: bson.M{"$in": ids}}, byID)

	default:
		filter := bson.M{fieldName(target, rel.ForeignKey): storage.PrimaryKey(res, owner)}
		return r.records(ctx, target, filter, byID)
	}
}
