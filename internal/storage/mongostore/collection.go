package mongostore

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Cursor is the subset of *mongo.Cursor used by the store
type Cursor interface {
	All(ctx context.Context, results interface{}) error
	Close(ctx context.Context) error
}

// SingleResult is the subset of *mongo.SingleResult used by the store
type SingleResult interface {
	Decode(v interface{}) error
}

// Collection is the subset of *mongo.Collection used by the store
type Collection interface {
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (Cursor, error)
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
	DeleteMany(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
	FindOneAndUpdate(ctx context.Context, filter interface{}, update interface{}, opts ...*options.FindOneAndUpdateOptions) SingleResult
}

// Session is the subset of mongo.Session backing one transaction
type Session interface {
	StartTransaction(opts ...*options.TransactionOptions) error
	CommitTransaction(ctx context.Context) error
	AbortTransaction(ctx context.Context) error
	EndSession(ctx context.Context)

	// Bind returns ctx carrying the session, so operations made with it
	// join the transaction
	Bind(ctx context.Context) context.Context
}

// Database hands out collections and sessions
type Database interface {
	Collection(name string) Collection
	StartSession() (Session, error)
}

// mongoCollection adapts *mongo.Collection to Collection
type mongoCollection struct {
	*mongo.Collection
}

func (m *mongoCollection) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (Cursor, error) {
	cursor, err := m.Collection.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cursor, nil
}

func (m *mongoCollection) FindOneAndUpdate(ctx context.Context, filter interface{}, update interface{}, opts ...*options.FindOneAndUpdateOptions) SingleResult {
	return m.Collection.FindOneAndUpdate(ctx, filter, update, opts...)
}

// mongoSession adapts mongo.Session to Session
type mongoSession struct {
	mongo.Session
}

func (m mongoSession) Bind(ctx context.Context) context.Context {
	return mongo.NewSessionContext(ctx, m.Session)
}

// mongoDatabase adapts *mongo.Database to Database
type mongoDatabase struct {
	db *mongo.Database
}

// WrapDatabase adapts a connected database
func WrapDatabase(db *mongo.Database) Database {
	return &mongoDatabase{db: db}
}

func (m *mongoDatabase) Collection(name string) Collection {
	return &mongoCollection{Collection: m.db.Collection(name)}
}

func (m *mongoDatabase) StartSession() (Session, error) {
	s, err := m.db.Client().StartSession()
	if err != nil {
		return nil, err
	}
	return mongoSession{Session: s}, nil
}
