// Package sqlstore implements the storage contract on database/sql for
// PostgreSQL (pgx or lib/pq) and SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/conduit-lang/apimanager/internal/orm/query"
	"github.com/conduit-lang/apimanager/internal/orm/schema"
	"github.com/conduit-lang/apimanager/internal/storage"
)

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger used for statement tracing
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithIsolation sets the isolation level of mutating transactions
func WithIsolation(level sql.IsolationLevel) Option {
	return func(s *Store) { s.isolation = level }
}

// WithTxTimeout bounds the lifetime of each transaction
func WithTxTimeout(d time.Duration) Option {
	return func(s *Store) { s.txTimeout = d }
}

// Store is a relational storage backend
type Store struct {
	reader
	db        *sql.DB
	isolation sql.IsolationLevel
	txTimeout time.Duration
}

// Open connects to a database using the dialect registered for driver
func Open(driver, dsn string, targets query.TargetResolver, opts ...Option) (*Store, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.Name(), err)
	}
	return New(db, dialect, targets, opts...), nil
}

// New wraps an open database
func New(db *sql.DB, dialect Dialect, targets query.TargetResolver, opts ...Option) *Store {
	s := &Store{
		reader: reader{
			q:       db,
			dialect: dialect,
			targets: targets,
			logger:  zap.NewNop(),
		},
		db: db,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying database
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Begin starts a transaction
func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	var cancel context.CancelFunc
	if s.txTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.txTimeout)
	}

	var opts *sql.TxOptions
	if s.isolation != sql.LevelDefault {
		opts = &sql.TxOptions{Isolation: s.isolation}
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, fmt.Errorf("failed to begin transaction: %w", ConvertDBError(err))
	}

	r := s.reader
	r.q = tx
	return &Tx{reader: r, tx: tx, cancelFunc: cancel}, nil
}

// reader implements storage.Reader over a querier
type reader struct {
	q       querier
	dialect Dialect
	targets query.TargetResolver
	logger  *zap.Logger
}

func (r reader) query(ctx context.Context, stmt string, args []interface{}) ([]storage.Record, error) {
	start := time.Now()
	rows, err := r.q.QueryContext(ctx, stmt, args...)
	r.trace(stmt, args, start, err)
	if err != nil {
		return nil, ConvertDBError(err)
	}
	defer rows.Close()

	recs, err := scanRows(rows)
	if err != nil {
		return nil, ConvertDBError(err)
	}
	return recs, nil
}

func (r reader) exec(ctx context.Context, stmt string, args []interface{}) (int, error) {
	start := time.Now()
	result, err := r.q.ExecContext(ctx, stmt, args...)
	r.trace(stmt, args, start, err)
	if err != nil {
		return 0, ConvertDBError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, ConvertDBError(err)
	}
	return int(n), nil
}

func (r reader) trace(stmt string, args []interface{}, start time.Time, err error) {
	if ce := r.logger.Check(zap.DebugLevel, "sql"); ce != nil {
		ce.Write(
			zap.String("statement", stmt),
			zap.Int("args", len(args)),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
	}
}

func (r reader) where(q *query.Query, pb *ParamBuilder) (string, error) {
	w := &whereBuilder{dialect: r.dialect, pb: pb, q: q}
	clause, err := w.group(q.Where, q.Resource, q.Resource.Table)
	if err != nil {
		return "", fmt.Errorf("%w: %v", query.ErrInvalidSearch, err)
	}
	if clause == "" {
		return "", nil
	}
	return " WHERE " + clause, nil
}

// Count implements storage.Reader
func (r reader) Count(ctx context.Context, q *query.Query) (int, error) {
	pb := r.dialect.NewParamBuilder()
	where, err := r.where(q, pb)
	if err != nil {
		return 0, err
	}
	stmt := fmt.Sprintf("SELECT COUNT(*) AS n FROM %s%s", quote(q.Resource.Table), where)
	recs, err := r.query(ctx, stmt, pb.Args())
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}
	return toInt(recs[0]["n"]), nil
}

// Find implements storage.Reader
func (r reader) Find(ctx context.Context, q *query.Query) ([]storage.Record, error) {
	pb := r.dialect.NewParamBuilder()
	where, err := r.where(q, pb)
	if err != nil {
		return nil, err
	}
	res := q.Resource
	stmt := fmt.Sprintf("SELECT %s FROM %s%s %s", selectList(res, res.Table), quote(res.Table), where, orderBy(q, res.Table))
	if window := r.dialect.LimitOffset(q.Limit, q.Offset); window != "" {
		stmt += " " + window
	}
	return r.query(ctx, stmt, pb.Args())
}

// Related implements storage.Reader
func (r reader) Related(ctx context.Context, res *schema.Resource, owner storage.Record, rel *schema.Relation) ([]storage.Record, error) {
	target, err := r.targets.Target(rel)
	if err != nil {
		return nil, err
	}
	pb := r.dialect.NewParamBuilder()
	var stmt string

	switch {
	case rel.Kind == schema.ToOne:
		fk := owner[rel.ForeignKey]
		if fk == nil {
			return []storage.Record{}, nil
		}
		stmt = fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
			selectList(target, target.Table), quote(target.Table),
			qualify(target.Table, target.PrimaryKey), pb.Add(fk))

	case rel.UsesJoinTable():
		stmt = fmt.Sprintf("SELECT %s FROM %s JOIN %s ON %s = %s WHERE %s = %s ORDER BY %s ASC",
			selectList(target, target.Table), quote(target.Table), quote(rel.JoinTable),
			qualify(target.Table, target.PrimaryKey), qualify(rel.JoinTable, rel.JoinTargetKey),
			qualify(rel.JoinTable, rel.JoinKey), pb.Add(storage.PrimaryKey(res, owner)),
			qualify(target.Table, target.PrimaryKey))

	default:
		stmt = fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s ORDER BY %s ASC",
			selectList(target, target.Table), quote(target.Table),
			qualify(target.Table, rel.ForeignKey), pb.Add(storage.PrimaryKey(res, owner)),
			qualify(target.Table, target.PrimaryKey))
	}
	return r.query(ctx, stmt, pb.Args())
}

func selectList(res *schema.Resource, alias string) string {
	cols := res.Columns()
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = qualify(alias, c) + " AS " + quote(c)
	}
	return strings.Join(parts, ", ")
}

// returningList names the columns of res without qualification
func returningList(res *schema.Resource) string {
	cols := res.Columns()
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = quote(c)
	}
	return strings.Join(parts, ", ")
}

// encodeValue prepares a native value for a statement argument
func encodeValue(field *schema.Field, v interface{}) interface{} {
	if field == nil || v == nil {
		return v
	}
	switch field.Type {
	case schema.TypeJSON:
		if _, isString := v.(string); isString {
			return v
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return v
		}
		return string(raw)
	case schema.TypeTime:
		if t, ok := v.(time.Time); ok {
			return t.Format(schema.TimeLayout)
		}
	}
	return v
}

// sortedColumns returns the keys of values that are columns of res, sorted
func sortedColumns(res *schema.Resource, values storage.Record) []string {
	cols := make([]string, 0, len(values))
	for k := range values {
		if res.IsColumn(k) {
			cols = append(cols, k)
		}
	}
	sort.Strings(cols)
	return cols
}

func newPrimaryKey(res *schema.Resource) (interface{}, bool) {
	pk, _ := res.Field(res.PrimaryKey)
	if pk.Type == schema.TypeUUID {
		return uuid.NewString(), true
	}
	return nil, false
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int32:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	case string:
		var out int
		fmt.Sscan(n, &out)
		return out
	}
	return 0
}
