package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/conduit-lang/apimanager/internal/orm/query"
	"github.com/conduit-lang/apimanager/internal/orm/schema"
	"github.com/conduit-lang/apimanager/internal/storage"
)

// Tx is a relational transaction. Reads made through it see its own
// staged writes.
type Tx struct {
	reader
	tx         *sql.Tx
	committed  atomic.Bool
	rolledBack atomic.Bool
	cancelFunc context.CancelFunc // set when the store bounds transaction lifetime
}

func (t *Tx) done() bool {
	return t.committed.Load() || t.rolledBack.Load()
}

// Commit commits the transaction
func (t *Tx) Commit() error {
	if t.cancelFunc != nil {
		defer t.cancelFunc()
	}
	if t.done() {
		return storage.ErrTxDone
	}
	if err := t.tx.Commit(); err != nil {
		t.rolledBack.Store(true)
		return fmt.Errorf("failed to commit transaction: %w", ConvertDBError(err))
	}
	t.committed.Store(true)
	return nil
}

// Rollback rolls back the transaction. Rolling back twice is a no-op.
func (t *Tx) Rollback() error {
	if t.cancelFunc != nil {
		defer t.cancelFunc()
	}
	if t.committed.Load() {
		return storage.ErrTxDone
	}
	if t.rolledBack.Load() {
		return nil
	}
	t.rolledBack.Store(true)
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

// Insert implements storage.Tx
func (t *Tx) Insert(ctx context.Context, res *schema.Resource, values storage.Record) (storage.Record, error) {
	if t.done() {
		return nil, storage.ErrTxDone
	}
	if _, set := values[res.PrimaryKey]; !set {
		if id, ok := newPrimaryKey(res); ok {
			values = withValue(values, res.PrimaryKey, id)
		}
	}

	pb := t.dialect.NewParamBuilder()
	cols := sortedColumns(res, values)
	var stmt string
	if len(cols) == 0 {
		stmt = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", quote(res.Table))
	} else {
		names := make([]string, len(cols))
		placeholders := make([]string, len(cols))
		for i, c := range cols {
			field, _ := res.Field(c)
			names[i] = quote(c)
			placeholders[i] = pb.Add(encodeValue(field, values[c]))
		}
		stmt = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quote(res.Table), strings.Join(names, ", "), strings.Join(placeholders, ", "))
	}
	stmt += " RETURNING " + returningList(res)

	recs, err := t.query(ctx, stmt, pb.Args())
	if err != nil {
		return nil, err
	}
	if len(recs) != 1 {
		return nil, fmt.Errorf("insert into %s returned %d rows", res.Table, len(recs))
	}
	return recs[0], nil
}

// Update implements storage.Tx
func (t *Tx) Update(ctx context.Context, res *schema.Resource, id interface{}, values storage.Record) error {
	if t.done() {
		return storage.ErrTxDone
	}
	cols := sortedColumns(res, values)
	if len(cols) == 0 {
		return nil
	}

	pb := t.dialect.NewParamBuilder()
	sets := make([]string, len(cols))
	for i, c := range cols {
		field, _ := res.Field(c)
		sets[i] = fmt.Sprintf("%s = %s", quote(c), pb.Add(encodeValue(field, values[c])))
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		quote(res.Table), strings.Join(sets, ", "), quote(res.PrimaryKey), pb.Add(id))

	n, err := t.exec(ctx, stmt, pb.Args())
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Delete implements storage.Tx
func (t *Tx) Delete(ctx context.Context, res *schema.Resource, id interface{}) (bool, error) {
	if t.done() {
		return false, storage.ErrTxDone
	}
	pb := t.dialect.NewParamBuilder()
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", quote(res.Table), quote(res.PrimaryKey), pb.Add(id))
	n, err := t.exec(ctx, stmt, pb.Args())
	return n > 0, err
}

// DeleteMatching implements storage.Tx. Sort directives and windows are
// ignored.
func (t *Tx) DeleteMatching(ctx context.Context, q *query.Query) (int, error) {
	if t.done() {
		return 0, storage.ErrTxDone
	}
	pb := t.dialect.NewParamBuilder()
	where, err := t.where(q, pb)
	if err != nil {
		return 0, err
	}
	stmt := fmt.Sprintf("DELETE FROM %s%s", quote(q.Resource.Table), where)
	return t.exec(ctx, stmt, pb.Args())
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
	pb := t.dialect.NewParamBuilder()

	switch {
	case rel.Kind == schema.ToOne:
		stmt := fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s = %s",
			quote(res.Table), quote(rel.ForeignKey), pb.Add(targetID), quote(res.PrimaryKey), pb.Add(ownerID))
		if _, err := t.exec(ctx, stmt, pb.Args()); err != nil {
			return err
		}
		owner[rel.ForeignKey] = targetID
		return nil

	case rel.UsesJoinTable():
		check := fmt.Sprintf("SELECT 1 AS linked FROM %s WHERE %s = %s AND %s = %s",
			quote(rel.JoinTable), quote(rel.JoinKey), pb.Add(ownerID), quote(rel.JoinTargetKey), pb.Add(targetID))
		existing, err := t.query(ctx, check, pb.Args())
		if err != nil || len(existing) > 0 {
			return err
		}
		ins := t.dialect.NewParamBuilder()
		stmt := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (%s, %s)",
			quote(rel.JoinTable), quote(rel.JoinKey), quote(rel.JoinTargetKey), ins.Add(ownerID), ins.Add(targetID))
		_, err = t.exec(ctx, stmt, ins.Args())
		return err

	default:
		stmt := fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s = %s",
			quote(targetRes.Table), quote(rel.ForeignKey), pb.Add(ownerID), quote(targetRes.PrimaryKey), pb.Add(targetID))
		if _, err := t.exec(ctx, stmt, pb.Args()); err != nil {
			return err
		}
		target[rel.ForeignKey] = ownerID
		return nil
	}
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
	pb := t.dialect.NewParamBuilder()

	var stmt string
	switch {
	case rel.Kind == schema.ToOne:
		stmt = fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s = %s AND %s = %s",
			quote(res.Table), quote(rel.ForeignKey), quote(res.PrimaryKey), pb.Add(ownerID), quote(rel.ForeignKey), pb.Add(targetID))
	case rel.UsesJoinTable():
		stmt = fmt.Sprintf("DELETE FROM %s WHERE %s = %s AND %s = %s",
			quote(rel.JoinTable), quote(rel.JoinKey), pb.Add(ownerID), quote(rel.JoinTargetKey), pb.Add(targetID))
	default:
		stmt = fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s = %s AND %s = %s",
			quote(targetRes.Table), quote(rel.ForeignKey), quote(targetRes.PrimaryKey), pb.Add(targetID), quote(rel.ForeignKey), pb.Add(ownerID))
	}

	n, err := t.exec(ctx, stmt, pb.Args())
	if err != nil || n == 0 {
		return false, err
	}
	if rel.Kind == schema.ToOne {
		owner[rel.ForeignKey] = nil
	}
	return true, nil
}

func withValue(values storage.Record, key string, v interface{}) storage.Record {
	out := make(storage.Record, len(values)+1)
	for k, val := range values {
		out[k] = val
	}
	out[key] = v
	return out
}
