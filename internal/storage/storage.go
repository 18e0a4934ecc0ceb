// Package storage defines the contract between the operation orchestrator
// and a backend that executes queries and mutations.
//
// Every mutation happens on a Tx. Nothing is visible to other callers until
// Commit succeeds, and Rollback discards everything staged on the Tx.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/conduit-lang/apimanager/internal/orm/query"
	"github.com/conduit-lang/apimanager/internal/orm/schema"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist
	ErrNotFound = errors.New("record not found")

	// ErrConstraintViolation is returned when storage rejects a mutation on
	// integrity, data or statement grounds
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrValidation is returned when storage rejects individual column values
	ErrValidation = errors.New("validation failed")

	// ErrTxDone is returned when a finished transaction is used again
	ErrTxDone = errors.New("transaction already finished")
)

// Record is one entity as a column name to value mapping
type Record = map[string]interface{}

// ConstraintError describes a storage-level integrity failure
type ConstraintError struct {
	Constraint string
	Message    string
	Err        error
}

func (e *ConstraintError) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("constraint %s violated: %s", e.Constraint, e.Message)
	}
	return e.Message
}

// Is makes errors.Is(err, ErrConstraintViolation) hold
func (e *ConstraintError) Is(target error) bool {
	return target == ErrConstraintViolation
}

func (e *ConstraintError) Unwrap() error {
	return e.Err
}

// FieldError carries per-column messages reported by storage
type FieldError struct {
	Fields map[string]string
	Err    error
}

func (e *FieldError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Is makes errors.Is(err, ErrValidation) hold
func (e *FieldError) Is(target error) bool {
	return target == ErrValidation
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// Reader executes read-only queries
type Reader interface {
	// Count returns the number of entities matching q, ignoring its window
	Count(ctx context.Context, q *query.Query) (int, error)

	// Find returns the entities matching q in its order and window
	Find(ctx context.Context, q *query.Query) ([]Record, error)

	// Related returns the current members of a relation of owner
	Related(ctx context.Context, res *schema.Resource, owner Record, rel *schema.Relation) ([]Record, error)
}

// Tx stages mutations until Commit
type Tx interface {
	Reader

	// Insert creates an entity and returns it as stored, including
	// generated columns
	Insert(ctx context.Context, res *schema.Resource, values Record) (Record, error)

	// Update assigns values to the entity with the given primary key
	Update(ctx context.Context, res *schema.Resource, id interface{}, values Record) error

	// Delete removes the entity with the given primary key. It returns
	// false when nothing was deleted.
	Delete(ctx context.Context, res *schema.Resource, id interface{}) (bool, error)

	// DeleteMatching removes every entity matching q and returns the count
	DeleteMatching(ctx context.Context, q *query.Query) (int, error)

	// Link attaches target to the relation of owner. For single-valued
	// relations the previous value is replaced.
	Link(ctx context.Context, res *schema.Resource, owner Record, rel *schema.Relation, target Record) error

	// Unlink detaches target from the relation of owner. It returns false
	// when target was not a member.
	Unlink(ctx context.Context, res *schema.Resource, owner Record, rel *schema.Relation, target Record) (bool, error)

	Commit() error
	Rollback() error
}

// Store is a storage backend
type Store interface {
	Reader

	// Begin starts the transaction for one mutating operation
	Begin(ctx context.Context) (Tx, error)

	Close() error
}

// PrimaryKey returns the identity value of rec
func PrimaryKey(res *schema.Resource, rec Record) interface{} {
	return rec[res.PrimaryKey]
}

// SameEntity reports whether two records carry the same primary key
func SameEntity(res *schema.Resource, a, b Record) bool {
	return KeyString(PrimaryKey(res, a)) == KeyString(PrimaryKey(res, b))
}

// KeyString renders a primary key for comparisons and map keys
func KeyString(v interface{}) string {
	switch k := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(k)
	case fmt.Stringer:
		return k.String()
	}
	return fmt.Sprint(v)
}
