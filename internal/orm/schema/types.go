// Package schema provides the static metadata describing an exposed resource:
// its columns and their declared types, its relations to other resources,
// include/exclude narrowing, computed methods and paging limits.
//
// A Resource is built once at registration time and is immutable afterwards.
package schema

import (
	"fmt"
	"strings"
)

// PrimitiveType represents the declared type of a column
type PrimitiveType int

const (
	// Text types
	TypeString PrimitiveType = iota
	TypeText

	// Numeric types
	TypeInt
	TypeBigInt
	TypeFloat
	TypeDecimal

	// Boolean
	TypeBool

	// Time types
	TypeTimestamp
	TypeDate
	TypeTime

	// Unique identifiers
	TypeUUID

	// Validated types
	TypeEmail
	TypeURL

	// JSON document
	TypeJSON
)

// String returns the string representation of the primitive type
func (p PrimitiveType) String() string {
	switch p {
	case TypeString:
		return "string"
	case TypeText:
		return "text"
	case TypeInt:
		return "int"
	case TypeBigInt:
		return "bigint"
	case TypeFloat:
		return "float"
	case TypeDecimal:
		return "decimal"
	case TypeBool:
		return "bool"
	case TypeTimestamp:
		return "timestamp"
	case TypeDate:
		return "date"
	case TypeTime:
		return "time"
	case TypeUUID:
		return "uuid"
	case TypeEmail:
		return "email"
	case TypeURL:
		return "url"
	case TypeJSON:
		return "json"
	default:
		return "unknown"
	}
}

// ParsePrimitiveType converts a string to a PrimitiveType
func ParsePrimitiveType(s string) (PrimitiveType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "string", "varchar":
		return TypeString, nil
	case "text":
		return TypeText, nil
	case "int", "integer":
		return TypeInt, nil
	case "bigint":
		return TypeBigInt, nil
	case "float", "double":
		return TypeFloat, nil
	case "decimal", "numeric":
		return TypeDecimal, nil
	case "bool", "boolean":
		return TypeBool, nil
	case "timestamp", "datetime":
		return TypeTimestamp, nil
	case "date":
		return TypeDate, nil
	case "time":
		return TypeTime, nil
	case "uuid":
		return TypeUUID, nil
	case "email":
		return TypeEmail, nil
	case "url":
		return TypeURL, nil
	case "json", "jsonb":
		return TypeJSON, nil
	default:
		return 0, fmt.Errorf("unknown primitive type: %s", s)
	}
}

// IsNumeric returns true if the type is a numeric type
func (p PrimitiveType) IsNumeric() bool {
	return p == TypeInt || p == TypeBigInt || p == TypeFloat || p == TypeDecimal
}

// IsInteger returns true for whole-number types
func (p PrimitiveType) IsInteger() bool {
	return p == TypeInt || p == TypeBigInt
}

// IsTemporal returns true for date-like types whose wire form is a string
func (p PrimitiveType) IsTemporal() bool {
	return p == TypeTimestamp || p == TypeDate || p == TypeTime
}

// IsText returns true for types carried as plain strings
func (p PrimitiveType) IsText() bool {
	switch p {
	case TypeString, TypeText, TypeUUID, TypeEmail, TypeURL:
		return true
	}
	return false
}

// Field represents a column of a resource
type Field struct {
	Name     string
	Type     PrimitiveType
	Nullable bool

	// Default is applied by storage when the field is omitted on create.
	// A non-nil default makes a non-nullable field optional in payloads.
	Default interface{}

	// Generated marks values produced by storage (serial keys, timestamps).
	Generated bool
}

// Required reports whether a create payload must carry the field
func (f *Field) Required() bool {
	return !f.Nullable && f.Default == nil && !f.Generated
}

// FieldOption configures a Field while building a resource
type FieldOption func(*Field)

// Nullable marks a field as accepting null
func Nullable() FieldOption {
	return func(f *Field) { f.Nullable = true }
}

// Default sets the storage default of a field
func Default(v interface{}) FieldOption {
	return func(f *Field) { f.Default = v }
}

// Generated marks a field as produced by storage
func Generated() FieldOption {
	return func(f *Field) { f.Generated = true }
}

// RelationKind distinguishes collection relations from single-valued ones
type RelationKind int

const (
	// ToMany is a one-to-many (or many-to-many through a join table) relation
	ToMany RelationKind = iota
	// ToOne is a single-valued relation held by a foreign key on the owner
	ToOne
)

// String returns the string representation of the relation kind
func (k RelationKind) String() string {
	switch k {
	case ToMany:
		return "to_many"
	case ToOne:
		return "to_one"
	default:
		return "unknown"
	}
}

// ParseRelationKind converts a string to a RelationKind
func ParseRelationKind(s string) (RelationKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "to_many", "has_many", "many":
		return ToMany, nil
	case "to_one", "belongs_to", "one":
		return ToOne, nil
	default:
		return 0, fmt.Errorf("unknown relation kind: %s", s)
	}
}

// Relation describes a relation from one resource to another.
//
// Storage mapping:
//   - ToMany without JoinTable: ForeignKey is a column on the target
//     referencing the owner's primary key.
//   - ToMany with JoinTable: JoinKey references the owner and JoinTargetKey
//     references the target inside JoinTable.
//   - ToOne: ForeignKey is a column on the owner referencing the target.
type Relation struct {
	Name   string
	Target string
	Kind   RelationKind

	ForeignKey    string
	JoinTable     string
	JoinKey       string
	JoinTargetKey string
}

// IsCollection returns true if the relation holds a collection of entities
func (r *Relation) IsCollection() bool {
	return r.Kind == ToMany
}

// UsesJoinTable returns true for many-to-many relations
func (r *Relation) UsesJoinTable() bool {
	return r.JoinTable != ""
}
