// Package storagetest provides resource fixtures and an in-memory SQLite
// store for tests.
package storagetest

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/apimanager/internal/orm/schema"
	"github.com/conduit-lang/apimanager/internal/storage/sqlstore"
)

const ddl = `
CREATE TABLE person (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	age INTEGER,
	birth_date DATE,
	status TEXT
);
CREATE TABLE computer (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	vendor TEXT NOT NULL,
	owner_id INTEGER REFERENCES person(id) ON DELETE SET NULL
);
CREATE TABLE tag (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	label TEXT NOT NULL UNIQUE
);
CREATE TABLE person_tags (
	person_id INTEGER NOT NULL REFERENCES person(id) ON DELETE CASCADE,
	tag_id INTEGER NOT NULL REFERENCES tag(id) ON DELETE CASCADE,
	PRIMARY KEY (person_id, tag_id)
);
`

// PersonBuilder returns the builder for the person fixture so tests can
// add narrowing or methods before building.
func PersonBuilder() *schema.Builder {
	return schema.NewBuilder("person").
		Field("id", schema.TypeInt, schema.Generated()).
		Field("name", schema.TypeString).
		Field("age", schema.TypeInt, schema.Nullable()).
		Field("birth_date", schema.TypeDate, schema.Nullable()).
		Field("status", schema.TypeString, schema.Nullable()).
		HasMany("computers", "computer", "owner_id").
		ManyToMany("tags", "tag", "person_tags", "person_id", "tag_id")
}

// Registry returns a registry holding person, computer and tag. A custom
// person resource may be passed to replace the default one.
func Registry(t testing.TB, person ...*schema.Resource) *schema.Registry {
	t.Helper()

	registry := schema.NewRegistry()
	p := PersonBuilder().MustBuild()
	if len(person) > 0 {
		p = person[0]
	}
	require.NoError(t, registry.Register(p))
	require.NoError(t, registry.Register(schema.NewBuilder("computer").
		Field("id", schema.TypeInt, schema.Generated()).
		Field("vendor", schema.TypeString).
		Field("owner_id", schema.TypeInt, schema.Nullable()).
		BelongsTo("owner", "person", "owner_id").
		MustBuild()))
	require.NoError(t, registry.Register(schema.NewBuilder("tag").
		Field("id", schema.TypeInt, schema.Generated()).
		Field("label", schema.TypeString).
		MustBuild()))
	require.NoError(t, registry.ValidateAll())
	return registry
}

// SQLite opens an in-memory database with the fixture tables. The pool is
// limited to one connection so every statement sees the same database.
func SQLite(t testing.TB, registry *schema.Registry) *sqlstore.Store {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	require.NoError(t, err)
	_, err = db.Exec(ddl)
	require.NoError(t, err)

	return sqlstore.New(db, sqlstore.SQLite, registry)
}

// Exec runs raw statements against the store's database
func Exec(t testing.TB, store *sqlstore.Store, stmt string, args ...interface{}) {
	t.Helper()
	_, err := store.DB().Exec(stmt, args...)
	require.NoError(t, err)
}

// Seed inserts people Ada (36), Grace (45) and Linus (28) with ids 1 to 3,
// computers 1 (apple, Ada) and 2 (lenovo, Ada), and tag 1 (admin) on Ada.
func Seed(t testing.TB, store *sqlstore.Store) {
	t.Helper()
	Exec(t, store, `INSERT INTO person (name, age, status) VALUES ('Ada', 36, 'active'), ('Grace', 45, 'active'), ('Linus', 28, 'idle')`)
	Exec(t, store, `INSERT INTO computer (vendor, owner_id) VALUES ('apple', 1), ('lenovo', 1)`)
	Exec(t, store, `INSERT INTO tag (label) VALUES ('admin')`)
	Exec(t, store, `INSERT INTO person_tags (person_id, tag_id) VALUES (1, 1)`)
}
