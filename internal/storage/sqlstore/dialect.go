package sqlstore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// Dialect captures the SQL differences between supported databases
type Dialect interface {
	// Name is the configuration name of the dialect
	Name() string
	// DriverName is the database/sql driver to open
	DriverName() string
	// NewParamBuilder starts placeholder numbering for one statement
	NewParamBuilder() *ParamBuilder
	// ILike renders a case-insensitive LIKE
	ILike(column, placeholder string) string
	// LimitOffset renders the window clause, or "" for none
	LimitOffset(limit, offset int) string
}

// ParamBuilder collects statement arguments and hands out placeholders
type ParamBuilder struct {
	args     []interface{}
	numbered bool
}

// Add appends an argument and returns its placeholder
func (pb *ParamBuilder) Add(v interface{}) string {
	pb.args = append(pb.args, v)
	if pb.numbered {
		return "$" + strconv.Itoa(len(pb.args))
	}
	return "?"
}

// Args returns the collected arguments
func (pb *ParamBuilder) Args() []interface{} {
	return pb.args
}

type postgresDialect struct{ driver string }

func (d postgresDialect) Name() string       { return "postgres" }
func (d postgresDialect) DriverName() string { return d.driver }

func (postgresDialect) NewParamBuilder() *ParamBuilder {
	return &ParamBuilder{numbered: true}
}

func (postgresDialect) ILike(column, placeholder string) string {
	return fmt.Sprintf("%s ILIKE %s", column, placeholder)
}

func (postgresDialect) LimitOffset(limit, offset int) string {
	var parts []string
	if limit > 0 {
		parts = append(parts, "LIMIT "+strconv.Itoa(limit))
	}
	if offset > 0 {
		parts = append(parts, "OFFSET "+strconv.Itoa(offset))
	}
	return strings.Join(parts, " ")
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string       { return "sqlite3" }
func (sqliteDialect) DriverName() string { return "sqlite3" }

func (sqliteDialect) NewParamBuilder() *ParamBuilder {
	return &ParamBuilder{}
}

func (sqliteDialect) ILike(column, placeholder string) string {
	return fmt.Sprintf("LOWER(%s) LIKE LOWER(%s)", column, placeholder)
}

func (sqliteDialect) LimitOffset(limit, offset int) string {
	switch {
	case limit > 0 && offset > 0:
		return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
	case limit > 0:
		return fmt.Sprintf("LIMIT %d", limit)
	case offset > 0:
		return fmt.Sprintf("LIMIT -1 OFFSET %d", offset)
	}
	return ""
}

var (
	// Postgres uses the pgx driver
	Postgres Dialect = postgresDialect{driver: "pgx"}
	// PostgresPQ uses the lib/pq driver
	PostgresPQ Dialect = postgresDialect{driver: "postgres"}
	// SQLite uses the mattn/go-sqlite3 driver
	SQLite Dialect = sqliteDialect{}
)

// DialectFor returns the dialect for a configured driver name
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "pq":
		return PostgresPQ, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
}

// quote quotes an identifier
func quote(name string) string {
	return pq.QuoteIdentifier(name)
}

// qualify quotes a column qualified by a table or alias
func qualify(table, column string) string {
	return quote(table) + "." + quote(column)
}
