package schema

import (
	"sort"
	"strings"
)

const (
	// DefaultResultsPerPage is used when a resource does not set its own page size
	DefaultResultsPerPage = 10
	// DefaultMaxResultsPerPage caps client-requested page sizes
	DefaultMaxResultsPerPage = 100
)

// Narrowing is a parsed include or exclude list.
//
// Columns holds top-level names. Relations maps a relation name to the
// fields of the related resource named with dotted "relation.field" entries.
type Narrowing struct {
	Columns   []string
	Relations map[string][]string
}

// HasColumn returns true if name is listed at the top level
func (n *Narrowing) HasColumn(name string) bool {
	for _, c := range n.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// ParseIncludes splits an include list into top-level columns and dotted
// relation fields. A dotted entry only counts when its relation is itself
// included, and such a relation is then listed only in Relations.
func ParseIncludes(names []string) *Narrowing {
	dotted, columns := partitionDotted(names)
	relations := make(map[string][]string)
	for _, name := range dotted {
		relation, field, _ := strings.Cut(name, ".")
		if contains(columns, relation) {
			relations[relation] = append(relations[relation], field)
		}
	}
	kept := columns[:0:0]
	for _, c := range columns {
		if _, ok := relations[c]; !ok {
			kept = append(kept, c)
		}
	}
	return &Narrowing{Columns: kept, Relations: relations}
}

// ParseExcludes splits an exclude list into top-level columns and dotted
// relation fields. A relation excluded entirely is listed only in Columns.
func ParseExcludes(names []string) *Narrowing {
	dotted, columns := partitionDotted(names)
	relations := make(map[string][]string)
	for _, name := range dotted {
		relation, field, _ := strings.Cut(name, ".")
		if !contains(columns, relation) {
			relations[relation] = append(relations[relation], field)
		}
	}
	return &Narrowing{Columns: columns, Relations: relations}
}

func partitionDotted(names []string) (dotted, plain []string) {
	for _, name := range names {
		if strings.Contains(name, ".") {
			dotted = append(dotted, name)
		} else {
			plain = append(plain, name)
		}
	}
	return dotted, plain
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Resource is the immutable definition of an exposed model
type Resource struct {
	// Name is the collection name used in URLs and hook contexts
	Name string
	// Table is the storage table or collection name
	Table string
	// PrimaryKey is the name of the identity column
	PrimaryKey string

	DefaultPerPage int
	MaxPerPage     int

	fields        map[string]*Field
	fieldOrder    []string
	relations     map[string]*Relation
	relationOrder []string
	include       *Narrowing
	exclude       *Narrowing
	methods       []*Method
}

// Field returns the column with the given name
func (r *Resource) Field(name string) (*Field, bool) {
	f, ok := r.fields[name]
	return f, ok
}

// Fields returns all columns in declaration order
func (r *Resource) Fields() []*Field {
	out := make([]*Field, 0, len(r.fieldOrder))
	for _, name := range r.fieldOrder {
		out = append(out, r.fields[name])
	}
	return out
}

// Columns returns all column names in declaration order
func (r *Resource) Columns() []string {
	out := make([]string, len(r.fieldOrder))
	copy(out, r.fieldOrder)
	return out
}

// Relation returns the relation with the given name
func (r *Resource) Relation(name string) (*Relation, bool) {
	rel, ok := r.relations[name]
	return rel, ok
}

// Relations returns all relations in declaration order
func (r *Resource) Relations() []*Relation {
	out := make([]*Relation, 0, len(r.relationOrder))
	for _, name := range r.relationOrder {
		out = append(out, r.relations[name])
	}
	return out
}

// RelationNames returns the relation names in declaration order
func (r *Resource) RelationNames() []string {
	out := make([]string, len(r.relationOrder))
	copy(out, r.relationOrder)
	return out
}

// IsColumn returns true if name is a column
func (r *Resource) IsColumn(name string) bool {
	_, ok := r.fields[name]
	return ok
}

// IsRelation returns true if name is a relation
func (r *Resource) IsRelation(name string) bool {
	_, ok := r.relations[name]
	return ok
}

// HasField returns true if name is a column or a relation
func (r *Resource) HasField(name string) bool {
	return r.IsColumn(name) || r.IsRelation(name)
}

// Include returns the parsed include list, or nil when none is set
func (r *Resource) Include() *Narrowing {
	return r.include
}

// Exclude returns the parsed exclude list, or nil when none is set
func (r *Resource) Exclude() *Narrowing {
	return r.exclude
}

// Methods returns the computed methods appended to serialized entities
func (r *Resource) Methods() []*Method {
	out := make([]*Method, len(r.methods))
	copy(out, r.methods)
	return out
}

// VisibleRelations returns the relations that survive include/exclude
// narrowing, sorted by name.
func (r *Resource) VisibleRelations() []string {
	var out []string
	for _, name := range r.relationOrder {
		switch {
		case r.include != nil:
			_, nested := r.include.Relations[name]
			if nested || r.include.HasColumn(name) {
				out = append(out, name)
			}
		case r.exclude != nil:
			if !r.exclude.HasColumn(name) {
				out = append(out, name)
			}
		default:
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
