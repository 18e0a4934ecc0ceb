package schema

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIncludeExclude is returned when both include and exclude lists are set
	ErrIncludeExclude = errors.New("cannot simultaneously specify both include columns and exclude columns")

	// ErrMissingName is returned when a resource has no collection name
	ErrMissingName = errors.New("collection name is not valid")
)

// Builder assembles an immutable Resource
type Builder struct {
	res      *Resource
	includes []string
	excludes []string
	errors   []error
}

// NewBuilder creates a builder for a resource exposed under name
func NewBuilder(name string) *Builder {
	return &Builder{
		res: &Resource{
			Name:           name,
			Table:          name,
			DefaultPerPage: DefaultResultsPerPage,
			MaxPerPage:     DefaultMaxResultsPerPage,
			fields:         make(map[string]*Field),
			relations:      make(map[string]*Relation),
		},
	}
}

// Table sets the storage table or collection name
func (b *Builder) Table(table string) *Builder {
	b.res.Table = table
	return b
}

// PrimaryKey sets the identity column
func (b *Builder) PrimaryKey(name string) *Builder {
	b.res.PrimaryKey = name
	return b
}

// Field declares a column
func (b *Builder) Field(name string, typ PrimitiveType, opts ...FieldOption) *Builder {
	if _, exists := b.res.fields[name]; exists {
		b.errors = append(b.errors, fmt.Errorf("field %s declared twice", name))
		return b
	}
	f := &Field{Name: name, Type: typ}
	for _, opt := range opts {
		opt(f)
	}
	b.res.fields[name] = f
	b.res.fieldOrder = append(b.res.fieldOrder, name)
	return b
}

// Relation declares a relation
func (b *Builder) Relation(rel *Relation) *Builder {
	if rel == nil || rel.Name == "" {
		b.errors = append(b.errors, errors.New("relation must have a name"))
		return b
	}
	if _, exists := b.res.relations[rel.Name]; exists {
		b.errors = append(b.errors, fmt.Errorf("relation %s declared twice", rel.Name))
		return b
	}
	copied := *rel
	b.res.relations[rel.Name] = &copied
	b.res.relationOrder = append(b.res.relationOrder, rel.Name)
	return b
}

// HasMany declares a one-to-many relation whose foreign key lives on the target
func (b *Builder) HasMany(name, target, foreignKey string) *Builder {
	return b.Relation(&Relation{Name: name, Target: target, Kind: ToMany, ForeignKey: foreignKey})
}

// ManyToMany declares a collection relation stored in a join table
func (b *Builder) ManyToMany(name, target, joinTable, joinKey, joinTargetKey string) *Builder {
	return b.Relation(&Relation{
		Name:          name,
		Target:        target,
		Kind:          ToMany,
		JoinTable:     joinTable,
		JoinKey:       joinKey,
		JoinTargetKey: joinTargetKey,
	})
}

// BelongsTo declares a single-valued relation held by a column on this resource
func (b *Builder) BelongsTo(name, target, foreignKey string) *Builder {
	return b.Relation(&Relation{Name: name, Target: target, Kind: ToOne, ForeignKey: foreignKey})
}

// IncludeColumns restricts serialization to the named columns and relations
func (b *Builder) IncludeColumns(names ...string) *Builder {
	b.includes = append(b.includes, names...)
	return b
}

// ExcludeColumns removes the named columns and relations from serialization
func (b *Builder) ExcludeColumns(names ...string) *Builder {
	b.excludes = append(b.excludes, names...)
	return b
}

// Method appends a computed value to every serialized entity
func (b *Builder) Method(name string, fn MethodFunc) *Builder {
	if fn == nil {
		b.errors = append(b.errors, fmt.Errorf("method %s has no function", name))
		return b
	}
	b.res.methods = append(b.res.methods, &Method{Name: name, Fn: fn})
	return b
}

// PerPage sets the default and maximum page sizes
func (b *Builder) PerPage(def, max int) *Builder {
	b.res.DefaultPerPage = def
	b.res.MaxPerPage = max
	return b
}

// Build validates the definition and returns the resource
func (b *Builder) Build() (*Resource, error) {
	res := b.res
	errs := append([]error(nil), b.errors...)

	if strings.TrimSpace(res.Name) == "" {
		errs = append(errs, ErrMissingName)
	}
	if res.Table == "" {
		res.Table = res.Name
	}
	if res.PrimaryKey == "" {
		res.PrimaryKey = "id"
	}
	if _, ok := res.fields[res.PrimaryKey]; !ok {
		errs = append(errs, fmt.Errorf("primary key %s is not a declared field", res.PrimaryKey))
	}
	if b.includes != nil && b.excludes != nil {
		errs = append(errs, ErrIncludeExclude)
	}

	for _, name := range res.relationOrder {
		if err := validateRelation(res, res.relations[name]); err != nil {
			errs = append(errs, err)
		}
		if _, clash := res.fields[name]; clash {
			errs = append(errs, fmt.Errorf("relation %s shadows a field of the same name", name))
		}
	}

	for _, name := range append(append([]string(nil), b.includes...), b.excludes...) {
		top, _, _ := strings.Cut(name, ".")
		if !res.HasField(top) && !res.hasMethod(top) {
			errs = append(errs, fmt.Errorf("unknown column %s in include/exclude list", name))
		}
	}

	if res.DefaultPerPage < 0 || res.MaxPerPage < 0 {
		errs = append(errs, errors.New("page sizes must not be negative"))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("resource %s: %w", res.Name, errors.Join(errs...))
	}

	if b.includes != nil {
		res.include = ParseIncludes(b.includes)
	}
	if b.excludes != nil {
		res.exclude = ParseExcludes(b.excludes)
	}

	// The builder must not mutate a resource after it is handed out.
	b.res = nil
	return res, nil
}

// MustBuild is like Build but panics on error. Intended for tests and
// package-level declarations.
func (b *Builder) MustBuild() *Resource {
	res, err := b.Build()
	if err != nil {
		panic(err)
	}
	return res
}

func validateRelation(res *Resource, rel *Relation) error {
	if rel.Target == "" {
		return fmt.Errorf("relation %s has no target", rel.Name)
	}
	switch rel.Kind {
	case ToOne:
		if rel.ForeignKey == "" {
			return fmt.Errorf("relation %s: to_one requires a foreign key", rel.Name)
		}
		if _, ok := res.fields[rel.ForeignKey]; !ok {
			return fmt.Errorf("relation %s: foreign key %s is not a declared field", rel.Name, rel.ForeignKey)
		}
	case ToMany:
		if rel.JoinTable == "" && rel.ForeignKey == "" {
			return fmt.Errorf("relation %s: to_many requires a foreign key or a join table", rel.Name)
		}
		if rel.JoinTable != "" && (rel.JoinKey == "" || rel.JoinTargetKey == "") {
			return fmt.Errorf("relation %s: join table requires join_key and join_target_key", rel.Name)
		}
	default:
		return fmt.Errorf("relation %s: unknown kind", rel.Name)
	}
	return nil
}

func (r *Resource) hasMethod(name string) bool {
	for _, m := range r.methods {
		if m.Name == name {
			return true
		}
	}
	return false
}
