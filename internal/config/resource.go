package config

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/conduit-lang/apimanager/internal/orm/schema"
)

// FieldConfig declares a column of a configured resource
type FieldConfig struct {
	Type      string      `mapstructure:"type" validate:"required"`
	Nullable  bool        `mapstructure:"nullable"`
	Default   interface{} `mapstructure:"default"`
	Generated bool        `mapstructure:"generated"`
}

// RelationConfig declares a relation of a configured resource
type RelationConfig struct {
	Target        string `mapstructure:"target" validate:"required"`
	Kind          string `mapstructure:"kind" validate:"required"`
	ForeignKey    string `mapstructure:"foreign_key"`
	JoinTable     string `mapstructure:"join_table"`
	JoinKey       string `mapstructure:"join_key"`
	JoinTargetKey string `mapstructure:"join_target_key"`
}

// ResourceConfig declares an exposed resource
type ResourceConfig struct {
	Name           string                    `mapstructure:"name" validate:"required"`
	Table          string                    `mapstructure:"table"`
	PrimaryKey     string                    `mapstructure:"primary_key"`
	Fields         map[string]FieldConfig    `mapstructure:"fields" validate:"required,min=1,dive"`
	Relations      map[string]RelationConfig `mapstructure:"relations" validate:"dive"`
	IncludeColumns []string                  `mapstructure:"include_columns"`
	ExcludeColumns []string                  `mapstructure:"exclude_columns"`
	IncludeMethods map[string]string         `mapstructure:"include_methods"`
	Methods        []string                  `mapstructure:"methods" validate:"dive,oneof=GET POST PUT PATCH DELETE get post put patch delete"`

	ResultsPerPage    *int `mapstructure:"results_per_page" validate:"omitempty,min=0"`
	MaxResultsPerPage *int `mapstructure:"max_results_per_page" validate:"omitempty,min=0"`
}

// AllowedMethods returns the upper-cased HTTP methods to route. Resources
// without an explicit list are read-only.
func (rc ResourceConfig) AllowedMethods() []string {
	if len(rc.Methods) == 0 {
		return []string{http.MethodGet}
	}
	out := make([]string, len(rc.Methods))
	for i, m := range rc.Methods {
		out[i] = strings.ToUpper(m)
	}
	return out
}

// Build converts the declaration into a schema resource. Fields and
// relations are declared in name order since maps carry no ordering;
// the primary key always comes first.
func (rc ResourceConfig) Build() (*schema.Resource, error) {
	b := schema.NewBuilder(rc.Name)
	if rc.Table != "" {
		b.Table(rc.Table)
	}
	pk := rc.PrimaryKey
	if pk == "" {
		pk = "id"
	}
	b.PrimaryKey(pk)

	var errs []error
	for _, name := range fieldOrder(rc.Fields, pk) {
		fc := rc.Fields[name]
		typ, err := schema.ParsePrimitiveType(fc.Type)
		if err != nil {
			errs = append(errs, fmt.Errorf("field %s: %w", name, err))
			continue
		}
		var opts []schema.FieldOption
		if fc.Nullable {
			opts = append(opts, schema.Nullable())
		}
		if fc.Default != nil {
			opts = append(opts, schema.Default(fc.Default))
		}
		if fc.Generated || (name == pk && fc.Default == nil && typ.IsInteger()) {
			opts = append(opts, schema.Generated())
		}
		b.Field(name, typ, opts...)
	}

	for _, name := range sortedNames(rc.Relations) {
		relc := rc.Relations[name]
		kind, err := schema.ParseRelationKind(relc.Kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("relation %s: %w", name, err))
			continue
		}
		b.Relation(&schema.Relation{
			Name:          name,
			Target:        relc.Target,
			Kind:          kind,
			ForeignKey:    relc.ForeignKey,
			JoinTable:     relc.JoinTable,
			JoinKey:       relc.JoinKey,
			JoinTargetKey: relc.JoinTargetKey,
		})
	}

	for _, name := range sortedNames(rc.IncludeMethods) {
		fn, err := schema.ExprMethod(rc.IncludeMethods[name])
		if err != nil {
			errs = append(errs, fmt.Errorf("method %s: %w", name, err))
			continue
		}
		b.Method(name, fn)
	}

	if rc.IncludeColumns != nil {
		b.IncludeColumns(rc.IncludeColumns...)
	}
	if rc.ExcludeColumns != nil {
		b.ExcludeColumns(rc.ExcludeColumns...)
	}

	def, max := schema.DefaultResultsPerPage, schema.DefaultMaxResultsPerPage
	if rc.ResultsPerPage != nil {
		def = *rc.ResultsPerPage
	}
	if rc.MaxResultsPerPage != nil {
		max = *rc.MaxResultsPerPage
	}
	b.PerPage(def, max)

	if len(errs) > 0 {
		return nil, fmt.Errorf("resource %s: %w", rc.Name, errors.Join(errs...))
	}
	return b.Build()
}

// Registry builds every configured resource and checks that relation
// targets resolve.
func (c *Config) Registry() (*schema.Registry, error) {
	reg := schema.NewRegistry()
	for _, rc := range c.Resources {
		res, err := rc.Build()
		if err != nil {
			return nil, err
		}
		if err := reg.Register(res); err != nil {
			return nil, err
		}
	}
	if err := reg.ValidateAll(); err != nil {
		return nil, err
	}
	return reg, nil
}

func fieldOrder(fields map[string]FieldConfig, pk string) []string {
	names := sortedNames(fields)
	out := make([]string, 0, len(names))
	if _, ok := fields[pk]; ok {
		out = append(out, pk)
	}
	for _, n := range names {
		if n != pk {
			out = append(out, n)
		}
	}
	return out
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
