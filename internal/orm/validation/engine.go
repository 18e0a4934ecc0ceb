// Package validation performs the structural checks applied to payloads
// before they reach storage: column types, value formats and presence of
// required columns. Business rules are left to hooks.
package validation

import (
	"errors"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/conduit-lang/apimanager/internal/orm/schema"
)

// Mode selects which checks apply
type Mode int

const (
	// ModeCreate requires every required column to be present
	ModeCreate Mode = iota
	// ModeUpdate only checks the columns that are present
	ModeUpdate
)

var formatTags = map[schema.PrimitiveType]string{
	schema.TypeEmail: "email",
	schema.TypeURL:   "url",
	schema.TypeUUID:  "uuid",
}

// Engine validates and converts wire values for a resource
type Engine struct {
	validate *validator.Validate
}

// NewEngine creates a new validation engine
func NewEngine() *Engine {
	return &Engine{validate: validator.New()}
}

// CheckFields rejects the first key of data, in sorted order, that is
// neither a column nor a relation of res.
func CheckFields(res *schema.Resource, data map[string]interface{}) error {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !res.HasField(k) {
			return &UnknownFieldError{Resource: res.Name, Field: k}
		}
	}
	return nil
}

// Columns converts the column entries of data to native values and
// validates them. Relation entries are ignored. satisfied lists columns
// that will be filled by other means, such as a foreign key set through a
// relation.
func (e *Engine) Columns(res *schema.Resource, data map[string]interface{}, mode Mode, satisfied ...string) (map[string]interface{}, error) {
	errs := NewValidationErrors()
	values := make(map[string]interface{}, len(data))

	for _, field := range res.Fields() {
		raw, present := data[field.Name]
		if !present {
			continue
		}
		value, err := schema.ConvertValue(field, raw)
		if err != nil {
			var convErr *schema.ConversionError
			if errors.As(err, &convErr) {
				errs.Add(field.Name, convErr.Message)
				continue
			}
			return nil, err
		}
		if value == nil && !field.Nullable && !field.Generated {
			errs.Add(field.Name, "cannot be null")
			continue
		}
		if msg := e.checkFormat(field, value); msg != "" {
			errs.Add(field.Name, msg)
			continue
		}
		values[field.Name] = value
	}

	if mode == ModeCreate {
		e.checkRequired(res, data, errs, satisfied)
	}

	if errs.HasErrors() {
		return nil, errs
	}
	return values, nil
}

func (e *Engine) checkFormat(field *schema.Field, value interface{}) string {
	tag, ok := formatTags[field.Type]
	if !ok || value == nil {
		return ""
	}
	if err := e.validate.Var(value, tag); err != nil {
		return "is not a valid " + field.Type.String()
	}
	return ""
}

func (e *Engine) checkRequired(res *schema.Resource, data map[string]interface{}, errs *ValidationErrors, satisfied []string) {
	filled := make(map[string]bool, len(satisfied))
	for _, name := range satisfied {
		filled[name] = true
	}
	for _, field := range res.Fields() {
		if !field.Required() || filled[field.Name] {
			continue
		}
		if _, present := data[field.Name]; !present {
			errs.Add(field.Name, "is required")
		}
	}
}
