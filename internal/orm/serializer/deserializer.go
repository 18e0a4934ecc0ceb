package serializer

import (
	"github.com/conduit-lang/apimanager/internal/orm/schema"
	"github.com/conduit-lang/apimanager/internal/orm/validation"
	"github.com/conduit-lang/apimanager/internal/storage"
)

// Entity is a deserialized payload. Values holds converted column values.
// Relations holds the raw relation values, resolved later by the relation
// engine inside the operation's transaction.
type Entity struct {
	Values    storage.Record
	Relations map[string]interface{}
}

// Deserialize converts a create payload into an entity. Unknown keys fail
// with *validation.UnknownFieldError and bad or missing values with
// *validation.ValidationErrors.
func (s *Serializer) Deserialize(res *schema.Resource, data map[string]interface{}) (*Entity, error) {
	if err := validation.CheckFields(res, data); err != nil {
		return nil, err
	}

	relations := make(map[string]interface{})
	var satisfied []string
	for name, v := range data {
		rel, ok := res.Relation(name)
		if !ok {
			continue
		}
		relations[name] = v
		if rel.Kind == schema.ToOne && v != nil {
			satisfied = append(satisfied, rel.ForeignKey)
		}
	}

	values, err := s.validator.Columns(res, data, validation.ModeCreate, satisfied...)
	if err != nil {
		return nil, err
	}
	return &Entity{Values: values, Relations: relations}, nil
}

// DeserializeUpdate converts the column entries of an update payload.
// Keys listed in skip, typically relation names already handled, are
// ignored.
func (s *Serializer) DeserializeUpdate(res *schema.Resource, data map[string]interface{}, skip []string) (storage.Record, error) {
	if err := validation.CheckFields(res, data); err != nil {
		return nil, err
	}
	skipped := toSet(skip)
	columns := make(map[string]interface{}, len(data))
	for k, v := range data {
		if skipped[k] || res.IsRelation(k) {
			continue
		}
		columns[k] = v
	}
	return s.validator.Columns(res, columns, validation.ModeUpdate)
}

// Attributes converts the attributes identifying a related entity. Keys
// must be columns of res.
func (s *Serializer) Attributes(res *schema.Resource, attrs map[string]interface{}) (storage.Record, error) {
	for k := range attrs {
		if !res.IsColumn(k) {
			return nil, &validation.UnknownFieldError{Resource: res.Name, Field: k}
		}
	}
	return s.validator.Columns(res, attrs, validation.ModeUpdate)
}
