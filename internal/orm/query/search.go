package query

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrDecodeSearch is returned when a search specification is not valid JSON
var ErrDecodeSearch = errors.New("unable to decode search query")

// SearchSpec is the client-supplied search specification carried in the
// q parameter. Pre-operation hooks receive it before compilation and may
// rewrite it.
type SearchSpec struct {
	Filters []Filter  `json:"filters,omitempty"`
	OrderBy []OrderBy `json:"order_by,omitempty"`
	Single  bool      `json:"single,omitempty"`
}

// Filter is one predicate of a search. Exactly one of the comparison form
// (Name/Op/Val or Name/Op/Field) or a boolean group (Or/And) is used.
type Filter struct {
	Name  string      `json:"name,omitempty"`
	Op    string      `json:"op,omitempty"`
	Val   interface{} `json:"val,omitempty"`
	Field string      `json:"field,omitempty"`

	Or  []Filter `json:"or,omitempty"`
	And []Filter `json:"and,omitempty"`
}

// OrderBy is a sort directive
type OrderBy struct {
	Field     string `json:"field"`
	Direction string `json:"direction,omitempty"`
}

// Descending returns true for a "desc" direction
func (o OrderBy) Descending() bool {
	return strings.EqualFold(o.Direction, "desc")
}

// ParseSearch decodes a JSON search specification. An empty string yields
// an empty specification matching everything.
func ParseSearch(raw string) (*SearchSpec, error) {
	spec := &SearchSpec{}
	if strings.TrimSpace(raw) == "" {
		return spec, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	if err := dec.Decode(spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeSearch, err)
	}
	return spec, nil
}

// SearchFromValue converts an already decoded value, such as the q key of
// a bulk update payload, into a search specification.
func SearchFromValue(v interface{}) (*SearchSpec, error) {
	if v == nil {
		return &SearchSpec{}, nil
	}
	if s, ok := v.(string); ok {
		return ParseSearch(s)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeSearch, err)
	}
	return ParseSearch(string(raw))
}

// nestedFilter decodes the value of a has/any filter
func nestedFilter(v interface{}) (*Filter, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var f Filter
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	return &f, nil
}
