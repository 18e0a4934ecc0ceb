package relationships

import "errors"

var (
	// ErrUnknownRelationship is returned when a directive names a relation the resource does not declare
	ErrUnknownRelationship = errors.New("unknown relationship")

	// ErrInvalidDirective is returned when a relation value is neither an entity mapping nor a list of them
	ErrInvalidDirective = errors.New("invalid relation directive")
)
