package crud

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/conduit-lang/apimanager/internal/orm/hooks"
	"github.com/conduit-lang/apimanager/internal/orm/query"
	"github.com/conduit-lang/apimanager/internal/orm/relationships"
	"github.com/conduit-lang/apimanager/internal/orm/validation"
	"github.com/conduit-lang/apimanager/internal/storage"
)

var (
	// ErrDecode is returned by transports when a payload is missing or malformed
	ErrDecode = errors.New("unable to decode data")

	// ErrRelationIDRequired is returned when deleting a whole relation is attempted
	ErrRelationIDRequired = errors.New("cannot delete an entire relation")

	// ErrUnknownRelation is returned when a URL names a relation the resource lacks
	ErrUnknownRelation = errors.New("no such relation")

	// ErrUnknownResource is returned by transports for unrouted collections
	ErrUnknownResource = errors.New("no such resource")
)

// Kind classifies a failed operation
type Kind int

const (
	KindDecode Kind = iota
	KindUnknownField
	KindValidation
	KindNotFound
	KindMultipleResults
	KindConstraint
	KindProcessing
	KindBadRequest
	KindInternal
)

// String returns the wire name of the kind
func (k Kind) String() string {
	switch k {
	case KindDecode:
		return "DecodeError"
	case KindUnknownField:
		return "UnknownField"
	case KindValidation:
		return "ValidationError"
	case KindNotFound:
		return "NotFound"
	case KindMultipleResults:
		return "MultipleResults"
	case KindConstraint:
		return "ConstraintViolation"
	case KindProcessing:
		return "ProcessingFailure"
	case KindBadRequest:
		return "BadRequest"
	default:
		return "InternalError"
	}
}

// StatusPolicy selects how kinds map to HTTP status codes
type StatusPolicy int

const (
	// DistinctStatus maps each kind to its own status code
	DistinctStatus StatusPolicy = iota
	// LegacyStatus reports every failure, except hook failures, as 520
	LegacyStatus
)

// LegacyStatusCode is the undifferentiated failure status of LegacyStatus
const LegacyStatusCode = 520

var distinctStatus = map[Kind]int{
	KindDecode:          http.StatusBadRequest,
	KindUnknownField:    http.StatusBadRequest,
	KindValidation:      http.StatusBadRequest,
	KindNotFound:        http.StatusNotFound,
	KindMultipleResults: http.StatusBadRequest,
	KindConstraint:      http.StatusConflict,
	KindBadRequest:      http.StatusBadRequest,
	KindInternal:        http.StatusInternalServerError,
}

// Error is a classified operation failure
type Error struct {
	Kind    Kind
	Status  int
	Message string
	// Fields maps field names to messages for validation failures
	Fields map[string]string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Payload returns the structured response body
func (e *Error) Payload() map[string]interface{} {
	out := map[string]interface{}{
		"error_code":    e.Kind.String(),
		"error_message": e.Message,
	}
	if len(e.Fields) > 0 {
		out["validation_errors"] = e.Fields
	}
	return out
}

// Classify converts any error into an *Error. Classified errors are
// returned unchanged.
func Classify(err error, policy StatusPolicy) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	e := classify(err)
	e.Err = err
	if e.Kind != KindProcessing {
		e.Status = distinctStatus[e.Kind]
		if policy == LegacyStatus {
			e.Status = LegacyStatusCode
		}
	}
	return e
}

func classify(err error) *Error {
	var (
		processing *hooks.ProcessingError
		unknown    *validation.UnknownFieldError
		invalid    *validation.ValidationErrors
		fieldErr   *storage.FieldError
		conflict   *storage.ConstraintError
	)

	switch {
	case errors.As(err, &processing):
		return &Error{Kind: KindProcessing, Status: processing.Status, Message: processing.Message}
	case errors.Is(err, ErrDecode), errors.Is(err, query.ErrDecodeSearch):
		return &Error{Kind: KindDecode, Message: rootMessage(err)}
	case errors.As(err, &unknown):
		return &Error{Kind: KindUnknownField, Message: unknown.Error()}
	case errors.As(err, &invalid):
		return &Error{Kind: KindValidation, Message: "Validation error", Fields: invalid.Fields}
	case errors.As(err, &fieldErr):
		return &Error{Kind: KindValidation, Message: "Validation error", Fields: fieldErr.Fields}
	case errors.Is(err, storage.ErrValidation):
		return &Error{Kind: KindValidation, Message: err.Error()}
	case errors.Is(err, query.ErrNoResults), errors.Is(err, storage.ErrNotFound), errors.Is(err, ErrUnknownRelation),
		errors.Is(err, ErrUnknownResource):
		return &Error{Kind: KindNotFound, Message: "No result found"}
	case errors.Is(err, query.ErrMultipleResults):
		return &Error{Kind: KindMultipleResults, Message: "Multiple results found"}
	case errors.Is(err, query.ErrInvalidSearch):
		return &Error{Kind: KindBadRequest, Message: "Unable to construct query"}
	case errors.Is(err, ErrRelationIDRequired),
		errors.Is(err, relationships.ErrInvalidDirective),
		errors.Is(err, relationships.ErrUnknownRelationship):
		return &Error{Kind: KindBadRequest, Message: err.Error()}
	case errors.As(err, &conflict) && conflict.Message != "":
		return &Error{Kind: KindConstraint, Message: conflict.Message}
	case errors.Is(err, storage.ErrConstraintViolation):
		return &Error{Kind: KindConstraint, Message: err.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindInternal, Message: "request cancelled"}
	default:
		return &Error{Kind: KindInternal, Message: "internal error"}
	}
}

// rootMessage returns the message of the innermost wrapped error
func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
