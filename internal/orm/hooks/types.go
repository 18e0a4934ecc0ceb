// Package hooks runs the ordered pre- and post-operation extension points
// of a resource.
package hooks

import (
	"fmt"
	"net/http"
	"strings"
)

// Event identifies an operation and its cardinality
type Event int

const (
	GetMany Event = iota
	GetSingle
	Post
	PatchSingle
	PatchMany
	PutSingle
	PutMany
	DeleteSingle
	DeleteMany
)

var eventNames = map[Event]string{
	GetMany:      "GET_MANY",
	GetSingle:    "GET_SINGLE",
	Post:         "POST",
	PatchSingle:  "PATCH_SINGLE",
	PatchMany:    "PATCH_MANY",
	PutSingle:    "PUT_SINGLE",
	PutMany:      "PUT_MANY",
	DeleteSingle: "DELETE_SINGLE",
	DeleteMany:   "DELETE_MANY",
}

// Events lists every event in declaration order
var Events = []Event{GetMany, GetSingle, Post, PatchSingle, PatchMany, PutSingle, PutMany, DeleteSingle, DeleteMany}

// String returns the configuration name of the event
func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseEvent resolves an event name case-insensitively
func ParseEvent(name string) (Event, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for e, n := range eventNames {
		if n == upper {
			return e, nil
		}
	}
	return 0, fmt.Errorf("unknown hook event %q", name)
}

// Single returns true for events acting on one instance
func (e Event) Single() bool {
	switch e {
	case GetSingle, PatchSingle, PutSingle, DeleteSingle:
		return true
	}
	return false
}

// Phase selects hooks run before or after the operation
type Phase int

const (
	Preprocess Phase = iota
	Postprocess
)

func (p Phase) String() string {
	if p == Preprocess {
		return "preprocess"
	}
	return "postprocess"
}

// Response is returned verbatim to the caller when a hook short-circuits
type Response struct {
	Status  int
	Headers http.Header
	Body    interface{}
}

// ProcessingError is a failure raised deliberately by a hook. The status
// and message are reported to the caller unchanged.
type ProcessingError struct {
	Status  int
	Message string
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing failed (%d): %s", e.Status, e.Message)
}

type resultKind int

const (
	resultContinue resultKind = iota
	resultOverrideID
	resultShortCircuit
	resultFail
)

// Result is the outcome of one hook
type Result struct {
	kind     resultKind
	id       interface{}
	response *Response
	err      *ProcessingError
}

// Continue lets the pipeline proceed
func Continue() Result {
	return Result{kind: resultContinue}
}

// OverrideID replaces the instance identity a single-instance operation
// acts on. It only has an effect on preprocess hooks.
func OverrideID(id interface{}) Result {
	return Result{kind: resultOverrideID, id: id}
}

// ShortCircuit halts the pipeline and answers with resp
func ShortCircuit(resp *Response) Result {
	return Result{kind: resultShortCircuit, response: resp}
}

// Fail halts the pipeline with a processing failure
func Fail(status int, message string) Result {
	return Result{kind: resultFail, err: &ProcessingError{Status: status, Message: message}}
}
