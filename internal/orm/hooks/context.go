package hooks

import (
	"context"
	"net/http"

	"github.com/conduit-lang/apimanager/internal/orm/query"
	"github.com/conduit-lang/apimanager/internal/orm/schema"
)

// Context is what a hook sees of the operation in flight. Hooks may
// modify Data, Search and Headers; later hooks and the operation itself
// observe the changes.
type Context struct {
	context.Context

	Event    Event
	Phase    Phase
	Resource *schema.Resource

	// InstanceID is set for single-instance operations
	InstanceID interface{}
	// Relation and RelationID address a related entity or collection
	Relation   string
	RelationID interface{}

	// Data is the decoded payload of create and update operations
	Data map[string]interface{}
	// Search is the search specification of many-instance operations
	Search *query.SearchSpec

	// Result holds the operation's result during postprocessing
	Result interface{}

	// Headers are copied to the response
	Headers http.Header
}

// NewContext creates a hook context for one operation
func NewContext(ctx context.Context, res *schema.Resource, event Event) *Context {
	return &Context{
		Context:  ctx,
		Event:    event,
		Resource: res,
		Headers:  make(http.Header),
	}
}
