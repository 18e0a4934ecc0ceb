// Package pagination computes page windows and the paginated result envelope.
package pagination

import (
	"math"
	"strconv"
)

// PerPage returns the effective page size for a request.
//
// A requested size within (0, max] is used as is. A missing or
// non-positive request falls back to def, and anything larger is capped
// to max, so a positive request against a max of 0 yields 0. When max is
// positive the result always lies in (0, max]. A result of 0 disables
// pagination.
func PerPage(requested, def, max int) int {
	var size int
	switch {
	case requested > 0 && requested <= max:
		size = requested
	case requested <= 0:
		size = def
	default:
		size = max
	}
	if max > 0 && (size <= 0 || size > max) {
		size = max
	}
	return size
}

// Window describes the slice of a result set returned for one page
type Window struct {
	Page       int
	PerPage    int
	NumResults int
	TotalPages int
	Start      int
	End        int
}

// NewWindow computes the page window for page over numResults entities.
// Pages below 1 are treated as page 1. A perPage of 0 returns everything.
func NewWindow(page, perPage, numResults int) Window {
	if perPage <= 0 {
		return Window{Page: 1, PerPage: 0, NumResults: numResults, TotalPages: 1, Start: 0, End: numResults}
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * perPage
	if start > numResults {
		start = numResults
	}
	end := start + perPage
	if end > numResults {
		end = numResults
	}
	return Window{
		Page:       page,
		PerPage:    perPage,
		NumResults: numResults,
		TotalPages: int(math.Ceil(float64(numResults) / float64(perPage))),
		Start:      start,
		End:        end,
	}
}

// Limit returns the number of entities to fetch for the window
func (w Window) Limit() int {
	return w.End - w.Start
}

// NextPage returns the following page number, or nil on the last page
func (w Window) NextPage() *int {
	if w.Page < w.TotalPages {
		next := w.Page + 1
		return &next
	}
	return nil
}

// Envelope is the paginated response body
type Envelope struct {
	Page       int                      `json:"page"`
	TotalPages int                      `json:"total_pages"`
	NumResults int                      `json:"num_results"`
	NextPage   *int                     `json:"next_page,omitempty"`
	Objects    []map[string]interface{} `json:"objects"`
}

// NewEnvelope wraps the objects of a window
func NewEnvelope(w Window, objects []map[string]interface{}) *Envelope {
	if objects == nil {
		objects = []map[string]interface{}{}
	}
	return &Envelope{
		Page:       w.Page,
		TotalPages: w.TotalPages,
		NumResults: w.NumResults,
		NextPage:   w.NextPage(),
		Objects:    objects,
	}
}

// Map returns the envelope as a generic mapping for hooks that rewrite results
func (e *Envelope) Map() map[string]interface{} {
	out := map[string]interface{}{
		"page":        e.Page,
		"total_pages": e.TotalPages,
		"num_results": e.NumResults,
		"objects":     e.Objects,
	}
	if e.NextPage != nil {
		out["next_page"] = *e.NextPage
	}
	return out
}

// Paginate slices an in-memory result set
func Paginate(page, perPage int, objects []map[string]interface{}) *Envelope {
	w := NewWindow(page, perPage, len(objects))
	return NewEnvelope(w, objects[w.Start:w.End])
}

// ParseInt reads an optional integer query parameter, returning def when
// the value is missing or malformed.
func ParseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
