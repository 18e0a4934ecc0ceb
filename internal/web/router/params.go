package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/conduit-lang/apimanager/internal/orm/crud"
	"github.com/conduit-lang/apimanager/internal/orm/query"
)

// Route parameter names
const (
	ParamID       = "id"
	ParamRelation = "relation"
	ParamRelID    = "relid"
)

// DefaultMaxBodySize bounds decoded payloads
const DefaultMaxBodySize = 10 << 20

// ParamExtractor reads path, query and body parameters of a request
type ParamExtractor struct {
	req         *http.Request
	w           http.ResponseWriter
	maxBodySize int64
}

// NewParamExtractor creates a new parameter extractor for the given request
func NewParamExtractor(w http.ResponseWriter, req *http.Request) *ParamExtractor {
	return &ParamExtractor{req: req, w: w, maxBodySize: DefaultMaxBodySize}
}

// PathParam extracts a path parameter by name
func (p *ParamExtractor) PathParam(name string) string {
	return chi.URLParam(p.req, name)
}

// OptionalPathParam returns nil for a missing path parameter so that the
// orchestrator can tell an absent related id from an empty one
func (p *ParamExtractor) OptionalPathParam(name string) interface{} {
	if v := chi.URLParam(p.req, name); v != "" {
		return v
	}
	return nil
}

// QueryParamInt extracts a query parameter and converts it to int
func (p *ParamExtractor) QueryParamInt(name string, defaultValue int) int {
	value := p.req.URL.Query().Get(name)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return i
}

// Search decodes the q query parameter. A missing parameter matches
// everything.
func (p *ParamExtractor) Search() (*query.SearchSpec, error) {
	return query.ParseSearch(p.req.URL.Query().Get("q"))
}

// Payload decodes a JSON object body. The request must declare a JSON
// content type.
func (p *ParamExtractor) Payload() (map[string]interface{}, error) {
	contentType := p.req.Header.Get("Content-Type")
	if contentType == "" {
		return nil, fmt.Errorf("%w: missing content type", crud.ErrDecode)
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || !isJSON(mediaType) {
		return nil, fmt.Errorf("%w: unsupported content type %s", crud.ErrDecode, contentType)
	}

	body := http.MaxBytesReader(p.w, p.req.Body, p.maxBodySize)
	defer body.Close()

	dec := json.NewDecoder(body)
	dec.UseNumber()

	var data map[string]interface{}
	if err := dec.Decode(&data); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: request body is empty", crud.ErrDecode)
		}
		return nil, fmt.Errorf("%w: %v", crud.ErrDecode, err)
	}
	if data == nil {
		return nil, fmt.Errorf("%w: payload must be an object", crud.ErrDecode)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: request body contains multiple JSON values", crud.ErrDecode)
	}
	return data, nil
}

// BulkPayload decodes a bulk update body, splitting off the search in its
// q key. Without one, the q query parameter is used.
func (p *ParamExtractor) BulkPayload() (*query.SearchSpec, map[string]interface{}, error) {
	data, err := p.Payload()
	if err != nil {
		return nil, nil, err
	}
	raw, ok := data["q"]
	if !ok {
		spec, err := p.Search()
		return spec, data, err
	}
	delete(data, "q")
	spec, err := query.SearchFromValue(raw)
	return spec, data, err
}

func isJSON(mediaType string) bool {
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
