package router

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/conduit-lang/apimanager/internal/orm/crud"
	"github.com/conduit-lang/apimanager/internal/web/response"
)

// handlers adapts HTTP requests to the operations of one resource
type handlers struct {
	ops *crud.Operations
}

func (h *handlers) fail(w http.ResponseWriter, err error) {
	response.Error(w, err, h.ops.Policy())
}

func (h *handlers) search(w http.ResponseWriter, r *http.Request) {
	p := NewParamExtractor(w, r)
	spec, err := p.Search()
	if err != nil {
		h.fail(w, err)
		return
	}
	out, err := h.ops.Search(r.Context(), spec, p.QueryParamInt("page", 1), p.QueryParamInt("results_per_page", 0))
	response.Result(w, out, err, h.ops.Policy())
}

func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	p := NewParamExtractor(w, r)
	out, err := h.ops.Get(r.Context(), p.PathParam(ParamID), p.PathParam(ParamRelation), p.OptionalPathParam(ParamRelID))
	response.Result(w, out, err, h.ops.Policy())
}

func (h *handlers) create(w http.ResponseWriter, r *http.Request) {
	data, err := NewParamExtractor(w, r).Payload()
	if err != nil {
		h.fail(w, err)
		return
	}
	out, err := h.ops.Create(r.Context(), data)
	if err == nil && out.ID != nil && !out.ShortCircuit {
		w.Header().Set("Location", fmt.Sprintf("%s/%v", strings.TrimSuffix(r.URL.Path, "/"), out.ID))
	}
	response.Result(w, out, err, h.ops.Policy())
}

func (h *handlers) update(w http.ResponseWriter, r *http.Request) {
	p := NewParamExtractor(w, r)
	data, err := p.Payload()
	if err != nil {
		h.fail(w, err)
		return
	}
	out, err := h.ops.Update(r.Context(), p.PathParam(ParamID), data)
	response.Result(w, out, err, h.ops.Policy())
}

func (h *handlers) updateMany(w http.ResponseWriter, r *http.Request) {
	spec, data, err := NewParamExtractor(w, r).BulkPayload()
	if err != nil {
		h.fail(w, err)
		return
	}
	out, err := h.ops.UpdateMany(r.Context(), spec, data)
	response.Result(w, out, err, h.ops.Policy())
}

func (h *handlers) delete(w http.ResponseWriter, r *http.Request) {
	p := NewParamExtractor(w, r)
	out, err := h.ops.Delete(r.Context(), p.PathParam(ParamID), p.PathParam(ParamRelation), p.OptionalPathParam(ParamRelID))
	response.Result(w, out, err, h.ops.Policy())
}

func (h *handlers) deleteMany(w http.ResponseWriter, r *http.Request) {
	spec, err := NewParamExtractor(w, r).Search()
	if err != nil {
		h.fail(w, err)
		return
	}
	out, err := h.ops.DeleteMany(r.Context(), spec)
	response.Result(w, out, err, h.ops.Policy())
}
