// Package response writes operation outcomes and classified failures as
// JSON.
package response

import (
	"encoding/json"
	"net/http"

	"github.com/conduit-lang/apimanager/internal/orm/crud"
)

// ContentType is written on every JSON response
const ContentType = "application/json"

// JSON writes body with status. A nil body or a 204 status writes no
// content.
func JSON(w http.ResponseWriter, status int, body interface{}) {
	if body == nil || status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Outcome writes a completed operation, copying headers set by hooks
func Outcome(w http.ResponseWriter, out *crud.Outcome) {
	for name, values := range out.Headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	status := out.Status
	if status == 0 {
		status = http.StatusOK
	}
	JSON(w, status, out.Body)
}

// Error classifies err and writes its payload
func Error(w http.ResponseWriter, err error, policy crud.StatusPolicy) {
	e := crud.Classify(err, policy)
	JSON(w, e.Status, e.Payload())
}

// Result writes whatever an operation returned
func Result(w http.ResponseWriter, out *crud.Outcome, err error, policy crud.StatusPolicy) {
	if err != nil {
		Error(w, err, policy)
		return
	}
	Outcome(w, out)
}
