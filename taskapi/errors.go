package taskapi

import (
	"encoding/json"
	"net/http"

	"github.com/legalflow/clausereview/apperr"
)

// errorBody is the wire shape of every non-2xx response the Task API
// Facade returns, keyed on the same Kind taxonomy the SSE Event Bus uses
// for structured "error" events.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeError maps err to an HTTP status via apperr.HTTPStatus and writes a
// JSON error body. Errors that are not *apperr.Error are reported as
// KindInternal without leaking their message verbatim.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	msg := err.Error()
	if kind == apperr.KindInternal {
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Kind: string(kind), Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
