// Package httpapi wires SPEC_FULL.md §6's HTTP and WebSocket surface onto
// the gateway's services: a chi router, bearer auth, and one file of
// handlers per resource group, grounded on the teacher's internal/api
// handler style.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/basket/agent-gateway/internal/apperr"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RespondErr maps err through apperr's kind taxonomy to a status code and
// writes a JSON error body.
func RespondErr(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	Error(w, status, err.Error())
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.BadRequest, "invalid request body", err)
	}
	return nil
}
