package transport

import (
	"encoding/json"
	"net/http"
)

// errorResponse is the JSON error body shape, reimplemented locally since
// pkg/jsonerr was dropped along with the rest of quay/claircore's pkg/ tree.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, resp *errorResponse, status int) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
