package httputil

import (
	"encoding/json"
	"net/http"
)

// errorBody is the uniform error envelope: {"error": "..."}.
type errorBody struct {
	Error string `json:"error"`
}

// WriteJSON writes data with the given status. The encode error is returned
// for callers that want to log it; the status line is already on the wire
// by then.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteErrorMessage writes the error envelope with the given status.
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	_ = WriteJSON(w, status, errorBody{Error: message})
}

// WriteBadRequest answers 400 for requests the client can fix.
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteForbidden answers 403 for requests the server understood and will not
// honor, such as a spent login token.
func WriteForbidden(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusForbidden, message)
}

// WriteNotFoundError answers 404, typically for an unknown provider ID.
func WriteNotFoundError(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusNotFound, message)
}

// WriteTooManyRequests answers 429 when a rate limit trips.
func WriteTooManyRequests(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusTooManyRequests, message)
}

// WriteInternalError answers 500. Pass a pre-sanitized error: raw internal
// errors belong in logs, not in client responses.
func WriteInternalError(w http.ResponseWriter, err error) {
	WriteErrorMessage(w, http.StatusInternalServerError, err.Error())
}
