package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/teranos/agentpulse/errors"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// writeSuccess writes a code 0 envelope
func writeSuccess(w http.ResponseWriter, message string, data interface{}) error {
	return writeJSON(w, http.StatusOK, Envelope{Code: 0, Message: message, Data: data})
}

// writeError writes an error envelope whose code is the HTTP status
func writeError(w http.ResponseWriter, status int, message string) {
	_ = writeJSON(w, status, Envelope{Code: status, Message: message})
}

// writeWrappedError logs err and writes a status derived from its classification
func writeWrappedError(w http.ResponseWriter, log *zap.SugaredLogger, err error, context string) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsNotFoundError(err):
		status = http.StatusNotFound
	case errors.IsValidationError(err), errors.IsInvalidRequestError(err):
		status = http.StatusBadRequest
	case errors.IsServiceUnavailableError(err):
		status = http.StatusServiceUnavailable
	}
	log.Errorw(context, "error", err, "status", status)
	writeError(w, status, context+": "+err.Error())
}

// requireMethod checks if the request method matches the expected method
func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}
