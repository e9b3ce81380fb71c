package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gyaneshwarpardhi/osintflow/internal/engine"
	"github.com/gyaneshwarpardhi/osintflow/internal/event"
)

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the standard error envelope.
type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeEngineError maps engine and store sentinels to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrScanNotFound), errors.Is(err, event.ErrEventNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidTransition), errors.Is(err, engine.ErrScanActive):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}
