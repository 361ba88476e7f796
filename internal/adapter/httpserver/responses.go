// Package httpserver contains HTTP handlers and middleware.
//
// It exposes the webhook ingest endpoint and the read-only observability
// surface, keeping HTTP concerns separate from business logic.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/fairyhunter13/lead-gateway/internal/domain"
)

// errorEnvelope is the wire shape of every error response.
type errorEnvelope struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain sentinels to HTTP status codes and emits the error
// envelope carrying the correlation id.
func writeError(w http.ResponseWriter, correlationID string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrQueueUnavailable), errors.Is(err, domain.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorEnvelope{Error: err.Error(), CorrelationID: correlationID})
}

// WriteErrorMessage emits the error envelope for paths that never reach a
// handler (405, timeouts). Every error response carries a correlation id,
// so one is minted here when the request has none yet.
func WriteErrorMessage(w http.ResponseWriter, status int, msg string) {
	cid := w.Header().Get(correlationHeader)
	if cid == "" {
		cid = uuid.NewString()
		w.Header().Set(correlationHeader, cid)
	}
	writeJSON(w, status, errorEnvelope{Error: msg, CorrelationID: cid})
}
