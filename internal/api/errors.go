package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/mqttbridge/internal/bridge"
	"github.com/nerrad567/mqttbridge/internal/correlator"
	"github.com/nerrad567/mqttbridge/internal/outbox"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeNotFound           = "not_found"
	ErrCodeConflict           = "conflict"
	ErrCodeInternal           = "internal_error"
	ErrCodeValidation         = "validation_error"
	ErrCodeNotConnected       = "not_connected"
	ErrCodeCapacityExceeded   = "capacity_exceeded"
	ErrCodeTimeout            = "timeout"
	ErrCodeBroker             = "broker_error"
	ErrCodeServiceUnavailable = "service_unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeBridgeError maps a bridge error onto an HTTP status. Errors not
// recognised become 500s and are not echoed to the client.
func (s *Server) writeBridgeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bridge.ErrUnknownConnection),
		errors.Is(err, outbox.ErrIndexOutOfRange):
		writeNotFound(w, err.Error())
	case errors.Is(err, bridge.ErrInvalidTopic),
		errors.Is(err, bridge.ErrInvalidQoS):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, bridge.ErrPayloadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, ErrCodeValidation, err.Error())
	case errors.Is(err, bridge.ErrNotConnected):
		writeError(w, http.StatusConflict, ErrCodeNotConnected, err.Error())
	case errors.Is(err, bridge.ErrConnectInProgress),
		errors.Is(err, bridge.ErrBufferedMessageDeleted):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, bridge.ErrCapacityExceeded):
		writeError(w, http.StatusServiceUnavailable, ErrCodeCapacityExceeded, err.Error())
	case errors.Is(err, bridge.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, err.Error())
	case errors.Is(err, bridge.ErrClosed),
		errors.Is(err, bridge.ErrConnectionClosed):
		writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, err.Error())
	case correlator.IsKind(err, correlator.FailureProtocol):
		writeError(w, http.StatusBadGateway, ErrCodeBroker, err.Error())
	default:
		s.logger.Error("bridge operation failed", "error", err)
		writeInternalError(w, "bridge operation failed")
	}
}
