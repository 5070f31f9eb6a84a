package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// ErrorBody is the envelope spec.md §6 defines for every non-2xx
// gateway-originated response.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// ErrorEnvelope wraps ErrorBody under an "error" key.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// WriteError writes the standard gateway error envelope with statusCode.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorEnvelope{
		Error: ErrorBody{
			Code:      code,
			Message:   message,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// WriteRateLimited writes a 429 with the Retry-After and X-RateLimit-*
// headers spec.md §6 requires.
func WriteRateLimited(w http.ResponseWriter, message string, retryAfterSeconds, limit, remaining int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", message)
}

// WriteNotFound writes a 404 NOT_FOUND.
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, "NOT_FOUND", message)
}

// WriteBadGateway writes a 502 BAD_GATEWAY.
func WriteBadGateway(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, "BAD_GATEWAY", message)
}

// WriteGatewayTimeout writes a 504 GATEWAY_TIMEOUT.
func WriteGatewayTimeout(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusGatewayTimeout, "GATEWAY_TIMEOUT", message)
}

// WriteInternalError writes a 500 INTERNAL_ERROR.
func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", message)
}

// WriteJSON writes an arbitrary payload as JSON with statusCode, used by
// the control endpoints (info document, health reports) rather than the
// pipeline.
func WriteJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}
