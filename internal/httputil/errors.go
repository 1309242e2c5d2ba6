// Package httputil formats the error envelope silt returns to clients,
// matching the shape OpenAI-compatible clients already parse.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/doublewordai/silt/internal/types"
)

// APIError is the JSON body of every non-2xx silt response.
type APIError struct {
	Error APIErrorBody `json:"error"`
}

type APIErrorBody struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

func WriteError(w http.ResponseWriter, requestID string, statusCode int, errType, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIError{
		Error: APIErrorBody{
			Message:   message,
			Type:      errType,
			Code:      code,
			RequestID: requestID,
		},
	})
}

func WriteBadRequestError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusBadRequest, "invalid_request_error", "invalid_request", message)
}

func WriteInternalError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusInternalServerError, "server_error", "internal_error", message)
}

func WriteServiceUnavailableError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusServiceUnavailable, "server_error", "service_unavailable", message)
}

func WriteContentBlockedError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusBadRequest, "content_filter_error", "content_blocked", message)
}

func WritePolicyDeniedError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusForbidden, "policy_error", "policy_denied", message)
}

func WriteTimeoutError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusGatewayTimeout, "timeout_error", "handler_timeout", message)
}

// WriteRequestError renders a terminal RequestError as the client-facing
// envelope, mapping each error kind onto the status code the
// section's surface table specifies.
func WriteRequestError(w http.ResponseWriter, requestID string, reqErr types.RequestError) {
	switch reqErr.Kind {
	case types.ErrDispatchFailed:
		WriteError(w, requestID, http.StatusBadGateway, "upstream_error", "dispatch_failed", reqErr.Message)
	case types.ErrBatchFailed:
		WriteError(w, requestID, http.StatusBadGateway, "upstream_error", "batch_failed", reqErr.Message)
	case types.ErrBatchExpired:
		WriteError(w, requestID, http.StatusBadGateway, "upstream_error", "batch_expired", reqErr.Message)
	case types.ErrMissingOutput:
		WriteError(w, requestID, http.StatusBadGateway, "upstream_error", "missing_output", reqErr.Message)
	case types.ErrPerRequestError:
		WriteError(w, requestID, http.StatusBadRequest, "upstream_error", "per_request_error", reqErr.Message)
	default:
		WriteInternalError(w, requestID, reqErr.Message)
	}
}
