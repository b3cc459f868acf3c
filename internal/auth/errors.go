package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// APIError is the wire-visible error taxonomy. Handlers return one and the
// HTTP layer translates it to a status code and a JSON body.
type APIError struct {
	Status     int    `json:"-"`
	Code       string `json:"error"`
	Detail     string `json:"detail,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

// ErrUnauthorized is the blanket response for missing or unknown tokens.
var ErrUnauthorized = &APIError{Status: http.StatusForbidden, Code: "Unauthorized"}

// PermissionDenied signals a disabled permission key.
func PermissionDenied(key string) *APIError {
	return &APIError{Status: http.StatusForbidden, Code: "permission_denied:" + key}
}

// PairingExpired signals an elapsed pairing TTL.
func PairingExpired() *APIError {
	return &APIError{Status: http.StatusForbidden, Code: "pairing_expired"}
}

// RateLimited carries the limiter's backoff in both the body and the
// Retry-After header.
func RateLimited(retryAfter int) *APIError {
	return &APIError{Status: http.StatusTooManyRequests, Code: "rate_limited", RetryAfter: retryAfter}
}

// InvalidInput is the 400 for malformed bodies and missing fields.
func InvalidInput(detail string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: "invalid_input", Detail: detail}
}

// NotFound signals an unknown token or device id.
func NotFound(detail string) *APIError {
	return &APIError{Status: http.StatusNotFound, Code: "not_found", Detail: detail}
}

// BackendUnavailable means no capture or input backend can serve.
func BackendUnavailable(detail string) *APIError {
	return &APIError{Status: http.StatusNotImplemented, Code: "backend_unavailable", Detail: detail}
}

// UpstreamFailed wraps a capture subprocess that died early.
func UpstreamFailed(detail string) *APIError {
	return &APIError{Status: http.StatusBadGateway, Code: "upstream_failed", Detail: detail}
}

// WriteError maps any error to its HTTP response. Unknown errors become an
// opaque 500; their detail stays in the log, not the body.
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		apiErr = &APIError{Status: http.StatusInternalServerError, Code: "internal_error"}
	}
	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", apiErr.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	json.NewEncoder(w).Encode(apiErr)
}
