// Package errors builds the error envelopes this proxy returns itself.
// Upstream failures that arrive with a body are relayed untouched; these
// shapes cover the cases where there is no upstream body to forward.
package errors

// Error types, matching what OpenAI-compatible clients switch on.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeInternal       = "api_error"
	TypeUpstream       = "upstream_error"
)

// APIError is the standard envelope: a single error object under "error".
type APIError struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the client-visible description.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// NewAPIError creates an envelope with the given message, type and code.
func NewAPIError(message, errType, code string) *APIError {
	return &APIError{
		Error: ErrorDetail{
			Message: message,
			Type:    errType,
			Code:    code,
		},
	}
}
