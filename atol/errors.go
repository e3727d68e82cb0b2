package atol

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrServerFailure is returned when the API answers 500. The request is
	// never retried.
	ErrServerFailure = errors.New("atol server failure")

	// ErrUnauthorized is returned when a request is still rejected after the
	// token has been refreshed once.
	ErrUnauthorized = errors.New("atol request unauthorized")

	// ErrTokenRejected is returned when getToken does not supply a usable token.
	ErrTokenRejected = errors.New("could not obtain token")

	// ErrInvalidRequest is returned, before anything is sent, for a document
	// uuid or request path that is not a plain path below the group.
	ErrInvalidRequest = errors.New("invalid atol request")

	ErrInvalidReceipt = errors.New("invalid receipt")
	ErrInvalidConfig  = errors.New("invalid atol configuration")
)

// ErrorBody is the error object embedded in API responses.
type ErrorBody struct {
	ErrorID string `json:"error_id,omitempty"`
	Code    int    `json:"code"`
	Text    string `json:"text,omitempty"`
	Type    string `json:"type,omitempty"`
}

func (e ErrorBody) String() string {
	if e.Text == "" {
		return fmt.Sprintf("code %d", e.Code)
	}
	return fmt.Sprintf("code %d: %s", e.Code, e.Text)
}

// APIError describes a non-successful response that is not a server failure.
// Payload holds the decoded response document, when the body was JSON.
type APIError struct {
	Operation  string
	StatusCode int
	Body       *ErrorBody
	Payload    map[string]any
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("atol %s failed with status %d", e.Operation, e.StatusCode)
	if e.Body != nil {
		msg += " (" + e.Body.String() + ")"
	}
	return msg
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}
