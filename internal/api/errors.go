// Package api defines the JSON API error types used throughout TeleCloud.
package api

import "fmt"

// Error represents an API error with a machine-readable code, human-readable
// message, and the HTTP status to return.
type Error struct {
	// Code is the API error code (e.g., "FileNotFound", "IntegrityFailure").
	Code string `json:"code"`
	// Message is a human-readable description of the error.
	Message string `json:"message"`
	// HTTPStatus is the HTTP status code to return (e.g., 404, 409).
	HTTPStatus int `json:"-"`
	// Detail holds additional context included in the JSON error body.
	Detail map[string]string `json:"detail,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("APIError %s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// WithDetail returns a copy of the Error with the given detail field set.
func (e *Error) WithDetail(key, value string) *Error {
	cp := *e
	cp.Detail = make(map[string]string, len(e.Detail)+1)
	for k, v := range e.Detail {
		cp.Detail[k] = v
	}
	cp.Detail[key] = value
	return &cp
}

// Pre-defined API errors for common conditions.
var (
	// ErrFileNotFound is returned when the file does not exist, is not
	// visible to the caller, or is not in a state the operation allows.
	ErrFileNotFound = &Error{
		Code:       "FileNotFound",
		Message:    "The specified file does not exist",
		HTTPStatus: 404,
	}

	// ErrInvalidState is returned when a lifecycle transition is attempted
	// from a state that does not allow it.
	ErrInvalidState = &Error{
		Code:       "InvalidState",
		Message:    "The file is not in a state that allows this operation",
		HTTPStatus: 409,
	}

	// ErrUploadIncomplete is returned when one or more chunks could not be
	// stored and the upload was rolled back.
	ErrUploadIncomplete = &Error{
		Code:       "UploadIncomplete",
		Message:    "The upload could not be completed and was rolled back",
		HTTPStatus: 502,
	}

	// ErrIntegrityFailure is returned when a stored chunk fails checksum
	// verification during download.
	ErrIntegrityFailure = &Error{
		Code:       "IntegrityFailure",
		Message:    "A stored chunk failed integrity verification",
		HTTPStatus: 502,
	}

	// ErrMissingOwner is returned when the request carries no owner identity.
	ErrMissingOwner = &Error{
		Code:       "MissingOwner",
		Message:    "The X-Owner-ID header is required",
		HTTPStatus: 401,
	}

	// ErrBadRequest is returned for malformed request bodies or parameters.
	ErrBadRequest = &Error{
		Code:       "BadRequest",
		Message:    "The request is malformed",
		HTTPStatus: 400,
	}

	// ErrInternal is returned for unexpected internal failures.
	ErrInternal = &Error{
		Code:       "InternalError",
		Message:    "An internal error occurred",
		HTTPStatus: 500,
	}
)
