// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package model

import (
	"fmt"
	"net/http"
)

// RequestError is an error with a definite HTTP status. Handlers render it
// as {"code": <status>, "message": <message>}.
type RequestError struct {
	Code    int
	Message string
}

// Error implements error.
func (e *RequestError) Error() string { return e.Message }

// StatusCode returns the HTTP status of the error.
func (e *RequestError) StatusCode() int { return e.Code }

// ValidationError accumulates per-field validation messages and renders as
// {"errors": [...]}.
type ValidationError struct {
	Code   int
	Errors []string
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %v", e.Errors)
}

// StatusCode returns the HTTP status of the error.
func (e *ValidationError) StatusCode() int { return e.Code }

// Conflict messages, returned verbatim with a 409 status.
const (
	MsgProjectWorkspaceMismatchSpan  = "Project name and workspace name do not match the existing span"
	MsgProjectWorkspaceMismatchTrace = "Project name and workspace name do not match the existing trace"
	MsgTraceIDMismatch               = "trace_id does not match the existing span"
	MsgParentSpanIDMismatch          = "parent_span_id does not match the existing span"
)

// MsgQuotaExceeded is the single quota-gate rejection message.
const MsgQuotaExceeded = "Usage limit exceeded"

// NewBadRequest returns a 400 error.
func NewBadRequest(format string, args ...interface{}) *RequestError {
	return &RequestError{Code: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// NewUnauthorized returns a 401 error.
func NewUnauthorized(format string, args ...interface{}) *RequestError {
	return &RequestError{Code: http.StatusUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// NewQuotaExceeded returns the 402 quota error.
func NewQuotaExceeded() *RequestError {
	return &RequestError{Code: http.StatusPaymentRequired, Message: MsgQuotaExceeded}
}

// NewNotFound returns a 404 error.
func NewNotFound(format string, args ...interface{}) *RequestError {
	return &RequestError{Code: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewConflict returns a 409 error; the message must be one of the fixed
// conflict messages above, or a duplicate-id message.
func NewConflict(message string) *RequestError {
	return &RequestError{Code: http.StatusConflict, Message: message}
}

// NewUnprocessable returns a 422 error.
func NewUnprocessable(format string, args ...interface{}) *RequestError {
	return &RequestError{Code: http.StatusUnprocessableEntity, Message: fmt.Sprintf(format, args...)}
}

// NewNotImplemented returns a 501 error.
func NewNotImplemented(format string, args ...interface{}) *RequestError {
	return &RequestError{Code: http.StatusNotImplemented, Message: fmt.Sprintf(format, args...)}
}

// NewInternal returns a 500 error carrying a correlation id so operators
// can match the response against server logs.
func NewInternal(correlationID string) *RequestError {
	return &RequestError{
		Code:    http.StatusInternalServerError,
		Message: fmt.Sprintf("unexpected error, correlation id '%s'", correlationID),
	}
}

// StatusOf extracts the HTTP status from err, defaulting to 500.
func StatusOf(err error) int {
	type statusCoder interface{ StatusCode() int }
	var sc statusCoder
	if ok := asErr(err, &sc); ok {
		return sc.StatusCode()
	}
	return http.StatusInternalServerError
}

func asErr(err error, target interface{}) bool {
	switch t := target.(type) {
	case *interface{ StatusCode() int }:
		for err != nil {
			if sc, ok := err.(interface{ StatusCode() int }); ok {
				*t = sc
				return true
			}
			unwrapper, ok := err.(interface{ Unwrap() error })
			if !ok {
				if causer, ok := err.(interface{ Cause() error }); ok {
					err = causer.Cause()
					continue
				}
				return false
			}
			err = unwrapper.Unwrap()
		}
	}
	return false
}
