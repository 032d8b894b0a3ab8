package gateway

import (
	"errors"
	"fmt"
)

// Reason codes carried in the rc field of every response.
const (
	CodeNone     = 0
	CodeSystem   = 1
	CodeBusiness = 2
)

// Kind classifies a gateway failure.
type Kind string

const (
	// System errors: malformed or missing input, unknown files.
	KindMissingParams   Kind = "missing_params"
	KindWrongType       Kind = "wrong_type"
	KindFileNotFound    Kind = "file_not_found"
	KindPathNotFound    Kind = "path_not_found"
	KindBadRequest      Kind = "bad_request"
	KindParseFailed     Kind = "parse_failed"
	KindMethodForbidden Kind = "method_forbidden"
	KindJobNotFound     Kind = "job_not_found"

	// Business errors: the request was understood and refused or failed.
	KindInvalidSignature Kind = "invalid_signature"
	KindForbiddenCommand Kind = "forbidden_command"
	KindNoSuchFile       Kind = "no_such_file"
	KindJobFailed        Kind = "job_failed"
	KindQueueFull        Kind = "queue_full"
)

// Fixed messages existing clients match on.
const (
	MsgInvalidSignature = "Sign is error"
	MsgMissingParams    = "Lack of necessary parameters"
	MsgWrongType        = "Wrong type in argument"
	MsgPathNotFound     = "Path is not existed"
	MsgNoSuchFile       = "No such file in script path"
	MsgMethodForbidden  = "Forbidden in get method"
)

// Error is a classified failure with the message shown to callers.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// Code maps the kind to its rc value.
func (e *Error) Code() int {
	switch e.Kind {
	case KindInvalidSignature, KindForbiddenCommand, KindNoSuchFile, KindJobFailed, KindQueueFull:
		return CodeBusiness
	default:
		return CodeSystem
	}
}

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// AsError classifies any error. Unclassified errors are job failures.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return newError(KindJobFailed, err.Error(), err)
}

// MissingParams is returned when a required field is absent.
func MissingParams() *Error {
	return newError(KindMissingParams, MsgMissingParams, nil)
}

// BadRequest is returned for bodies that cannot be decoded.
func BadRequest(cause error) *Error {
	return newError(KindBadRequest, fmt.Sprintf("Malformed request: %v", cause), cause)
}

// MethodForbidden is returned for GET on job endpoints.
func MethodForbidden() *Error {
	return newError(KindMethodForbidden, MsgMethodForbidden, nil)
}
