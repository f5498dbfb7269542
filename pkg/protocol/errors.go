package protocol

import (
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code carried on error replies.
// Codes survive localization: clients key retry/UI behavior off the code,
// never the rendered message.
type Code string

// Unary pipeline codes.
const (
	CodeInvalidRequest        Code = "invalidRequest"
	CodeNotFound              Code = "notFound"
	CodeInvalidInputType      Code = "invalidInputType"
	CodeAuthRequired          Code = "auth.required"
	CodeAuthForbidden         Code = "auth.forbidden"
	CodeAuthInvalidCondition  Code = "auth.invalidCondition"
	CodeRateLimitExceeded     Code = "rateLimitExceeded"
	CodeInternalServerError   Code = "internalServerError"
	CodeInvalidResponseStatus Code = "invalidResponseStatus"
	CodeEmptyResponse         Code = "emptyResponse"
)

// Broadcast-specific codes.
const (
	CodeNoReceiversFound      Code = "noReceiversFound"
	CodeClientRejected        Code = "clientRejected"
	CodeInvalidServerResponse Code = "invalidServerResponse"
	CodeInvalidClientResponse Code = "invalidClientResponse"
)

// httpStatusByCode maps each code to its HTTP-equivalent status, attached to
// replies so the same pipeline can back an HTTP transport adapter.
var httpStatusByCode = map[Code]int{
	CodeInvalidRequest:        http.StatusBadRequest,
	CodeNotFound:              http.StatusNotFound,
	CodeInvalidInputType:      http.StatusBadRequest,
	CodeAuthRequired:          http.StatusUnauthorized,
	CodeAuthForbidden:         http.StatusForbidden,
	CodeAuthInvalidCondition:  http.StatusForbidden,
	CodeRateLimitExceeded:     http.StatusTooManyRequests,
	CodeInternalServerError:   http.StatusInternalServerError,
	CodeInvalidResponseStatus: http.StatusInternalServerError,
	CodeEmptyResponse:         http.StatusInternalServerError,
	CodeNoReceiversFound:      http.StatusNotFound,
	CodeClientRejected:        http.StatusBadRequest,
	CodeInvalidServerResponse: http.StatusInternalServerError,
	CodeInvalidClientResponse: http.StatusInternalServerError,
}

// HTTPStatus resolves the HTTP-equivalent status for a code.
// Unknown codes resolve to 500.
func HTTPStatus(code Code) int {
	if status, ok := httpStatusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Error is a pipeline failure carrying a code plus optional parameters for
// localized rendering.
type Error struct {
	Code   Code
	Params map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Params) == 0 {
		return fmt.Sprintf("protocol: %s", e.Code)
	}
	return fmt.Sprintf("protocol: %s %v", e.Code, e.Params)
}

// NewError creates an Error with no parameters.
func NewError(code Code) *Error {
	return &Error{Code: code}
}

// NewErrorWithParams creates an Error with rendering parameters.
func NewErrorWithParams(code Code, params map[string]any) *Error {
	return &Error{Code: code, Params: params}
}
