package utils

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

type Code string

const (
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeTimeout         Code = "TIMEOUT"
	CodeInternal        Code = "INTERNAL"

	// streaming pipeline
	CodeRateLimited Code = "RATE_LIMITED"
	CodeProtocol    Code = "PROTOCOL_ERROR"
	CodeUpstream    Code = "UPSTREAM_ERROR"
	CodeStorage     Code = "STORAGE_ERROR"
	CodeFanout      Code = "FANOUT_ERROR"
)

// AppError is the unified error contract across layers.
type AppError struct {
	Code    Code
	Op      string // operation name, ex: "Relay.Connect"
	Message string // safe message
	Err     error  // wrapped error
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{e.Op, e.Message} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	if len(parts) == 0 {
		return "error"
	}
	return strings.Join(parts, ": ")
}

func (e *AppError) Unwrap() error { return e.Err }

func E(code Code, op, msg string, err error) error {
	return &AppError{Code: code, Op: op, Message: msg, Err: err}
}

func IsCode(err error, code Code) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

// CodeOf returns the AppError code of err, or CodeInternal.
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// MessageOf returns the safe message of err.
func MessageOf(err error) string {
	var ae *AppError
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Message
	}
	return "internal error"
}

var httpStatus = map[Code]int{
	CodeInvalidArgument: http.StatusBadRequest,
	CodeProtocol:        http.StatusBadRequest,
	CodeUnauthorized:    http.StatusUnauthorized,
	CodeForbidden:       http.StatusForbidden,
	CodeNotFound:        http.StatusNotFound,
	CodeConflict:        http.StatusConflict,
	CodeRateLimited:     http.StatusTooManyRequests,
	CodeUnavailable:     http.StatusServiceUnavailable,
	CodeFanout:          http.StatusServiceUnavailable,
	CodeUpstream:        http.StatusBadGateway,
	CodeTimeout:         http.StatusGatewayTimeout,
}

// HTTPStatus maps err to a response status. Unknown codes are 500.
func HTTPStatus(err error) int {
	var ae *AppError
	if errors.As(err, &ae) {
		if s, ok := httpStatus[ae.Code]; ok {
			return s
		}
		return http.StatusInternalServerError
	}
	if errors.Is(err, ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// CloseCode maps err to the websocket close code sent before a connection
// is torn down.
func CloseCode(err error) int {
	if err == nil {
		return websocket.CloseNormalClosure
	}
	switch CodeOf(err) {
	case CodeRateLimited:
		return websocket.CloseTryAgainLater
	case CodeUnauthorized, CodeForbidden:
		return websocket.ClosePolicyViolation
	case CodeProtocol, CodeInvalidArgument:
		return websocket.CloseProtocolError
	case CodeTimeout:
		return websocket.CloseGoingAway
	default:
		return websocket.CloseInternalServerErr
	}
}

// Sentinel errors returned by repositories.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)
