package common

import (
	"errors"
	"net/http"
)

// Machine-readable error codes surfaced to submitters and logged by the
// engine. Bus-facing rejections reuse these codes in the `reason` field.
const (
	CodeNotFound          = "not_found"
	CodeDuplicateID       = "duplicate_id"
	CodeIllegalTransition = "illegal_transition"
	CodeDuplicateBid      = "duplicate_bid"
	CodeAuctionNotOpen    = "auction_not_open"
	CodeBusy              = "busy"
	CodeValidation        = "validation"
	CodeUnavailable       = "unavailable"
	CodeInternal          = "internal"
)

// Common error sentinels
var (
	ErrNotFound          = errors.New("resource not found")
	ErrDuplicateID       = errors.New("duplicate id")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrDuplicateBid      = errors.New("duplicate bid")
	ErrAuctionNotOpen    = errors.New("auction not open")
	ErrBusy              = errors.New("intake queue full")
	ErrValidation        = errors.New("validation error")
	ErrUnavailable       = errors.New("dependency unavailable")
	ErrInternal          = errors.New("internal error")
)

// AppError represents a typed application error
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error code onto an HTTP status for the admin surface.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeDuplicateID, CodeDuplicateBid, CodeIllegalTransition:
		return http.StatusConflict
	case CodeAuctionNotOpen, CodeValidation:
		return http.StatusBadRequest
	case CodeBusy:
		return http.StatusTooManyRequests
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewAppError creates a new AppError
func NewAppError(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

func NewNotFoundError(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message, Err: ErrNotFound}
}

func NewDuplicateIDError(message string) *AppError {
	return &AppError{Code: CodeDuplicateID, Message: message, Err: ErrDuplicateID}
}

func NewIllegalTransitionError(message string) *AppError {
	return &AppError{Code: CodeIllegalTransition, Message: message, Err: ErrIllegalTransition}
}

func NewDuplicateBidError(message string) *AppError {
	return &AppError{Code: CodeDuplicateBid, Message: message, Err: ErrDuplicateBid}
}

func NewAuctionNotOpenError(message string) *AppError {
	return &AppError{Code: CodeAuctionNotOpen, Message: message, Err: ErrAuctionNotOpen}
}

func NewBusyError(message string) *AppError {
	return &AppError{Code: CodeBusy, Message: message, Err: ErrBusy}
}

func NewValidationError(message string, err error) *AppError {
	return &AppError{Code: CodeValidation, Message: message, Err: err}
}

func NewUnavailableError(message string, err error) *AppError {
	return &AppError{Code: CodeUnavailable, Message: message, Err: err}
}

func NewInternalError(message string, err error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// CodeOf returns the error code carried by err, or CodeInternal for
// untyped errors. nil yields an empty string.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given application error code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
