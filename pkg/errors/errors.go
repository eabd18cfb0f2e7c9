package errors

import "fmt"

// AppError represents an application error
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new AppError wrapping another error
func Wrap(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Stable error codes for AppError, grouping failures by the recovery
// each one implies: reject at startup, drop the connection, or fail
// over to the next upstream.
const (
	CodeConfigInvalid    = "CONFIG_INVALID"
	CodeProtocolFraming  = "PROTOCOL_FRAMING"
	CodeAuthMismatch     = "AUTH_MISMATCH"
	CodeMiddlewareFatal  = "MIDDLEWARE_FATAL"
	CodeUpstreamUnusable = "UPSTREAM_UNUSABLE"
	CodeServiceNotFound  = "SERVICE_NOT_FOUND"
)
