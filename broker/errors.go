package broker

import "fmt"

// ErrorCode classifies broker failures. Connection-time codes are fatal to
// the transport; event-time codes are replied to the caller and the
// transport stays open.
type ErrorCode string

const (
	// Connection-time codes. The transport is closed after one of these.
	CodeUnauthenticated  ErrorCode = "UNAUTHENTICATED"
	CodeIdentityNotFound ErrorCode = "IDENTITY_NOT_FOUND"

	// Event-time codes. Sent to the caller as an `error` event.
	CodeUnknownEvent   ErrorCode = "UNKNOWN_EVENT"
	CodeAuthRequired   ErrorCode = "AUTH_REQUIRED"
	CodeForbidden      ErrorCode = "FORBIDDEN"
	CodeRateLimited    ErrorCode = "RATE_LIMITED"
	CodeInvalidChannel ErrorCode = "INVALID_CHANNEL"
	CodeBadPayload     ErrorCode = "BAD_PAYLOAD"
	CodeInternal       ErrorCode = "INTERNAL_ERROR"
)

// Error is a coded broker error.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a coded broker error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Common errors.
var (
	ErrUnauthenticated  = NewError(CodeUnauthenticated, "invalid or missing credential")
	ErrIdentityNotFound = NewError(CodeIdentityNotFound, "identity not found or disabled")
	ErrInvalidChannel   = NewError(CodeInvalidChannel, "malformed channel id")
	ErrNotAMember       = NewError(CodeForbidden, "not a member of this channel")
)
