package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies an error into the closed taxonomy shared by every
// component. The kind decides whether a caller may retry and how severe
// the failure is when it surfaces as an alert.
type Kind string

const (
	// KindValidation marks bad input; never retryable.
	KindValidation Kind = "VALIDATION_ERROR"
	// KindNetwork marks connectivity failures; safe to retry with backoff.
	KindNetwork Kind = "NETWORK_ERROR"
	// KindTimeout marks an operation that exceeded its deadline; retryable.
	KindTimeout Kind = "TIMEOUT_ERROR"
	// KindServer marks remote-side failures (5xx equivalents); retryable.
	KindServer Kind = "SERVER_ERROR"
	// KindClient marks caller-side failures (4xx equivalents); not retryable.
	KindClient Kind = "CLIENT_ERROR"
	// KindIntegrity marks checksum or size mismatches; not retryable, critical.
	KindIntegrity Kind = "INTEGRITY_ERROR"
	// KindBackup marks internal backup failures; non-recoverable unless the
	// code is allowlisted.
	KindBackup Kind = "BACKUP_ERROR"
	// KindRestore marks internal restore failures; non-recoverable unless the
	// code is allowlisted.
	KindRestore Kind = "RESTORE_ERROR"
)

// Internal error codes attached to Error.Code. Codes give operators a stable
// identifier independent of message wording.
const (
	CodeBackupFailed       = "BACKUP_FAILED"
	CodeRestoreFailed      = "RESTORE_FAILED"
	CodeChecksumMismatch   = "CHECKSUM_MISMATCH"
	CodeSizeMismatch       = "SIZE_MISMATCH"
	CodeQueueFull          = "QUEUE_FULL"
	CodeBreakerOpen        = "BREAKER_OPEN"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeConnectionLost     = "CONNECTION_LOST"
)

// recoverableCodes is the allowlist of internal backup/restore codes a caller
// may still retry even though those kinds default to non-recoverable.
var recoverableCodes = map[string]struct{}{
	CodeStorageUnavailable: {},
	CodeConnectionLost:     {},
}

// Error is the one error type components raise across their boundaries. It
// wraps the underlying cause and carries free-form context for logging.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithCode sets the internal code and returns the error for chaining.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithContext attaches a key/value pair to the error's context map.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Recoverable reports whether the caller's own retry logic may re-attempt the
// failed operation. Network, timeout, and server errors are always
// recoverable; validation, client, and integrity errors never are; internal
// backup/restore errors only when their code is allowlisted.
func (e *Error) Recoverable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindServer:
		return true
	case KindValidation, KindClient, KindIntegrity:
		return false
	default:
		_, ok := recoverableCodes[e.Code]
		return ok
	}
}

// Critical reports whether the error indicates data corruption.
func (e *Error) Critical() bool {
	return e.Kind == KindIntegrity
}

// New builds an Error of the given kind without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NewValidationError creates a validation error.
func NewValidationError(message string, cause error) *Error {
	return &Error{Kind: KindValidation, Message: message, Cause: cause}
}

// NewNetworkError creates a network error.
func NewNetworkError(message string, cause error) *Error {
	return &Error{Kind: KindNetwork, Message: message, Cause: cause}
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(message string, cause error) *Error {
	return &Error{Kind: KindTimeout, Message: message, Cause: cause}
}

// NewServerError creates a server-side error.
func NewServerError(message string, cause error) *Error {
	return &Error{Kind: KindServer, Message: message, Cause: cause}
}

// NewClientError creates a client-side error.
func NewClientError(message string, cause error) *Error {
	return &Error{Kind: KindClient, Message: message, Cause: cause}
}

// NewIntegrityError creates an integrity error.
func NewIntegrityError(message string, cause error) *Error {
	return &Error{Kind: KindIntegrity, Message: message, Cause: cause}
}

// NewBackupError creates an internal backup error with the default code.
func NewBackupError(message string, cause error) *Error {
	return &Error{Kind: KindBackup, Code: CodeBackupFailed, Message: message, Cause: cause}
}

// NewRestoreError creates an internal restore error with the default code.
func NewRestoreError(message string, cause error) *Error {
	return &Error{Kind: KindRestore, Code: CodeRestoreFailed, Message: message, Cause: cause}
}

// FromHTTPStatus classifies an HTTP response status into the taxonomy.
func FromHTTPStatus(status int, message string) *Error {
	switch {
	case status >= 500:
		return New(KindServer, message).WithContext("status", status)
	case status == 408:
		return New(KindTimeout, message).WithContext("status", status)
	case status == 429:
		return New(KindServer, message).WithContext("status", status)
	case status >= 400:
		return New(KindClient, message).WithContext("status", status)
	default:
		return nil
	}
}

// Classify maps an arbitrary error onto the taxonomy using fallback as the
// kind when nothing more specific applies. An error that already carries a
// classification is returned unchanged.
func Classify(err error, fallback Kind) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, "operation timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Wrap(KindTimeout, "network operation timed out", err)
		}
		return Wrap(KindNetwork, "network operation failed", err)
	}
	return Wrap(fallback, err.Error(), err)
}

// KindOf returns the classified kind, or an empty kind for unclassified errors.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// IsRecoverable reports whether a classified error is recoverable.
// Unclassified errors are treated as non-recoverable.
func IsRecoverable(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Recoverable()
	}
	return false
}

// IsCritical reports whether a classified error indicates corruption.
func IsCritical(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Critical()
	}
	return false
}
