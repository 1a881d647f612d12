package engine

import (
	"errors"
	"fmt"

	"github.com/NeverVane/promptledger/internal/remote"
	"github.com/NeverVane/promptledger/pkg/history"
)

// ErrorKind classifies every failure the engine returns to a caller
type ErrorKind string

const (
	KindInvalidCredentials    ErrorKind = "invalid_credentials"
	KindAppLocked             ErrorKind = "app_locked"
	KindAccountUnreachable    ErrorKind = "account_unreachable"
	KindNotFound              ErrorKind = "not_found"
	KindSyncFailed            ErrorKind = "sync_failed"
	KindAuthRejected          ErrorKind = "auth_rejected"
	KindInvalidFormat         ErrorKind = "invalid_format"
	KindConflictsPending      ErrorKind = "conflicts_pending"
	KindDecryptionFailure     ErrorKind = "decryption_failure"
	KindNotLinked             ErrorKind = "not_linked"
	KindAccountCreationFailed ErrorKind = "account_creation_failed"
	KindRecordNotFound        ErrorKind = "record_not_found"
)

// SyncError is the only error type that leaves the engine for remote
// failures. Raw transport errors are kept as Cause.
type SyncError struct {
	Kind    ErrorKind
	Op      string
	Message string
	Cause   error

	// Part of the operation was stored remotely before the failure and
	// stays stored
	Partial bool
}

// Error implements the error interface
func (e *SyncError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(" (caused by: %v)", e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error for error unwrapping
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is matches any SyncError of the same kind, so the package sentinels work
// with errors.Is.
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	return ok && t.Kind == e.Kind
}

// Retryable reports whether re-invoking the operation may succeed. Nothing
// is retried automatically.
func (e *SyncError) Retryable() bool {
	switch e.Kind {
	case KindSyncFailed, KindAccountUnreachable:
		return true
	}
	return false
}

// Sentinels for errors.Is
var (
	ErrInvalidCredentials    = &SyncError{Kind: KindInvalidCredentials}
	ErrAppLocked             = &SyncError{Kind: KindAppLocked}
	ErrAccountUnreachable    = &SyncError{Kind: KindAccountUnreachable}
	ErrNotFound              = &SyncError{Kind: KindNotFound}
	ErrSyncFailed            = &SyncError{Kind: KindSyncFailed}
	ErrAuthRejected          = &SyncError{Kind: KindAuthRejected}
	ErrInvalidFormat         = &SyncError{Kind: KindInvalidFormat}
	ErrConflictsPending      = &SyncError{Kind: KindConflictsPending}
	ErrDecryptionFailure     = &SyncError{Kind: KindDecryptionFailure}
	ErrNotLinked             = &SyncError{Kind: KindNotLinked}
	ErrAccountCreationFailed = &SyncError{Kind: KindAccountCreationFailed}
	ErrRecordNotFound        = &SyncError{Kind: KindRecordNotFound}
)

// NewSyncError creates a new sync error
func NewSyncError(kind ErrorKind, op, message string, cause error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Message: message, Cause: cause}
}

// KindOf returns the kind of a SyncError anywhere in err's chain, or ""
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// mutationError converts a failed remote write. A rejected token is kept
// distinct from other failures.
func mutationError(op string, err error) *SyncError {
	if errors.Is(err, remote.ErrAuthRejected) {
		return NewSyncError(KindAuthRejected, op, "the relay rejected the access token", err)
	}
	return NewSyncError(KindSyncFailed, op, "change was not saved remotely and has been reverted", err)
}

// modelsAfterImportError reports a model list the relay refused after the
// imported records were already stored. Nothing was reverted.
func modelsAfterImportError(err error) *SyncError {
	serr := NewSyncError(KindSyncFailed, "import", "records were imported, but the model list was not saved", err)
	if errors.Is(err, remote.ErrAuthRejected) {
		serr.Kind = KindAuthRejected
	}
	serr.Partial = true
	return serr
}

// IsPartial reports whether err left part of its operation stored
func IsPartial(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Partial
}

// FormatError classifies a document the codec rejected. Other errors pass
// through unchanged.
func FormatError(op string, err error) error {
	if errors.Is(err, history.ErrInvalidFormat) {
		return NewSyncError(KindInvalidFormat, op, "the document is not a valid export", err)
	}
	return err
}

// accountError converts a failed account fetch during unlock or link
func accountError(op string, err error) *SyncError {
	if errors.Is(err, remote.ErrNotFound) {
		return NewSyncError(KindNotFound, op, "account does not exist", err)
	}
	return NewSyncError(KindAccountUnreachable, op, "could not reach the account", err)
}
