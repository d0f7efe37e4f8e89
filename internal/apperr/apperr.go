package apperr

import (
	"errors"
	"fmt"
)

// Kind tags an error with the business or infrastructure condition that
// produced it, so callers can branch with errors.Is / KindOf instead of
// matching on message text.
type Kind string

const (
	KindInsufficientBalance     Kind = "INSUFFICIENT_BALANCE"
	KindTaskNotFoundOrCompleted Kind = "TASK_NOT_FOUND_OR_COMPLETED"
	KindPermissionDenied        Kind = "PERMISSION_DENIED"
	KindAlreadyFirst            Kind = "ALREADY_FIRST"
	KindLockBusy                Kind = "LOCK_BUSY"
	KindLedgerConflict          Kind = "LEDGER_CONFLICT"
	KindWorkerSubmissionFailed  Kind = "WORKER_SUBMISSION_FAILED"
	KindBoostFailed             Kind = "BOOST_FAILED"
	KindInterruptFailed         Kind = "INTERRUPT_FAILED"
	KindInvalidArgument         Kind = "INVALID_ARGUMENT"
)

// Error is a kinded error. Two *Error values match under errors.Is when
// their kinds are equal, so the sentinels below work with wrapped errors.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// ─────────────────────────────────────────────
// Sentinels
// ─────────────────────────────────────────────

var (
	ErrInsufficientBalance     = &Error{Kind: KindInsufficientBalance, Message: "insufficient balance"}
	ErrTaskNotFoundOrCompleted = &Error{Kind: KindTaskNotFoundOrCompleted, Message: "task not found or already completed"}
	ErrPermissionDenied        = &Error{Kind: KindPermissionDenied, Message: "no permission to operate on this task"}
	ErrAlreadyFirst            = &Error{Kind: KindAlreadyFirst, Message: "task is already first in queue"}
	ErrLockBusy                = &Error{Kind: KindLockBusy, Message: "too many requests, try again later"}
	ErrLedgerConflict          = &Error{Kind: KindLedgerConflict, Message: "ledger update conflict"}
	ErrWorkerSubmissionFailed  = &Error{Kind: KindWorkerSubmissionFailed, Message: "worker submission failed"}
	ErrBoostFailed             = &Error{Kind: KindBoostFailed, Message: "priority boost failed, fee returned"}
	ErrInterruptFailed         = &Error{Kind: KindInterruptFailed, Message: "task interrupt failed, task will continue"}
	ErrInvalidArgument         = &Error{Kind: KindInvalidArgument, Message: "invalid argument"}
)

// New returns a kinded error with a custom message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
