package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Code is the machine-readable taxonomy code carried by every engine error.
type Code string

const (
	CodeValidation          Code = "validation"
	CodeNotFound            Code = "not_found"
	CodeTransientStep       Code = "transient_step"
	CodeApprovalRejected    Code = "approval_rejected"
	CodeConcurrencyConflict Code = "concurrency_conflict"
	CodeFatalOrchestrator   Code = "fatal_orchestrator"
	CodeCanceled            Code = "canceled"
	CodeInternal            Code = "internal"
)

// Kinds narrow a code to a named error that callers match with errors.Is.
const (
	kindInvalidPlaybook   = "invalid_playbook"
	kindInvalidTransition = "invalid_transition"
	kindRunBusy           = "run_busy"
	kindAlreadyResolved   = "already_resolved"
	kindNotFound          = "not_found"
	kindValidation        = "validation"
	kindTransient         = "transient_step"
	kindRejected          = "approval_rejected"
	kindFatal             = "fatal_orchestrator"
	kindConflict          = "conflict"
)

// Error is the typed error returned across component boundaries.
type Error struct {
	Code    Code
	Kind    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = strings.ReplaceAll(e.Kind, "_", " ")
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same kind so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidPlaybook   = &Error{Code: CodeValidation, Kind: kindInvalidPlaybook}
	ErrInvalidTransition = &Error{Code: CodeValidation, Kind: kindInvalidTransition}
	ErrRunBusy           = &Error{Code: CodeConcurrencyConflict, Kind: kindRunBusy}
	ErrAlreadyResolved   = &Error{Code: CodeValidation, Kind: kindAlreadyResolved}
	ErrNotFound          = &Error{Code: CodeNotFound, Kind: kindNotFound}
	ErrValidation        = &Error{Code: CodeValidation, Kind: kindValidation}
	ErrTransientStep     = &Error{Code: CodeTransientStep, Kind: kindTransient}
	ErrApprovalRejected  = &Error{Code: CodeApprovalRejected, Kind: kindRejected}
	ErrFatalOrchestrator = &Error{Code: CodeFatalOrchestrator, Kind: kindFatal}
	ErrConflict          = &Error{Code: CodeConcurrencyConflict, Kind: kindConflict}
)

func InvalidPlaybookError(format string, args ...any) error {
	return &Error{Code: CodeValidation, Kind: kindInvalidPlaybook, Message: fmt.Sprintf(format, args...)}
}

func InvalidTransitionError(from, to RunStatus) error {
	return &Error{
		Code:    CodeValidation,
		Kind:    kindInvalidTransition,
		Message: fmt.Sprintf("invalid transition from %s to %s", from, to),
	}
}

func RunBusyError(runID string) error {
	return &Error{
		Code:    CodeConcurrencyConflict,
		Kind:    kindRunBusy,
		Message: fmt.Sprintf("run %s is being advanced by another caller", runID),
	}
}

func AlreadyResolvedError(requestID string, resolution Resolution) error {
	return &Error{
		Code:    CodeValidation,
		Kind:    kindAlreadyResolved,
		Message: fmt.Sprintf("approval request %s already resolved as %s", requestID, resolution),
	}
}

// ConflictError reports a write that lost to a concurrent or earlier one.
func ConflictError(format string, args ...any) error {
	return &Error{Code: CodeConcurrencyConflict, Kind: kindConflict, Message: fmt.Sprintf(format, args...)}
}

func NotFoundError(resource, id string) error {
	return &Error{Code: CodeNotFound, Kind: kindNotFound, Message: fmt.Sprintf("%s %s not found", resource, id)}
}

func ValidationErrorf(format string, args ...any) error {
	return &Error{Code: CodeValidation, Kind: kindValidation, Message: fmt.Sprintf(format, args...)}
}

// TransientStepError marks a retryable step failure.
func TransientStepError(err error) error {
	return &Error{Code: CodeTransientStep, Kind: kindTransient, Message: "transient step failure", Err: err}
}

func ApprovalRejectedError(requestID, resolvedBy, notes string) error {
	msg := fmt.Sprintf("rejected by approver %s", resolvedBy)
	if strings.TrimSpace(notes) != "" {
		msg += ": " + strings.TrimSpace(notes)
	}
	return &Error{Code: CodeApprovalRejected, Kind: kindRejected, Message: msg}
}

func FatalOrchestratorError(format string, args ...any) error {
	return &Error{Code: CodeFatalOrchestrator, Kind: kindFatal, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the taxonomy code of err, or CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return CodeValidation
	}
	return CodeInternal
}

// IsRetryable reports whether a step failure may be attempted again.
func IsRetryable(err error) bool {
	return CodeOf(err) == CodeTransientStep
}
