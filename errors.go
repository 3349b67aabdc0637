package nvme

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/nvme-go/nvmectrlr/internal/ctrlr"
	"github.com/nvme-go/nvmectrlr/internal/transport"
)

// Error represents a structured nvme error with context and status
// mapping. An NVMe completion carries a (SCT, SC) pair alongside any
// transport errno, so both ride the error.
type Error struct {
	Op     string           // Operation that failed (e.g., "RESET", "ALLOC_IO_QPAIR")
	Ctrlr  string           // Controller printable address ("" if not applicable)
	Qid    int              // Queue id (-1 if not applicable)
	Code   ErrorCode        // High-level error category
	Status CompletionStatus // NVMe completion status (zero if not applicable)
	Errno  syscall.Errno    // Transport errno (0 if not applicable)
	Msg    string           // Human-readable message
	Inner  error            // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Ctrlr != "" {
		parts = append(parts, fmt.Sprintf("ctrlr=%s", e.Ctrlr))
	}

	if e.Qid >= 0 {
		parts = append(parts, fmt.Sprintf("qid=%d", e.Qid))
	}

	if e.Status.SCT != 0 || e.Status.SC != 0 {
		parts = append(parts, fmt.Sprintf("sct=%#x sc=%#x", e.Status.SCT, e.Status.SC))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("nvme: %s (%s)", msg, parts[0])
	}

	return fmt.Sprintf("nvme: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support for code-level comparison
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeNotReady          ErrorCode = "controller not ready"
	ErrCodeResetInProgress   ErrorCode = "reset in progress"
	ErrCodeReconnectPending  ErrorCode = "reconnect in progress"
	ErrCodeControllerFailed  ErrorCode = "controller failed"
	ErrCodeControllerRemoved ErrorCode = "controller removed"
	ErrCodeQueueExhausted    ErrorCode = "no free queue ids"
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
	ErrCodeNotSupported      ErrorCode = "not supported"
	ErrCodeCommandFailed     ErrorCode = "command failed"
	ErrCodeTimeout           ErrorCode = "timeout"
	ErrCodeIOError           ErrorCode = "I/O error"
)

// Sentinel errors, re-exported from the core so callers can test with
// errors.Is without importing internal packages.
var (
	ErrNotReady          = ctrlr.ErrNotReady
	ErrResetInProgress   = ctrlr.ErrResetInProgress
	ErrReconnectPending  = ctrlr.ErrReconnectPending
	ErrControllerFailed  = ctrlr.ErrControllerFailed
	ErrControllerRemoved = ctrlr.ErrControllerRemoved
	ErrQueueExhausted    = ctrlr.ErrQueueExhausted
	ErrInvalidParameters = ctrlr.ErrInvalidParameters
	ErrNotSupported      = transport.ErrNotSupported
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Qid:  -1,
		Code: code,
		Msg:  msg,
	}
}

// NewStatusError creates an error from an NVMe completion status
func NewStatusError(op string, status CompletionStatus) *Error {
	return &Error{
		Op:     op,
		Qid:    -1,
		Code:   ErrCodeCommandFailed,
		Status: status,
		Msg:    fmt.Sprintf("completion status sct=%#x sc=%#x", status.SCT, status.SC),
	}
}

// NewQpairError creates a new queue-pair-specific error
func NewQpairError(op string, ctrlrAddr string, qid int, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Ctrlr: ctrlrAddr,
		Qid:   qid,
		Code:  code,
		Msg:   msg,
	}
}

// WrapError wraps an existing error with nvme context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	if ne, ok := inner.(*Error); ok {
		return &Error{
			Op:     op,
			Ctrlr:  ne.Ctrlr,
			Qid:    ne.Qid,
			Code:   ne.Code,
			Status: ne.Status,
			Errno:  ne.Errno,
			Msg:    ne.Msg,
			Inner:  ne.Inner,
		}
	}

	// Map the core's sentinels to error codes
	if code, ok := mapSentinelToCode(inner); ok {
		return &Error{
			Op:    op,
			Qid:   -1,
			Code:  code,
			Msg:   inner.Error(),
			Inner: inner,
		}
	}

	// Map common syscall errors
	code := ErrCodeIOError
	if errno, ok := inner.(syscall.Errno); ok {
		code = mapErrnoToCode(errno)
		return &Error{
			Op:    op,
			Qid:   -1,
			Code:  code,
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Qid:   -1,
		Code:  code,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapSentinelToCode maps the core's sentinel errors to error codes
func mapSentinelToCode(err error) (ErrorCode, bool) {
	switch {
	case errors.Is(err, ErrNotReady):
		return ErrCodeNotReady, true
	case errors.Is(err, ErrResetInProgress):
		return ErrCodeResetInProgress, true
	case errors.Is(err, ErrReconnectPending):
		return ErrCodeReconnectPending, true
	case errors.Is(err, ErrControllerFailed):
		return ErrCodeControllerFailed, true
	case errors.Is(err, ErrControllerRemoved):
		return ErrCodeControllerRemoved, true
	case errors.Is(err, ErrQueueExhausted):
		return ErrCodeQueueExhausted, true
	case errors.Is(err, ErrInvalidParameters):
		return ErrCodeInvalidParameters, true
	case errors.Is(err, ErrNotSupported):
		return ErrCodeNotSupported, true
	default:
		return "", false
	}
}

// mapErrnoToCode maps syscall errno to nvme error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENODEV, syscall.ENOENT:
		return ErrCodeControllerRemoved
	case syscall.EBUSY:
		return ErrCodeResetInProgress
	case syscall.EAGAIN:
		return ErrCodeReconnectPending
	case syscall.ENXIO:
		return ErrCodeControllerFailed
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeNotSupported
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var nvmeErr *Error
	if errors.As(err, &nvmeErr) {
		return nvmeErr.Code == code
	}
	return false
}

// IsStatus checks if an error carries a specific (SCT, SC) pair
func IsStatus(err error, sct, sc uint8) bool {
	var nvmeErr *Error
	if errors.As(err, &nvmeErr) {
		return nvmeErr.Status.SCT == sct && nvmeErr.Status.SC == sc
	}
	return false
}
