// Package nvmeof provides the main API for an NVMe over Fabrics (TCP) host client.
package nvmeof

import (
	"errors"
	"fmt"

	"github.com/truenas/nvmeof-client/internal/ctrl"
	"github.com/truenas/nvmeof-client/internal/protocol"
)

// Error represents a structured nvmeof error with context and, where the
// failure came from a command completion, the decoded NVMe status.
type Error struct {
	Op        string           // Operation that failed (e.g., "CONNECT", "READ", "RESERVATION_ACQUIRE")
	NSID      uint32           // Namespace ID (0 if not applicable)
	CommandID uint16           // Command ID of the failing capsule (0 if not applicable)
	Code      ErrorCode        // High-level error category
	Status    *protocol.DecodedStatus // Decoded completion status, nil if not a command error
	Msg       string           // Human-readable message
	Inner     error            // Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.NSID != 0 {
		parts = append(parts, fmt.Sprintf("nsid=%d", e.NSID))
	}
	if e.Status != nil {
		parts = append(parts, fmt.Sprintf("sct=%d sc=0x%02x", e.Status.Type, e.Status.Code))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("nvmeof: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("nvmeof: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support keyed on error category.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories, mirroring the
// connection/timeout/command/protocol taxonomy a fabrics host client needs.
type ErrorCode string

const (
	ErrCodeConnection         ErrorCode = "connection error"
	ErrCodeTimeout            ErrorCode = "timeout"
	ErrCodeProtocol           ErrorCode = "protocol error"
	ErrCodeCommand            ErrorCode = "command error"
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodeNotConnected       ErrorCode = "not connected"
	ErrCodeNamespaceNotFound  ErrorCode = "namespace not found"
	ErrCodeReservationConflict ErrorCode = "reservation conflict"
	ErrCodeFatal              ErrorCode = "controller in fatal state"
	ErrCodeInvalidState       ErrorCode = "invalid controller state"
)

// NewError creates a new structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewNamespaceError creates a new namespace-scoped error.
func NewNamespaceError(op string, nsid uint32, code ErrorCode, msg string) *Error {
	return &Error{Op: op, NSID: nsid, Code: code, Msg: msg}
}

// NewCommandError creates an error from a failed command completion,
// classifying reservation-conflict status specially since callers often
// branch on it.
func NewCommandError(op string, nsid uint32, cmdID uint16, status protocol.DecodedStatus) *Error {
	code := ErrCodeCommand
	if status.Type == protocol.SCTGeneric && status.Code == 0x83 {
		code = ErrCodeReservationConflict
	}
	return &Error{
		Op:        op,
		NSID:      nsid,
		CommandID: cmdID,
		Code:      code,
		Status:    &status,
		Msg:       status.Description,
	}
}

// WrapError wraps an existing error with nvmeof context, classifying
// net.Error timeouts and protocol framing errors where it can.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if ne, ok := inner.(*Error); ok {
		return &Error{
			Op:        op,
			NSID:      ne.NSID,
			CommandID: ne.CommandID,
			Code:      ne.Code,
			Status:    ne.Status,
			Msg:       ne.Msg,
			Inner:     ne.Inner,
		}
	}

	code := ErrCodeConnection
	switch {
	case errors.Is(inner, ctrl.ErrDiscoveryOnly):
		code = ErrCodeInvalidState
	case errors.Is(inner, ctrl.ErrAERLExceeded):
		code = ErrCodeInvalidParameters
	case errors.Is(inner, protocol.ErrPeerClosed):
		code = ErrCodeConnection
	case isTimeout(inner):
		code = ErrCodeTimeout
	case errors.As(inner, new(protocol.CodecError)):
		code = ErrCodeProtocol
	}

	return &Error{
		Op:    op,
		Code:  code,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

type timeouter interface {
	Timeout() bool
}

func isTimeout(err error) bool {
	var t timeouter
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return false
}

// IsCode checks if an error matches a specific error code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsReservationConflict reports whether err is a reservation conflict
// command error, the one status callers most commonly need to branch on.
func IsReservationConflict(err error) bool {
	return IsCode(err, ErrCodeReservationConflict)
}
