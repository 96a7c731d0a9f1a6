package nvmeof

import (
	"errors"
	"testing"

	"github.com/truenas/nvmeof-client/internal/protocol"
)

func TestStructuredError(t *testing.T) {
	err := NewError("CONNECT", ErrCodeInvalidParameters, "invalid queue depth")

	if err.Op != "CONNECT" {
		t.Errorf("Expected Op=CONNECT, got %s", err.Op)
	}
	if err.Code != ErrCodeInvalidParameters {
		t.Errorf("Expected Code=ErrCodeInvalidParameters, got %s", err.Code)
	}

	expected := "nvmeof: invalid queue depth (op=CONNECT)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestNamespaceError(t *testing.T) {
	err := NewNamespaceError("READ", 1, ErrCodeNamespaceNotFound, "namespace does not exist")

	if err.NSID != 1 {
		t.Errorf("Expected NSID=1, got %d", err.NSID)
	}
	if err.Code != ErrCodeNamespaceNotFound {
		t.Errorf("Expected Code=ErrCodeNamespaceNotFound, got %s", err.Code)
	}
}

func TestCommandErrorClassifiesReservationConflict(t *testing.T) {
	status := protocol.DecodeStatus(uint16(0x83) << 1)
	err := NewCommandError("WRITE", 1, 7, status)

	if err.Code != ErrCodeReservationConflict {
		t.Errorf("Expected Code=ErrCodeReservationConflict, got %s", err.Code)
	}
	if err.CommandID != 7 {
		t.Errorf("Expected CommandID=7, got %d", err.CommandID)
	}
	if !IsReservationConflict(err) {
		t.Errorf("Expected IsReservationConflict to be true")
	}
}

func TestCommandErrorOrdinary(t *testing.T) {
	status := protocol.DecodeStatus(uint16(0x02) << 1)
	err := NewCommandError("READ", 1, 3, status)

	if err.Code != ErrCodeCommand {
		t.Errorf("Expected Code=ErrCodeCommand, got %s", err.Code)
	}
	if IsReservationConflict(err) {
		t.Errorf("Expected IsReservationConflict to be false")
	}
}

func TestWrapErrorClassifiesPeerClosed(t *testing.T) {
	err := WrapError("RECEIVE", protocol.ErrPeerClosed)
	if err.Code != ErrCodeConnection {
		t.Errorf("Expected Code=ErrCodeConnection, got %s", err.Code)
	}
	if !errors.Is(err.Inner, protocol.ErrPeerClosed) {
		t.Errorf("Expected wrapped error to unwrap to ErrPeerClosed")
	}
}

func TestWrapErrorClassifiesCodecError(t *testing.T) {
	err := WrapError("UNMARSHAL", protocol.ErrShortBuffer)
	if err.Code != ErrCodeProtocol {
		t.Errorf("Expected Code=ErrCodeProtocol, got %s", err.Code)
	}
}

func TestWrapErrorPreservesStructuredError(t *testing.T) {
	inner := NewNamespaceError("READ", 1, ErrCodeNamespaceNotFound, "gone")
	wrapped := WrapError("RETRY", inner)
	if wrapped.NSID != 1 || wrapped.Code != ErrCodeNamespaceNotFound {
		t.Errorf("Expected wrap to preserve nsid/code, got %+v", wrapped)
	}
}

func TestWrapErrorNil(t *testing.T) {
	if WrapError("NOOP", nil) != nil {
		t.Errorf("Expected nil wrap of nil error")
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("CONNECT", ErrCodeTimeout, "deadline exceeded")
	if !IsCode(err, ErrCodeTimeout) {
		t.Errorf("Expected IsCode to match ErrCodeTimeout")
	}
	if IsCode(err, ErrCodeProtocol) {
		t.Errorf("Expected IsCode not to match ErrCodeProtocol")
	}
}
