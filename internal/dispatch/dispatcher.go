// Package dispatch implements the command/response choreography layered on
// top of a raw queue: matching a capsule to its completion, accepting the
// three reply shapes a command can take, and driving the R2T write flow.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/truenas/nvmeof-client/internal/interfaces"
	"github.com/truenas/nvmeof-client/internal/protocol"
	"github.com/truenas/nvmeof-client/internal/queue"
)

// ReplyShape describes how a command's response arrives on the wire.
type ReplyShape int

const (
	// ResponseOnly: a single RSP PDU, no data.
	ResponseOnly ReplyShape = iota
	// DataThenResponse: one or more C2HData PDUs carrying the read
	// payload, then (or interleaved with, per the SUCCESS flag) an RSP.
	DataThenResponse
	// R2TWriteFlow: the target issues R2T PDUs requesting chunks of
	// write data via H2CData, then an RSP once all chunks are received.
	R2TWriteFlow
)

// Result is what Send returns: the completion and, for DataThenResponse,
// the assembled payload.
type Result struct {
	Completion protocol.Completion
	Data       []byte
}

// Send submits a capsule and drives the reply shape appropriate to it,
// returning once the terminal RSP has been read. dataLen is the expected
// size of a DataThenResponse payload (ignored for the other shapes).
func Send(q *queue.Queue, capsule protocol.Capsule, inlineData []byte, shape ReplyShape, dataLen int, logger interfaces.Logger) (Result, error) {
	if err := q.SendCapsule(capsule, inlineData); err != nil {
		return Result{}, fmt.Errorf("send capsule: %w", err)
	}

	switch shape {
	case ResponseOnly:
		return receiveResponseOnly(q, capsule.CommandID)
	case DataThenResponse:
		return receiveDataThenResponse(q, capsule.CommandID, dataLen, logger)
	case R2TWriteFlow:
		return Result{}, fmt.Errorf("R2TWriteFlow commands must call SendWrite, not Send")
	default:
		return Result{}, fmt.Errorf("unknown reply shape %d", shape)
	}
}

func receiveResponseOnly(q *queue.Queue, cmdID uint16) (Result, error) {
	pdu, err := q.ReceivePDU()
	if err != nil {
		return Result{}, err
	}
	if pdu.Header.Type != protocol.PDUTypeResponse {
		return Result{}, fmt.Errorf("expected RSP, got %s", pdu.Header.Type)
	}
	cpl, err := protocol.UnmarshalCompletion(pdu.Payload)
	if err != nil {
		return Result{}, err
	}
	if cpl.CID != cmdID {
		return Result{}, fmt.Errorf("completion CID %d does not match command ID %d", cpl.CID, cmdID)
	}
	return Result{Completion: cpl}, nil
}

// receiveDataThenResponse assembles a C2HData-then-RSP exchange. The
// target's SUCCESS flag on the last C2HData PDU means no separate RSP PDU
// follows; this core also accepts an RSP arriving before all data PDUs are
// read, logging a warning, since some targets have been observed to do
// this out of strict spec order. If the peer closes the connection after
// at least one C2HData PDU and before any RSP, the data is returned with a
// synthesized status-0 completion and a warning is logged.
func receiveDataThenResponse(q *queue.Queue, cmdID uint16, dataLen int, logger interfaces.Logger) (Result, error) {
	data := make([]byte, 0, dataLen)
	var cpl protocol.Completion
	haveCpl := false

	for {
		pdu, err := q.ReceivePDU()
		if err != nil {
			if errors.Is(err, protocol.ErrPeerClosed) && len(data) > 0 && !haveCpl {
				warnf(logger, "peer closed connection after C2HData without RSP (cid=%d, %d bytes); synthesizing status 0", cmdID, len(data))
				return Result{Completion: protocol.Completion{CID: cmdID}, Data: data}, nil
			}
			return Result{}, err
		}
		switch pdu.Header.Type {
		case protocol.PDUTypeC2HData:
			hdr, err := protocol.UnmarshalC2HDataHeader(pdu.ExtendedHeader)
			if err != nil {
				return Result{}, err
			}
			if hdr.CommandID != cmdID {
				return Result{}, fmt.Errorf("C2HData CID %d does not match command ID %d", hdr.CommandID, cmdID)
			}
			data = append(data, pdu.Payload...)

			last := pdu.Header.Flags&protocol.FlagC2HDataLastPDU != 0
			success := pdu.Header.Flags&protocol.FlagC2HDataSuccess != 0
			if success && !last {
				return Result{}, fmt.Errorf("C2HData SUCCESS flag without LAST_PDU (cid=%d)", cmdID)
			}
			if success {
				// SUCCESS implies this was also the last PDU and no RSP
				// PDU follows; synthesize a successful completion.
				return Result{Completion: protocol.Completion{CID: cmdID}, Data: data}, nil
			}
			if last && haveCpl {
				return Result{Completion: cpl, Data: data}, nil
			}

		case protocol.PDUTypeResponse:
			c, err := protocol.UnmarshalCompletion(pdu.Payload)
			if err != nil {
				return Result{}, err
			}
			if c.CID != cmdID {
				return Result{}, fmt.Errorf("completion CID %d does not match command ID %d", c.CID, cmdID)
			}
			if len(data) < dataLen {
				warnf(logger, "RSP PDU arrived before all C2HData chunks (cid=%d, have %d/%d bytes)", cmdID, len(data), dataLen)
			}
			cpl = c
			haveCpl = true
			if len(data) >= dataLen {
				return Result{Completion: cpl, Data: data}, nil
			}

		default:
			return Result{}, fmt.Errorf("unexpected PDU type %s in data-then-response exchange", pdu.Header.Type)
		}
	}
}

// warnf logs at Warn level when logger has a Warnf method, and through
// Printf otherwise. A nil logger discards the message.
func warnf(logger interfaces.Logger, format string, args ...interface{}) {
	if logger == nil {
		return
	}
	if w, ok := logger.(interface {
		Warnf(format string, args ...interface{})
	}); ok {
		w.Warnf(format, args...)
		return
	}
	logger.Printf(format, args...)
}
