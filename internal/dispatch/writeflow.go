package dispatch

import (
	"fmt"

	"github.com/truenas/nvmeof-client/internal/protocol"
	"github.com/truenas/nvmeof-client/internal/queue"
)

// SendWrite submits a write-shaped capsule (Write/WriteUncorrectable/
// Compare/reservation payload) whose data is too large for in-capsule
// transfer and must be sent via the R2T flow: the target requests chunks
// with R2T PDUs, the host answers each with H2CData, capped at maxChunk
// bytes per PDU, until the whole payload has been sent and a terminal RSP
// arrives.
func SendWrite(q *queue.Queue, capsule protocol.Capsule, data []byte, maxChunk uint32) (Result, error) {
	if err := q.SendCapsule(capsule, nil); err != nil {
		return Result{}, fmt.Errorf("send capsule: %w", err)
	}

	for {
		pdu, err := q.ReceivePDU()
		if err != nil {
			return Result{}, err
		}
		switch pdu.Header.Type {
		case protocol.PDUTypeR2T:
			r2t, err := protocol.UnmarshalR2T(pdu.Payload)
			if err != nil {
				return Result{}, err
			}
			if r2t.CommandID != capsule.CommandID {
				return Result{}, fmt.Errorf("R2T CID %d does not match command ID %d", r2t.CommandID, capsule.CommandID)
			}
			if err := sendChunks(q, capsule.CommandID, r2t.TransferTag, data, r2t.DataOffset, r2t.DataLength, maxChunk); err != nil {
				return Result{}, err
			}

		case protocol.PDUTypeResponse:
			cpl, err := protocol.UnmarshalCompletion(pdu.Payload)
			if err != nil {
				return Result{}, err
			}
			if cpl.CID != capsule.CommandID {
				return Result{}, fmt.Errorf("completion CID %d does not match command ID %d", cpl.CID, capsule.CommandID)
			}
			return Result{Completion: cpl}, nil

		default:
			return Result{}, fmt.Errorf("unexpected PDU type %s in write flow", pdu.Header.Type)
		}
	}
}

// sendChunks answers one R2T with as many H2CData PDUs as needed to cover
// [offset, offset+length) of data, each capped at maxChunk bytes. ttag is
// the TransferTag the target supplied in that R2T and must be echoed on
// every chunk, since a target may have multiple R2Ts outstanding and uses
// ttag, not the command ID, to tell them apart.
func sendChunks(q *queue.Queue, cmdID, ttag uint16, data []byte, offset, length, maxChunk uint32) error {
	if maxChunk == 0 {
		maxChunk = length
	}
	end := offset + length
	for pos := offset; pos < end; {
		chunkLen := maxChunk
		if pos+chunkLen > end {
			chunkLen = end - pos
		}
		last := pos+chunkLen >= end
		if err := q.SendH2CData(cmdID, ttag, pos, data[pos:pos+chunkLen], last); err != nil {
			return fmt.Errorf("send H2CData chunk at offset %d: %w", pos, err)
		}
		pos += chunkLen
	}
	return nil
}
