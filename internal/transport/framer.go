// Package transport implements the NVMe-oF/TCP connection lifecycle: the
// Initialize Connection handshake and the PDU framer that reads one
// complete PDU at a time off a stream socket.
package transport

import (
	"fmt"
	"io"

	"github.com/truenas/nvmeof-client/internal/interfaces"
	"github.com/truenas/nvmeof-client/internal/protocol"
)

// PDU is one fully-read protocol data unit: its common header plus
// whatever payload followed it. ExtendedHeader is filled only for ICReq/
// ICResp and C2HData; for every other type, Payload holds the plen-hlen
// bytes after the hlen-byte header.
type PDU struct {
	Header         protocol.Header
	ExtendedHeader []byte // ICReq/ICResp body, or C2HData's variable hlen-8 header
	Payload        []byte
}

// ReadPDU reads exactly one PDU from conn: the 8-byte common header, then
// whatever the header's Type/HLen/PLen say follows. A short read at any
// point is fatal and returned as an error; callers should treat it as a
// connection-level failure, not a retryable one.
func ReadPDU(conn interfaces.Transport) (PDU, error) {
	var hbuf [protocol.HeaderSize]byte
	if err := readFull(conn, hbuf[:]); err != nil {
		return PDU{}, err
	}
	h, err := protocol.UnmarshalHeader(hbuf[:])
	if err != nil {
		return PDU{}, err
	}

	switch h.Type {
	case protocol.PDUTypeICReq, protocol.PDUTypeICResp:
		body := make([]byte, protocol.ICPDUPayloadSize)
		if err := readFull(conn, body); err != nil {
			return PDU{}, err
		}
		return PDU{Header: h, ExtendedHeader: body}, nil

	case protocol.PDUTypeC2HData:
		extra := int(h.HLen) - protocol.HeaderSize
		var ext []byte
		if extra > 0 {
			ext = make([]byte, extra)
			if err := readFull(conn, ext); err != nil {
				return PDU{}, err
			}
		}
		remaining := int(h.PLen) - int(h.HLen)
		var payload []byte
		if remaining > 0 {
			payload = make([]byte, remaining)
			if err := readFull(conn, payload); err != nil {
				return PDU{}, err
			}
		}
		return PDU{Header: h, ExtendedHeader: ext, Payload: payload}, nil

	default:
		remaining := int(h.PLen) - int(h.HLen)
		var payload []byte
		if remaining > 0 {
			payload = make([]byte, remaining)
			if err := readFull(conn, payload); err != nil {
				return PDU{}, err
			}
		}
		return PDU{Header: h, Payload: payload}, nil
	}
}

func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return fmt.Errorf("short read framing PDU: %w", protocol.ErrPeerClosed)
		}
		return err
	}
	return nil
}
