package queue

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/truenas/nvmeof-client/internal/interfaces"
	"github.com/truenas/nvmeof-client/internal/protocol"
	"github.com/truenas/nvmeof-client/internal/transport"
)

// Queue wraps one NVMe-oF/TCP queue's socket: the admin queue or the single
// I/O queue this client establishes. It is not safe for concurrent use by
// multiple goroutines issuing commands at once; callers serialize access to
// a given Queue themselves (the facade does this with one controller-wide
// mutex covering both of its queues).
type Queue struct {
	QID     uint16
	conn    interfaces.Transport
	logger  interfaces.Logger
	nextCmd uint16
	mu      sync.Mutex
}

// New wraps an already-handshaken connection as a Queue.
func New(qid uint16, conn interfaces.Transport, logger interfaces.Logger) *Queue {
	return &Queue{QID: qid, conn: conn, logger: logger, nextCmd: 1}
}

// AllocateCmdID returns the next 16-bit command ID, wrapping from 0xFFFF
// back to 1 (0 is never issued, it is reserved by convention for harness
// and log messages meaning "no command").
func (q *Queue) AllocateCmdID() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextCmd
	if q.nextCmd == 0xFFFF {
		q.nextCmd = 1
	} else {
		q.nextCmd++
	}
	return id
}

// SendCapsule writes a CMD PDU: the 8-byte header followed by the 64-byte
// capsule and, for inline writes, the payload appended in the same PDU.
func (q *Queue) SendCapsule(capsule protocol.Capsule, inlineData []byte) error {
	plen := protocol.HeaderSize + protocol.CapsuleSize + len(inlineData)
	h := protocol.Header{
		Type: protocol.PDUTypeCommand,
		HLen: protocol.HeaderSize + protocol.CapsuleSize,
		PDO:  protocol.HeaderSize + protocol.CapsuleSize,
		PLen: uint32(plen),
	}
	hbuf := h.Marshal()
	cbuf := capsule.Marshal()

	if err := q.writeAll(hbuf[:], cbuf[:], inlineData); err != nil {
		return err
	}
	if q.logger != nil {
		q.logger.Debugf("queue %d: sent CMD cid=%d opcode=0x%02x plen=%d", q.QID, capsule.CommandID, capsule.Opcode, plen)
	}
	return nil
}

// SendH2CData writes an H2CData PDU carrying one R2T-requested chunk. ttag
// must be the TransferTag the target supplied in the R2T this chunk
// answers, not the command ID — a target may have multiple R2Ts
// outstanding and uses ttag, not cid, to tell them apart.
func (q *Queue) SendH2CData(cmdID uint16, ttag uint16, offset uint32, data []byte, last bool) error {
	const extHdrSize = protocol.H2CDataHLen - protocol.HeaderSize
	var flags uint8
	if last {
		flags = protocol.FlagH2CDataLast
	}
	h := protocol.Header{
		Type:  protocol.PDUTypeH2CData,
		Flags: flags,
		HLen:  protocol.H2CDataHLen,
		PDO:   protocol.H2CDataHLen,
		PLen:  uint32(protocol.H2CDataHLen + len(data)),
	}
	hbuf := h.Marshal()

	var ext [extHdrSize]byte
	putH2CDataHeader(ext[:], cmdID, ttag, offset, uint32(len(data)))

	return q.writeAll(hbuf[:], ext[:], data)
}

// putH2CDataHeader packs the H2CData PDU-specific header: command ID,
// transfer tag (echoed from the triggering R2T), data offset, and data
// length.
func putH2CDataHeader(b []byte, cmdID, ttag uint16, offset, length uint32) {
	le := func(v uint32, off int) {
		b[off] = byte(v)
		b[off+1] = byte(v >> 8)
		b[off+2] = byte(v >> 16)
		b[off+3] = byte(v >> 24)
	}
	b[0] = byte(cmdID)
	b[1] = byte(cmdID >> 8)
	b[2] = byte(ttag)
	b[3] = byte(ttag >> 8)
	le(offset, 4)
	le(length, 8)
}

// ReceivePDU reads the next full PDU off the queue's socket.
func (q *Queue) ReceivePDU() (transport.PDU, error) {
	return transport.ReadPDU(q.conn)
}

// TryReceivePDU polls for a PDU without blocking indefinitely: it imposes a
// short read deadline and treats a timeout as "nothing available yet"
// (ok=false, err=nil) rather than an error, then clears the deadline so it
// does not affect subsequent blocking reads on the same queue. Used by the
// async-event poll, which borrows the admin queue between command/response
// round trips.
func (q *Queue) TryReceivePDU(wait time.Duration) (transport.PDU, bool, error) {
	if err := q.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return transport.PDU{}, false, err
	}
	defer q.conn.SetReadDeadline(time.Time{})

	pdu, err := transport.ReadPDU(q.conn)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return transport.PDU{}, false, nil
		}
		return transport.PDU{}, false, err
	}
	return pdu, true, nil
}

// Close closes the underlying connection.
func (q *Queue) Close() error {
	return q.conn.Close()
}

func (q *Queue) writeAll(chunks ...[]byte) error {
	for _, c := range chunks {
		if len(c) == 0 {
			continue
		}
		if _, err := q.conn.Write(c); err != nil {
			return err
		}
	}
	return nil
}
