package transport

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/truenas/nvmeof-client/internal/protocol"
)

// HandshakeParams negotiates the Initialize Connection exchange.
type HandshakeParams struct {
	MAXR2T uint32 // max outstanding R2T PDUs this host accepts, 0 = let target choose
}

// HandshakeResult carries the parameters the target returned.
type HandshakeResult struct {
	MAXH2CData uint32
}

// Dial opens a TCP connection to addr, tunes it for low-latency small-PDU
// traffic, and returns it unconnected to the NVMe-oF protocol layer above
// (the ICReq/ICResp exchange is a separate step via Handshake).
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tuneSocket(tc); err != nil {
			tc.Close()
			return nil, err
		}
	}
	return conn, nil
}

// tuneSocket disables Nagle's algorithm; NVMe-oF PDUs are latency-sensitive
// and small enough that batching delays hurt more than they save.
func tuneSocket(tc *net.TCPConn) error {
	raw, err := tc.SyscallConn()
	if err != nil {
		return fmt.Errorf("get raw conn: %w", err)
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
	if err != nil {
		return fmt.Errorf("control raw conn: %w", err)
	}
	if sockErr != nil && sockErr != syscall.ENOTSUP {
		return fmt.Errorf("set TCP_NODELAY: %w", sockErr)
	}
	return nil
}

// Handshake performs the Initialize Connection Request/Response exchange
// that must precede any command capsule on a freshly dialed connection.
func Handshake(conn net.Conn, timeout time.Duration, params HandshakeParams) (HandshakeResult, error) {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return HandshakeResult{}, err
	}
	defer conn.SetDeadline(time.Time{})

	req := protocol.ICReq{PFV: 0, MAXR2T: params.MAXR2T}
	h := protocol.Header{Type: protocol.PDUTypeICReq, HLen: protocol.ICPDUSize, PLen: protocol.ICPDUSize}
	hbuf := h.Marshal()
	body := req.Marshal()

	if _, err := conn.Write(hbuf[:]); err != nil {
		return HandshakeResult{}, fmt.Errorf("send ICReq header: %w", err)
	}
	if _, err := conn.Write(body[:]); err != nil {
		return HandshakeResult{}, fmt.Errorf("send ICReq body: %w", err)
	}

	pdu, err := ReadPDU(conn)
	if err != nil {
		return HandshakeResult{}, fmt.Errorf("read ICResp: %w", err)
	}
	if pdu.Header.Type != protocol.PDUTypeICResp {
		return HandshakeResult{}, fmt.Errorf("expected ICResp, got %s", pdu.Header.Type)
	}
	resp, err := protocol.UnmarshalICResp(pdu.ExtendedHeader)
	if err != nil {
		return HandshakeResult{}, fmt.Errorf("parse ICResp: %w", err)
	}
	return HandshakeResult{MAXH2CData: resp.MAXH2CData}, nil
}
