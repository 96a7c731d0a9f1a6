package dispatch

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/truenas/nvmeof-client/internal/protocol"
	"github.com/truenas/nvmeof-client/internal/queue"
)

func pipeQueues(t *testing.T) (*queue.Queue, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return queue.New(0, client, nil), server
}

func writePDU(t *testing.T, conn net.Conn, h protocol.Header, parts ...[]byte) {
	t.Helper()
	hbuf := h.Marshal()
	_, err := conn.Write(hbuf[:])
	require.NoError(t, err)
	for _, p := range parts {
		if len(p) == 0 {
			continue
		}
		_, err := conn.Write(p)
		require.NoError(t, err)
	}
}

func TestResponseOnlyFlow(t *testing.T) {
	q, server := pipeQueues(t)
	capsule := protocol.NewCapsule(uint8(protocol.AdminOpKeepAlive), 5, 0)

	go func() {
		buf := make([]byte, protocol.HeaderSize+protocol.CapsuleSize)
		server.SetReadDeadline(time.Now().Add(time.Second))
		readFull(t, server, buf)

		cpl := protocol.Completion{CID: 5}
		cbuf := cpl.Marshal()
		writePDU(t, server, protocol.Header{Type: protocol.PDUTypeResponse, HLen: protocol.HeaderSize, PLen: protocol.HeaderSize + protocol.CompletionSize}, cbuf[:])
	}()

	res, err := Send(q, capsule, nil, ResponseOnly, 0, nil)
	require.NoError(t, err)
	require.Equal(t, uint16(5), res.Completion.CID)
}

func TestDataThenResponseFlow(t *testing.T) {
	q, server := pipeQueues(t)
	capsule := protocol.NewCapsule(uint8(protocol.AdminOpIdentify), 9, 0).WithSGL(64, protocol.SGLTypeDataBlock)

	go func() {
		buf := make([]byte, protocol.HeaderSize+protocol.CapsuleSize)
		server.SetReadDeadline(time.Now().Add(time.Second))
		readFull(t, server, buf)

		payload := make([]byte, 64)
		payload[0] = 0xAB
		var ext [12]byte
		ext[0], ext[1] = 9, 0
		ext[4], ext[5], ext[6], ext[7] = 0, 0, 0, 0
		ext[8] = 64

		writePDU(t, server, protocol.Header{
			Type:  protocol.PDUTypeC2HData,
			Flags: protocol.FlagC2HDataLastPDU | protocol.FlagC2HDataSuccess,
			HLen:  protocol.HeaderSize + 12,
			PLen:  uint32(protocol.HeaderSize + 12 + len(payload)),
		}, ext[:], payload)
	}()

	res, err := Send(q, capsule, nil, DataThenResponse, 64, nil)
	require.NoError(t, err)
	require.Len(t, res.Data, 64)
	require.Equal(t, byte(0xAB), res.Data[0])
}

func TestWriteFlowR2T(t *testing.T) {
	q, server := pipeQueues(t)
	data := make([]byte, 32)
	for i := range data {
		data[i] = byte(i)
	}
	capsule := protocol.NewCapsule(uint8(protocol.IOOpWrite), 3, 1).WithSGL(uint32(len(data)), protocol.SGLTypeTransportData)

	go func() {
		buf := make([]byte, protocol.HeaderSize+protocol.CapsuleSize)
		server.SetReadDeadline(time.Now().Add(time.Second))
		readFull(t, server, buf)

		var r2tBody [16]byte
		r2tBody[0], r2tBody[1] = 3, 0
		r2tBody[2], r2tBody[3] = 7, 0 // TransferTag, distinct from the command ID
		r2tBody[8] = 32               // DataLength
		writePDU(t, server, protocol.Header{Type: protocol.PDUTypeR2T, HLen: protocol.HeaderSize, PLen: protocol.HeaderSize + 16}, r2tBody[:])

		hdr := make([]byte, protocol.HeaderSize)
		readFull(t, server, hdr)
		h2c := make([]byte, protocol.H2CDataHLen-protocol.HeaderSize+32)
		readFull(t, server, h2c)
		if h2c[2] != 7 || h2c[3] != 0 {
			t.Errorf("H2CData transfer tag = %d, want 7 (the R2T-supplied ttag, not the command ID)", uint16(h2c[2])|uint16(h2c[3])<<8)
		}

		cpl := protocol.Completion{CID: 3}
		cbuf := cpl.Marshal()
		writePDU(t, server, protocol.Header{Type: protocol.PDUTypeResponse, HLen: protocol.HeaderSize, PLen: protocol.HeaderSize + protocol.CompletionSize}, cbuf[:])
	}()

	res, err := SendWrite(q, capsule, data, 0)
	require.NoError(t, err)
	require.Equal(t, uint16(3), res.Completion.CID)
}

func readFull(t *testing.T, conn net.Conn, buf []byte) {
	t.Helper()
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		require.NoError(t, err)
		n += m
	}
}
