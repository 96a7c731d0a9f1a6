package nvmeof

import (
	"fmt"
	"net"
	"sync"

	"github.com/truenas/nvmeof-client/internal/protocol"
)

// Responder answers one admin or I/O command capsule. It returns the
// payload to send back (nil for a data-less command) and the 16-bit
// completion status word (0 for success). Responders are looked up by
// opcode; Fabric commands (opcode 0x7F) are looked up by their FCTYPE
// instead, since the capsule's NSID field carries that byte for Fabric
// commands.
type Responder func(capsule protocol.Capsule, inlineData []byte) (data []byte, status uint16)

// FakeTarget is an in-process NVMe-oF/TCP target: a loopback TCP listener
// that answers the initialize-connection handshake and a scripted set of
// command responses, driving the real transport/codec/dispatch/ctrl stack
// end to end instead of only exercising the codec in isolation.
type FakeTarget struct {
	ln net.Listener

	mu          sync.Mutex
	adminOps    map[uint8]Responder
	fabricOps   map[protocol.FabricCommandType]Responder
	ioOps       map[uint8]Responder
	cc          uint32
	csts        uint32
	cap         uint64
	nextCntlID  uint16
	ioccsz      uint32 // advertised via Identify Controller, drives inline threshold

	holdAsyncEvents bool
	pendingAERs     []pendingAER

	closed bool
	wg     sync.WaitGroup
}

// pendingAER records an Asynchronous Event Request capsule that HoldAsyncEvents
// left unanswered, awaiting a later InjectAsyncEventCompletion call.
type pendingAER struct {
	conn  net.Conn
	cmdID uint16
}

// NewFakeTarget starts a FakeTarget listening on an ephemeral loopback
// port. Callers read Addr() to point a Controller at it.
func NewFakeTarget() (*FakeTarget, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	ft := &FakeTarget{
		ln:         ln,
		adminOps:   make(map[uint8]Responder),
		fabricOps:  make(map[protocol.FabricCommandType]Responder),
		ioOps:      make(map[uint8]Responder),
		cap:        uint64(127) | uint64(30)<<24, // MQES=127, timeout=15s
		nextCntlID: 1,
		ioccsz:     (1024 + protocol.CapsuleSize) / 16, // 1024-byte inline threshold
	}
	ft.wg.Add(1)
	go ft.acceptLoop()
	return ft, nil
}

// Addr returns the "host:port" string to connect a Controller to.
func (f *FakeTarget) Addr() string {
	return f.ln.Addr().String()
}

// SetAdminResponder scripts a response for an admin opcode.
func (f *FakeTarget) SetAdminResponder(opcode protocol.AdminOpcode, r Responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adminOps[uint8(opcode)] = r
}

// SetIOResponder scripts a response for an I/O opcode.
func (f *FakeTarget) SetIOResponder(opcode protocol.IOOpcode, r Responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ioOps[uint8(opcode)] = r
}

// HoldAsyncEvents makes the target mirror a real controller's AER
// semantics: Asynchronous Event Request capsules are left unanswered
// instead of immediately acknowledged, until a later
// InjectAsyncEventCompletion call completes one.
func (f *FakeTarget) HoldAsyncEvents() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holdAsyncEvents = true
}

// PendingAsyncEventCount reports how many AERs HoldAsyncEvents is
// currently holding, uncompleted.
func (f *FakeTarget) PendingAsyncEventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pendingAERs)
}

// InjectAsyncEventCompletion completes the oldest AER held by
// HoldAsyncEvents, carrying dw0 as the completion's DW0 (the field
// internal/asyncevent.Decode unpacks into an Event). It errors if no AER
// is currently held.
func (f *FakeTarget) InjectAsyncEventCompletion(dw0 uint32) error {
	f.mu.Lock()
	if len(f.pendingAERs) == 0 {
		f.mu.Unlock()
		return fmt.Errorf("no outstanding async event request to complete")
	}
	aer := f.pendingAERs[0]
	f.pendingAERs = f.pendingAERs[1:]
	f.mu.Unlock()
	return writeRSPWithDW0(aer.conn, aer.cmdID, dw0, 0)
}

// Close stops accepting new connections and closes the listener.
func (f *FakeTarget) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	err := f.ln.Close()
	f.wg.Wait()
	return err
}

func (f *FakeTarget) acceptLoop() {
	defer f.wg.Done()
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.serve(conn)
		}()
	}
}

// serve drives one connection: the ICReq/ICResp handshake, then a loop of
// CMD PDUs answered per the scripted responders (or the built-in Fabric
// Connect/Property Get/Set/Identify Controller handling).
func (f *FakeTarget) serve(conn net.Conn) {
	defer conn.Close()

	if err := f.handshake(conn); err != nil {
		return
	}

	for {
		hdr, ext, payload, err := readPDU(conn)
		if err != nil {
			return
		}
		if hdr.Type != protocol.PDUTypeCommand {
			return
		}
		capsule, err := protocol.UnmarshalCapsule(ext)
		if err != nil {
			return
		}
		inline := payload
		if err := f.dispatch(conn, capsule, inline); err != nil {
			return
		}
	}
}

func (f *FakeTarget) handshake(conn net.Conn) error {
	hdr, _, payload, err := readPDU(conn)
	if err != nil {
		return err
	}
	if hdr.Type != protocol.PDUTypeICReq {
		return fmt.Errorf("expected ICReq, got %s", hdr.Type)
	}
	_ = payload

	resp := protocol.ICResp{PFV: 0, CPDA: 0, DigestFlag: 0, MAXH2CData: 1 << 20}
	body := resp.Marshal()
	h := protocol.Header{Type: protocol.PDUTypeICResp, HLen: protocol.ICPDUSize, PLen: protocol.ICPDUSize}
	hbuf := h.Marshal()
	_, err = conn.Write(append(hbuf[:], body[:]...))
	return err
}

// dispatch handles one capsule: built-in Fabric Connect/Property Get/
// Set/Identify Controller semantics so enableController's EN/CSTS.RDY
// polling and Connect's Identify fetch succeed, falling through to
// scripted admin/IO responders for everything else.
func (f *FakeTarget) dispatch(conn net.Conn, capsule protocol.Capsule, inline []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch protocol.AdminOpcode(capsule.Opcode) {
	case protocol.AdminOpFabric:
		return f.dispatchFabric(conn, capsule, inline)
	case protocol.AdminOpIdentify:
		return f.dispatchIdentify(conn, capsule)
	case protocol.AdminOpAsyncEvent:
		if f.holdAsyncEvents {
			f.pendingAERs = append(f.pendingAERs, pendingAER{conn: conn, cmdID: capsule.CommandID})
			return nil
		}
	}

	if r, ok := f.adminOps[capsule.Opcode]; ok {
		return f.runResponder(conn, capsule, inline, r)
	}
	if r, ok := f.ioOps[capsule.Opcode]; ok {
		return f.runResponder(conn, capsule, inline, r)
	}
	return writeRSP(conn, capsule.CommandID, 0)
}

func (f *FakeTarget) dispatchFabric(conn net.Conn, capsule protocol.Capsule, inline []byte) error {
	fctype := protocol.FabricCommandType(capsule.NSID & 0xFF)
	if r, ok := f.fabricOps[fctype]; ok {
		return f.runResponder(conn, capsule, inline, r)
	}

	switch fctype {
	case protocol.FabricTypeConnect:
		cntlID := f.nextCntlID
		f.nextCntlID++
		return writeRSPWithDW0(conn, capsule.CommandID, uint32(cntlID), 0)

	case protocol.FabricTypePropertySet:
		offset := capsule.CDW11
		value := uint64(capsule.CDW12) | uint64(capsule.CDW13)<<32
		if offset == 0x14 { // CC
			f.cc = uint32(value)
			if f.cc&0x1 != 0 { // EN
				f.csts = 0x1 // RDY
			} else {
				f.csts = 0
			}
		}
		return writeRSP(conn, capsule.CommandID, 0)

	case protocol.FabricTypePropertyGet:
		offset := capsule.CDW11
		var value uint64
		switch offset {
		case 0x00: // CAP
			value = f.cap
		case 0x1C: // CSTS
			value = uint64(f.csts)
		case 0x14: // CC
			value = uint64(f.cc)
		}
		return writeRSPWithDW0(conn, capsule.CommandID, uint32(value), 0)

	default:
		return writeRSP(conn, capsule.CommandID, 0)
	}
}

// dispatchIdentify answers Identify Controller with a minimal valid
// payload advertising this target's ioccsz, leaving every other field
// zero; callers that need a richer identity should script AdminOpIdentify
// via SetAdminResponder instead.
func (f *FakeTarget) dispatchIdentify(conn net.Conn, capsule protocol.Capsule) error {
	if r, ok := f.adminOps[uint8(protocol.AdminOpIdentify)]; ok {
		return f.runResponder(conn, capsule, nil, r)
	}
	data := make([]byte, protocol.IdentifyControllerDataSize)
	le := func(v uint32, off int) {
		data[off] = byte(v)
		data[off+1] = byte(v >> 8)
		data[off+2] = byte(v >> 16)
		data[off+3] = byte(v >> 24)
	}
	le(f.ioccsz, 1792) // IOCCSZ offset in ControllerIdentity
	return writeC2HDataSuccess(conn, capsule.CommandID, data)
}

func (f *FakeTarget) runResponder(conn net.Conn, capsule protocol.Capsule, inline []byte, r Responder) error {
	data, status := r(capsule, inline)
	if data == nil {
		return writeRSP(conn, capsule.CommandID, status)
	}
	if status != 0 {
		return writeC2HDataThenRSP(conn, capsule.CommandID, data, status)
	}
	return writeC2HDataSuccess(conn, capsule.CommandID, data)
}

// readPDU reads one PDU's header, extended header (if any), and payload
// directly off conn, mirroring internal/transport's framer but kept
// independent since the harness plays the target side of the protocol.
func readPDU(conn net.Conn) (protocol.Header, []byte, []byte, error) {
	var hb [protocol.HeaderSize]byte
	if _, err := readFull(conn, hb[:]); err != nil {
		return protocol.Header{}, nil, nil, err
	}
	hdr, err := protocol.UnmarshalHeader(hb[:])
	if err != nil {
		return protocol.Header{}, nil, nil, err
	}

	switch hdr.Type {
	case protocol.PDUTypeICReq:
		ext := make([]byte, protocol.ICPDUSize-protocol.HeaderSize)
		if _, err := readFull(conn, ext); err != nil {
			return protocol.Header{}, nil, nil, err
		}
		return hdr, ext, nil, nil
	default:
		ext := make([]byte, int(hdr.HLen)-protocol.HeaderSize)
		if _, err := readFull(conn, ext); err != nil {
			return protocol.Header{}, nil, nil, err
		}
		payload := make([]byte, int(hdr.PLen)-int(hdr.HLen))
		if _, err := readFull(conn, payload); err != nil {
			return protocol.Header{}, nil, nil, err
		}
		return hdr, ext, payload, nil
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeRSP(conn net.Conn, cmdID uint16, status uint16) error {
	return writeRSPWithDW0(conn, cmdID, 0, status)
}

func writeRSPWithDW0(conn net.Conn, cmdID uint16, dw0 uint32, status uint16) error {
	cpl := protocol.Completion{DW0: dw0, CID: cmdID, Status: status}
	body := cpl.Marshal()
	h := protocol.Header{Type: protocol.PDUTypeResponse, HLen: protocol.HeaderSize, PLen: protocol.HeaderSize + protocol.CompletionSize}
	hbuf := h.Marshal()
	_, err := conn.Write(append(hbuf[:], body[:]...))
	return err
}

// writeC2HDataSuccess writes the scripted payload as a single C2HData PDU
// with both the last-PDU and SUCCESS flags set, so no separate RSP PDU is
// needed (the common case a real target takes for a clean read).
func writeC2HDataSuccess(conn net.Conn, cmdID uint16, data []byte) error {
	flags := protocol.FlagC2HDataLastPDU | protocol.FlagC2HDataSuccess
	return writeC2HData(conn, cmdID, data, flags)
}

// writeC2HDataThenRSP writes the payload as a C2HData PDU without the
// SUCCESS flag, followed by a separate RSP carrying status.
func writeC2HDataThenRSP(conn net.Conn, cmdID uint16, data []byte, status uint16) error {
	if err := writeC2HData(conn, cmdID, data, protocol.FlagC2HDataLastPDU); err != nil {
		return err
	}
	return writeRSP(conn, cmdID, status)
}

func writeC2HData(conn net.Conn, cmdID uint16, data []byte, flags uint8) error {
	const extHdrSize = protocol.H2CDataHLen - protocol.HeaderSize
	var ext [extHdrSize]byte
	ext[0] = byte(cmdID)
	ext[1] = byte(cmdID >> 8)
	ext[4] = 0 // data offset, always 0 for this single-chunk harness
	le := func(v uint32, off int) {
		ext[off] = byte(v)
		ext[off+1] = byte(v >> 8)
		ext[off+2] = byte(v >> 16)
		ext[off+3] = byte(v >> 24)
	}
	le(uint32(len(data)), 8)

	h := protocol.Header{
		Type:  protocol.PDUTypeC2HData,
		Flags: flags,
		HLen:  protocol.H2CDataHLen,
		PLen:  uint32(protocol.H2CDataHLen + len(data)),
	}
	hbuf := h.Marshal()
	buf := append(hbuf[:], ext[:]...)
	buf = append(buf, data...)
	_, err := conn.Write(buf)
	return err
}
