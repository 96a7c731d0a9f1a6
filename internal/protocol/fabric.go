package protocol

import "encoding/binary"

// ICPDUPayloadSize is the length of the extended header carried by both
// ICReq and ICResp, i.e. the PDU body after the 8-byte common header.
const ICPDUPayloadSize = ICPDUSize - HeaderSize

// ICReq is the Initialize Connection Request extended header. Every field
// after PFV is reserved and MAY be zero; this core always sends zeroes.
type ICReq struct {
	PFV      uint16
	_        uint8 // HPDA, unused
	_        uint8 // digest flags, unused (no digests supported)
	MAXR2T   uint32
}

// Marshal packs the ICReq into its 120-byte body (the rest of a 128-byte
// PDU once the 8-byte common header is prepended by the caller).
func (r ICReq) Marshal() [ICPDUPayloadSize]byte {
	var buf [ICPDUPayloadSize]byte
	binary.LittleEndian.PutUint16(buf[0:2], r.PFV)
	binary.LittleEndian.PutUint32(buf[4:8], r.MAXR2T)
	return buf
}

// ICResp is the Initialize Connection Response extended header.
type ICResp struct {
	PFV        uint16
	CPDA       uint8
	DigestFlag uint8
	MAXH2CData uint32
}

// Marshal packs the ICResp into its 120-byte body, the inverse of
// UnmarshalICResp.
func (r ICResp) Marshal() [ICPDUPayloadSize]byte {
	var buf [ICPDUPayloadSize]byte
	binary.LittleEndian.PutUint16(buf[0:2], r.PFV)
	buf[2] = r.CPDA
	buf[3] = r.DigestFlag
	binary.LittleEndian.PutUint32(buf[4:8], r.MAXH2CData)
	return buf
}

// UnmarshalICResp parses the 120-byte ICResp body.
func UnmarshalICResp(b []byte) (ICResp, error) {
	if len(b) != ICPDUPayloadSize {
		return ICResp{}, ErrShortBuffer
	}
	resp := ICResp{
		PFV:        binary.LittleEndian.Uint16(b[0:2]),
		CPDA:       b[2],
		DigestFlag: b[3],
		MAXH2CData: binary.LittleEndian.Uint32(b[4:8]),
	}
	if resp.PFV != 0x0000 {
		return ICResp{}, ErrBadPFV
	}
	return resp, nil
}

// ConnectDataSize is the fixed length of the Fabric Connect command's data
// payload.
const ConnectDataSize = 1024

// ConnectData is the data payload sent with a Fabric Connect command,
// carrying the host identity and the NQNs of both ends.
type ConnectData struct {
	HostID       [16]byte
	ControllerID uint16
	SUBNQN       string // up to 256 bytes, NUL padded
	HostNQN      string // up to 256 bytes, NUL padded
}

// Marshal packs ConnectData into its 1024-byte wire form. SUBNQN and
// HostNQN longer than 256 bytes are truncated; callers are expected to
// validate NQN length before calling.
func (d ConnectData) Marshal() [ConnectDataSize]byte {
	var buf [ConnectDataSize]byte
	copy(buf[0:16], d.HostID[:])
	binary.LittleEndian.PutUint16(buf[16:18], d.ControllerID)
	copy(buf[256:512], []byte(d.SUBNQN))
	copy(buf[512:768], []byte(d.HostNQN))
	return buf
}

// NewFabricCapsule builds the common part of every Fabric command: opcode
// 0x7F with the Fabric Command Type packed into the byte the generic
// capsule layout calls NSID (Fabric commands carry no namespace).
func NewFabricCapsule(fctype FabricCommandType, cmdID uint16) Capsule {
	return NewCapsule(uint8(AdminOpFabric), cmdID, uint32(fctype))
}

// CDW10/CDW11 layout for the Fabric Connect command, and CDW10 layout for
// Property Get/Set, are built by these small helpers rather than generic
// named structs since each only has one or two meaningful subfields.

// ConnectCDW10 packs the Connect command's QID (bits 31:16) and SQSIZE
// (bits 15:0, queue size minus one).
func ConnectCDW10(qid uint16, sqsizeMinusOne uint16) uint32 {
	return uint32(qid)<<16 | uint32(sqsizeMinusOne)
}

// ConnectCDW11 packs the Connect command's CATTR (bit 0: set for the admin
// queue when Connect Attributes indicate this is the admin connection).
// The keep-alive timeout goes in CDW12 via ConnectKATO.
func ConnectCDW11(adminQueue bool) uint32 {
	if adminQueue {
		return 1
	}
	return 0
}

// PropertyAttribOffset packs the Property Get/Set CDW10 ATTRIB (bit 0: set
// for an 8-byte property, clear for 4-byte) and the CDW11 property offset
// into separate return values since the capsule stores them in different
// dwords.
func PropertyAttribOffset(offset uint32, size8Byte bool) (cdw10, cdw11 uint32) {
	if size8Byte {
		cdw10 = 1
	}
	return cdw10, offset
}

// PropertySetValue packs the value dwords for Property Set: CDW12 (low 32
// bits) and CDW13 (high 32 bits, zero for a 4-byte property).
func PropertySetValue(value uint64) (cdw12, cdw13 uint32) {
	return uint32(value), uint32(value >> 32)
}

// ConnectKATO packs the Connect command's CDW12 keep-alive timeout, in
// milliseconds.
func ConnectKATO(kato uint32) uint32 { return kato }
