package protocol

import (
	"encoding/binary"
	"unsafe"
)

// CapsuleSize is the fixed NVMe command capsule length.
const CapsuleSize = 64

// AdminOpcode and IOOpcode share an underlying byte range but are kept as
// distinct types since the same numeric value means different things on the
// admin queue vs the I/O queue.
type AdminOpcode uint8
type IOOpcode uint8

const (
	AdminOpDeleteIOSQ AdminOpcode = 0x00
	AdminOpCreateIOSQ AdminOpcode = 0x01
	AdminOpGetLogPage AdminOpcode = 0x02
	AdminOpDeleteIOCQ AdminOpcode = 0x04
	AdminOpCreateIOCQ AdminOpcode = 0x05
	AdminOpIdentify   AdminOpcode = 0x06
	AdminOpAbort      AdminOpcode = 0x08
	AdminOpSetFeatures AdminOpcode = 0x09
	AdminOpGetFeatures AdminOpcode = 0x0A
	AdminOpAsyncEvent  AdminOpcode = 0x0C
	AdminOpKeepAlive   AdminOpcode = 0x18
	AdminOpFabric      AdminOpcode = 0x7F
)

const (
	IOOpFlush                IOOpcode = 0x00
	IOOpWrite                IOOpcode = 0x01
	IOOpRead                 IOOpcode = 0x02
	IOOpWriteUncorrectable   IOOpcode = 0x04
	IOOpCompare              IOOpcode = 0x05
	IOOpWriteZeroes          IOOpcode = 0x08
	IOOpReservationRegister  IOOpcode = 0x0D
	IOOpReservationReport    IOOpcode = 0x0E
	IOOpReservationAcquire   IOOpcode = 0x11
	IOOpReservationRelease   IOOpcode = 0x15
)

// FabricCommandType is the sub-opcode carried in byte 0 of CDW1 for Fabric
// commands (opcode AdminOpFabric / 0x7F).
type FabricCommandType uint8

const (
	FabricTypePropertySet FabricCommandType = 0x00
	FabricTypeConnect     FabricCommandType = 0x01
	FabricTypePropertyGet FabricCommandType = 0x04
)

// CmdFlagsSGL is the flags byte value used on every command in this core:
// PSDT=01b (SGL used), no fused operation.
const CmdFlagsSGL uint8 = 0x40

// SGLType selects the byte-39 type/subtype value for the fixed-form SGL
// descriptor this core emits.
type SGLType uint8

const (
	SGLTypeDataBlock     SGLType = 0x5A // data-in: Identify/Log/Report/Read
	SGLTypeDataBlockOut  SGLType = 0x01 // inline data-out: Write/reservation payload
	SGLTypeTransportData SGLType = 0x40 // transport SGL: large write routed via R2T
	SGLTypeNone          SGLType = 0x00 // admin non-data commands
)

// Capsule is the 64-byte NVMe command capsule. Bytes 8..31 (DW2-DW7 minus
// the SGL address) are unused by every command this core packs and are kept
// zero; only the fields this core exercises are named.
type Capsule struct {
	Opcode    uint8
	Flags     uint8
	CommandID uint16
	NSID      uint32
	_         [16]byte // bytes 8..23, unused
	SGLAddr   uint64   // bytes 24..31, unused (data is either inline or transport-addressed)
	SGLLength uint32   // bytes 32..35
	_         [3]byte  // bytes 36..38, reserved
	SGLType   byte     // byte 39
	CDW10     uint32
	CDW11     uint32
	CDW12     uint32
	CDW13     uint32
	CDW14     uint32
	CDW15     uint32
}

var _ [CapsuleSize]byte = [unsafe.Sizeof(Capsule{})]byte{}

// NewCapsule builds the common fields shared by every capsule: opcode,
// PSDT=SGL flags, command ID, and namespace ID.
func NewCapsule(opcode uint8, cmdID uint16, nsid uint32) Capsule {
	return Capsule{
		Opcode:    opcode,
		Flags:     CmdFlagsSGL,
		CommandID: cmdID,
		NSID:      nsid,
	}
}

// WithSGL sets the SGL descriptor fields (length + type/subtype byte).
func (c Capsule) WithSGL(length uint32, typ SGLType) Capsule {
	c.SGLLength = length
	c.SGLType = byte(typ)
	return c
}

// Marshal packs the capsule into its 64-byte wire form.
func (c Capsule) Marshal() [CapsuleSize]byte {
	var buf [CapsuleSize]byte
	buf[0] = c.Opcode
	buf[1] = c.Flags
	binary.LittleEndian.PutUint16(buf[2:4], c.CommandID)
	binary.LittleEndian.PutUint32(buf[4:8], c.NSID)
	binary.LittleEndian.PutUint64(buf[24:32], c.SGLAddr)
	binary.LittleEndian.PutUint32(buf[32:36], c.SGLLength)
	buf[39] = c.SGLType
	binary.LittleEndian.PutUint32(buf[40:44], c.CDW10)
	binary.LittleEndian.PutUint32(buf[44:48], c.CDW11)
	binary.LittleEndian.PutUint32(buf[48:52], c.CDW12)
	binary.LittleEndian.PutUint32(buf[52:56], c.CDW13)
	binary.LittleEndian.PutUint32(buf[56:60], c.CDW14)
	binary.LittleEndian.PutUint32(buf[60:64], c.CDW15)
	return buf
}

// UnmarshalCapsule parses a 64-byte capsule, used by the fake-target test
// harness to decode what the client sent.
func UnmarshalCapsule(b []byte) (Capsule, error) {
	if len(b) != CapsuleSize {
		return Capsule{}, ErrShortBuffer
	}
	return Capsule{
		Opcode:    b[0],
		Flags:     b[1],
		CommandID: binary.LittleEndian.Uint16(b[2:4]),
		NSID:      binary.LittleEndian.Uint32(b[4:8]),
		SGLAddr:   binary.LittleEndian.Uint64(b[24:32]),
		SGLLength: binary.LittleEndian.Uint32(b[32:36]),
		SGLType:   b[39],
		CDW10:     binary.LittleEndian.Uint32(b[40:44]),
		CDW11:     binary.LittleEndian.Uint32(b[44:48]),
		CDW12:     binary.LittleEndian.Uint32(b[48:52]),
		CDW13:     binary.LittleEndian.Uint32(b[52:56]),
		CDW14:     binary.LittleEndian.Uint32(b[56:60]),
		CDW15:     binary.LittleEndian.Uint32(b[60:64]),
	}, nil
}

// Completion is the 16-byte NVMe completion queue entry (CQE).
type Completion struct {
	DW0    uint32
	DW1    uint32
	SQHead uint16
	SQID   uint16
	CID    uint16
	Status uint16
}

var _ [CompletionSize]byte = [unsafe.Sizeof(Completion{})]byte{}

// StatusCode extracts the 8-bit NVMe status code (SC) from the 16-bit
// Status field: bits 8:1. Bit 0 is the phase-tag position of a completion
// status word and holds no part of the status code.
func (c Completion) StatusCode() uint8 {
	return uint8((c.Status >> 1) & 0xFF)
}

// DNR reports the Don't-Retry bit of the status word.
func (c Completion) DNR() bool { return (c.Status>>15)&0x1 != 0 }

// More reports the More bit of the status word.
func (c Completion) More() bool { return (c.Status>>14)&0x1 != 0 }

// UnmarshalCompletion parses a 16-byte RSP PDU payload into a Completion.
func UnmarshalCompletion(b []byte) (Completion, error) {
	if len(b) != CompletionSize {
		return Completion{}, ErrShortBuffer
	}
	return Completion{
		DW0:    binary.LittleEndian.Uint32(b[0:4]),
		DW1:    binary.LittleEndian.Uint32(b[4:8]),
		SQHead: binary.LittleEndian.Uint16(b[8:10]),
		SQID:   binary.LittleEndian.Uint16(b[10:12]),
		CID:    binary.LittleEndian.Uint16(b[12:14]),
		Status: binary.LittleEndian.Uint16(b[14:16]),
	}, nil
}

// Marshal packs a Completion, used by the fake-target test harness.
func (c Completion) Marshal() [CompletionSize]byte {
	var buf [CompletionSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], c.DW0)
	binary.LittleEndian.PutUint32(buf[4:8], c.DW1)
	binary.LittleEndian.PutUint16(buf[8:10], c.SQHead)
	binary.LittleEndian.PutUint16(buf[10:12], c.SQID)
	binary.LittleEndian.PutUint16(buf[12:14], c.CID)
	binary.LittleEndian.PutUint16(buf[14:16], c.Status)
	return buf
}
