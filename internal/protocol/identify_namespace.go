package protocol

import "encoding/binary"

// IdentifyNamespaceDataSize is the full Identify Namespace data structure
// length.
const IdentifyNamespaceDataSize = 4096

// LBAFormat is one entry of the Identify Namespace LBA Format list.
type LBAFormat struct {
	MetadataSize    uint16
	LBADataSizeLog2 uint8 // LBADS, log2 of the logical block size
	RelativePerf    uint8
}

// LogicalBlockSize returns 2^LBADS for this single format, or a 512-byte
// default when LBADS falls outside the realistic [9,16] range a real
// device reports (512B .. 64KiB blocks). Callers with a full
// NamespaceIdentity should prefer ActiveLBAFormat, which scans the other
// supported formats for a usable entry before falling back to this
// default.
func (f LBAFormat) LogicalBlockSize() uint32 {
	if f.LBADataSizeLog2 >= 9 && f.LBADataSizeLog2 <= 16 {
		return 1 << f.LBADataSizeLog2
	}
	return 512
}

// NamespaceIdentity is the subset of the 4096-byte Identify Namespace data
// structure this core exposes to callers.
type NamespaceIdentity struct {
	NSZE      uint64
	NCAP      uint64
	NUSE      uint64
	NSFeat    uint8
	NLBAF     uint8
	FLBAS     uint8
	MC        uint8
	DPC       uint8
	DPS       uint8
	NMIC      uint8
	RESCAP    uint8
	FPI       uint8
	DLFeat    uint8
	NAWUN     uint16
	NAWUPF    uint16
	NACWU     uint16
	NABSN     uint16
	NABO      uint16
	NABSPF    uint16
	NOIOB     uint16
	NVMCAP    [16]byte
	NPWG      uint16
	NPWA      uint16
	NPDG      uint16
	NPDA      uint16
	NOWS      uint16
	MSSRL     uint16
	MCL       uint32
	MSRC      uint8
	NULBAF    uint8
	ANAGrpID  uint32
	NSAttr    uint8
	NVMSetID  uint16
	EndGID    uint16
	NGUID     [16]byte
	EUI64     [8]byte
	LBAFormats [16]LBAFormat
}

// ParseNamespaceIdentity decodes a full 4096-byte Identify Namespace data
// structure.
func ParseNamespaceIdentity(b []byte) (NamespaceIdentity, error) {
	if len(b) != IdentifyNamespaceDataSize {
		return NamespaceIdentity{}, ErrShortBuffer
	}
	le := binary.LittleEndian
	n := NamespaceIdentity{
		NSZE:   le.Uint64(b[0:8]),
		NCAP:   le.Uint64(b[8:16]),
		NUSE:   le.Uint64(b[16:24]),
		NSFeat: b[24],
		NLBAF:  b[25],
		FLBAS:  b[26],
		MC:     b[27],
		DPC:    b[28],
		DPS:    b[29],
		NMIC:   b[30],
		RESCAP: b[31],
		FPI:    b[32],
		DLFeat: b[33],
		NAWUN:  le.Uint16(b[34:36]),
		NAWUPF: le.Uint16(b[36:38]),
		NACWU:  le.Uint16(b[38:40]),
		NABSN:  le.Uint16(b[40:42]),
		NABO:   le.Uint16(b[42:44]),
		NABSPF: le.Uint16(b[44:46]),
		NOIOB:  le.Uint16(b[46:48]),
	}
	copy(n.NVMCAP[:], b[48:64])
	n.NPWG = le.Uint16(b[64:66])
	n.NPWA = le.Uint16(b[66:68])
	n.NPDG = le.Uint16(b[68:70])
	n.NPDA = le.Uint16(b[70:72])
	n.NOWS = le.Uint16(b[72:74])
	n.MSSRL = le.Uint16(b[74:76])
	n.MCL = le.Uint32(b[76:80])
	n.MSRC = b[80]
	n.NULBAF = b[87]
	n.ANAGrpID = le.Uint32(b[92:96])
	n.NSAttr = b[96]
	n.NVMSetID = le.Uint16(b[97:99])
	n.EndGID = le.Uint16(b[99:101])
	copy(n.NGUID[:], b[104:120])
	copy(n.EUI64[:], b[120:128])
	for i := 0; i < 16; i++ {
		off := 128 + i*4
		raw := le.Uint32(b[off : off+4])
		n.LBAFormats[i] = LBAFormat{
			MetadataSize:    uint16(raw & 0xFFFF),
			LBADataSizeLog2: uint8((raw >> 16) & 0xFF),
			RelativePerf:    uint8((raw >> 24) & 0x3),
		}
	}
	return n, nil
}

// ActiveLBAFormat returns the LBA format selected by FLBAS (bits 3:0),
// falling back to the first supported format (LBAFormats[0:NLBAF+1]) with
// a usable LBADS in [9,16] when the indexed entry itself falls outside
// that range.
func (n NamespaceIdentity) ActiveLBAFormat() LBAFormat {
	idx := n.FLBAS & 0x0F
	f := n.LBAFormats[idx]
	if f.LBADataSizeLog2 >= 9 && f.LBADataSizeLog2 <= 16 {
		return f
	}

	last := int(n.NLBAF)
	if last >= len(n.LBAFormats) {
		last = len(n.LBAFormats) - 1
	}
	for i := 0; i <= last; i++ {
		if cand := n.LBAFormats[i]; cand.LBADataSizeLog2 >= 9 && cand.LBADataSizeLog2 <= 16 {
			return cand
		}
	}
	return f
}
