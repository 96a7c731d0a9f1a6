package protocol

import "encoding/binary"

// R2TSize is the length of the R2T PDU's extended header (the whole PDU
// payload; R2T carries no data of its own).
const R2TSize = R2TPSHSize

// R2T is a Ready To Transfer PDU: the target's request for the host to
// send one more chunk of write data via H2CData.
type R2T struct {
	CommandID    uint16
	TransferTag  uint16
	DataOffset   uint32
	DataLength   uint32
}

// UnmarshalR2T parses the 16-byte R2T extended header.
func UnmarshalR2T(b []byte) (R2T, error) {
	if len(b) != R2TSize {
		return R2T{}, ErrShortBuffer
	}
	le := binary.LittleEndian
	return R2T{
		CommandID:   le.Uint16(b[0:2]),
		TransferTag: le.Uint16(b[2:4]),
		DataOffset:  le.Uint32(b[4:8]),
		DataLength:  le.Uint32(b[8:12]),
	}, nil
}

// H2CDataHeaderSize is the length of the H2CData PDU's extended header.
const H2CDataHeaderSize = H2CDataHLen - HeaderSize

// C2HDataHeader is the extended header carried by a C2HData PDU: the
// command ID it answers, a transfer tag (unused by this core, always 0),
// and the offset/length of the chunk.
type C2HDataHeader struct {
	CommandID   uint16
	TransferTag uint16
	DataOffset  uint32
	DataLength  uint32
}

// UnmarshalC2HDataHeader parses a C2HData PDU's variable-length extended
// header (hlen-8 bytes; this core only reads the leading 12 bytes it
// understands and ignores any trailing digest bytes).
func UnmarshalC2HDataHeader(b []byte) (C2HDataHeader, error) {
	if len(b) < 12 {
		return C2HDataHeader{}, ErrShortBuffer
	}
	le := binary.LittleEndian
	return C2HDataHeader{
		CommandID:   le.Uint16(b[0:2]),
		TransferTag: le.Uint16(b[2:4]),
		DataOffset:  le.Uint32(b[4:8]),
		DataLength:  le.Uint32(b[8:12]),
	}, nil
}
