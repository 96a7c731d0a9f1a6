package protocol

import "encoding/binary"

// ANAState is the Asymmetric Namespace Access state of a group.
type ANAState uint8

const (
	ANAOptimized      ANAState = 0x01
	ANANonOptimized   ANAState = 0x02
	ANAInaccessible   ANAState = 0x03
	ANAPersistentLoss ANAState = 0x04
	ANAChange         ANAState = 0x0F
)

// ANALogHeaderSize is the fixed header length of the ANA log page, before
// the variable-length group descriptors.
const ANALogHeaderSize = 16

// ANAGroupDescHeaderSize is the fixed portion of each ANA group descriptor,
// before its variable-length NSID list.
const ANAGroupDescHeaderSize = 32

// ANALogHeader is the fixed header of the ANA log page.
type ANALogHeader struct {
	ChangeCount uint64
	NumGroups   uint16
}

// ParseANALogHeader decodes the first 16 bytes of the ANA log page.
func ParseANALogHeader(b []byte) (ANALogHeader, error) {
	if len(b) < ANALogHeaderSize {
		return ANALogHeader{}, ErrShortBuffer
	}
	return ANALogHeader{
		ChangeCount: binary.LittleEndian.Uint64(b[0:8]),
		NumGroups:   binary.LittleEndian.Uint16(b[8:10]),
	}, nil
}

// ANAGroupDescriptor is one ANA group descriptor: a group ID, its current
// ANA state, and the namespace IDs belonging to the group.
type ANAGroupDescriptor struct {
	GroupID   uint32
	NumNSIDs  uint32
	ChangeCnt uint64
	State     ANAState
	NSIDs     []uint32
}

// ParseANAGroupDescriptors walks the variable-length group descriptor list
// following the ANA log header, returning each descriptor and the total
// number of bytes consumed.
func ParseANAGroupDescriptors(b []byte, numGroups uint16) ([]ANAGroupDescriptor, int, error) {
	le := binary.LittleEndian
	groups := make([]ANAGroupDescriptor, 0, numGroups)
	off := 0
	for i := uint16(0); i < numGroups; i++ {
		if off+ANAGroupDescHeaderSize > len(b) {
			return nil, off, ErrShortBuffer
		}
		g := ANAGroupDescriptor{
			GroupID:   le.Uint32(b[off : off+4]),
			NumNSIDs:  le.Uint32(b[off+4 : off+8]),
			ChangeCnt: le.Uint64(b[off+8 : off+16]),
			State:     ANAState(b[off+16] & 0x0F),
		}
		off += ANAGroupDescHeaderSize
		nsidBytes := int(g.NumNSIDs) * 4
		if off+nsidBytes > len(b) {
			return nil, off, ErrShortBuffer
		}
		g.NSIDs = make([]uint32, g.NumNSIDs)
		for j := range g.NSIDs {
			g.NSIDs[j] = le.Uint32(b[off+j*4 : off+j*4+4])
		}
		off += nsidBytes
		groups = append(groups, g)
	}
	return groups, off, nil
}
