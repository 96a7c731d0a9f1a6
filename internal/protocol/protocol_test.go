package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Type: PDUTypeCommand, Flags: 0, HLen: CommandHLen, PDO: 0, PLen: 136}
	buf := h.Marshal()
	got, err := UnmarshalHeader(buf[:])
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestHeaderAllZeroIsPeerClosed(t *testing.T) {
	var buf [HeaderSize]byte
	_, err := UnmarshalHeader(buf[:])
	require.ErrorIs(t, err, ErrPeerClosed)
}

func TestHeaderMalformedHLenGreaterThanPLen(t *testing.T) {
	h := Header{Type: PDUTypeC2HData, HLen: 200, PLen: 50}
	buf := h.Marshal()
	_, err := UnmarshalHeader(buf[:])
	require.ErrorIs(t, err, ErrMalformedHeader)
}

func TestCapsuleShapeIdentify(t *testing.T) {
	c := NewCapsule(uint8(AdminOpIdentify), 7, 0).WithSGL(IdentifyControllerDataSize, SGLTypeDataBlock)
	c.CDW10 = uint32(CNSController)
	buf := c.Marshal()
	require.Len(t, buf, CapsuleSize)

	got, err := UnmarshalCapsule(buf[:])
	require.NoError(t, err)
	require.Equal(t, c, got)
	require.Equal(t, byte(SGLTypeDataBlock), got.SGLType)
	require.Equal(t, uint32(IdentifyControllerDataSize), got.SGLLength)
}

func TestCapsuleShapeWriteInline(t *testing.T) {
	c := NewCapsule(uint8(IOOpWrite), 3, 1).WithSGL(512, SGLTypeDataBlockOut)
	buf := c.Marshal()
	got, err := UnmarshalCapsule(buf[:])
	require.NoError(t, err)
	require.Equal(t, byte(SGLTypeDataBlockOut), got.SGLType)
}

func TestCompletionStatusExtraction(t *testing.T) {
	cpl := Completion{CID: 42, Status: 0x0002} // SC=1, generic, success bit clear
	require.Equal(t, uint8(1), cpl.StatusCode())
	require.False(t, cpl.DNR())

	buf := cpl.Marshal()
	got, err := UnmarshalCompletion(buf[:])
	require.NoError(t, err)
	require.Equal(t, cpl, got)
}

func TestDecodeStatusSuccess(t *testing.T) {
	ds := DecodeStatus(0x0000)
	require.True(t, ds.IsSuccess())
	require.Equal(t, "successful completion", ds.Description)
}

func TestDecodeStatusInvalidField(t *testing.T) {
	ds := DecodeStatus(0x02 << 1)
	require.False(t, ds.IsSuccess())
	require.Equal(t, uint8(0x02), ds.Code)
	require.Equal(t, "invalid field in command", ds.Description)
}

func TestChangedNamespaceListOverflow(t *testing.T) {
	var b [ChangedNSListSize]byte
	b[0], b[1], b[2], b[3] = 0xFF, 0xFF, 0xFF, 0xFF
	nsids, overflow, err := ParseChangedNamespaceList(b[:])
	require.NoError(t, err)
	require.True(t, overflow)
	require.Nil(t, nsids)
}

func TestChangedNamespaceListStopsAtZero(t *testing.T) {
	var b [ChangedNSListSize]byte
	b[0] = 1
	b[4] = 2
	// b[8:12] left zero, terminating the list.
	b[12] = 3
	nsids, overflow, err := ParseChangedNamespaceList(b[:])
	require.NoError(t, err)
	require.False(t, overflow)
	require.Equal(t, []uint32{1, 2}, nsids)
}

func TestLBASizeFallbackOutOfRange(t *testing.T) {
	f := LBAFormat{LBADataSizeLog2: 0}
	require.Equal(t, uint32(512), f.LogicalBlockSize())

	f = LBAFormat{LBADataSizeLog2: 12}
	require.Equal(t, uint32(4096), f.LogicalBlockSize())
}

func TestActiveLBAFormatFallsBackToAnotherEntry(t *testing.T) {
	var n NamespaceIdentity
	n.NLBAF = 1
	n.FLBAS = 0                                   // indexes LBAFormats[0], which is out of range
	n.LBAFormats[0] = LBAFormat{LBADataSizeLog2: 0}
	n.LBAFormats[1] = LBAFormat{LBADataSizeLog2: 12}

	got := n.ActiveLBAFormat()
	require.Equal(t, uint8(12), got.LBADataSizeLog2)
	require.Equal(t, uint32(4096), got.LogicalBlockSize())
}

func TestActiveLBAFormatUsesIndexedEntryWhenValid(t *testing.T) {
	var n NamespaceIdentity
	n.NLBAF = 1
	n.FLBAS = 1
	n.LBAFormats[0] = LBAFormat{LBADataSizeLog2: 9}
	n.LBAFormats[1] = LBAFormat{LBADataSizeLog2: 12}

	got := n.ActiveLBAFormat()
	require.Equal(t, uint8(12), got.LBADataSizeLog2)
}

func TestActiveLBAFormatAllInvalidReturnsIndexedEntry(t *testing.T) {
	var n NamespaceIdentity
	n.NLBAF = 0
	n.FLBAS = 0
	n.LBAFormats[0] = LBAFormat{LBADataSizeLog2: 0}

	got := n.ActiveLBAFormat()
	require.Equal(t, uint32(512), got.LogicalBlockSize())
}

func TestDecodeStatusCompareFailureAboveSevenBits(t *testing.T) {
	ds := DecodeStatus(uint16(0x85) << 1)
	require.Equal(t, uint8(0x85), ds.Code)
	require.Equal(t, SCTGeneric, ds.Type)
}

func TestDecodeStatusReservationConflict(t *testing.T) {
	ds := DecodeStatus(uint16(0x83) << 1)
	require.Equal(t, uint8(0x83), ds.Code)
	require.Equal(t, "reservation conflict", ds.Description)
}

func TestICRespRejectsBadPFV(t *testing.T) {
	r := ICResp{PFV: 1, MAXH2CData: 8192}
	buf := make([]byte, ICPDUPayloadSize)
	buf[0] = 1
	_, err := UnmarshalICResp(buf)
	require.ErrorIs(t, err, ErrBadPFV)
	_ = r
}

func TestInlineDataOffsetComputation(t *testing.T) {
	c := ControllerIdentity{IOCCSZ: 4} // 4*16 = 64 bytes, no room for inline data
	require.Equal(t, uint32(0), c.InlineDataOffset())

	c = ControllerIdentity{IOCCSZ: 20} // 20*16 = 320 bytes
	require.Equal(t, uint32(320-CapsuleSize), c.InlineDataOffset())
}
