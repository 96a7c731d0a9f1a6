package protocol

import (
	"bytes"
	"encoding/binary"
)

// IdentifyControllerDataSize is the full Identify Controller data structure
// length, per NVM Express Base Specification "Identify Controller data
// structure".
const IdentifyControllerDataSize = 4096

// IdentifyCNS selects which Identify data structure a CNS=... Identify
// command requests.
type IdentifyCNS uint8

const (
	CNSNamespace          IdentifyCNS = 0x00
	CNSController         IdentifyCNS = 0x01
	CNSActiveNamespaceList IdentifyCNS = 0x02
)

// ControllerIdentity is the subset of the 4096-byte Identify Controller
// data structure this core exposes to callers.
type ControllerIdentity struct {
	VID      uint16
	SSVID    uint16
	SN       string
	MN       string
	FR       string
	RAB      uint8
	IEEE     uint32 // 24-bit OUI, low 3 bytes significant
	CMIC     uint8
	MDTS     uint8
	CNTLID   uint16
	VER      uint32
	RTD3R    uint32
	RTD3E    uint32
	OAES     uint32
	CTRATT   uint32
	RRLS     uint16
	CNTRLType uint8
	FGUID    [16]byte
	CRDT1    uint16
	CRDT2    uint16
	CRDT3    uint16
	OACS     uint16
	ACL      uint8
	AERL     uint8
	FRMW     uint8
	LPA      uint8
	ELPE     uint8
	NPSS     uint8
	AVSCC    uint8
	APSTA    uint8
	WCTEMP   uint16
	CCTEMP   uint16
	MTFA     uint16
	HMPRE    uint32
	HMMIN    uint32
	TNVMCAP  [16]byte
	UNVMCAP  [16]byte
	RPMBS    uint32
	EDSTT    uint16
	DSTO     uint8
	FWUG     uint8
	KAS      uint16
	HCTMA    uint16
	MNTMT    uint16
	MXTMT    uint16
	SANICAP  uint32
	HMMINDS  uint32
	HMMAXD   uint16
	NSETIDMax uint16
	ENDGIDMax uint16
	ANATT     uint8
	ANACAP    uint8
	ANAGRPMax uint32
	NANAGRPID uint32
	PELS      uint32
	SQES      uint8
	CQES      uint8
	MAXCMD    uint16
	NN        uint32
	ONCS      uint16
	FUSES     uint16
	FNA       uint8
	VWC       uint8
	AWUN      uint16
	AWUPF     uint16
	NVSCC     uint8
	NWPC      uint8
	ACWU      uint16
	SGLS      uint32
	MNAN      uint32
	SUBNQN    string
	IOCCSZ    uint32
	IORCSZ    uint32
	ICDOFF    uint16
	CTRATTR   uint8
	MSDBD     uint8
}

// ParseControllerIdentity decodes a full 4096-byte Identify Controller data
// structure.
func ParseControllerIdentity(b []byte) (ControllerIdentity, error) {
	if len(b) != IdentifyControllerDataSize {
		return ControllerIdentity{}, ErrShortBuffer
	}
	le := binary.LittleEndian
	c := ControllerIdentity{
		VID:       le.Uint16(b[0:2]),
		SSVID:     le.Uint16(b[2:4]),
		SN:        trimASCII(b[4:24]),
		MN:        trimASCII(b[24:64]),
		FR:        trimASCII(b[64:72]),
		RAB:       b[72],
		IEEE:      uint32(b[73]) | uint32(b[74])<<8 | uint32(b[75])<<16,
		CMIC:      b[76],
		MDTS:      b[77],
		CNTLID:    le.Uint16(b[78:80]),
		VER:       le.Uint32(b[80:84]),
		RTD3R:     le.Uint32(b[84:88]),
		RTD3E:     le.Uint32(b[88:92]),
		OAES:      le.Uint32(b[92:96]),
		CTRATT:    le.Uint32(b[96:100]),
		RRLS:      le.Uint16(b[100:102]),
		CNTRLType: b[111],
	}
	copy(c.FGUID[:], b[112:128])
	c.CRDT1 = le.Uint16(b[134:136])
	c.CRDT2 = le.Uint16(b[136:138])
	c.CRDT3 = le.Uint16(b[138:140])
	c.OACS = le.Uint16(b[256:258])
	c.ACL = b[258]
	c.AERL = b[259]
	c.FRMW = b[260]
	c.LPA = b[261]
	c.ELPE = b[262]
	c.NPSS = b[263]
	c.AVSCC = b[264]
	c.APSTA = b[265]
	c.WCTEMP = le.Uint16(b[266:268])
	c.CCTEMP = le.Uint16(b[268:270])
	c.MTFA = le.Uint16(b[270:272])
	c.HMPRE = le.Uint32(b[272:276])
	c.HMMIN = le.Uint32(b[276:280])
	copy(c.TNVMCAP[:], b[280:296])
	copy(c.UNVMCAP[:], b[296:312])
	c.RPMBS = le.Uint32(b[312:316])
	c.EDSTT = le.Uint16(b[316:318])
	c.DSTO = b[318]
	c.FWUG = b[319]
	c.KAS = le.Uint16(b[320:322])
	c.HCTMA = le.Uint16(b[322:324])
	c.MNTMT = le.Uint16(b[324:326])
	c.MXTMT = le.Uint16(b[326:328])
	c.SANICAP = le.Uint32(b[328:332])
	c.HMMINDS = le.Uint32(b[332:336])
	c.HMMAXD = le.Uint16(b[336:338])
	c.NSETIDMax = le.Uint16(b[338:340])
	c.ENDGIDMax = le.Uint16(b[340:342])
	c.ANATT = b[342]
	c.ANACAP = b[343]
	c.ANAGRPMax = le.Uint32(b[344:348])
	c.NANAGRPID = le.Uint32(b[348:352])
	c.PELS = le.Uint32(b[352:356])
	c.SQES = b[512]
	c.CQES = b[513]
	c.MAXCMD = le.Uint16(b[514:516])
	c.NN = le.Uint32(b[516:520])
	c.ONCS = le.Uint16(b[520:522])
	c.FUSES = le.Uint16(b[522:524])
	c.FNA = b[524]
	c.VWC = b[525]
	c.AWUN = le.Uint16(b[526:528])
	c.AWUPF = le.Uint16(b[528:530])
	c.NVSCC = b[530]
	c.NWPC = b[531]
	c.ACWU = le.Uint16(b[532:534])
	c.SGLS = le.Uint32(b[536:540])
	c.MNAN = le.Uint32(b[540:544])
	c.SUBNQN = trimASCII(b[768:1024])
	c.IOCCSZ = le.Uint32(b[1792:1796])
	c.IORCSZ = le.Uint32(b[1796:1800])
	c.ICDOFF = le.Uint16(b[1800:1802])
	c.CTRATTR = b[1802]
	c.MSDBD = b[1803]
	return c, nil
}

// InlineDataOffset computes the maximum command-capsule-embedded data
// length, ioccsz (units of 16 bytes, includes the 64-byte capsule itself)
// minus the capsule size.
func (c ControllerIdentity) InlineDataOffset() uint32 {
	if c.IOCCSZ == 0 {
		return 0
	}
	total := c.IOCCSZ * 16
	if total < CapsuleSize {
		return 0
	}
	return total - CapsuleSize
}

func trimASCII(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimRight(b, " "))
}
