package protocol

import "encoding/binary"

// ChangedNSListSize is the fixed length of the Changed Namespace List log
// page: up to 1024 4-byte namespace IDs.
const ChangedNSListSize = 4096

// ChangedNSListOverflowNSID marks that more than 1024 namespaces changed
// since the list was last read; the full set cannot be enumerated this way.
const ChangedNSListOverflowNSID uint32 = 0xFFFFFFFF

// ParseChangedNamespaceList decodes the Changed Namespace List log page,
// stopping at the first zero entry (terminator) and reporting overflow
// when the first entry is the all-Fs sentinel.
func ParseChangedNamespaceList(b []byte) (nsids []uint32, overflow bool, err error) {
	if len(b) != ChangedNSListSize {
		return nil, false, ErrShortBuffer
	}
	le := binary.LittleEndian
	first := le.Uint32(b[0:4])
	if first == ChangedNSListOverflowNSID {
		return nil, true, nil
	}
	for off := 0; off+4 <= len(b); off += 4 {
		nsid := le.Uint32(b[off : off+4])
		if nsid == 0 {
			break
		}
		nsids = append(nsids, nsid)
	}
	return nsids, false, nil
}
