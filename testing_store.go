package nvmeof

import (
	"sync"

	"github.com/truenas/nvmeof-client/internal/protocol"
)

// namespaceShardSize mirrors the sharded-locking granularity used by the
// original RAM backend this type is adapted from: large enough to keep
// lock overhead low, small enough to let concurrent I/O to different
// regions of a namespace proceed in parallel.
const namespaceShardSize = 64 * 1024

// MemoryNamespace is a sharded in-memory block store backing a FakeTarget
// namespace, so scripted tests see real read-after-write behavior instead
// of having to hand-author every response.
type MemoryNamespace struct {
	data   []byte
	size   int64
	shards []sync.RWMutex
}

// NewMemoryNamespace allocates a zero-filled namespace of size bytes.
func NewMemoryNamespace(size int64) *MemoryNamespace {
	numShards := (size + namespaceShardSize - 1) / namespaceShardSize
	if numShards < 1 {
		numShards = 1
	}
	return &MemoryNamespace{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

func (m *MemoryNamespace) shardRange(off, length int64) (start, end int) {
	start = int(off / namespaceShardSize)
	end = int((off + length - 1) / namespaceShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

// ReadAt copies min(len(p), size-off) bytes from the namespace at off.
func (m *MemoryNamespace) ReadAt(p []byte, off int64) int {
	if off >= m.size {
		return 0
	}
	if available := m.size - off; int64(len(p)) > available {
		p = p[:available]
	}
	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	for i := start; i <= end; i++ {
		m.shards[i].RUnlock()
	}
	return n
}

// WriteAt copies p into the namespace at off, truncating at the namespace
// boundary.
func (m *MemoryNamespace) WriteAt(p []byte, off int64) int {
	if off >= m.size {
		return 0
	}
	if available := m.size - off; int64(len(p)) > available {
		p = p[:available]
	}
	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}
	return n
}

// ZeroAt zeroes length bytes starting at off, truncating at the namespace
// boundary.
func (m *MemoryNamespace) ZeroAt(off, length int64) {
	if off >= m.size {
		return
	}
	end := off + length
	if end > m.size {
		end = m.size
	}
	startShard, endShard := m.shardRange(off, end-off)
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}
	for i := off; i < end; i++ {
		m.data[i] = 0
	}
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Unlock()
	}
}

// Size returns the namespace capacity in bytes.
func (m *MemoryNamespace) Size() int64 {
	return m.size
}

// UseMemoryNamespace backs nsid with a fresh MemoryNamespace of the given
// block size and block count, and registers Read/Write/Compare/Flush/
// WriteZeroes responders against it. The returned namespace can be
// inspected directly by tests that want to assert on underlying bytes.
func (f *FakeTarget) UseMemoryNamespace(nsid uint32, blockSize uint32, numBlocks uint64) *MemoryNamespace {
	ns := NewMemoryNamespace(int64(blockSize) * int64(numBlocks))

	lbaOffset := func(lba uint64) int64 { return int64(lba) * int64(blockSize) }
	nlbBytes := func(nlb uint16) int64 { return int64(nlb+1) * int64(blockSize) }

	f.SetIOResponder(protocol.IOOpRead, func(capsule protocol.Capsule, _ []byte) ([]byte, uint16) {
		if capsule.NSID != nsid {
			return nil, uint16(0x0B) << 1 // invalid namespace, Generic SCT
		}
		lba := uint64(capsule.CDW10) | uint64(capsule.CDW11)<<32
		nlb := uint16(capsule.CDW12 & 0xFFFF)
		buf := make([]byte, nlbBytes(nlb))
		ns.ReadAt(buf, lbaOffset(lba))
		return buf, 0
	})

	f.SetIOResponder(protocol.IOOpWrite, func(capsule protocol.Capsule, inline []byte) ([]byte, uint16) {
		if capsule.NSID != nsid {
			return nil, uint16(0x0B) << 1
		}
		lba := uint64(capsule.CDW10) | uint64(capsule.CDW11)<<32
		ns.WriteAt(inline, lbaOffset(lba))
		return nil, 0
	})

	f.SetIOResponder(protocol.IOOpCompare, func(capsule protocol.Capsule, inline []byte) ([]byte, uint16) {
		if capsule.NSID != nsid {
			return nil, uint16(0x0B) << 1
		}
		lba := uint64(capsule.CDW10) | uint64(capsule.CDW11)<<32
		nlb := uint16(capsule.CDW12 & 0xFFFF)
		have := make([]byte, nlbBytes(nlb))
		ns.ReadAt(have, lbaOffset(lba))
		for i := range have {
			if i >= len(inline) || have[i] != inline[i] {
				return nil, uint16(0x85) << 1 // compare failure, Generic SCT
			}
		}
		return nil, 0
	})

	f.SetIOResponder(protocol.IOOpWriteZeroes, func(capsule protocol.Capsule, _ []byte) ([]byte, uint16) {
		if capsule.NSID != nsid {
			return nil, uint16(0x0B) << 1
		}
		lba := uint64(capsule.CDW10) | uint64(capsule.CDW11)<<32
		nlb := uint16(capsule.CDW12 & 0xFFFF)
		ns.ZeroAt(lbaOffset(lba), nlbBytes(nlb))
		return nil, 0
	})

	f.SetIOResponder(protocol.IOOpFlush, func(capsule protocol.Capsule, _ []byte) ([]byte, uint16) {
		return nil, 0
	})

	return ns
}
