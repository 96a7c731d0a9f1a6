package ctrl

import (
	"context"
	"fmt"

	"github.com/truenas/nvmeof-client/internal/constants"
	"github.com/truenas/nvmeof-client/internal/dispatch"
	"github.com/truenas/nvmeof-client/internal/protocol"
	"github.com/truenas/nvmeof-client/internal/queue"
	"github.com/truenas/nvmeof-client/internal/transport"
)

// SetupIOQueues establishes the single I/O queue this client uses: a fresh
// TCP connection to the same target, handshaken and Fabric-Connected with
// a non-admin QID.
func (c *Controller) SetupIOQueues(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return fmt.Errorf("setup io queues called in state %s", c.state)
	}
	if c.params.SubsystemNQN == constants.DiscoveryNQN {
		return fmt.Errorf("%w: discovery-only controllers have no namespaces to serve", ErrDiscoveryOnly)
	}
	conn, err := transport.Dial(ctx, c.params.TransportAddr)
	if err != nil {
		return fmt.Errorf("dial io queue: %w", err)
	}
	if _, err := transport.Handshake(conn, c.params.ConnectTimeout, transport.HandshakeParams{}); err != nil {
		conn.Close()
		return fmt.Errorf("initialize io connection: %w", err)
	}
	ioQ := queue.New(constants.IOQueueID, conn, c.params.Logger)

	if _, err := c.fabricConnect(ioQ, constants.IOQueueID, constants.IOQueueEntries, false); err != nil {
		conn.Close()
		return fmt.Errorf("fabric connect io queue: %w", err)
	}
	c.ioQ = ioQ
	c.state = StateReadyIO
	return nil
}

// CleanupIOQueues closes the I/O queue, returning the controller to Ready.
func (c *Controller) CleanupIOQueues() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ioQ == nil {
		return nil
	}
	err := c.ioQ.Close()
	c.ioQ = nil
	if c.state == StateReadyIO {
		c.state = StateReady
	}
	return err
}

// rwCDW packs the LBA (CDW10 low, CDW11 high) and NLB (CDW12 low 16
// bits, zero-based count) shared by Read/Write/Compare/WriteZeroes/
// WriteUncorrectable.
func rwCDW(lba uint64, nlb uint16) (cdw10, cdw11, cdw12 uint32) {
	return uint32(lba), uint32(lba >> 32), uint32(nlb)
}

// blockSizeFor returns nsid's active logical block size, fetching and
// caching it via Identify Namespace on first use so Read/Write/Compare
// callers never have to track LBA formats themselves.
func (c *Controller) blockSizeFor(nsid uint32) (uint32, error) {
	c.nsCacheMu.Lock()
	if bs, ok := c.nsBlockSize[nsid]; ok {
		c.nsCacheMu.Unlock()
		return bs, nil
	}
	c.nsCacheMu.Unlock()

	ns, err := c.IdentifyNamespace(nsid)
	if err != nil {
		return 0, fmt.Errorf("fetch lba size for nsid %d: %w", nsid, err)
	}
	return ns.ActiveLBAFormat().LogicalBlockSize(), nil
}

// cacheBlockSize records nsid's active LBA format block size, called once
// on every successful Identify Namespace so later Read/Write/Compare calls
// skip straight to the cache.
func (c *Controller) cacheBlockSize(nsid uint32, blockSize uint32) {
	c.nsCacheMu.Lock()
	defer c.nsCacheMu.Unlock()
	if c.nsBlockSize == nil {
		c.nsBlockSize = make(map[uint32]uint32)
	}
	c.nsBlockSize[nsid] = blockSize
}

// ReadBlocks issues a Read command for nlb+1 blocks starting at lba,
// sizing the transfer from nsid's cached logical block size, and returns
// the payload.
func (c *Controller) ReadBlocks(nsid uint32, lba uint64, nlb uint16) ([]byte, error) {
	blockSize, err := c.blockSizeFor(nsid)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ioQ == nil {
		return nil, fmt.Errorf("no io queue established")
	}
	length := (uint32(nlb) + 1) * blockSize
	cmdID := c.ioQ.AllocateCmdID()
	capsule := protocol.NewCapsule(uint8(protocol.IOOpRead), cmdID, nsid).WithSGL(length, protocol.SGLTypeDataBlock)
	capsule.CDW10, capsule.CDW11, capsule.CDW12 = rwCDW(lba, nlb)

	res, err := dispatch.Send(c.ioQ, capsule, nil, dispatch.DataThenResponse, int(length), c.params.Logger)
	if err != nil {
		return nil, err
	}
	if status := protocol.DecodeStatus(res.Completion.Status); !status.IsSuccess() {
		return nil, fmt.Errorf("read lba=%d nlb=%d: %s", lba, nlb, status.Description)
	}
	return res.Data, nil
}

// writeShaped issues a write-family command (Write/Compare) whose payload
// goes inline when it fits under the negotiated inline threshold, or via
// the R2T flow otherwise. data's length must be a non-zero whole multiple
// of nsid's cached logical block size and must not exceed
// constants.NVMeMaxIOSize blocks.
func (c *Controller) writeShaped(opcode protocol.IOOpcode, nsid uint32, lba uint64, data []byte, maxH2CData uint32) error {
	blockSize, err := c.blockSizeFor(nsid)
	if err != nil {
		return err
	}
	if blockSize == 0 || len(data) == 0 || len(data)%int(blockSize) != 0 {
		return fmt.Errorf("%s: data length %d is not a non-zero multiple of block size %d", opcode, len(data), blockSize)
	}
	blocks := len(data) / int(blockSize)
	if blocks > constants.NVMeMaxIOSize {
		return fmt.Errorf("%s: %d blocks exceeds max io size %d", opcode, blocks, constants.NVMeMaxIOSize)
	}
	nlb := uint16(blocks - 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ioQ == nil {
		return fmt.Errorf("no io queue established")
	}
	cmdID := c.ioQ.AllocateCmdID()
	inline := uint32(len(data)) <= c.inlineMax
	sglType := protocol.SGLTypeDataBlockOut
	if !inline {
		sglType = protocol.SGLTypeTransportData
	}
	capsule := protocol.NewCapsule(uint8(opcode), cmdID, nsid).WithSGL(uint32(len(data)), sglType)
	capsule.CDW10, capsule.CDW11, capsule.CDW12 = rwCDW(lba, nlb)

	var res dispatch.Result
	if inline {
		res, err = dispatch.Send(c.ioQ, capsule, data, dispatch.ResponseOnly, 0, c.params.Logger)
	} else {
		res, err = dispatch.SendWrite(c.ioQ, capsule, data, maxH2CData)
	}
	if err != nil {
		return err
	}
	if status := protocol.DecodeStatus(res.Completion.Status); !status.IsSuccess() {
		return fmt.Errorf("%s lba=%d nlb=%d: %s", opcode, lba, nlb, status.Description)
	}
	return nil
}

// WriteBlocks writes data to nsid starting at lba.
func (c *Controller) WriteBlocks(nsid uint32, lba uint64, data []byte, maxH2CData uint32) error {
	return c.writeShaped(protocol.IOOpWrite, nsid, lba, data, maxH2CData)
}

// CompareBlocks issues a Compare command comparing data against nsid.
func (c *Controller) CompareBlocks(nsid uint32, lba uint64, data []byte, maxH2CData uint32) error {
	return c.writeShaped(protocol.IOOpCompare, nsid, lba, data, maxH2CData)
}

// WriteZeroes issues a Write Zeroes command, which carries no data.
func (c *Controller) WriteZeroes(nsid uint32, lba uint64, nlb uint16) error {
	return c.nonDataIOCmd(protocol.IOOpWriteZeroes, nsid, lba, nlb)
}

// WriteUncorrectable issues a Write Uncorrectable command, which carries no
// data.
func (c *Controller) WriteUncorrectable(nsid uint32, lba uint64, nlb uint16) error {
	return c.nonDataIOCmd(protocol.IOOpWriteUncorrectable, nsid, lba, nlb)
}

func (c *Controller) nonDataIOCmd(opcode protocol.IOOpcode, nsid uint32, lba uint64, nlb uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ioQ == nil {
		return fmt.Errorf("no io queue established")
	}
	cmdID := c.ioQ.AllocateCmdID()
	capsule := protocol.NewCapsule(uint8(opcode), cmdID, nsid).WithSGL(0, protocol.SGLTypeNone)
	capsule.CDW10, capsule.CDW11, capsule.CDW12 = rwCDW(lba, nlb)

	res, err := dispatch.Send(c.ioQ, capsule, nil, dispatch.ResponseOnly, 0, c.params.Logger)
	if err != nil {
		return err
	}
	if status := protocol.DecodeStatus(res.Completion.Status); !status.IsSuccess() {
		return fmt.Errorf("%s lba=%d nlb=%d: %s", opcode, lba, nlb, status.Description)
	}
	return nil
}

// FlushNamespace issues a Flush command.
func (c *Controller) FlushNamespace(nsid uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ioQ == nil {
		return fmt.Errorf("no io queue established")
	}
	cmdID := c.ioQ.AllocateCmdID()
	capsule := protocol.NewCapsule(uint8(protocol.IOOpFlush), cmdID, nsid).WithSGL(0, protocol.SGLTypeNone)
	res, err := dispatch.Send(c.ioQ, capsule, nil, dispatch.ResponseOnly, 0, c.params.Logger)
	if err != nil {
		return err
	}
	if status := protocol.DecodeStatus(res.Completion.Status); !status.IsSuccess() {
		return fmt.Errorf("flush nsid=%d: %s", nsid, status.Description)
	}
	return nil
}

// SetFeatures issues a Set Features admin command.
func (c *Controller) SetFeatures(fid uint8, value uint32, saveAcrossReset bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmdID := c.adminQ.AllocateCmdID()
	capsule := protocol.NewCapsule(uint8(protocol.AdminOpSetFeatures), cmdID, 0).WithSGL(0, protocol.SGLTypeNone)
	cdw10 := uint32(fid)
	if saveAcrossReset {
		cdw10 |= 1 << 31
	}
	capsule.CDW10 = cdw10
	capsule.CDW11 = value

	res, err := dispatch.Send(c.adminQ, capsule, nil, dispatch.ResponseOnly, 0, c.params.Logger)
	if err != nil {
		return err
	}
	if status := protocol.DecodeStatus(res.Completion.Status); !status.IsSuccess() {
		return fmt.Errorf("set features fid=0x%02x: %s", fid, status.Description)
	}
	return nil
}

// GetFeatures issues a Get Features admin command.
func (c *Controller) GetFeatures(fid uint8, selectCurrent bool) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmdID := c.adminQ.AllocateCmdID()
	capsule := protocol.NewCapsule(uint8(protocol.AdminOpGetFeatures), cmdID, 0).WithSGL(0, protocol.SGLTypeNone)
	cdw10 := uint32(fid)
	if !selectCurrent {
		cdw10 |= 1 << 8 // SEL=default
	}
	capsule.CDW10 = cdw10

	res, err := dispatch.Send(c.adminQ, capsule, nil, dispatch.ResponseOnly, 0, c.params.Logger)
	if err != nil {
		return 0, err
	}
	if status := protocol.DecodeStatus(res.Completion.Status); !status.IsSuccess() {
		return 0, fmt.Errorf("get features fid=0x%02x: %s", fid, status.Description)
	}
	return res.Completion.DW0, nil
}
