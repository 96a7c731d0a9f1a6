// Package ctrl drives the NVMe-oF controller lifecycle: connection
// establishment, Fabric Connect, controller enable, and the admin/IO
// command surface built on top of internal/queue and internal/dispatch.
package ctrl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/truenas/nvmeof-client/internal/constants"
	"github.com/truenas/nvmeof-client/internal/dispatch"
	"github.com/truenas/nvmeof-client/internal/protocol"
	"github.com/truenas/nvmeof-client/internal/queue"
	"github.com/truenas/nvmeof-client/internal/transport"
)

// Controller is one NVMe-oF/TCP controller connection: the admin queue,
// optionally a single I/O queue, and the negotiated parameters needed to
// frame commands correctly (inline data threshold, KATO, host/subsystem
// identity).
type Controller struct {
	params Params

	mu        sync.Mutex
	state     State
	adminQ    *queue.Queue
	ioQ       *queue.Queue
	identity  protocol.ControllerIdentity
	cntlID    uint16
	inlineMax uint32

	// nsCacheMu guards nsBlockSize independently of mu: populating a cache
	// miss calls IdentifyNamespace, which itself acquires mu, so nesting
	// the cache lock inside mu would deadlock.
	nsCacheMu   sync.Mutex
	nsBlockSize map[uint32]uint32

	// aerMu guards outstandingAERs, the set of command IDs allocated to
	// Async Event Requests that have not yet completed.
	aerMu           sync.Mutex
	outstandingAERs map[uint16]struct{}
}

// ErrDiscoveryOnly is returned by Connect and SetupIOQueues when the
// controller's subsystem NQN is the well-known discovery NQN: a
// discovery-only connection never enables the controller or identifies
// namespaces, so it cannot serve I/O-queue or namespace operations. Use
// DiscoverSubsystems for the discovery NQN instead.
var ErrDiscoveryOnly = errors.New("operation not supported on a discovery-only controller")

// New builds a Controller in the disconnected state. HostNQN is generated
// from a fresh UUID when the caller leaves it blank.
func New(params Params) *Controller {
	if params.HostNQN == "" {
		params.HostNQN = constants.HostNQNPrefix + uuid.NewString()
	}
	if params.ConnectTimeout == 0 {
		params.ConnectTimeout = constants.DefaultTimeout
	}
	if params.CommandTimeout == 0 {
		params.CommandTimeout = constants.DefaultTimeout
	}
	return &Controller{params: params, state: StateDisconnected}
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the last Identify Controller result fetched during
// Connect.
func (c *Controller) Identity() protocol.ControllerIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Connect dials the target, negotiates the TCP transport, binds the admin
// queue via Fabric Connect, enables the controller, and fetches Identify
// Controller to learn the inline-data threshold.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDisconnected {
		return fmt.Errorf("connect called in state %s", c.state)
	}
	if c.params.SubsystemNQN == constants.DiscoveryNQN {
		return fmt.Errorf("%w: use DiscoverSubsystems for the discovery NQN %q", ErrDiscoveryOnly, constants.DiscoveryNQN)
	}

	conn, err := transport.Dial(ctx, c.params.TransportAddr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.state = StateTCPOpen

	if _, err := transport.Handshake(conn, c.params.ConnectTimeout, transport.HandshakeParams{}); err != nil {
		conn.Close()
		c.state = StateFatal
		return fmt.Errorf("initialize connection: %w", err)
	}
	c.state = StateTransportReady
	c.adminQ = queue.New(constants.AdminQueueID, conn, c.params.Logger)

	cntlID, err := c.fabricConnect(c.adminQ, constants.AdminQueueID, constants.AdminQueueEntries, true)
	if err != nil {
		c.state = StateFatal
		return fmt.Errorf("fabric connect admin queue: %w", err)
	}
	c.cntlID = cntlID
	c.state = StateAdminBound

	if err := c.enableController(); err != nil {
		c.state = StateFatal
		return fmt.Errorf("enable controller: %w", err)
	}

	identity, err := c.identifyController()
	if err != nil {
		c.state = StateFatal
		return fmt.Errorf("identify controller: %w", err)
	}
	c.identity = identity
	c.inlineMax = identity.InlineDataOffset()
	c.state = StateReady
	c.logf("controller ready: model=%q inline_max=%d", identity.MN, c.inlineMax)
	return nil
}

func (c *Controller) logf(format string, args ...interface{}) {
	if c.params.Logger != nil {
		c.params.Logger.Debugf(format, args...)
	}
}

// fabricConnect sends the Fabric Connect command establishing qid.
func (c *Controller) fabricConnect(q *queue.Queue, qid uint16, queueSize uint16, admin bool) (uint16, error) {
	cmdID := q.AllocateCmdID()
	capsule := protocol.NewFabricCapsule(protocol.FabricTypeConnect, cmdID)
	capsule = capsule.WithSGL(protocol.ConnectDataSize, protocol.SGLTypeDataBlockOut)
	capsule.CDW10 = protocol.ConnectCDW10(qid, queueSize-1)
	capsule.CDW11 = protocol.ConnectCDW11(admin)
	capsule.CDW12 = protocol.ConnectKATO(uint32(c.params.Kato / time.Millisecond))

	var hostID [16]byte
	if id, err := uuid.Parse(extractUUID(c.params.HostNQN)); err == nil {
		copy(hostID[:], id[:])
	}
	// The admin connect asks for a dynamically allocated controller
	// (0xFFFF); I/O queue connects name the controller the admin connect
	// returned.
	cntlID := uint16(0xFFFF)
	if !admin {
		cntlID = c.cntlID
	}
	data := protocol.ConnectData{
		HostID:       hostID,
		ControllerID: cntlID,
		SUBNQN:       c.params.SubsystemNQN,
		HostNQN:      c.params.HostNQN,
	}
	body := data.Marshal()

	res, err := dispatch.Send(q, capsule, body[:], dispatch.ResponseOnly, 0, c.params.Logger)
	if err != nil {
		return 0, err
	}
	status := protocol.DecodeStatus(res.Completion.Status)
	if !status.IsSuccess() {
		return 0, fmt.Errorf("connect rejected: %s", status.Description)
	}
	return uint16(res.Completion.DW0 & 0xFFFF), nil
}

// extractUUID pulls the UUID portion out of a generated host NQN; a
// caller-supplied HostNQN that isn't uuid-based yields a zero host ID,
// which is permitted by the spec.
func extractUUID(nqn string) string {
	if len(nqn) <= len(constants.HostNQNPrefix) {
		return ""
	}
	return nqn[len(constants.HostNQNPrefix):]
}

// enableController sets CC.EN=1 via Property Set and polls CSTS.RDY via
// Property Get until the controller reports ready or CSTS.CFS signals a
// fatal error.
func (c *Controller) enableController() error {
	cc := uint32(1) | // EN
		uint32(constants.CCDefaultCSS)<<4 |
		uint32(constants.CCDefaultAMS)<<11 |
		uint32(constants.CCDefaultIOSQES)<<16 |
		uint32(constants.CCDefaultIOCQES)<<20

	if err := c.propertySet(constants.PropertyOffsetCC, uint64(cc), false); err != nil {
		return err
	}

	deadline := time.Now().Add(c.params.ConnectTimeout)
	for {
		csts, err := c.propertyGet(constants.PropertyOffsetCSTS, false)
		if err != nil {
			return err
		}
		if csts&0x2 != 0 { // CFS
			return fmt.Errorf("controller reported fatal status during enable")
		}
		if csts&0x1 != 0 { // RDY
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for controller ready")
		}
		time.Sleep(constants.ControllerReadyPollInterval)
	}
}

func (c *Controller) propertySet(offset uint32, value uint64, size8 bool) error {
	cmdID := c.adminQ.AllocateCmdID()
	capsule := protocol.NewFabricCapsule(protocol.FabricTypePropertySet, cmdID)
	cdw10, cdw11 := protocol.PropertyAttribOffset(offset, size8)
	capsule.CDW10 = cdw10
	capsule.CDW11 = cdw11
	capsule.CDW12, capsule.CDW13 = protocol.PropertySetValue(value)

	res, err := dispatch.Send(c.adminQ, capsule, nil, dispatch.ResponseOnly, 0, c.params.Logger)
	if err != nil {
		return err
	}
	status := protocol.DecodeStatus(res.Completion.Status)
	if !status.IsSuccess() {
		return fmt.Errorf("property set offset 0x%x: %s", offset, status.Description)
	}
	return nil
}

func (c *Controller) propertyGet(offset uint32, size8 bool) (uint64, error) {
	cmdID := c.adminQ.AllocateCmdID()
	capsule := protocol.NewFabricCapsule(protocol.FabricTypePropertyGet, cmdID)
	cdw10, cdw11 := protocol.PropertyAttribOffset(offset, size8)
	capsule.CDW10 = cdw10
	capsule.CDW11 = cdw11

	res, err := dispatch.Send(c.adminQ, capsule, nil, dispatch.ResponseOnly, 0, c.params.Logger)
	if err != nil {
		return 0, err
	}
	status := protocol.DecodeStatus(res.Completion.Status)
	if !status.IsSuccess() {
		return 0, fmt.Errorf("property get offset 0x%x: %s", offset, status.Description)
	}
	value := uint64(res.Completion.DW0)
	if size8 {
		value |= uint64(res.Completion.DW1) << 32
	}
	return value, nil
}

// GetControllerCapabilities reads the CAP property register.
func (c *Controller) GetControllerCapabilities() (ControllerCapabilities, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, err := c.propertyGet(constants.PropertyOffsetCAP, true)
	if err != nil {
		return ControllerCapabilities{}, err
	}
	return decodeCapabilities(raw), nil
}

// decodeCapabilities splits the raw 64-bit CAP register into its named
// subfields.
func decodeCapabilities(raw uint64) ControllerCapabilities {
	return ControllerCapabilities{
		MQES:    uint16(raw & 0xFFFF),
		Timeout: time.Duration((raw>>24)&0xFF) * 500 * time.Millisecond,
		DSTRD:   uint8((raw >> 32) & 0xF),
		NSSRS:   (raw>>36)&0x1 != 0,
		CSS:     uint8((raw >> 37) & 0xFF),
		BPS:     (raw>>45)&0x1 != 0,
		MPSMin:  uint8((raw >> 48) & 0xF),
		MPSMax:  uint8((raw >> 52) & 0xF),
	}
}

// identifyController issues Identify with CNS=Controller.
func (c *Controller) identifyController() (protocol.ControllerIdentity, error) {
	data, err := c.identify(protocol.CNSController, 0)
	if err != nil {
		return protocol.ControllerIdentity{}, err
	}
	return protocol.ParseControllerIdentity(data)
}

// IdentifyNamespace issues Identify with CNS=Namespace for nsid.
func (c *Controller) IdentifyNamespace(nsid uint32) (protocol.NamespaceIdentity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := c.identify(protocol.CNSNamespace, nsid)
	if err != nil {
		return protocol.NamespaceIdentity{}, err
	}
	ns, err := protocol.ParseNamespaceIdentity(data)
	if err != nil {
		return protocol.NamespaceIdentity{}, err
	}
	c.cacheBlockSize(nsid, ns.ActiveLBAFormat().LogicalBlockSize())
	return ns, nil
}

// ListNamespaces issues Identify with CNS=ActiveNamespaceList.
func (c *Controller) ListNamespaces() ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := c.identify(protocol.CNSActiveNamespaceList, 0)
	if err != nil {
		return nil, err
	}
	var nsids []uint32
	for off := 0; off+4 <= len(data); off += 4 {
		v := uint32(data[off]) | uint32(data[off+1])<<8 | uint32(data[off+2])<<16 | uint32(data[off+3])<<24
		if v == 0 {
			break
		}
		nsids = append(nsids, v)
	}
	return nsids, nil
}

func (c *Controller) identify(cns protocol.IdentifyCNS, nsid uint32) ([]byte, error) {
	cmdID := c.adminQ.AllocateCmdID()
	capsule := protocol.NewCapsule(uint8(protocol.AdminOpIdentify), cmdID, nsid).
		WithSGL(protocol.IdentifyControllerDataSize, protocol.SGLTypeDataBlock)
	capsule.CDW10 = uint32(cns)

	res, err := dispatch.Send(c.adminQ, capsule, nil, dispatch.DataThenResponse, protocol.IdentifyControllerDataSize, c.params.Logger)
	if err != nil {
		return nil, err
	}
	status := protocol.DecodeStatus(res.Completion.Status)
	if !status.IsSuccess() {
		return nil, fmt.Errorf("identify cns=0x%02x: %s", cns, status.Description)
	}
	return res.Data, nil
}

// SendKeepAlive issues a Keep Alive admin command.
func (c *Controller) SendKeepAlive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmdID := c.adminQ.AllocateCmdID()
	capsule := protocol.NewCapsule(uint8(protocol.AdminOpKeepAlive), cmdID, 0)
	res, err := dispatch.Send(c.adminQ, capsule, nil, dispatch.ResponseOnly, 0, c.params.Logger)
	if err != nil {
		return err
	}
	status := protocol.DecodeStatus(res.Completion.Status)
	if !status.IsSuccess() {
		return fmt.Errorf("keep alive: %s", status.Description)
	}
	return nil
}

// GetLogPage issues a Get Log Page admin command.
func (c *Controller) GetLogPage(lid uint8, nsid uint32, length uint32) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmdID := c.adminQ.AllocateCmdID()
	capsule := protocol.NewCapsule(uint8(protocol.AdminOpGetLogPage), cmdID, nsid).
		WithSGL(length, protocol.SGLTypeDataBlock)
	numdl := (length / 4) - 1
	capsule.CDW10 = uint32(lid) | (numdl&0xFFFF)<<16
	capsule.CDW11 = (numdl >> 16) & 0xFFFF

	res, err := dispatch.Send(c.adminQ, capsule, nil, dispatch.DataThenResponse, int(length), c.params.Logger)
	if err != nil {
		return nil, err
	}
	status := protocol.DecodeStatus(res.Completion.Status)
	if !status.IsSuccess() {
		return nil, fmt.Errorf("get log page lid=0x%02x: %s", lid, status.Description)
	}
	return res.Data, nil
}

// Disconnect tears down the I/O queue (if any) and the admin queue.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	if c.ioQ != nil {
		if err := c.ioQ.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.ioQ = nil
	}
	if c.adminQ != nil {
		if err := c.adminQ.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.adminQ = nil
	}
	c.state = StateDisconnected
	return firstErr
}
