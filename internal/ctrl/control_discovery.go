package ctrl

import (
	"context"
	"fmt"
	"time"

	"github.com/truenas/nvmeof-client/internal/constants"
	"github.com/truenas/nvmeof-client/internal/protocol"
	"github.com/truenas/nvmeof-client/internal/queue"
	"github.com/truenas/nvmeof-client/internal/transport"
)

// LogPageID enumerates the Get Log Page LIDs this client fetches.
const (
	LogPageChangedNamespaceList uint8 = 0x04
	LogPageANA                  uint8 = 0x0C
	LogPageDiscovery            uint8 = 0x70
)

// GetChangedNamespaceList fetches and parses the Changed Namespace List log
// page.
func (c *Controller) GetChangedNamespaceList() (nsids []uint32, overflow bool, err error) {
	data, err := c.GetLogPage(LogPageChangedNamespaceList, 0xFFFFFFFF, protocol.ChangedNSListSize)
	if err != nil {
		return nil, false, err
	}
	return protocol.ParseChangedNamespaceList(data)
}

// GetANALogPage fetches and parses the ANA log page.
func (c *Controller) GetANALogPage(maxEntries int) (protocol.ANALogHeader, []protocol.ANAGroupDescriptor, error) {
	length := uint32(constants.NVMeDefaultMaxEntries) * 4
	if maxEntries > 0 {
		length = uint32(maxEntries) * 4
	}
	data, err := c.GetLogPage(LogPageANA, 0xFFFFFFFF, length)
	if err != nil {
		return protocol.ANALogHeader{}, nil, err
	}
	hdr, err := protocol.ParseANALogHeader(data)
	if err != nil {
		return protocol.ANALogHeader{}, nil, err
	}
	groups, _, err := protocol.ParseANAGroupDescriptors(data[protocol.ANALogHeaderSize:], hdr.NumGroups)
	if err != nil {
		return hdr, nil, err
	}
	return hdr, groups, nil
}

// GetANAState returns the ANA state of the group nsid belongs to, or
// ANAOptimized if no ANA group descriptor lists nsid. A failed ANA log page
// fetch (for example on a target without ANA reporting) is returned as an
// error.
func (c *Controller) GetANAState(nsid uint32) (protocol.ANAState, error) {
	_, groups, err := c.GetANALogPage(0)
	if err != nil {
		return 0, err
	}
	for _, g := range groups {
		for _, id := range g.NSIDs {
			if id == nsid {
				return g.State, nil
			}
		}
	}
	return protocol.ANAOptimized, nil
}

// DiscoverSubsystems connects to a discovery controller at addr (a
// discovery-only session: Fabric Connect against the well-known discovery
// NQN, no controller enable), fetches the Discovery Log Page, and
// disconnects. It is a composition of primitives already used by Connect,
// not a distinct protocol exchange.
func DiscoverSubsystems(ctx context.Context, addr string, hostNQN string, timeout time.Duration) ([]protocol.DiscoveryEntry, error) {
	disc := New(Params{
		TransportAddr:  addr,
		SubsystemNQN:   constants.DiscoveryNQN,
		HostNQN:        hostNQN,
		ConnectTimeout: timeout,
	})
	if err := disc.connectDiscoveryOnly(ctx); err != nil {
		return nil, err
	}
	defer disc.Disconnect()

	logLength := uint32(protocol.DiscoveryLogHeaderSize + constants.NVMeDefaultMaxEntries*protocol.DiscoveryEntrySize)
	data, err := disc.GetLogPage(LogPageDiscovery, 0, logLength)
	if err != nil {
		return nil, fmt.Errorf("fetch discovery log: %w", err)
	}
	hdr, err := protocol.ParseDiscoveryLogHeader(data)
	if err != nil {
		return nil, err
	}
	entries := make([]protocol.DiscoveryEntry, 0, hdr.NumRecords)
	for i := uint64(0); i < hdr.NumRecords; i++ {
		off := protocol.DiscoveryLogHeaderSize + int(i)*protocol.DiscoveryEntrySize
		if off+protocol.DiscoveryEntrySize > len(data) {
			break
		}
		entry, err := protocol.ParseDiscoveryEntry(data[off : off+protocol.DiscoveryEntrySize])
		if err != nil {
			return entries, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// connectDiscoveryOnly performs the transport handshake and Fabric Connect
// but skips controller enable and Identify, since a discovery controller
// does not support them.
func (c *Controller) connectDiscoveryOnly(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
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
	if _, err := c.fabricConnect(c.adminQ, constants.AdminQueueID, constants.AdminQueueEntries, true); err != nil {
		c.state = StateFatal
		return fmt.Errorf("fabric connect discovery: %w", err)
	}
	c.state = StateAdminBound
	return nil
}

// WaitForControllerReady blocks until Connect has left the controller in
// the Ready (or ReadyIO) state, or ctx is done.
func (c *Controller) WaitForControllerReady(ctx context.Context) error {
	for {
		switch c.State() {
		case StateReady, StateReadyIO:
			return nil
		case StateFatal:
			return fmt.Errorf("controller entered fatal state")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(constants.ControllerReadyPollInterval):
		}
	}
}

// ConfigureController is a convenience wrapper composing Connect and
// SetupIOQueues for callers that want both queues up in one call.
func (c *Controller) ConfigureController(ctx context.Context, withIO bool) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	if withIO {
		return c.SetupIOQueues(ctx)
	}
	return nil
}
