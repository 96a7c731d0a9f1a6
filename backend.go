// Package nvmeof provides the main API for connecting to an NVMe over
// Fabrics (TCP) target and issuing admin/IO commands as an NVMe host.
package nvmeof

import (
	"context"
	"time"

	"github.com/truenas/nvmeof-client/internal/asyncevent"
	"github.com/truenas/nvmeof-client/internal/constants"
	"github.com/truenas/nvmeof-client/internal/ctrl"
	"github.com/truenas/nvmeof-client/internal/protocol"
)

// Client is one NVMe-oF host connection: an admin queue and, once
// SetupIOQueues is called, a single I/O queue, wrapping internal/ctrl's
// Controller with metrics/observer wiring.
type Client struct {
	ctrl *ctrl.Controller

	ctx    context.Context
	cancel context.CancelFunc

	metrics  *Metrics
	observer Observer
}

// Params configures a Client connection.
type Params struct {
	// TransportAddr is the target's "host:port" TCP address.
	TransportAddr string

	// SubsystemNQN is the NVMe Qualified Name of the subsystem to connect
	// to.
	SubsystemNQN string

	// HostNQN identifies this host; generated from a fresh UUID when left
	// blank.
	HostNQN string

	// Kato is the keep-alive timeout advertised at Connect. Zero disables
	// the target-side keep-alive timer.
	Kato time.Duration

	// ConnectTimeout bounds the initial handshake, Fabric Connect, and
	// controller-enable poll.
	ConnectTimeout time.Duration

	// CommandTimeout bounds individual admin/IO command round trips.
	CommandTimeout time.Duration
}

// DefaultParams returns sensible connection defaults; callers still must
// set TransportAddr and SubsystemNQN.
func DefaultParams() Params {
	return Params{
		ConnectTimeout: constants.DefaultTimeout,
		CommandTimeout: constants.DefaultTimeout,
	}
}

// Options contains collaborators for a Client beyond wire parameters.
type Options struct {
	// Context for cancellation (if nil, uses context.Background()).
	Context context.Context

	// Logger for debug/info messages (if nil, no logging).
	Logger Logger

	// Observer for metrics collection (if nil, uses the built-in Metrics
	// via MetricsObserver).
	Observer Observer
}

// Logger is the pluggable logging interface used throughout the client.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Connect dials the target, negotiates the TCP transport, binds the admin
// queue via Fabric Connect, enables the controller, and fetches Identify
// Controller. This is the main entry point for talking to an NVMe-oF/TCP
// target.
//
// Example:
//
//	client, err := nvmeof.Connect(context.Background(), nvmeof.Params{
//	    TransportAddr: "192.0.2.10:4420",
//	    SubsystemNQN:  "nqn.2014-08.example:nvme:subsys1",
//	}, nil)
func Connect(ctx context.Context, params Params, options *Options) (*Client, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}

	var metrics *Metrics
	observer := options.Observer
	if observer == nil {
		metrics = NewMetrics()
		observer = NewMetricsObserver(metrics)
	}

	c := ctrl.New(ctrl.Params{
		TransportAddr:  params.TransportAddr,
		SubsystemNQN:   params.SubsystemNQN,
		HostNQN:        params.HostNQN,
		Kato:           params.Kato,
		ConnectTimeout: params.ConnectTimeout,
		CommandTimeout: params.CommandTimeout,
		Logger:         options.Logger,
		Observer:       observer,
	})

	if err := c.Connect(ctx); err != nil {
		return nil, WrapError("CONNECT", err)
	}

	client := &Client{ctrl: c, metrics: metrics, observer: observer}
	client.ctx, client.cancel = context.WithCancel(ctx)

	if options.Logger != nil {
		options.Logger.Printf("connected to %s subsystem=%s", params.TransportAddr, params.SubsystemNQN)
	}
	return client, nil
}

// Discover connects to a discovery controller at addr and returns the
// advertised subsystem entries, without establishing a data-carrying
// connection.
func Discover(ctx context.Context, addr string, hostNQN string, timeout time.Duration) ([]protocol.DiscoveryEntry, error) {
	entries, err := ctrl.DiscoverSubsystems(ctx, addr, hostNQN, timeout)
	if err != nil {
		return nil, WrapError("DISCOVER", err)
	}
	return entries, nil
}

// State returns the underlying controller's lifecycle state.
func (c *Client) State() ctrl.State {
	return c.ctrl.State()
}

// Identity returns the Identify Controller result fetched at Connect.
func (c *Client) Identity() protocol.ControllerIdentity {
	return c.ctrl.Identity()
}

// Capabilities reads the CAP property register.
func (c *Client) Capabilities() (ctrl.ControllerCapabilities, error) {
	caps, err := c.ctrl.GetControllerCapabilities()
	if err != nil {
		return ctrl.ControllerCapabilities{}, WrapError("CAPABILITIES", err)
	}
	return caps, nil
}

// SetupIOQueues establishes the I/O queue this client uses for
// Read/Write/Compare/reservation/flush commands.
func (c *Client) SetupIOQueues(ctx context.Context) error {
	if err := c.ctrl.SetupIOQueues(ctx); err != nil {
		return WrapError("SETUP_IO_QUEUES", err)
	}
	return nil
}

// CleanupIOQueues closes the I/O queue, returning the client to Ready.
func (c *Client) CleanupIOQueues() error {
	if err := c.ctrl.CleanupIOQueues(); err != nil {
		return WrapError("CLEANUP_IO_QUEUES", err)
	}
	return nil
}

// ListNamespaces returns the active namespace IDs on the controller.
func (c *Client) ListNamespaces() ([]uint32, error) {
	nsids, err := c.ctrl.ListNamespaces()
	if err != nil {
		return nil, WrapError("LIST_NAMESPACES", err)
	}
	return nsids, nil
}

// IdentifyNamespace fetches and parses Identify Namespace for nsid.
func (c *Client) IdentifyNamespace(nsid uint32) (protocol.NamespaceIdentity, error) {
	ns, err := c.ctrl.IdentifyNamespace(nsid)
	if err != nil {
		return protocol.NamespaceIdentity{}, WrapError("IDENTIFY_NAMESPACE", err)
	}
	return ns, nil
}

// ReadBlocks issues a Read command for nlb+1 blocks starting at lba against
// nsid, sizing the transfer from nsid's cached logical block size, and
// returns the payload.
func (c *Client) ReadBlocks(nsid uint32, lba uint64, nlb uint16) ([]byte, error) {
	start := time.Now()
	data, err := c.ctrl.ReadBlocks(nsid, lba, nlb)
	c.observeCommand(uint8(protocol.IOOpRead), start, err)
	if err != nil {
		return nil, WrapError("READ", err)
	}
	c.observer.ObserveBytesReceived(uint64(len(data)))
	return data, nil
}

// WriteBlocks writes data to nsid starting at lba. len(data) must be a
// non-zero whole multiple of nsid's logical block size.
func (c *Client) WriteBlocks(nsid uint32, lba uint64, data []byte) error {
	start := time.Now()
	err := c.ctrl.WriteBlocks(nsid, lba, data, c.maxH2CData())
	c.observeCommand(uint8(protocol.IOOpWrite), start, err)
	if err != nil {
		return WrapError("WRITE", err)
	}
	c.observer.ObserveBytesSent(uint64(len(data)))
	return nil
}

// CompareBlocks issues a Compare command comparing data against nsid.
// len(data) must be a non-zero whole multiple of nsid's logical block size.
func (c *Client) CompareBlocks(nsid uint32, lba uint64, data []byte) error {
	start := time.Now()
	err := c.ctrl.CompareBlocks(nsid, lba, data, c.maxH2CData())
	c.observeCommand(uint8(protocol.IOOpCompare), start, err)
	if err != nil {
		return WrapError("COMPARE", err)
	}
	return nil
}

// WriteZeroes issues a Write Zeroes command against nsid.
func (c *Client) WriteZeroes(nsid uint32, lba uint64, nlb uint16) error {
	start := time.Now()
	err := c.ctrl.WriteZeroes(nsid, lba, nlb)
	c.observeCommand(uint8(protocol.IOOpWriteZeroes), start, err)
	if err != nil {
		return WrapError("WRITE_ZEROES", err)
	}
	return nil
}

// FlushNamespace issues a Flush command against nsid.
func (c *Client) FlushNamespace(nsid uint32) error {
	start := time.Now()
	err := c.ctrl.FlushNamespace(nsid)
	c.observeCommand(uint8(protocol.IOOpFlush), start, err)
	if err != nil {
		return WrapError("FLUSH", err)
	}
	return nil
}

// ReservationRegister registers, unregisters, or replaces a reservation
// key on nsid.
func (c *Client) ReservationRegister(nsid uint32, action protocol.ReservationRegisterAction, currentKey, newKey uint64, ignoreExisting bool) error {
	start := time.Now()
	err := c.ctrl.ReservationRegister(nsid, action, currentKey, newKey, ignoreExisting)
	c.observeCommand(uint8(protocol.IOOpReservationRegister), start, err)
	if err != nil {
		return WrapError("RESERVATION_REGISTER", err)
	}
	return nil
}

// ReservationAcquire acquires or preempts a reservation on nsid.
func (c *Client) ReservationAcquire(nsid uint32, action protocol.ReservationAcquireAction, rtype protocol.ReservationType, currentKey, preemptKey uint64) error {
	start := time.Now()
	err := c.ctrl.ReservationAcquire(nsid, action, rtype, currentKey, preemptKey)
	c.observeCommand(uint8(protocol.IOOpReservationAcquire), start, err)
	if err != nil {
		return WrapError("RESERVATION_ACQUIRE", err)
	}
	return nil
}

// ReservationRelease releases or clears a reservation on nsid.
func (c *Client) ReservationRelease(nsid uint32, action protocol.ReservationReleaseAction, rtype protocol.ReservationType, currentKey uint64) error {
	start := time.Now()
	err := c.ctrl.ReservationRelease(nsid, action, rtype, currentKey)
	c.observeCommand(uint8(protocol.IOOpReservationRelease), start, err)
	if err != nil {
		return WrapError("RESERVATION_RELEASE", err)
	}
	return nil
}

// ReservationReport fetches the reservation status data structure for
// nsid.
func (c *Client) ReservationReport(nsid uint32, extendedData bool) (protocol.ReservationStatusHeader, []protocol.RegistrantEntry, error) {
	start := time.Now()
	hdr, regs, err := c.ctrl.ReservationReport(nsid, extendedData)
	c.observeCommand(uint8(protocol.IOOpReservationReport), start, err)
	if err != nil {
		return protocol.ReservationStatusHeader{}, nil, WrapError("RESERVATION_REPORT", err)
	}
	return hdr, regs, nil
}

// GetANAState returns the ANA state of the group nsid belongs to.
func (c *Client) GetANAState(nsid uint32) (protocol.ANAState, error) {
	state, err := c.ctrl.GetANAState(nsid)
	if err != nil {
		return 0, WrapError("ANA_STATE", err)
	}
	return state, nil
}

// GetChangedNamespaceList fetches and parses the Changed Namespace List log
// page.
func (c *Client) GetChangedNamespaceList() (nsids []uint32, overflow bool, err error) {
	nsids, overflow, err = c.ctrl.GetChangedNamespaceList()
	if err != nil {
		return nil, false, WrapError("CHANGED_NAMESPACE_LIST", err)
	}
	return nsids, overflow, nil
}

// SendKeepAlive issues a Keep Alive admin command.
func (c *Client) SendKeepAlive() error {
	start := time.Now()
	err := c.ctrl.SendKeepAlive()
	c.observeCommand(uint8(protocol.AdminOpKeepAlive), start, err)
	if err != nil {
		return WrapError("KEEP_ALIVE", err)
	}
	return nil
}

// SetFeatures issues a Set Features admin command.
func (c *Client) SetFeatures(fid uint8, value uint32, saveAcrossReset bool) error {
	start := time.Now()
	err := c.ctrl.SetFeatures(fid, value, saveAcrossReset)
	c.observeCommand(uint8(protocol.AdminOpSetFeatures), start, err)
	if err != nil {
		return WrapError("SET_FEATURES", err)
	}
	return nil
}

// ConfigureAsyncEvents enables the async event classes this controller
// reports, via Set Features - Asynchronous Event Configuration.
func (c *Client) ConfigureAsyncEvents() error {
	if err := c.ctrl.ConfigureAsyncEvents(); err != nil {
		return WrapError("ASYNC_EVENT_CONFIG", err)
	}
	return nil
}

// SubmitAsyncEventRequests submits n Asynchronous Event Requests, all or
// none: it fails if outstanding+n would exceed the controller's AERL+1.
// Completions arrive later and are surfaced through PollAsyncEvents.
func (c *Client) SubmitAsyncEventRequests(n int) error {
	if err := c.ctrl.SubmitAsyncEventRequests(n); err != nil {
		return WrapError("ASYNC_EVENT_REQUEST", err)
	}
	return nil
}

// PollAsyncEvents checks for AER completions for up to timeout, returning
// any events decoded before it elapses.
func (c *Client) PollAsyncEvents(timeout time.Duration) ([]asyncevent.Event, error) {
	events, err := c.ctrl.PollAsyncEvents(timeout)
	if err != nil {
		return nil, WrapError("ASYNC_EVENT_POLL", err)
	}
	return events, nil
}

// GetFeatures issues a Get Features admin command.
func (c *Client) GetFeatures(fid uint8, selectCurrent bool) (uint32, error) {
	start := time.Now()
	v, err := c.ctrl.GetFeatures(fid, selectCurrent)
	c.observeCommand(uint8(protocol.AdminOpGetFeatures), start, err)
	if err != nil {
		return 0, WrapError("GET_FEATURES", err)
	}
	return v, nil
}

// Metrics returns the metrics instance backing this client's default
// observer, or nil if a custom Observer was supplied at Connect.
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of client metrics.
func (c *Client) MetricsSnapshot() MetricsSnapshot {
	if c.metrics == nil {
		return MetricsSnapshot{}
	}
	return c.metrics.Snapshot()
}

// Close tears down the I/O queue (if any) and the admin queue.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.metrics != nil {
		c.metrics.Stop()
	}
	if err := c.ctrl.Disconnect(); err != nil {
		return WrapError("DISCONNECT", err)
	}
	return nil
}

func (c *Client) maxH2CData() uint32 {
	const maxChunk = 64 * 1024
	return maxChunk
}

func (c *Client) observeCommand(opcode uint8, start time.Time, err error) {
	if c.observer == nil {
		return
	}
	c.observer.ObserveCommand(opcode, uint64(time.Since(start)), err == nil)
}
