package ctrl

import (
	"time"

	"github.com/truenas/nvmeof-client/internal/interfaces"
)

// State is the controller lifecycle state machine position.
type State int

const (
	StateDisconnected State = iota
	StateTCPOpen
	StateTransportReady
	StateAdminBound
	StateReady
	StateReadyIO
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateTCPOpen:
		return "tcp_open"
	case StateTransportReady:
		return "transport_ready"
	case StateAdminBound:
		return "admin_bound"
	case StateReady:
		return "ready"
	case StateReadyIO:
		return "ready_io"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Params configures a controller connection.
type Params struct {
	TransportAddr string // host:port
	SubsystemNQN  string
	HostNQN       string // generated from a UUID if empty
	Kato          time.Duration
	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	Logger   interfaces.Logger
	Observer interfaces.Observer
}

// DefaultParams returns sensible defaults; callers still must set
// TransportAddr and SubsystemNQN.
func DefaultParams() Params {
	return Params{
		ConnectTimeout: 10 * time.Second,
		CommandTimeout: 10 * time.Second,
	}
}

// ControllerCapabilities mirrors the CAP property register fields a caller
// needs to decide queue sizing and timeout behavior.
type ControllerCapabilities struct {
	MQES     uint16 // max queue entries, zero-based
	Timeout  time.Duration
	DSTRD    uint8
	NSSRS    bool
	CSS      uint8
	BPS      bool
	MPSMin   uint8
	MPSMax   uint8
}
