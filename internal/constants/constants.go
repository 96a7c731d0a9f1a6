// Package constants holds protocol and default-configuration constants shared
// across the transport, queue, dispatch, and facade layers.
package constants

import "time"

// Default configuration constants
const (
	// DefaultPort is the well-known NVMe-oF TCP discovery/connect port.
	DefaultPort = 4420

	// DefaultTimeout is the default socket receive timeout applied to
	// operations when the caller does not supply one.
	DefaultTimeout = 10 * time.Second

	// DefaultKato is the default keep-alive timeout advertised at Connect.
	// Zero disables the target-side keep-alive timer.
	DefaultKato = 0

	// DiscoveryNQN is the well-known subsystem NQN used for discovery
	// controllers, per the NVMe-oF specification.
	DiscoveryNQN = "nqn.2014-08.org.nvmexpress.discovery"

	// HostNQNPrefix prefixes a generated host NQN; the UUID is appended.
	HostNQNPrefix = "nqn.2014-08.org.nvmexpress:uuid:"

	// AdminQueueID is the fixed QID used for the Fabric Connect establishing
	// the admin queue.
	AdminQueueID = 0

	// IOQueueID is the fixed QID used for the Fabric Connect establishing the
	// (single) I/O queue this core supports.
	IOQueueID = 1

	// AdminQueueEntries / IOQueueEntries are the queue-entries value (not
	// minus one) advertised at Fabric Connect via SQSIZE.
	AdminQueueEntries = 32
	IOQueueEntries    = 128

	// NVMeMaxIOSize bounds a single Read/Write in logical blocks; a
	// generously large value since this core does not query MDTS to cap it
	// dynamically.
	NVMeMaxIOSize = 1 << 20
)

// Property-register offsets used by Property Get/Set during controller
// enable, per the NVMe-oF Fabric Connect property access model.
const (
	PropertyOffsetCAP  = 0x00 // 8 bytes
	PropertyOffsetVS   = 0x08 // 4 bytes
	PropertyOffsetCC   = 0x14 // 4 bytes
	PropertyOffsetCSTS = 0x1C // 4 bytes
)

// Controller Configuration (CC) register field defaults used when building
// the enable command, per NVM Express Base Specification "Controller
// Configuration".
const (
	CCDefaultCSS    = 0x6 // NVM Command Set
	CCDefaultAMS    = 0x0 // Round Robin arbitration
	CCDefaultIOSQES = 0x6 // 64-byte submission queue entries (2^6)
	CCDefaultIOCQES = 0x4 // 16-byte completion queue entries (2^4)
)

// Controller-ready poll timing.
const (
	ControllerReadyPollInterval = 10 * time.Millisecond
)

// NVMeDefaultMaxEntries bounds discovery/ANA log page fetches when the
// caller does not specify a cap.
const NVMeDefaultMaxEntries = 1024
