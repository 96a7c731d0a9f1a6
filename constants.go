package nvmeof

import "github.com/truenas/nvmeof-client/internal/constants"

// Re-export constants for public API.
const (
	DefaultPort           = constants.DefaultPort
	DefaultTimeout        = constants.DefaultTimeout
	DefaultKato           = constants.DefaultKato
	DiscoveryNQN          = constants.DiscoveryNQN
	NVMeMaxIOSize         = constants.NVMeMaxIOSize
	NVMeDefaultMaxEntries = constants.NVMeDefaultMaxEntries
)
