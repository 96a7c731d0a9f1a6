package protocol

// StatusCodeType is the three-bit SCT field of an NVMe status word.
type StatusCodeType uint8

const (
	SCTGeneric         StatusCodeType = 0x0
	SCTCommandSpecific StatusCodeType = 0x1
	SCTMediaIntegrity  StatusCodeType = 0x2
	SCTPathRelated     StatusCodeType = 0x3
	SCTVendorSpecific  StatusCodeType = 0x7
)

// DecodedStatus is the fully unpacked form of an NVMe completion status
// word, split into the fields a caller needs to decide whether to retry.
type DecodedStatus struct {
	Code        uint8
	Type        StatusCodeType
	DoNotRetry  bool
	More        bool
	Description string
}

// DecodeStatus splits a raw 16-bit completion status field into its SC/SCT/
// DNR/More components and attaches a human-readable description.
func DecodeStatus(statusWord uint16) DecodedStatus {
	sc := uint8((statusWord >> 1) & 0xFF)
	sct := StatusCodeType((statusWord >> 9) & 0x7)
	ds := DecodedStatus{
		Code:       sc,
		Type:       sct,
		DoNotRetry: (statusWord>>15)&0x1 != 0,
		More:       (statusWord>>14)&0x1 != 0,
	}
	ds.Description = describeStatus(sct, sc)
	return ds
}

// IsSuccess reports whether the decoded status represents SC=0x00 under the
// generic status code type, the only status value callers treat as success.
func (d DecodedStatus) IsSuccess() bool {
	return d.Type == SCTGeneric && d.Code == 0x00
}

func describeStatus(sct StatusCodeType, sc uint8) string {
	switch sct {
	case SCTGeneric:
		if d, ok := genericStatus[sc]; ok {
			return d
		}
	case SCTCommandSpecific:
		if d, ok := commandSpecificStatus[sc]; ok {
			return d
		}
	case SCTMediaIntegrity:
		return "media or data integrity error"
	case SCTPathRelated:
		return "path related error"
	case SCTVendorSpecific:
		return "vendor specific status"
	}
	return "unknown status"
}

var genericStatus = map[uint8]string{
	0x00: "successful completion",
	0x01: "invalid command opcode",
	0x02: "invalid field in command",
	0x03: "command ID conflict",
	0x04: "data transfer error",
	0x05: "commands aborted due to power loss notification",
	0x06: "internal error",
	0x07: "command abort requested",
	0x08: "command aborted due to SQ deletion",
	0x09: "command aborted due to failed fused command",
	0x0A: "command aborted due to missing fused command",
	0x0B: "invalid namespace or format",
	0x0C: "command sequence error",
	0x0D: "invalid SGL segment descriptor",
	0x0E: "invalid number of SGL descriptors",
	0x0F: "data SGL length invalid",
	0x10: "metadata SGL length invalid",
	0x11: "SGL descriptor type invalid",
	0x12: "invalid use of controller memory buffer",
	0x13: "PRP offset invalid",
	0x14: "atomic write unit exceeded",
	0x15: "operation denied",
	0x16: "SGL offset invalid",
	0x18: "host identifier inconsistent format",
	0x19: "keep alive timeout expired",
	0x1A: "keep alive timeout invalid",
	0x1B: "command aborted due to preempt and abort",
	0x1C: "sanitize failed",
	0x1D: "sanitize in progress",
	0x1E: "SGL data block granularity invalid",
	0x1F: "command not supported for queue in CMB",
	0x20: "namespace is write protected",
	0x21: "command interrupted",
	0x22: "transient transport error",
	0x80: "conflicting attributes",
	0x81: "invalid protection information",
	0x82: "attempted write to read only range",
	0x83: "reservation conflict",
	0x84: "format in progress",
}

var commandSpecificStatus = map[uint8]string{
	0x00: "completion queue invalid",
	0x01: "invalid queue identifier",
	0x02: "invalid queue size",
	0x03: "abort command limit exceeded",
	0x05: "asynchronous event request limit exceeded",
	0x06: "invalid firmware slot",
	0x07: "invalid firmware image",
	0x08: "invalid interrupt vector",
	0x09: "invalid log page",
	0x0A: "invalid format",
	0x0B: "firmware activation requires conventional reset",
	0x0C: "invalid queue deletion",
	0x0D: "feature identifier not saveable",
	0x0E: "feature not changeable",
	0x0F: "feature not namespace specific",
	0x10: "firmware activation requires NVM subsystem reset",
	0x11: "firmware activation requires reset",
	0x12: "firmware activation requires maximum time violation",
	0x13: "firmware activation prohibited",
	0x14: "overlapping range",
	0x15: "namespace insufficient capacity",
	0x16: "namespace identifier unavailable",
	0x18: "namespace already attached",
	0x19: "namespace is private",
	0x1A: "namespace not attached",
	0x1B: "thin provisioning not supported",
	0x1C: "controller list invalid",
	0x1D: "device self-test in progress",
	0x1E: "boot partition write prohibited",
	0x1F: "invalid controller identifier",
	0x20: "invalid secondary controller state",
	0x21: "invalid number of controller resources",
	0x22: "invalid resource identifier",
	0x23: "sanitize prohibited while persistent memory region is enabled",
	0x24: "ANA group identifier invalid",
	0x25: "ANA attach failed",
	0x80: "incompatible format",
	0x81: "controller busy",
	0x82: "connect invalid parameters",
	0x83: "connect restart discovery",
	0x84: "connect invalid host",
}
