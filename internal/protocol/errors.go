package protocol

// CodecError is returned by codec pack/unpack functions when a buffer is the
// wrong size or a fixed field fails validation. Callers translate this into
// the public ProtocolError taxonomy; the codec itself stays error-type-free
// of anything above byte buffers.
type CodecError string

func (e CodecError) Error() string { return string(e) }

const (
	ErrShortBuffer     CodecError = "insufficient data for unmarshal"
	ErrPeerClosed      CodecError = "peer closed connection (all-zero header)"
	ErrMalformedHeader CodecError = "malformed PDU header: hlen > plen"
	ErrBadPFV          CodecError = "unsupported pipe fabric version"
)
