package connection

import "github.com/jabolina/tnlgo/internal/bitstream"

// ReasonCode names why a connection was torn down: user request,
// protocol violation, or timeout are the fatal-error categories.
type ReasonCode byte

const (
	ReasonUserRequested ReasonCode = iota
	ReasonProtocolError
	ReasonGhostAddFailed
	ReasonIllegalRPC
	ReasonTimedOut
)

func (c ReasonCode) String() string {
	switch c {
	case ReasonUserRequested:
		return "user_requested"
	case ReasonProtocolError:
		return "protocol_error"
	case ReasonGhostAddFailed:
		return "ghost_add_failed"
	case ReasonIllegalRPC:
		return "illegal_rpc"
	case ReasonTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// DisconnectReason is the byte-serializable payload carried by
// disconnect(reason-bitstream): a short code plus an optional
// free-form detail string, carried to the peer on a best-effort
// unguaranteed datagram (the connection is already tearing down, so
// there is no notify entry left to attach a guaranteed send to).
type DisconnectReason struct {
	Code   ReasonCode
	Detail string
}

// WriteTo encodes r onto w.
func (r DisconnectReason) WriteTo(w *bitstream.Writer) {
	w.WriteUnsigned(uint32(r.Code), 8)
	w.WriteString(r.Detail)
}

// ReadDisconnectReason is the inverse of WriteTo.
func ReadDisconnectReason(r *bitstream.Reader) (DisconnectReason, error) {
	code, err := r.ReadUnsigned(8)
	if err != nil {
		return DisconnectReason{}, err
	}
	detail, err := r.ReadString()
	if err != nil {
		return DisconnectReason{}, err
	}
	return DisconnectReason{Code: ReasonCode(code), Detail: detail}, nil
}
