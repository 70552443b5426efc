package connection

import "github.com/jabolina/tnlgo/internal/bitstream"

// packetType tags the very first bits of every raw datagram this package
// sends, distinguishing handshake control packets (crypto/entropy/key
// exchange themselves are assumed complete before the core begins --
// these are just the state-machine-visible handshake messages) from
// the post-handshake data packets whose layout connection.go's tick
// describes.
type packetType uint32

const packetTypeBits = 3

const (
	packetChallengeRequest packetType = iota
	packetChallengeResponse
	packetConnectRequest
	packetConnectResponse
	packetDisconnect
	packetData
)

func writePacketType(w *bitstream.Writer, pt packetType) {
	w.WriteUnsigned(uint32(pt), packetTypeBits)
}

func readPacketType(r *bitstream.Reader) (packetType, error) {
	v, err := r.ReadUnsigned(packetTypeBits)
	if err != nil {
		return 0, err
	}
	return packetType(v), nil
}

// challengeRequest is the client's first handshake packet: it proposes a
// protocol version and a locally-generated nonce the server echoes back
// so the client can match the response to this attempt.
type challengeRequest struct {
	ProtocolVersion uint32
	ClientNonce     uint32
}

func (m challengeRequest) writeTo(w *bitstream.Writer) {
	writePacketType(w, packetChallengeRequest)
	w.WriteUnsigned(m.ProtocolVersion, 16)
	w.WriteUnsigned(m.ClientNonce, 32)
}

func readChallengeRequest(r *bitstream.Reader) (challengeRequest, error) {
	var m challengeRequest
	v, err := r.ReadUnsigned(16)
	if err != nil {
		return m, err
	}
	m.ProtocolVersion = v
	n, err := r.ReadUnsigned(32)
	if err != nil {
		return m, err
	}
	m.ClientNonce = n
	return m, nil
}

// challengeResponse echoes the client's nonce and adds the server's own,
// so the subsequent connect request can prove continuity of the same
// handshake attempt without either side retaining per-attempt state
// beyond these two integers.
type challengeResponse struct {
	ClientNonce uint32
	ServerNonce uint32
}

func (m challengeResponse) writeTo(w *bitstream.Writer) {
	writePacketType(w, packetChallengeResponse)
	w.WriteUnsigned(m.ClientNonce, 32)
	w.WriteUnsigned(m.ServerNonce, 32)
}

func readChallengeResponse(r *bitstream.Reader) (challengeResponse, error) {
	var m challengeResponse
	v, err := r.ReadUnsigned(32)
	if err != nil {
		return m, err
	}
	m.ClientNonce = v
	n, err := r.ReadUnsigned(32)
	if err != nil {
		return m, err
	}
	m.ServerNonce = n
	return m, nil
}

// connectRequest finalizes the handshake: both nonces prove it continues
// the same attempt the challenge established.
type connectRequest struct {
	ClientNonce uint32
	ServerNonce uint32
}

func (m connectRequest) writeTo(w *bitstream.Writer) {
	writePacketType(w, packetConnectRequest)
	w.WriteUnsigned(m.ClientNonce, 32)
	w.WriteUnsigned(m.ServerNonce, 32)
}

func readConnectRequest(r *bitstream.Reader) (connectRequest, error) {
	var m connectRequest
	v, err := r.ReadUnsigned(32)
	if err != nil {
		return m, err
	}
	m.ClientNonce = v
	n, err := r.ReadUnsigned(32)
	if err != nil {
		return m, err
	}
	m.ServerNonce = n
	return m, nil
}

// connectResponse assigns the new connection's id, the last step before
// both sides consider themselves established.
type connectResponse struct {
	ConnectionID uint32
}

func (m connectResponse) writeTo(w *bitstream.Writer) {
	writePacketType(w, packetConnectResponse)
	w.WriteUnsigned(m.ConnectionID, 32)
}

func readConnectResponse(r *bitstream.Reader) (connectResponse, error) {
	var m connectResponse
	v, err := r.ReadUnsigned(32)
	if err != nil {
		return m, err
	}
	m.ConnectionID = v
	return m, nil
}
