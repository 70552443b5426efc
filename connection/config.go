// Package connection implements Component E: one connection's
// life-cycle state machine and the interface that demultiplexes socket
// events across many connections and drives their periodic tick. It owns
// and wires together internal/notify, internal/event and internal/ghost
// per connection, and internal/udpsocket as the shared transport.
package connection

import "time"

// ProtocolVersion is the wire version this package speaks. It is checked
// once, during the handshake; a challenge request naming a different
// version gets no answer, so the initiator's attempt fails when its
// handshake timeout expires. The event layer does no version check.
const ProtocolVersion = 1

// ConnectionConfig bounds one connection's resource use: window size,
// tick period, datagram capacity, and the two notify timeouts. Split
// out from InterfaceConfig the way a per-group base
// configuration separates from its cluster-wide parent: this is the
// per-peer half.
type ConnectionConfig struct {
	// WindowSize bounds outstanding notify entries ("a
	// connection constant, a few dozen").
	WindowSize int

	// MaxPacketBits is the datagram capacity budget every tick packs
	// into ("fixed rate parameters: max packet size").
	MaxPacketBits int

	// MinPaddingBits is the packer's safety margin, checked before every
	// ghost record and event write.
	MinPaddingBits int

	// MaxGhosts bounds the ghost array's fixed length.
	MaxGhosts int

	// ScopeQueryPeriod paces RunScopeQuery in ticks, bounding scope-query
	// cost on large ghost sets. 1 means every tick.
	ScopeQueryPeriod int

	// EntryTimeout is how long an unacknowledged notify entry may sit
	// outstanding before it is declared lost.
	EntryTimeout time.Duration

	// ConnTimeout is how long a connection may go without any inbound
	// traffic before it is declared timed-out ( scenario
	// 6).
	ConnTimeout time.Duration

	// TargetPeriod is how often the tick driver fires for this
	// connection ("target period").
	TargetPeriod time.Duration

	// HandshakeTimeout bounds how long awaiting_challenge and
	// awaiting_connect_response may sit before the attempt is abandoned.
	HandshakeTimeout time.Duration
}

// DefaultConnectionConfig returns reasonable defaults for a LAN-quality
// link, matching "a few dozen" window and a datagram sized
// to stay under typical MTU.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WindowSize:       32,
		MaxPacketBits:    1024,
		MinPaddingBits:   8,
		MaxGhosts:        1024,
		ScopeQueryPeriod: 1,
		EntryTimeout:     2 * time.Second,
		ConnTimeout:      10 * time.Second,
		TargetPeriod:     100 * time.Millisecond,
		HandshakeTimeout: 5 * time.Second,
	}
}

// InterfaceConfig is the per-process half of configuration: bind address
// is supplied separately to Listen, this covers everything that applies
// identically to every connection the interface accepts or originates.
type InterfaceConfig struct {
	Name             string
	ProtocolVersion  uint32
	Connection       ConnectionConfig
	PollPeriod       time.Duration
}

// DefaultConfiguration builds a named InterfaceConfig with every default
// filled in, the shape test helpers and examples construct from.
func DefaultConfiguration(name string) *InterfaceConfig {
	return &InterfaceConfig{
		Name:            name,
		ProtocolVersion: ProtocolVersion,
		Connection:      DefaultConnectionConfig(),
		PollPeriod:      10 * time.Millisecond,
	}
}
