package connection

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/jabolina/tnlgo/internal/bitstream"
	"github.com/jabolina/tnlgo/internal/event"
	"github.com/jabolina/tnlgo/internal/ghost"
	"github.com/jabolina/tnlgo/internal/netlog"
	"github.com/jabolina/tnlgo/internal/netmetrics"
	"github.com/jabolina/tnlgo/internal/notify"
	"github.com/jabolina/tnlgo/internal/typedb"
	"golang.org/x/time/rate"
)

// State is one position in the connection life-cycle:
// awaiting_challenge -> awaiting_connect_response -> established ->
// (disconnected | timed_out). Only Established permits event and ghost
// traffic.
type State int

const (
	StateAwaitingChallenge State = iota
	StateAwaitingConnectResponse
	StateEstablished
	StateDisconnected
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateAwaitingChallenge:
		return "awaiting_challenge"
	case StateAwaitingConnectResponse:
		return "awaiting_connect_response"
	case StateEstablished:
		return "established"
	case StateDisconnected:
		return "disconnected"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// ErrNotEstablished is returned by operations that require an established
// connection (posting events, activating ghosting) when
// the handshake hasn't completed yet.
var ErrNotEstablished = errors.New("connection: not established")

// Connection owns one remote endpoint: its own notify window, event
// channel and ghost manager, reachable through the shared
// Interface that demultiplexes inbound datagrams to it by remote address.
//
// Directionality ("the initiator sets ghost-to = true,
// ghost-from = false; the acceptor is symmetric") falls out for free from
// ghost.Manager's own nil-scope contract: whichever side never calls
// SetScopeObject never produces ghost traffic on this connection, so a
// single Manager handles both the sending and the mirroring half without
// needing a direction flag of its own.
type Connection struct {
	iface *Interface

	id          uint32
	remote      netip.AddrPort
	isInitiator bool

	mu        sync.Mutex
	state     State
	createdAt time.Time

	clientNonce uint32
	serverNonce uint32

	window *notify.Window
	events *event.Channel
	ghosts *ghost.Manager

	log     netlog.Logger
	metrics *netmetrics.Metrics
	cfg     ConnectionConfig

	ready   chan struct{}
	readyMu sync.Mutex
	closed  bool

	finalReason DisconnectReason

	pendingPings map[uint32]time.Time
	nextPingSeq  uint32
	lastPingAt   time.Time
	smoothedRTT  time.Duration

	// limiter paces the established-state send cycle to
	// ConnectionConfig.TargetPeriod ("fixed rate
	// parameters"), independent of how often Interface.run wakes up to
	// drain the socket.
	limiter *rate.Limiter
}

func newConnection(iface *Interface, id uint32, remote netip.AddrPort, isInitiator bool, cfg ConnectionConfig) *Connection {
	c := &Connection{
		iface:        iface,
		id:           id,
		remote:       remote,
		isInitiator:  isInitiator,
		createdAt:    time.Now(),
		log:          iface.log,
		metrics:      iface.metrics,
		cfg:          cfg,
		ready:        make(chan struct{}),
		pendingPings: make(map[uint32]time.Time),
		limiter:      rate.NewLimiter(rate.Every(cfg.TargetPeriod), 1),
	}
	if isInitiator {
		c.state = StateAwaitingChallenge
	} else {
		c.state = StateAwaitingConnectResponse
	}

	c.window = notify.NewWindow(cfg.WindowSize, cfg.EntryTimeout, cfg.ConnTimeout, iface.log)
	c.events = event.NewChannel(!isInitiator, cfg.MinPaddingBits)
	c.ghosts = ghost.NewManager(cfg.MaxGhosts, cfg.ScopeQueryPeriod, cfg.MinPaddingBits, iface.db, iface.log)
	c.ghosts.SetConnection(c)

	if err := registerControlRPCs(iface.db, c.events, c); err != nil {
		iface.log.Errorf("connection: failed registering ghost control rpcs: %v", err)
	}
	if err := registerPingPong(iface.db, c.events, c); err != nil {
		iface.log.Errorf("connection: failed registering ping/pong rpcs: %v", err)
	}
	return c
}

// ID returns the server-assigned connection identifier.
func (c *Connection) ID() uint32 { return c.id }

// RemoteAddr returns the peer's address.
func (c *Connection) RemoteAddr() netip.AddrPort { return c.remote }

// State reports the current life-cycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// RoundTripTime returns the last smoothed round-trip estimate
// (connection round-trip estimation supplement), zero
// until the first ping/pong exchange completes.
func (c *Connection) RoundTripTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.smoothedRTT
}

// WaitEstablished blocks until the connection reaches established or
// fails, or timeout elapses: it returns nil once established, an error
// naming the disconnect reason code if the attempt failed, or a timeout
// error if neither happened in time.
func (c *Connection) WaitEstablished(timeout time.Duration) error {
	select {
	case <-c.ready:
		if c.State() == StateEstablished {
			return nil
		}
		return fmt.Errorf("connection: failed to establish: %s", c.finalReason.Code)
	case <-time.After(timeout):
		return fmt.Errorf("connection: timed out waiting to establish")
	}
}

func (c *Connection) markReady() {
	c.readyMu.Lock()
	defer c.readyMu.Unlock()
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
}

// SetScopeObject installs this connection's scope object, enabling ghost
// traffic toward the peer. Call ActivateGhosting
// afterward to run the session-id handshake.
func (c *Connection) SetScopeObject(scope ghost.ScopeObject) {
	c.ghosts.SetScopeObject(scope)
}

// AlwaysInScope registers source to always ghost on this connection
// (ghost-always-objects supplement).
func (c *Connection) AlwaysInScope(source ghost.Source) {
	c.ghosts.AlwaysInScope(source)
}

// MarkGhostDirty re-dirties mask's bits on source's ghost record, so the
// next write phase resends the changed fields rather than waiting for the
// next create ("dirty-mask update").
func (c *Connection) MarkGhostDirty(id ghost.ObjectID, mask uint32) {
	c.ghosts.MarkDirty(id, mask)
}

// RegisterGhostType installs the receive-side mirror factory for handle,
// used the first time a create for that type arrives.
func (c *Connection) RegisterGhostType(handle uint32, factory func() ghost.GhostedObject) {
	c.ghosts.RegisterMirrorFactory(typedb.Handle(handle), factory)
}

// ActivateGhosting starts the activation handshake: it
// bumps the manager's session id and posts a start-ghosting control event
// carrying it; ghosting only actually begins once the peer's matching
// ready-ghosting event arrives (see onReadyGhosting).
func (c *Connection) ActivateGhosting() error {
	if c.State() != StateEstablished {
		return ErrNotEstablished
	}
	session := c.ghosts.BeginActivation()
	return postSession(c.events, handleStartGhosting, session)
}

// ResetGhosting tears down every ghost record on this connection and
// notifies the peer via an end-ghosting control event carrying the
// bumped session id.
func (c *Connection) ResetGhosting() error {
	session := c.ghosts.ResetGhosting()
	return postSession(c.events, handleEndGhosting, session)
}

func (c *Connection) onStartGhosting(session uint32) {
	// The peer (the authoritative side) is telling us it is about to
	// start ghosting to us under this session id; our mirror table has
	// no setup of its own to do, so just acknowledge immediately.
	if err := postSession(c.events, handleReadyGhosting, session); err != nil {
		c.log.Warnf("connection %d: failed replying ready-ghosting: %v", c.id, err)
	}
}

func (c *Connection) onReadyGhosting(session uint32) {
	if !c.ghosts.ConfirmActivation(session) {
		c.log.Warnf("connection %d: ready-ghosting for stale session %d", c.id, session)
	}
}

func (c *Connection) onEndGhosting(uint32) {
	c.ghosts.ResetGhosting()
}

// PostEvent posts obj as an instance of the RPC registered under handle.
func (c *Connection) PostEvent(handle uint32, obj interface{}) error {
	if c.State() != StateEstablished {
		return ErrNotEstablished
	}
	return c.events.PostEvent(typedb.Handle(handle), obj)
}

// RegisterRPC declares a remote method on this connection's event
// channel.
func (c *Connection) RegisterRPC(rpc event.RPC) error { return c.events.RegisterRPC(rpc) }

// tick runs one send cycle: handshake bookkeeping while connecting,
// otherwise timeout check, a window-full check, ping pacing, and the
// pack/send cycle (packet type -> notify header -> ghost updates ->
// events -> socket).
func (c *Connection) tick(now time.Time) {
	switch c.State() {
	case StateAwaitingChallenge, StateAwaitingConnectResponse:
		if now.Sub(c.createdAt) > c.cfg.HandshakeTimeout {
			c.iface.abandonPending(c)
		}
		return
	case StateEstablished:
		if !c.limiter.Allow() {
			return
		}
	default:
		return
	}

	if c.window.CheckTimeouts(now) {
		c.fail(ReasonTimedOut, "no traffic received within connection timeout")
		return
	}
	if !c.window.CanSend() {
		return
	}

	c.ghosts.RunScopeQuery(c)
	c.maybePing(now)

	w := bitstream.NewWriter(c.cfg.MaxPacketBits)
	writePacketType(w, packetData)
	c.window.SendPacket(w, func(w *bitstream.Writer, e *notify.Entry) {
		c.ghosts.WriteUpdates(w, c.cfg.MaxPacketBits, e)
		c.events.Pack(w, c.cfg.MaxPacketBits, e)
	})

	if err := c.iface.socket.Send(c.remote, w.Bytes()); err != nil {
		c.log.Warnf("connection %d: send failed: %v", c.id, err)
		return
	}
	if c.metrics != nil {
		c.metrics.PacketsSent.WithLabelValues(c.label()).Inc()
	}
}

// handleData decodes one post-handshake datagram payload: notify header,
// ghost section, event section, in that order.
func (c *Connection) handleData(r *bitstream.Reader) {
	if c.State() != StateEstablished {
		return
	}

	hdr, err := notify.ReadHeader(r)
	if err != nil {
		c.fail(ReasonProtocolError, "malformed notify header")
		return
	}
	c.window.Receive(hdr)

	if err := c.ghosts.ReadUpdates(c, r); err != nil {
		if errors.Is(err, ghost.ErrGhostAddFailed) {
			c.fail(ReasonGhostAddFailed, err.Error())
		} else {
			c.fail(ReasonProtocolError, err.Error())
		}
		return
	}

	if err := c.events.Unpack(r, c); err != nil {
		if errors.Is(err, event.ErrIllegalRPC) {
			c.fail(ReasonIllegalRPC, err.Error())
		} else {
			c.fail(ReasonProtocolError, err.Error())
		}
		return
	}

	if c.metrics != nil {
		c.metrics.PacketsReceived.WithLabelValues(c.label()).Inc()
	}
}

// Disconnect tears the connection down from the local side, best-effort
// notifying the peer with reason ("disconnect(reason-bitstream)").
func (c *Connection) Disconnect(reason DisconnectReason) {
	if c.State() == StateEstablished {
		w := bitstream.NewWriter(64)
		writePacketType(w, packetDisconnect)
		reason.WriteTo(w)
		_ = c.iface.socket.Send(c.remote, w.Bytes())
	}
	c.teardown(reason)
}

// fail tears a connection down for a fatal local reason.
func (c *Connection) fail(code ReasonCode, detail string) {
	c.teardown(DisconnectReason{Code: code, Detail: detail})
}

func (c *Connection) teardown(reason DisconnectReason) {
	c.readyMu.Lock()
	if c.closed {
		c.readyMu.Unlock()
		return
	}
	c.closed = true
	c.readyMu.Unlock()

	if reason.Code == ReasonTimedOut {
		c.setState(StateTimedOut)
	} else {
		c.setState(StateDisconnected)
	}
	c.finalReason = reason
	c.window.Reset()
	c.ghosts.ResetGhosting()
	c.markReady()
	c.iface.remove(c)
	if h := c.iface.handler; h != nil {
		h.OnDisconnected(c, reason)
	}
}

func (c *Connection) label() string { return fmt.Sprintf("%d", c.id) }
