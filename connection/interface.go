package connection

import (
	"fmt"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/jabolina/tnlgo/internal/bitstream"
	"github.com/jabolina/tnlgo/internal/netlog"
	"github.com/jabolina/tnlgo/internal/netmetrics"
	"github.com/jabolina/tnlgo/internal/typedb"
	"github.com/jabolina/tnlgo/internal/udpsocket"
	"github.com/prometheus/client_golang/prometheus"
)

// Handler receives connection life-cycle notifications: the package's
// upward API, equivalent to "set control object".
type Handler interface {
	OnEstablished(conn *Connection)
	OnDisconnected(conn *Connection, reason DisconnectReason)
}

// pendingChallenge is the acceptor side's bookkeeping for a handshake
// attempt that hasn't yet produced a Connection: just enough state to
// validate the follow-up connect request continues the same attempt.
type pendingChallenge struct {
	clientNonce uint32
	serverNonce uint32
	createdAt   time.Time
}

// Interface owns one bound socket and every connection multiplexed over
// it: it polls the socket's event queue and dispatches each event to the
// matching connection by remote address, running the single-threaded
// cooperative driver loop every connection's periodic tick depends on.
type Interface struct {
	cfg     InterfaceConfig
	db      *typedb.Database
	socket  *udpsocket.Socket
	metrics *netmetrics.Metrics
	log     netlog.Logger
	handler Handler

	mu        sync.Mutex
	conns     map[netip.AddrPort]*Connection
	byID      map[uint32]*Connection
	pending   map[netip.AddrPort]*pendingChallenge
	nextConnID uint32

	off poweroff
}

// poweroff is a mutex-guarded, idempotent close of a channel the driver
// loop selects on, so repeated Shutdown calls and an internal failure
// racing a caller-initiated shutdown can't double-close it.
type poweroff struct {
	mu       sync.Mutex
	shutdown bool
	ch       chan struct{}
	done     chan struct{}
}

func newPoweroff() poweroff {
	return poweroff{ch: make(chan struct{}), done: make(chan struct{})}
}

func (p *poweroff) trigger() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.shutdown {
		p.shutdown = true
		close(p.ch)
	}
}

// NewInterface binds a socket at bind and starts the driver loop. This is
// the production construction path: it always uses a real, lossless
// socket -- packet-loss simulation hooks exist only for tests, reached
// through NewInterfaceWithSocket instead.
func NewInterface(bind netip.AddrPort, cfg *InterfaceConfig, db *typedb.Database, handler Handler) (*Interface, error) {
	socket, err := udpsocket.Listen(bind, nil)
	if err != nil {
		return nil, err
	}
	return NewInterfaceWithSocket(socket, cfg, db, netmetrics.NewMetrics(prometheus.NewRegistry()), netlog.NewDefaultLogger(cfg.Name), handler)
}

// NewInterfaceWithSocket builds an Interface over a caller-supplied
// socket, metrics registry and logger. Production code should prefer
// NewInterface; this constructor exists so test harnesses (tnltest) and
// _test.go files can wire a udpsocket.LossSimulator-equipped socket or a
// shared metrics registry.
func NewInterfaceWithSocket(socket *udpsocket.Socket, cfg *InterfaceConfig, db *typedb.Database, metrics *netmetrics.Metrics, log netlog.Logger, handler Handler) (*Interface, error) {
	if cfg == nil {
		cfg = DefaultConfiguration("tnlgo")
	}
	if db == nil {
		db = typedb.NewDatabase()
	}
	iface := &Interface{
		cfg:     *cfg,
		db:      db,
		socket:  socket,
		metrics: metrics,
		log:     log,
		handler: handler,
		conns:   make(map[netip.AddrPort]*Connection),
		byID:    make(map[uint32]*Connection),
		pending: make(map[netip.AddrPort]*pendingChallenge),
		off:     newPoweroff(),
	}
	go iface.run()
	return iface, nil
}

// LocalAddr returns the bound local address.
func (iface *Interface) LocalAddr() netip.AddrPort {
	addr, _ := netip.ParseAddrPort(iface.socket.LocalAddr().String())
	return addr
}

// Database returns the shared type database, for registering replicated
// and event types before connecting.
func (iface *Interface) Database() *typedb.Database { return iface.db }

// Connect begins a handshake to addr and returns the new connection
// immediately; use Connection.WaitEstablished to block until it's ready.
func (iface *Interface) Connect(addr netip.AddrPort) (*Connection, error) {
	iface.mu.Lock()
	if _, exists := iface.conns[addr]; exists {
		iface.mu.Unlock()
		return nil, fmt.Errorf("connection: already connecting or connected to %s", addr)
	}
	conn := newConnection(iface, 0, addr, true, iface.cfg.Connection)
	conn.clientNonce = rand.Uint32()
	iface.conns[addr] = conn
	iface.mu.Unlock()

	w := bitstream.NewWriter(64)
	challengeRequest{ProtocolVersion: iface.cfg.ProtocolVersion, ClientNonce: conn.clientNonce}.writeTo(w)
	if err := iface.socket.Send(addr, w.Bytes()); err != nil {
		iface.remove(conn)
		return nil, err
	}
	return conn, nil
}

// Connections returns every connection currently tracked, in any state.
func (iface *Interface) Connections() []*Connection {
	iface.mu.Lock()
	defer iface.mu.Unlock()
	out := make([]*Connection, 0, len(iface.conns))
	for _, c := range iface.conns {
		out = append(out, c)
	}
	return out
}

// Shutdown stops the driver loop and closes the underlying socket,
// blocking until the loop goroutine has exited.
func (iface *Interface) Shutdown() {
	iface.off.trigger()
	<-iface.off.done
	iface.socket.Close()
}

func (iface *Interface) remove(conn *Connection) {
	iface.mu.Lock()
	defer iface.mu.Unlock()
	if existing, ok := iface.conns[conn.remote]; ok && existing == conn {
		delete(iface.conns, conn.remote)
	}
	delete(iface.byID, conn.id)
}

func (iface *Interface) abandonPending(conn *Connection) {
	conn.fail(ReasonTimedOut, "handshake did not complete in time")
}

func (iface *Interface) run() {
	defer close(iface.off.done)

	ticker := time.NewTicker(iface.cfg.PollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-iface.off.ch:
			return
		case ev, ok := <-iface.socket.Events():
			if !ok {
				return
			}
			iface.handleSocketEvent(ev)
		case now := <-ticker.C:
			iface.tickAll(now)
		}
	}
}

func (iface *Interface) tickAll(now time.Time) {
	for _, conn := range iface.Connections() {
		conn.tick(now)
	}
	iface.sweepPending(now)
}

// sweepPending discards acceptor-side handshake attempts that never
// followed up with a connect request within HandshakeTimeout, so an
// abandoned challenge doesn't grow iface.pending forever.
func (iface *Interface) sweepPending(now time.Time) {
	iface.mu.Lock()
	defer iface.mu.Unlock()
	for addr, pc := range iface.pending {
		if now.Sub(pc.createdAt) > iface.cfg.Connection.HandshakeTimeout {
			delete(iface.pending, addr)
		}
	}
}

func (iface *Interface) handleSocketEvent(ev udpsocket.Event) {
	switch ev.Kind {
	case udpsocket.EventReadError:
		iface.log.Warnf("interface %s: socket read error: %v", iface.cfg.Name, ev.Err)
	case udpsocket.EventPacket:
		iface.handlePacket(ev.From, ev.Data)
	}
}

func (iface *Interface) handlePacket(from netip.AddrPort, data []byte) {
	r := bitstream.NewReader(data)
	pt, err := readPacketType(r)
	if err != nil {
		return
	}

	switch pt {
	case packetChallengeRequest:
		iface.handleChallengeRequest(from, r)
	case packetChallengeResponse:
		iface.handleChallengeResponse(from, r)
	case packetConnectRequest:
		iface.handleConnectRequest(from, r)
	case packetConnectResponse:
		iface.handleConnectResponse(from, r)
	case packetDisconnect:
		iface.handleDisconnectPacket(from, r)
	case packetData:
		iface.handleDataPacket(from, r)
	}
}

func (iface *Interface) handleChallengeRequest(from netip.AddrPort, r *bitstream.Reader) {
	req, err := readChallengeRequest(r)
	if err != nil {
		return
	}
	if req.ProtocolVersion != iface.cfg.ProtocolVersion {
		iface.log.Warnf("interface %s: rejecting %s: protocol version %d != %d", iface.cfg.Name, from, req.ProtocolVersion, iface.cfg.ProtocolVersion)
		return
	}

	serverNonce := rand.Uint32()
	iface.mu.Lock()
	iface.pending[from] = &pendingChallenge{clientNonce: req.ClientNonce, serverNonce: serverNonce, createdAt: time.Now()}
	iface.mu.Unlock()

	w := bitstream.NewWriter(64)
	challengeResponse{ClientNonce: req.ClientNonce, ServerNonce: serverNonce}.writeTo(w)
	_ = iface.socket.Send(from, w.Bytes())
}

func (iface *Interface) handleChallengeResponse(from netip.AddrPort, r *bitstream.Reader) {
	resp, err := readChallengeResponse(r)
	if err != nil {
		return
	}

	iface.mu.Lock()
	conn, ok := iface.conns[from]
	iface.mu.Unlock()
	if !ok || conn.State() != StateAwaitingChallenge || conn.clientNonce != resp.ClientNonce {
		return
	}

	conn.mu.Lock()
	conn.serverNonce = resp.ServerNonce
	conn.mu.Unlock()
	conn.setState(StateAwaitingConnectResponse)

	w := bitstream.NewWriter(64)
	connectRequest{ClientNonce: resp.ClientNonce, ServerNonce: resp.ServerNonce}.writeTo(w)
	_ = iface.socket.Send(from, w.Bytes())
}

func (iface *Interface) handleConnectRequest(from netip.AddrPort, r *bitstream.Reader) {
	req, err := readConnectRequest(r)
	if err != nil {
		return
	}

	iface.mu.Lock()
	pc, ok := iface.pending[from]
	if !ok || pc.clientNonce != req.ClientNonce || pc.serverNonce != req.ServerNonce {
		iface.mu.Unlock()
		return
	}
	delete(iface.pending, from)
	iface.nextConnID++
	id := iface.nextConnID
	iface.mu.Unlock()

	conn := newConnection(iface, id, from, false, iface.cfg.Connection)
	conn.clientNonce = req.ClientNonce
	conn.serverNonce = req.ServerNonce
	conn.setState(StateEstablished)

	iface.mu.Lock()
	iface.conns[from] = conn
	iface.byID[id] = conn
	iface.mu.Unlock()

	w := bitstream.NewWriter(64)
	connectResponse{ConnectionID: id}.writeTo(w)
	_ = iface.socket.Send(from, w.Bytes())

	conn.markReady()
	if iface.handler != nil {
		iface.handler.OnEstablished(conn)
	}
}

func (iface *Interface) handleConnectResponse(from netip.AddrPort, r *bitstream.Reader) {
	resp, err := readConnectResponse(r)
	if err != nil {
		return
	}

	iface.mu.Lock()
	conn, ok := iface.conns[from]
	iface.mu.Unlock()
	if !ok || conn.State() != StateAwaitingConnectResponse {
		return
	}

	conn.mu.Lock()
	conn.id = resp.ConnectionID
	conn.mu.Unlock()
	conn.setState(StateEstablished)

	iface.mu.Lock()
	iface.byID[resp.ConnectionID] = conn
	iface.mu.Unlock()

	conn.markReady()
	if iface.handler != nil {
		iface.handler.OnEstablished(conn)
	}
}

func (iface *Interface) handleDisconnectPacket(from netip.AddrPort, r *bitstream.Reader) {
	reason, err := ReadDisconnectReason(r)
	if err != nil {
		return
	}
	iface.mu.Lock()
	conn, ok := iface.conns[from]
	iface.mu.Unlock()
	if !ok {
		return
	}
	conn.teardown(reason)
}

func (iface *Interface) handleDataPacket(from netip.AddrPort, r *bitstream.Reader) {
	iface.mu.Lock()
	conn, ok := iface.conns[from]
	iface.mu.Unlock()
	if !ok {
		return
	}
	conn.handleData(r)
}
