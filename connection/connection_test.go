package connection

import (
	"net/netip"
	"testing"
	"time"

	"github.com/jabolina/tnlgo/internal/ghost"
	"github.com/jabolina/tnlgo/internal/netlog"
	"github.com/jabolina/tnlgo/internal/netmetrics"
	"github.com/jabolina/tnlgo/internal/typedb"
	"github.com/jabolina/tnlgo/internal/udpsocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/goleak"
)

type recordingHandler struct {
	established  chan *Connection
	disconnected chan DisconnectReason
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		established:  make(chan *Connection, 4),
		disconnected: make(chan DisconnectReason, 4),
	}
}

func (h *recordingHandler) OnEstablished(conn *Connection) { h.established <- conn }
func (h *recordingHandler) OnDisconnected(conn *Connection, reason DisconnectReason) {
	h.disconnected <- reason
}

// fastConfig shrinks every timing knob so handshake/timeout tests don't
// need to wait on production-sized periods.
func fastConfig() *InterfaceConfig {
	cfg := DefaultConfiguration("test")
	cfg.PollPeriod = 5 * time.Millisecond
	cfg.Connection.TargetPeriod = 5 * time.Millisecond
	cfg.Connection.HandshakeTimeout = 200 * time.Millisecond
	cfg.Connection.ConnTimeout = 150 * time.Millisecond
	cfg.Connection.EntryTimeout = 100 * time.Millisecond
	return cfg
}

func newLoopbackPair(t *testing.T, cfg *InterfaceConfig, serverHandler, clientHandler Handler, clientLoss udpsocket.LossSimulator) (*Interface, *Interface) {
	t.Helper()
	db := typedb.NewDatabase()

	serverSocket, err := udpsocket.Listen(netip.MustParseAddrPort("127.0.0.1:0"), nil)
	if err != nil {
		t.Fatalf("binding server socket: %v", err)
	}
	server, err := NewInterfaceWithSocket(serverSocket, cfg, db, netmetrics.NewMetrics(prometheus.NewRegistry()), netlog.NewDefaultLogger("server"), serverHandler)
	if err != nil {
		t.Fatalf("creating server interface: %v", err)
	}

	clientSocket, err := udpsocket.Listen(netip.MustParseAddrPort("127.0.0.1:0"), clientLoss)
	if err != nil {
		t.Fatalf("binding client socket: %v", err)
	}
	client, err := NewInterfaceWithSocket(clientSocket, cfg, db, netmetrics.NewMetrics(prometheus.NewRegistry()), netlog.NewDefaultLogger("client"), clientHandler)
	if err != nil {
		t.Fatalf("creating client interface: %v", err)
	}

	return server, client
}

func TestHandshakeEstablishesBothSides(t *testing.T) {
	defer goleak.VerifyNone(t)

	serverHandler := newRecordingHandler()
	clientHandler := newRecordingHandler()
	server, client := newLoopbackPair(t, fastConfig(), serverHandler, clientHandler, nil)
	defer server.Shutdown()
	defer client.Shutdown()

	conn, err := client.Connect(server.LocalAddr())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := conn.WaitEstablished(2 * time.Second); err != nil {
		t.Fatalf("client never established: %v", err)
	}
	if conn.State() != StateEstablished {
		t.Fatalf("client state = %s, want established", conn.State())
	}

	select {
	case serverSide := <-serverHandler.established:
		if serverSide.State() != StateEstablished {
			t.Fatalf("server connection state = %s, want established", serverSide.State())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never reported OnEstablished")
	}

	select {
	case <-clientHandler.established:
	case <-time.After(2 * time.Second):
		t.Fatal("client handler never reported OnEstablished")
	}
}

func TestDisconnectNotifiesPeer(t *testing.T) {
	defer goleak.VerifyNone(t)

	serverHandler := newRecordingHandler()
	clientHandler := newRecordingHandler()
	server, client := newLoopbackPair(t, fastConfig(), serverHandler, clientHandler, nil)
	defer server.Shutdown()
	defer client.Shutdown()

	conn, err := client.Connect(server.LocalAddr())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := conn.WaitEstablished(2 * time.Second); err != nil {
		t.Fatalf("client never established: %v", err)
	}
	<-serverHandler.established

	conn.Disconnect(DisconnectReason{Code: ReasonUserRequested, Detail: "bye"})

	select {
	case reason := <-serverHandler.disconnected:
		if reason.Code != ReasonUserRequested {
			t.Fatalf("server disconnect reason = %s, want user_requested", reason.Code)
		}
		if reason.Detail != "bye" {
			t.Fatalf("server disconnect detail = %q, want %q", reason.Detail, "bye")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed the disconnect")
	}
}

func TestConnectionTimesOutWithoutTraffic(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := fastConfig()
	serverHandler := newRecordingHandler()
	clientHandler := newRecordingHandler()
	server, client := newLoopbackPair(t, cfg, serverHandler, clientHandler, nil)
	defer server.Shutdown()
	defer client.Shutdown()

	conn, err := client.Connect(server.LocalAddr())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := conn.WaitEstablished(2 * time.Second); err != nil {
		t.Fatalf("client never established: %v", err)
	}
	<-serverHandler.established

	// Drop the server's socket out from under it without a disconnect
	// packet, so the client side must discover the outage via its own
	// no-traffic connection timeout.
	server.Shutdown()

	select {
	case reason := <-clientHandler.disconnected:
		if reason.Code != ReasonTimedOut {
			t.Fatalf("client disconnect reason = %s, want timed_out", reason.Code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client never timed out")
	}
}

func TestRoundTripTimeIsMeasured(t *testing.T) {
	defer goleak.VerifyNone(t)

	serverHandler := newRecordingHandler()
	clientHandler := newRecordingHandler()
	server, client := newLoopbackPair(t, fastConfig(), serverHandler, clientHandler, nil)
	defer server.Shutdown()
	defer client.Shutdown()

	conn, err := client.Connect(server.LocalAddr())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := conn.WaitEstablished(2 * time.Second); err != nil {
		t.Fatalf("client never established: %v", err)
	}
	<-serverHandler.established

	deadline := time.Now().Add(3 * time.Second)
	for conn.RoundTripTime() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if conn.RoundTripTime() == 0 {
		t.Fatal("round trip time never measured")
	}
}

const testGhostHandle typedb.Handle = 100

// testGhostObject plays both roles internal/ghost/manager_test.go's ship
// type does: the authoritative source on one connection, the
// receive-side mirror on the other, distinguished only by which hooks
// fire. added/updated are nil on the source instance and only populated
// on the mirror one, so they're safe for the source to ignore.
type testGhostObject struct {
	id      ghost.ObjectID
	value   int32
	added   chan int32
	updated chan uint32
}

func testGhostDescriptor() *typedb.Descriptor {
	return typedb.NewDescriptor(testGhostHandle, "connection_test.ghost", nil,
		typedb.IntField("value", 0, false, 32,
			func(o interface{}) int32 { return o.(*testGhostObject).value },
			func(o interface{}, v int32) { o.(*testGhostObject).value = v }))
}

func (g *testGhostObject) ObjectID() ghost.ObjectID  { return g.id }
func (g *testGhostObject) TypeHandle() typedb.Handle { return testGhostHandle }
func (g *testGhostObject) Ghostable() bool           { return true }
func (g *testGhostObject) OnGhostAdd(interface{}) bool {
	if g.added != nil {
		g.added <- g.value
	}
	return true
}
func (g *testGhostObject) OnGhostRemove() {}
func (g *testGhostObject) OnGhostUpdate(mask uint32) {
	if g.updated != nil {
		g.updated <- mask
	}
}
func (g *testGhostObject) OnGhostAvailable(interface{}) {}
func (g *testGhostObject) GetUpdatePriority(ghost.ScopeObject, uint32, int) float64 {
	return 1
}

type fixedScope struct{ objs []ghost.Source }

func (s *fixedScope) PerformScopeQuery(conn interface{}, mark func(obj ghost.Source)) {
	for _, o := range s.objs {
		mark(o)
	}
}

func TestGhostActivationReplicatesObject(t *testing.T) {
	defer goleak.VerifyNone(t)

	serverHandler := newRecordingHandler()
	clientHandler := newRecordingHandler()
	cfg := fastConfig()

	db := typedb.NewDatabase()
	if err := db.Register(testGhostDescriptor()); err != nil {
		t.Fatalf("registering ghost type: %v", err)
	}

	serverSocket, err := udpsocket.Listen(netip.MustParseAddrPort("127.0.0.1:0"), nil)
	if err != nil {
		t.Fatalf("binding server socket: %v", err)
	}
	server, err := NewInterfaceWithSocket(serverSocket, cfg, db, netmetrics.NewMetrics(prometheus.NewRegistry()), netlog.NewDefaultLogger("server"), serverHandler)
	if err != nil {
		t.Fatalf("creating server interface: %v", err)
	}
	defer server.Shutdown()

	clientSocket, err := udpsocket.Listen(netip.MustParseAddrPort("127.0.0.1:0"), nil)
	if err != nil {
		t.Fatalf("binding client socket: %v", err)
	}
	client, err := NewInterfaceWithSocket(clientSocket, cfg, db, netmetrics.NewMetrics(prometheus.NewRegistry()), netlog.NewDefaultLogger("client"), clientHandler)
	if err != nil {
		t.Fatalf("creating client interface: %v", err)
	}
	defer client.Shutdown()

	conn, err := client.Connect(server.LocalAddr())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := conn.WaitEstablished(2 * time.Second); err != nil {
		t.Fatalf("client never established: %v", err)
	}

	var serverConn *Connection
	select {
	case serverConn = <-serverHandler.established:
	case <-time.After(2 * time.Second):
		t.Fatal("server never established")
	}

	object := &testGhostObject{id: 1, value: 7}
	scope := &fixedScope{objs: []ghost.Source{object}}
	serverConn.SetScopeObject(scope)
	if err := serverConn.ActivateGhosting(); err != nil {
		t.Fatalf("ActivateGhosting: %v", err)
	}

	added := make(chan int32, 1)
	updated := make(chan uint32, 4)
	conn.RegisterGhostType(uint32(testGhostHandle), func() ghost.GhostedObject {
		return &testGhostObject{added: added, updated: updated}
	})

	select {
	case v := <-added:
		if v != 7 {
			t.Fatalf("ghost created with value %d, want 7", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never received the ghost create")
	}

	// Mutate the source and re-dirty it: the next write phase should
	// resend just the changed field, not a new create.
	object.value = 9
	serverConn.MarkGhostDirty(object.ObjectID(), 1)

	select {
	case mask := <-updated:
		if mask == 0 {
			t.Fatal("received update with zero mask")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never received the dirty-mask update")
	}
}
