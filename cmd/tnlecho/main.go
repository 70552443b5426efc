// Command tnlecho is an end-to-end demonstration of Component E wired
// to the ghost and event layers (handshake plus
// a single ghosted object): run a server, which ghosts one counter
// object to every connection, and a client, which connects and prints
// every update it mirrors.
package main

import (
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jabolina/tnlgo/connection"
	"github.com/jabolina/tnlgo/internal/ghost"
	"github.com/jabolina/tnlgo/internal/netlog"
	"github.com/jabolina/tnlgo/internal/typedb"
)

const counterHandle typedb.Handle = 1

type counter struct {
	value int32
}

func (c *counter) self() *counter { return c }

// counterOf returns the counter embedded in a *counterSource or a
// *counterMirror, the two object types the descriptor is used with.
func counterOf(obj interface{}) *counter {
	return obj.(interface{ self() *counter }).self()
}

func counterDescriptor() *typedb.Descriptor {
	return typedb.NewDescriptor(counterHandle, "tnlecho.counter", nil,
		typedb.IntField("value", 0, false,
			32,
			func(obj interface{}) int32 { return counterOf(obj).value },
			func(obj interface{}, v int32) { counterOf(obj).value = v }))
}

// counterSource is the authoritative, server-side half of the ghosted
// counter: always in scope, always ghostable, priority scales with how
// long an update has gone unsent.
type counterSource struct {
	*counter
	id typedb.Handle
}

func (s *counterSource) ObjectID() ghost.ObjectID     { return ghost.ObjectID(s.id) }
func (s *counterSource) TypeHandle() typedb.Handle    { return counterHandle }
func (s *counterSource) Ghostable() bool              { return true }
func (s *counterSource) OnGhostAvailable(interface{}) {}
func (s *counterSource) OnGhostAdd(interface{}) bool  { return true }
func (s *counterSource) OnGhostRemove()               {}
func (s *counterSource) OnGhostUpdate(uint32)         {}
func (s *counterSource) GetUpdatePriority(ghost.ScopeObject, uint32, int) float64 {
	return 1
}

// alwaysScope is a ghost.ScopeObject that keeps every registered source
// in scope unconditionally, the simplest possible scope policy.
type alwaysScope struct{ sources []ghost.Source }

func (a *alwaysScope) PerformScopeQuery(conn interface{}, mark func(obj ghost.Source)) {
	for _, s := range a.sources {
		mark(s)
	}
}

// counterMirror is the receive-side mirror: whatever it decodes, it
// prints.
type counterMirror struct {
	counter
	log netlog.Logger
}

func (m *counterMirror) OnGhostAdd(interface{}) bool {
	m.log.Infof("counter ghost added, initial value %d", m.value)
	return true
}
func (m *counterMirror) OnGhostRemove() { m.log.Infof("counter ghost removed") }
func (m *counterMirror) OnGhostUpdate(mask uint32) {
	m.log.Infof("counter updated to %d (mask %#x)", m.value, mask)
}

type quietHandler struct{ log netlog.Logger }

func (h quietHandler) OnEstablished(conn *connection.Connection) {
	h.log.Infof("connection %d established with %s", conn.ID(), conn.RemoteAddr())
}
func (h quietHandler) OnDisconnected(conn *connection.Connection, reason connection.DisconnectReason) {
	h.log.Infof("connection %d disconnected: %s (%s)", conn.ID(), reason.Code, reason.Detail)
}

func main() {
	mode := flag.String("mode", "server", "server or client")
	bind := flag.String("bind", "127.0.0.1:9100", "local address to bind")
	remote := flag.String("remote", "127.0.0.1:9100", "server address to connect to (client mode)")
	flag.Parse()

	log := netlog.NewDefaultLogger(*mode)
	db := typedb.NewDatabase()
	if err := db.Register(counterDescriptor()); err != nil {
		log.Fatalf("registering counter type: %v", err)
	}

	bindAddr, err := netip.ParseAddrPort(*bind)
	if err != nil {
		log.Fatalf("parsing bind address: %v", err)
	}

	switch *mode {
	case "server":
		runServer(bindAddr, db, log)
	case "client":
		remoteAddr, err := netip.ParseAddrPort(*remote)
		if err != nil {
			log.Fatalf("parsing remote address: %v", err)
		}
		runClient(bindAddr, remoteAddr, db, log)
	default:
		log.Fatalf("unknown mode %q, want server or client", *mode)
	}
}

func runServer(bind netip.AddrPort, db *typedb.Database, log netlog.Logger) {
	source := &counterSource{counter: &counter{}, id: counterHandle}
	scope := &alwaysScope{sources: []ghost.Source{source}}

	handler := quietHandler{log: log}
	iface, err := connection.NewInterface(bind, connection.DefaultConfiguration("tnlecho-server"), db, handler)
	if err != nil {
		log.Fatalf("binding server interface: %v", err)
	}
	defer iface.Shutdown()
	log.Infof("listening on %s", iface.LocalAddr())

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for range ticker.C {
			source.value++
			for _, conn := range iface.Connections() {
				if conn.State() != connection.StateEstablished {
					continue
				}
				conn.SetScopeObject(scope)
				if err := conn.ActivateGhosting(); err != nil && err != connection.ErrNotEstablished {
					log.Debugf("activating ghosting on %d: %v", conn.ID(), err)
				}
				conn.MarkGhostDirty(source.ObjectID(), 1)
			}
		}
	}()

	awaitSignal()
}

func runClient(bind, remote netip.AddrPort, db *typedb.Database, log netlog.Logger) {
	handler := quietHandler{log: log}
	iface, err := connection.NewInterface(bind, connection.DefaultConfiguration("tnlecho-client"), db, handler)
	if err != nil {
		log.Fatalf("binding client interface: %v", err)
	}
	defer iface.Shutdown()

	conn, err := iface.Connect(remote)
	if err != nil {
		log.Fatalf("connecting to %s: %v", remote, err)
	}
	if err := conn.WaitEstablished(5 * time.Second); err != nil {
		log.Fatalf("establishing connection: %v", err)
	}
	fmt.Printf("connected to %s as connection %d\n", remote, conn.ID())

	conn.RegisterGhostType(uint32(counterHandle), func() ghost.GhostedObject {
		return &counterMirror{log: log}
	})

	awaitSignal()
}

func awaitSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}
