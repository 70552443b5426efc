// Package tnltest holds test-support helpers shared across this
// repository's _test.go files: constructing a loopback pair of
// connection.Interfaces and bounding how long an async scenario waits for
// a round trip. Goroutine-leak checks are left to the tests themselves.
package tnltest

import (
	"net/netip"
	"runtime"
	"testing"
	"time"

	"github.com/jabolina/tnlgo/connection"
	"github.com/jabolina/tnlgo/internal/netlog"
	"github.com/jabolina/tnlgo/internal/netmetrics"
	"github.com/jabolina/tnlgo/internal/typedb"
	"github.com/jabolina/tnlgo/internal/udpsocket"
	"github.com/prometheus/client_golang/prometheus"
)

// NoopHandler is a connection.Handler that does nothing, for tests that
// only care about the connections themselves, not life-cycle callbacks.
type NoopHandler struct{}

func (NoopHandler) OnEstablished(*connection.Connection)                      {}
func (NoopHandler) OnDisconnected(*connection.Connection, connection.DisconnectReason) {}

// Pair is a loopback server/client interface pair sharing one type
// database, the shape every end-to-end scenario test builds on.
type Pair struct {
	T      *testing.T
	DB     *typedb.Database
	Server *connection.Interface
	Client *connection.Interface
}

// NewPair builds a server and client Interface bound to loopback,
// connects the client, and waits for both sides to report established.
// loss, if non-nil, is installed on the client's outbound/inbound path
// only (test-only packet-loss simulation hook).
func NewPair(t *testing.T, serverHandler, clientHandler connection.Handler, loss udpsocket.LossSimulator) *Pair {
	t.Helper()

	db := typedb.NewDatabase()
	cfg := connection.DefaultConfiguration(t.Name())

	serverSocket, err := udpsocket.Listen(netip.MustParseAddrPort("127.0.0.1:0"), nil)
	if err != nil {
		t.Fatalf("failed binding server socket: %v", err)
	}
	server, err := connection.NewInterfaceWithSocket(serverSocket, cfg, db, netmetrics.NewMetrics(prometheus.NewRegistry()), netlog.NewDefaultLogger("server"), serverHandler)
	if err != nil {
		t.Fatalf("failed creating server interface: %v", err)
	}

	clientSocket, err := udpsocket.Listen(netip.MustParseAddrPort("127.0.0.1:0"), loss)
	if err != nil {
		t.Fatalf("failed binding client socket: %v", err)
	}
	client, err := connection.NewInterfaceWithSocket(clientSocket, cfg, db, netmetrics.NewMetrics(prometheus.NewRegistry()), netlog.NewDefaultLogger("client"), clientHandler)
	if err != nil {
		t.Fatalf("failed creating client interface: %v", err)
	}

	conn, err := client.Connect(server.LocalAddr())
	if err != nil {
		t.Fatalf("failed starting connect: %v", err)
	}
	if err := conn.WaitEstablished(5 * time.Second); err != nil {
		t.Fatalf("client never established: %v", err)
	}

	if !WaitThisOrTimeout(func() {
		for len(server.Connections()) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}, 5*time.Second) {
		t.Fatalf("server never observed the incoming connection")
	}

	return &Pair{T: t, DB: db, Server: server, Client: client}
}

// Off shuts both interfaces down, matching UnityCluster.Off's shape.
func (p *Pair) Off() {
	p.Server.Shutdown()
	p.Client.Shutdown()
}

// PrintStackTrace dumps every goroutine's stack to t, used when a
// WaitThisOrTimeout-bounded shutdown doesn't complete in time.
func PrintStackTrace(t *testing.T) {
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, true)
	t.Errorf("%s", buf[:n])
}

// WaitThisOrTimeout runs cb in a goroutine and reports whether it
// finished before duration elapsed.
func WaitThisOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan bool, 1)
	go func() {
		cb()
		done <- true
	}()
	select {
	case <-done:
		return true
	case <-time.After(duration):
		return false
	}
}
