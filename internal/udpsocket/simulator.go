package udpsocket

import (
	"math/rand"
	"net/netip"
	"sync"
	"time"
)

// RandomLoss drops a fraction of outbound and inbound datagrams,
// deterministically when seeded -- test-only
// packet-loss simulation hook, exercised by the connection
// layer's own retransmission/timeout tests rather than anything
// production code constructs.
type RandomLoss struct {
	mu           sync.Mutex
	rng          *rand.Rand
	OutboundRate float64
	InboundRate  float64
}

// NewRandomLoss creates a RandomLoss with the given drop rates (0..1)
// and deterministic seed.
func NewRandomLoss(seed int64, outboundRate, inboundRate float64) *RandomLoss {
	return &RandomLoss{
		rng:          rand.New(rand.NewSource(seed)),
		OutboundRate: outboundRate,
		InboundRate:  inboundRate,
	}
}

func (r *RandomLoss) DropOutbound(netip.AddrPort, []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64() < r.OutboundRate
}

func (r *RandomLoss) DropInbound(netip.AddrPort, []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64() < r.InboundRate
}

// SimulatedReorder holds back every Nth outbound datagram and replays it
// on its own socket after delay has elapsed, so a datagram sent
// immediately afterward arrives at the peer first -- a test-only hook
// for exercising in-order delivery guarantees against a transport that
// genuinely reorders, rather than hand-feeding a receiver out-of-order
// reads.
type SimulatedReorder struct {
	mu     sync.Mutex
	every  int
	delay  time.Duration
	count  int
	sender func(netip.AddrPort, []byte) error
}

// NewSimulatedReorder creates a SimulatedReorder that holds back every
// nth outbound datagram (n must be >= 2) and replays it after delay.
func NewSimulatedReorder(every int, delay time.Duration) *SimulatedReorder {
	if every < 2 {
		every = 2
	}
	return &SimulatedReorder{every: every, delay: delay}
}

// attach wires the simulator to the socket whose datagrams it reorders,
// so a held datagram can be replayed without looping back through
// DropOutbound.
func (r *SimulatedReorder) attach(s *Socket) {
	r.mu.Lock()
	r.sender = s.rawSend
	r.mu.Unlock()
}

func (r *SimulatedReorder) DropOutbound(to netip.AddrPort, data []byte) bool {
	r.mu.Lock()
	r.count++
	hold := r.count%r.every == 0
	sender := r.sender
	r.mu.Unlock()
	if !hold || sender == nil {
		return false
	}

	held := append([]byte(nil), data...)
	time.AfterFunc(r.delay, func() {
		_ = sender(to, held)
	})
	return true
}

func (r *SimulatedReorder) DropInbound(netip.AddrPort, []byte) bool { return false }
