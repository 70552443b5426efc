// Package event implements Component C: the event/RPC
// channel built entirely on top of the notify protocol (internal/notify).
// Three outgoing queues (unguaranteed, guaranteed, guaranteed-ordered)
// hold posted events; Pack drains them into a datagram using the type
// database for encoding, and attaches guaranteed/guaranteed-ordered
// events to the datagram's notify entry so loss re-queues them.
package event

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jabolina/tnlgo/internal/bitstream"
	"github.com/jabolina/tnlgo/internal/notify"
	"github.com/jabolina/tnlgo/internal/typedb"
)

// Discipline is one of the three delivery guarantees 
// describes.
type Discipline int

const (
	Unguaranteed Discipline = iota
	Guaranteed
	GuaranteedOrdered

	numDisciplines = int(GuaranteedOrdered) + 1
)

// Direction constrains which side of a connection may originate an RPC.
type Direction int

const (
	ClientToServer Direction = iota
	ServerToClient
	Bidirectional
)

// eventHandleBits is the wire width of an RPC's type tag.
const eventHandleBits = 16

// ErrIllegalRPC is returned (wrapped) when a dispatch violates an RPC's
// declared direction or discipline, or names an unregistered handle;
// the connection layer fails the connection with this.
var ErrIllegalRPC = errors.New("event: illegal rpc")

// RPC declares one remote method: the wire type it constructs at send
// time and the local method dispatch invokes at receive time.
type RPC struct {
	Handle     typedb.Handle
	Descriptor *typedb.Descriptor
	Direction  Direction
	Discipline Discipline

	// New allocates a zero value to decode an incoming instance into.
	New func() interface{}

	// Invoke dispatches a decoded instance to the registered handler.
	// conn is whatever the owning connection passed to Unpack, so
	// handlers can respond on the same connection.
	Invoke func(conn interface{}, obj interface{})
}

type outgoingEvent struct {
	rpc *RPC
	obj interface{}
	seq uint16
}

type orderedArrival struct {
	rpc  *RPC
	conn interface{}
	obj  interface{}
}

// Channel is one connection's event/RPC state.
type Channel struct {
	mu sync.Mutex

	isServer       bool
	rpcs           map[typedb.Handle]*RPC
	queues         [numDisciplines][]*outgoingEvent
	minPaddingBits int

	nextOrderedSeq uint16
	nextDeliverSeq uint16
	pendingOrdered map[uint16]orderedArrival
}

// NewChannel creates an event channel for one side of a connection.
// isServer distinguishes which RPCs may legally be posted/received
// locally, per their declared Direction. minPaddingBits is the safety
// margin Pack leaves unfilled rather than splitting an event across
// datagrams; callers pass ConnectionConfig.MinPaddingBits so one knob
// governs both the ghost and event packers.
func NewChannel(isServer bool, minPaddingBits int) *Channel {
	if minPaddingBits <= 0 {
		minPaddingBits = 8
	}
	return &Channel{
		isServer:       isServer,
		rpcs:           make(map[typedb.Handle]*RPC),
		minPaddingBits: minPaddingBits,
		nextDeliverSeq: 1,
		pendingOrdered: make(map[uint16]orderedArrival),
	}
}

// RegisterRPC declares a remote method. It is an error to register the
// same handle twice.
func (c *Channel) RegisterRPC(rpc RPC) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.rpcs[rpc.Handle]; exists {
		return fmt.Errorf("event: rpc handle %d already registered", rpc.Handle)
	}
	cp := rpc
	c.rpcs[rpc.Handle] = &cp
	return nil
}

// PostEvent appends obj (an instance of a registered RPC's type) to the
// correct outgoing queue. It never blocks.
func (c *Channel) PostEvent(handle typedb.Handle, obj interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rpc, ok := c.rpcs[handle]
	if !ok {
		return fmt.Errorf("%w: unknown handle %d", ErrIllegalRPC, handle)
	}
	if err := c.checkDirectionLocked(rpc, true); err != nil {
		return err
	}

	ev := &outgoingEvent{rpc: rpc, obj: obj}
	if rpc.Discipline == GuaranteedOrdered {
		c.nextOrderedSeq++
		ev.seq = c.nextOrderedSeq
	}
	c.queues[rpc.Discipline] = append(c.queues[rpc.Discipline], ev)
	return nil
}

// Pack packs as many queued events as fit into maxBits of writer,
// attaching guaranteed/guaranteed-ordered events to entry so that a
// later loss re-queues them. Order within a queue is FIFO; queues are
// drained guaranteed-ordered first, then guaranteed, then unguaranteed,
// so reliable traffic is prioritized over best-effort traffic when a
// datagram is tight on space.
func (c *Channel) Pack(w *bitstream.Writer, maxBits int, entry *notify.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	order := [numDisciplines]Discipline{GuaranteedOrdered, Guaranteed, Unguaranteed}
	for _, d := range order {
		queue := c.queues[d]
		i := 0
		for i < len(queue) {
			ev := queue[i]
			start := w.BitPosition()
			if maxBits-start < c.minPaddingBits {
				break
			}
			w.WriteBool(true)
			w.WriteUnsigned(uint32(ev.rpc.Handle), eventHandleBits)
			w.WriteUnsigned(uint32(d), 2)
			if d == GuaranteedOrdered {
				w.WriteUnsigned(uint32(ev.seq), 16)
			}
			typedb.WriteObject(w, ev.rpc.Descriptor, ev.obj, allMask(ev.rpc.Descriptor), true, 0, 0)

			if maxBits-w.BitPosition() < c.minPaddingBits {
				w.SetBitPosition(start)
				break
			}
			if d != Unguaranteed {
				entry.Attach(&eventAttachment{channel: c, discipline: d, event: ev})
			}
			i++
		}
		c.queues[d] = append([]*outgoingEvent{}, queue[i:]...)
	}
	w.WriteBool(false) // continuation terminator
}

// Unpack decodes and dispatches every event in r until the continuation
// list ends. conn is forwarded to RPC.Invoke so handlers can respond.
func (c *Channel) Unpack(r *bitstream.Reader, conn interface{}) error {
	for {
		more, err := r.ReadBool()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}

		handleVal, err := r.ReadUnsigned(eventHandleBits)
		if err != nil {
			return err
		}
		discVal, err := r.ReadUnsigned(2)
		if err != nil {
			return err
		}
		discipline := Discipline(discVal)

		var seq uint16
		if discipline == GuaranteedOrdered {
			s, err := r.ReadUnsigned(16)
			if err != nil {
				return err
			}
			seq = uint16(s)
		}

		c.mu.Lock()
		rpc, ok := c.rpcs[typedb.Handle(handleVal)]
		var dirErr error
		if ok {
			dirErr = c.checkDirectionLocked(rpc, false)
		}
		c.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: unknown handle %d", ErrIllegalRPC, handleVal)
		}
		if dirErr != nil {
			return dirErr
		}
		if discipline != rpc.Discipline {
			return fmt.Errorf("%w: %s registered with discipline %d, received %d", ErrIllegalRPC, rpc.Descriptor.Name, rpc.Discipline, discipline)
		}

		obj := rpc.New()
		if err := typedb.ReadObject(r, rpc.Descriptor, obj, allMask(rpc.Descriptor), true); err != nil {
			return err
		}

		switch discipline {
		case GuaranteedOrdered:
			c.deliverOrdered(seq, rpc, conn, obj)
		default:
			rpc.Invoke(conn, obj)
		}
	}
}

func (c *Channel) deliverOrdered(seq uint16, rpc *RPC, conn interface{}, obj interface{}) {
	c.mu.Lock()
	c.pendingOrdered[seq] = orderedArrival{rpc: rpc, conn: conn, obj: obj}
	var ready []orderedArrival
	for {
		arrival, ok := c.pendingOrdered[c.nextDeliverSeq]
		if !ok {
			break
		}
		ready = append(ready, arrival)
		delete(c.pendingOrdered, c.nextDeliverSeq)
		c.nextDeliverSeq++
	}
	c.mu.Unlock()

	for _, a := range ready {
		a.rpc.Invoke(a.conn, a.obj)
	}
}

// checkDirectionLocked validates that the local role (server/client) may
// send (sending=true) or receive (sending=false) rpc, per its declared
// Direction. Must be called with c.mu held.
func (c *Channel) checkDirectionLocked(rpc *RPC, sending bool) error {
	// The role allowed to *originate* a ClientToServer RPC is the
	// client; the role allowed to *receive* it is the server, and
	// symmetrically for ServerToClient.
	switch rpc.Direction {
	case ClientToServer:
		if sending && c.isServer {
			return fmt.Errorf("%w: %s is client-to-server only", ErrIllegalRPC, rpc.Descriptor.Name)
		}
		if !sending && !c.isServer {
			return fmt.Errorf("%w: %s is client-to-server only", ErrIllegalRPC, rpc.Descriptor.Name)
		}
	case ServerToClient:
		if sending && !c.isServer {
			return fmt.Errorf("%w: %s is server-to-client only", ErrIllegalRPC, rpc.Descriptor.Name)
		}
		if !sending && c.isServer {
			return fmt.Errorf("%w: %s is server-to-client only", ErrIllegalRPC, rpc.Descriptor.Name)
		}
	}
	return nil
}

func (c *Channel) requeueAtHead(d Discipline, ev *outgoingEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[d] = append([]*outgoingEvent{ev}, c.queues[d]...)
}

// eventAttachment ties one packed guaranteed/guaranteed-ordered event to
// its datagram's notify entry.
type eventAttachment struct {
	channel    *Channel
	discipline Discipline
	event      *outgoingEvent
}

func (a *eventAttachment) Delivered() {} // already removed from its queue

func (a *eventAttachment) Lost() {
	a.channel.requeueAtHead(a.discipline, a.event)
}

func allMask(desc *typedb.Descriptor) uint32 {
	var m uint32
	for _, f := range desc.Fields() {
		m |= uint32(1) << f.StateBit
	}
	return m
}
