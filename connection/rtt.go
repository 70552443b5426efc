package connection

import (
	"time"

	"github.com/jabolina/tnlgo/internal/event"
	"github.com/jabolina/tnlgo/internal/typedb"
)

// Connection round-trip estimation, recovered from the original
// engine's ping/pong exchange: a periodic ping event carries a
// locally-meaningful sequence number -- no wall-clock value crosses
// the wire, since global clock sync stays out of scope -- and the
// matching pong's arrival yields one RTT sample, folded into an
// exponentially-weighted smoothed estimate.

const (
	handlePing typedb.Handle = 0xfffa
	handlePong typedb.Handle = 0xfffb
)

// pingPeriod paces the ping/pong exchange independently of the tick
// period: RTT doesn't need to be resampled every datagram.
const pingPeriod = time.Second

// rttSmoothing is the EWMA weight given to each new sample, matching the
// 1/8 weight the original's ping/pong estimator and most TCP-derived RTT
// estimators use.
const rttSmoothing = 0.125

type seqMessage struct {
	Sequence uint32
}

func seqField() typedb.Field {
	return typedb.UintField("sequence", 0, true, 32,
		func(obj interface{}) uint32 { return obj.(*seqMessage).Sequence },
		func(obj interface{}, v uint32) { obj.(*seqMessage).Sequence = v })
}

var (
	pingDescriptor = typedb.NewDescriptor(handlePing, "tnlgo.ping", nil, seqField())
	pongDescriptor = typedb.NewDescriptor(handlePong, "tnlgo.pong", nil, seqField())
)

func registerPingPong(db *typedb.Database, ch *event.Channel, conn *Connection) error {
	if err := db.Register(pingDescriptor); err != nil {
		return err
	}
	if err := db.Register(pongDescriptor); err != nil {
		return err
	}

	newSeqMsg := func() interface{} { return &seqMessage{} }

	if err := ch.RegisterRPC(event.RPC{
		Handle:     handlePing,
		Descriptor: pingDescriptor,
		Direction:  event.Bidirectional,
		Discipline: event.Unguaranteed,
		New:        newSeqMsg,
		Invoke: func(c interface{}, obj interface{}) {
			conn.onPing(obj.(*seqMessage).Sequence)
		},
	}); err != nil {
		return err
	}

	return ch.RegisterRPC(event.RPC{
		Handle:     handlePong,
		Descriptor: pongDescriptor,
		Direction:  event.Bidirectional,
		Discipline: event.Unguaranteed,
		New:        newSeqMsg,
		Invoke: func(c interface{}, obj interface{}) {
			conn.onPong(obj.(*seqMessage).Sequence)
		},
	})
}

func (c *Connection) maybePing(now time.Time) {
	if !c.lastPingAt.IsZero() && now.Sub(c.lastPingAt) < pingPeriod {
		return
	}
	c.lastPingAt = now

	c.mu.Lock()
	c.nextPingSeq++
	seq := c.nextPingSeq
	c.pendingPings[seq] = now
	c.mu.Unlock()

	if err := c.events.PostEvent(handlePing, &seqMessage{Sequence: seq}); err != nil {
		c.log.Debugf("connection %d: failed posting ping: %v", c.id, err)
	}
}

func (c *Connection) onPing(seq uint32) {
	if err := c.events.PostEvent(handlePong, &seqMessage{Sequence: seq}); err != nil {
		c.log.Debugf("connection %d: failed posting pong: %v", c.id, err)
	}
}

func (c *Connection) onPong(seq uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sentAt, ok := c.pendingPings[seq]
	if !ok {
		return
	}
	delete(c.pendingPings, seq)
	sample := time.Since(sentAt)
	if c.smoothedRTT == 0 {
		c.smoothedRTT = sample
		return
	}
	c.smoothedRTT = time.Duration((1-rttSmoothing)*float64(c.smoothedRTT) + rttSmoothing*float64(sample))
}
