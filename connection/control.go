package connection

import (
	"github.com/jabolina/tnlgo/internal/event"
	"github.com/jabolina/tnlgo/internal/typedb"
)

// Ghost activation ("activation handshake") rides the
// ordinary event channel as three reserved, bidirectional, guaranteed
// RPCs rather than inventing a fourth wire section: start-ghosting
// carries the new session id, ready-ghosting echoes it back once the
// peer's mirror table is ready to receive creates, and end-ghosting
// carries the bumped session id that accompanies reset_ghosting.
const (
	handleStartGhosting typedb.Handle = 0xfffd
	handleReadyGhosting typedb.Handle = 0xfffe
	handleEndGhosting   typedb.Handle = 0xffff
)

type sessionMessage struct {
	Session uint32
}

func sessionField() typedb.Field {
	return typedb.UintField("session", 0, true, 32,
		func(obj interface{}) uint32 { return obj.(*sessionMessage).Session },
		func(obj interface{}, v uint32) { obj.(*sessionMessage).Session = v })
}

var (
	startGhostingDescriptor = typedb.NewDescriptor(handleStartGhosting, "tnlgo.start_ghosting", nil, sessionField())
	readyGhostingDescriptor = typedb.NewDescriptor(handleReadyGhosting, "tnlgo.ready_ghosting", nil, sessionField())
	endGhostingDescriptor   = typedb.NewDescriptor(handleEndGhosting, "tnlgo.end_ghosting", nil, sessionField())
)

// registerControlRPCs installs the ghost-activation control messages
// into db (idempotent: the descriptors are package-level values, so
// repeated registration across connections sharing one database is a
// no-op after the first) and wires their dispatch to conn.
func registerControlRPCs(db *typedb.Database, ch *event.Channel, conn *Connection) error {
	for _, desc := range []*typedb.Descriptor{startGhostingDescriptor, readyGhostingDescriptor, endGhostingDescriptor} {
		if err := db.Register(desc); err != nil {
			return err
		}
	}

	newSessionMsg := func() interface{} { return &sessionMessage{} }

	if err := ch.RegisterRPC(event.RPC{
		Handle:     handleStartGhosting,
		Descriptor: startGhostingDescriptor,
		Direction:  event.Bidirectional,
		Discipline: event.Guaranteed,
		New:        newSessionMsg,
		Invoke: func(c interface{}, obj interface{}) {
			conn.onStartGhosting(obj.(*sessionMessage).Session)
		},
	}); err != nil {
		return err
	}

	if err := ch.RegisterRPC(event.RPC{
		Handle:     handleReadyGhosting,
		Descriptor: readyGhostingDescriptor,
		Direction:  event.Bidirectional,
		Discipline: event.Guaranteed,
		New:        newSessionMsg,
		Invoke: func(c interface{}, obj interface{}) {
			conn.onReadyGhosting(obj.(*sessionMessage).Session)
		},
	}); err != nil {
		return err
	}

	if err := ch.RegisterRPC(event.RPC{
		Handle:     handleEndGhosting,
		Descriptor: endGhostingDescriptor,
		Direction:  event.Bidirectional,
		Discipline: event.Guaranteed,
		New:        newSessionMsg,
		Invoke: func(c interface{}, obj interface{}) {
			conn.onEndGhosting(obj.(*sessionMessage).Session)
		},
	}); err != nil {
		return err
	}

	return nil
}

func postSession(ch *event.Channel, handle typedb.Handle, session uint32) error {
	return ch.PostEvent(handle, &sessionMessage{Session: session})
}
