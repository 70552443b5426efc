// Package ghost implements Component D: the scoped,
// priority-driven replication engine. Each connection owns one Manager,
// which maintains a fixed-size array of ghost records partitioned into
// three contiguous regions (dirty / idle / free), runs the scope query,
// scores and packs dirty records in priority order, and drives
// create/update/destroy messages through the notify protocol
// (internal/notify).
package ghost

import (
	"errors"

	"github.com/jabolina/tnlgo/internal/typedb"
)

// ObjectID is the stable in-process identifier of a replicated object,
// a hash id rather than a pointer so it survives relocation.
type ObjectID uint64

// ErrGhostAddFailed is returned (wrapped) when a receiver's OnGhostAdd
// hook refuses a create; fatal to the connection.
var ErrGhostAddFailed = errors.New("ghost: ghost add refused")

// ErrProtocolError covers malformed wire data: an unknown ghost index on
// update, or a class index the type database doesn't recognize.
var ErrProtocolError = errors.New("ghost: protocol error")

// GhostedObject is the lifecycle-hook subset every replicated type's
// receive-side mirror implements.
type GhostedObject interface {
	// OnGhostAdd is invoked once the object's first (create) update has
	// been decoded. Returning false fails the connection
	// (ErrGhostAddFailed).
	OnGhostAdd(conn interface{}) bool

	// OnGhostRemove is invoked when the source destroys the ghost, or
	// the connection tears down.
	OnGhostRemove()

	// OnGhostUpdate is invoked after every decoded (non-create) update,
	// reporting which fields changed.
	OnGhostUpdate(mask uint32)
}

// Source is implemented by the authoritative side of a replicated
// object: it carries GhostedObject's hooks plus the identity, type, and
// scope/priority hooks below.
type Source interface {
	GhostedObject

	ObjectID() ObjectID
	TypeHandle() typedb.Handle

	// Ghostable reports whether this type may ever cross the wire.
	Ghostable() bool

	// OnGhostAvailable fires once a create has been acknowledged
	// delivered.
	OnGhostAvailable(conn interface{})

	// GetUpdatePriority scores a pending update for the write-phase
	// sort.
	GetUpdatePriority(scope ScopeObject, updateMask uint32, updateSkipCount int) float64
}

// ScopeObject determines which replicated objects are in scope for one
// connection.
type ScopeObject interface {
	// PerformScopeQuery must call mark(obj) for every Source currently
	// in scope for this connection. This plays the role of the
	// original's repeated object_in_scope(obj) calls: mark *is*
	// object_in_scope, supplied by the Manager.
	PerformScopeQuery(conn interface{}, mark func(obj Source))
}
